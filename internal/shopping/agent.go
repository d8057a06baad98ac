// Package shopping implements the user-side shopping agent: it walks a
// session through intent, cart, and payment mandates, drives the WebAuthn
// ceremonies against the credential provider, and relays signed payloads to
// the merchant agent.
package shopping

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ap2fed/server/internal/a2a"
	"github.com/ap2fed/server/internal/did"
	apperrors "github.com/ap2fed/server/internal/errors"
	"github.com/ap2fed/server/internal/mandate"
	"github.com/ap2fed/server/internal/ttlstore"
	"github.com/ap2fed/server/internal/webauthn"
)

const (
	// SessionTTL bounds an idle shopping session.
	SessionTTL = time.Hour
	// DefaultIntentLifetime applies when the user sets no intent expiry.
	DefaultIntentLifetime = 24 * time.Hour
	// attemptWindow is the velocity-scoring window for payment attempts.
	attemptWindow = time.Hour
)

// PaymentMethod is the redacted instrument view the credential provider
// exposes to the agent.
type PaymentMethod struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	Network        string `json:"network"`
	Last4          string `json:"last4"`
	DisplayName    string `json:"display_name"`
	RequiresStepUp bool   `json:"requires_step_up"`
}

// StepUp is the agent's view of a step-up session.
type StepUp struct {
	ID        string `json:"session_id"`
	Challenge string `json:"challenge"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// CredentialAPI is what the agent needs from the credential provider. The
// local adapter wraps the in-process service; the HTTP client speaks to a
// remote one.
type CredentialAPI interface {
	Challenge(ctx context.Context, userDID string) (string, error)
	// VerifyAttestation checks an assertion against a challenge; when a
	// payment-method token rides along it is exchanged for a network agent
	// token.
	VerifyAttestation(ctx context.Context, userDID, challenge string, assertion *webauthn.Assertion, paymentMethodToken string) (agentToken string, err error)
	PaymentMethods(ctx context.Context, userDID string) ([]PaymentMethod, error)
	TokenizeMethod(ctx context.Context, userDID, methodID string) (string, error)
	InitiateStepUp(ctx context.Context, userDID, reason string) (*StepUp, error)
	CompleteStepUp(ctx context.Context, sessionID string, assertion *webauthn.Assertion) (*StepUp, error)
}

// Relay forwards envelopes to another agent.
type Relay interface {
	Send(ctx context.Context, recipient, dataType string, payload interface{}) (*a2a.Message, error)
}

// Agent is the shopping agent role.
type Agent struct {
	DID              string
	merchantAgentDID string
	processorDID     string

	credentials CredentialAPI
	relay       Relay
	resolver    *did.Resolver

	sessions    *ttlstore.Store[Session]
	ownSessions bool                 // sessions store created here, so Close stops it
	attempts    *ttlstore.Store[int] // user did -> payment attempts this window

	log zerolog.Logger
}

// Config wires an Agent.
type Config struct {
	DID              string
	MerchantAgentDID string
	ProcessorDID     string
	Credentials      CredentialAPI
	Relay            Relay
	Resolver         *did.Resolver
	Sessions         *ttlstore.Store[Session]
	Logger           zerolog.Logger
}

// New creates the agent.
func New(cfg Config) *Agent {
	sessions := cfg.Sessions
	ownSessions := false
	if sessions == nil {
		sessions = ttlstore.New[Session](4096, time.Minute)
		ownSessions = true
	}
	return &Agent{
		DID:              cfg.DID,
		merchantAgentDID: cfg.MerchantAgentDID,
		processorDID:     cfg.ProcessorDID,
		credentials:      cfg.Credentials,
		relay:            cfg.Relay,
		resolver:         cfg.Resolver,
		sessions:         sessions,
		ownSessions:      ownSessions,
		attempts:         ttlstore.New[int](4096, time.Minute),
		log:              cfg.Logger,
	}
}

// Close stops the agent's internal stores.
func (a *Agent) Close() {
	a.attempts.Stop()
	if a.ownSessions {
		a.sessions.Stop()
	}
}

// StartSession opens a fresh session for a user.
func (a *Agent) StartSession(ctx context.Context, userDID string) (*Session, error) {
	if userDID == "" {
		return nil, apperrors.New(apperrors.ErrCodeSchemaInvalid, "user_did is required")
	}
	now := time.Now()
	sess := Session{
		ID:        "sess_" + uuid.NewString()[:8],
		UserDID:   userDID,
		State:     StateInitial,
		CreatedAt: now,
		UpdatedAt: now,
	}
	a.sessions.Put(sess.ID, sess, SessionTTL)
	a.log.Info().Str("session_id", sess.ID).Str("user_did", userDID).Msg("shopping session started")
	return &sess, nil
}

// Session fetches a live session.
func (a *Agent) Session(sessionID string) (*Session, error) {
	sess, ok := a.sessions.Get(sessionID)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeSessionNotFound, "no shopping session %s", sessionID)
	}
	return &sess, nil
}

// IntentDraft is the user's raw purchase request before it becomes a mandate.
type IntentDraft struct {
	Description           string                         `json:"natural_language_description"`
	IntentExpiry          time.Time                      `json:"intent_expiry,omitempty"`
	MaxAmount             *mandate.PaymentCurrencyAmount `json:"max_amount,omitempty"`
	Merchants             []string                       `json:"merchants,omitempty"`
	SKUs                  []string                       `json:"skus,omitempty"`
	RequiresRefundability bool                           `json:"requires_refundability,omitempty"`
	ConfirmationRequired  bool                           `json:"user_cart_confirmation_required,omitempty"`
	ShippingAddress       *mandate.ContactAddress        `json:"shipping_address,omitempty"`
}

// CollectIntent turns a draft into an intent mandate and opens the WebAuthn
// ceremony that will confirm it. The returned challenge goes to the user's
// authenticator.
func (a *Agent) CollectIntent(ctx context.Context, sessionID string, draft IntentDraft) (*Session, string, error) {
	sess, err := a.Session(sessionID)
	if err != nil {
		return nil, "", err
	}
	if draft.Description == "" {
		return nil, "", apperrors.New(apperrors.ErrCodeSchemaInvalid, "intent needs a natural_language_description")
	}

	expiry := draft.IntentExpiry
	if expiry.IsZero() {
		expiry = time.Now().Add(DefaultIntentLifetime)
	}
	sess.Intent = &mandate.IntentEnvelope{
		ID: "intent_" + uuid.NewString()[:8],
		Mandate: mandate.IntentMandate{
			NaturalLanguageDescription:   draft.Description,
			IntentExpiry:                 expiry,
			UserCartConfirmationRequired: draft.ConfirmationRequired,
			Merchants:                    draft.Merchants,
			SKUs:                         draft.SKUs,
			RequiresRefundability:        draft.RequiresRefundability,
		},
		MaxAmount: draft.MaxAmount,
	}
	sess.ShippingAddress = draft.ShippingAddress

	challenge, err := a.credentials.Challenge(ctx, sess.UserDID)
	if err != nil {
		return nil, "", err
	}
	sess.PendingChallenge = challenge

	if err := a.advance(sess, StateIntentCollected); err != nil {
		return nil, "", err
	}
	return sess, challenge, nil
}

// ConfirmIntent verifies the intent-confirmation assertion and seals the
// intent envelope.
func (a *Agent) ConfirmIntent(ctx context.Context, sessionID string, assertion *webauthn.Assertion) (*Session, error) {
	sess, err := a.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Intent == nil || sess.PendingChallenge == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidStateTransition, "no intent ceremony in flight")
	}

	if _, err := a.credentials.VerifyAttestation(ctx, sess.UserDID, sess.PendingChallenge, assertion, ""); err != nil {
		return nil, err
	}
	sess.Intent.Assertion = assertionRecord(assertion)
	sess.PendingChallenge = ""

	if err := a.advance(sess, StateIntentConfirmed); err != nil {
		return nil, err
	}
	a.log.Info().Str("session_id", sess.ID).Str("intent_id", sess.Intent.ID).Msg("intent confirmed")
	return sess, nil
}

// RequestCartCandidates sends the confirmed intent to the merchant agent and
// collects the signed cart candidates it answers with.
func (a *Agent) RequestCartCandidates(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := a.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State != StateIntentConfirmed {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidStateTransition, "session is %s, not intent_confirmed", sess.State)
	}

	resp, err := a.relay.Send(ctx, a.merchantAgentDID, a2a.TypeCartRequest, map[string]interface{}{
		"intent":           sess.Intent,
		"shipping_address": sess.ShippingAddress,
	})
	if err != nil {
		return nil, err
	}

	candidates, err := decodeCartCandidates(resp.DataPart.Payload)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeInvalidCart, "merchant agent returned no candidates")
	}
	sess.Candidates = candidates

	if err := a.advance(sess, StateCartOptions); err != nil {
		return nil, err
	}
	a.log.Info().Str("session_id", sess.ID).Int("candidates", len(candidates)).Msg("cart candidates received")
	return sess, nil
}

// SelectCart picks one candidate. The merchant signature is re-verified here
// so a tampered candidate fails fast, before the user confirms anything; the
// processor's check remains canonical. When the intent demands explicit cart
// confirmation the returned challenge opens that ceremony, otherwise it is
// empty and the session advances straight to cart_confirmed.
func (a *Agent) SelectCart(ctx context.Context, sessionID, cartID string) (*Session, string, error) {
	sess, err := a.Session(sessionID)
	if err != nil {
		return nil, "", err
	}
	cm := sess.candidate(cartID)
	if cm == nil {
		return nil, "", apperrors.Newf(apperrors.ErrCodeInvalidCart, "cart %s is not among the candidates", cartID)
	}

	var allowed []string
	if sess.Intent != nil {
		allowed = sess.Intent.Mandate.Merchants
	}
	verifier := &mandate.MerchantAuthVerifier{Resolver: a.resolver, SelfDID: a.processorDID}
	if _, err := verifier.Verify(ctx, cm.MerchantAuthorization, cm.Contents, allowed); err != nil {
		return nil, "", err
	}

	sess.Selected = cm
	if err := a.advance(sess, StateCartSelected); err != nil {
		return nil, "", err
	}

	if !cm.Contents.UserCartConfirmationRequired {
		if err := a.advance(sess, StateCartConfirmed); err != nil {
			return nil, "", err
		}
		return sess, "", nil
	}

	challenge, err := a.credentials.Challenge(ctx, sess.UserDID)
	if err != nil {
		return nil, "", err
	}
	sess.PendingChallenge = challenge
	a.persist(sess)
	return sess, challenge, nil
}

// ConfirmCart verifies the cart-confirmation assertion.
func (a *Agent) ConfirmCart(ctx context.Context, sessionID string, assertion *webauthn.Assertion) (*Session, error) {
	sess, err := a.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State != StateCartSelected || sess.PendingChallenge == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidStateTransition, "no cart ceremony in flight")
	}

	if _, err := a.credentials.VerifyAttestation(ctx, sess.UserDID, sess.PendingChallenge, assertion, ""); err != nil {
		return nil, err
	}
	sess.PendingChallenge = ""

	if err := a.advance(sess, StateCartConfirmed); err != nil {
		return nil, err
	}
	return sess, nil
}

// PaymentMethods lists the user's vaulted instruments.
func (a *Agent) PaymentMethods(ctx context.Context, sessionID string) ([]PaymentMethod, error) {
	sess, err := a.Session(sessionID)
	if err != nil {
		return nil, err
	}
	return a.credentials.PaymentMethods(ctx, sess.UserDID)
}

// ChooseMethod binds an instrument to the session. Methods that demand
// step-up park the session in step_up_pending and return the open step-up;
// everything else is tokenized immediately.
func (a *Agent) ChooseMethod(ctx context.Context, sessionID, methodID string) (*Session, *StepUp, error) {
	sess, err := a.Session(sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess.State != StateCartConfirmed {
		return nil, nil, apperrors.Newf(apperrors.ErrCodeInvalidStateTransition, "session is %s, not cart_confirmed", sess.State)
	}

	methods, err := a.credentials.PaymentMethods(ctx, sess.UserDID)
	if err != nil {
		return nil, nil, err
	}
	var method *PaymentMethod
	for i := range methods {
		if methods[i].ID == methodID {
			method = &methods[i]
			break
		}
	}
	if method == nil {
		return nil, nil, apperrors.Newf(apperrors.ErrCodeUnknownCredential, "no payment method %s for user", methodID)
	}
	sess.MethodID = methodID

	if method.RequiresStepUp {
		stepUp, err := a.credentials.InitiateStepUp(ctx, sess.UserDID, "high-risk payment method")
		if err != nil {
			return nil, nil, err
		}
		sess.StepUpID = stepUp.ID
		if err := a.advance(sess, StateStepUpPending); err != nil {
			return nil, nil, err
		}
		return sess, stepUp, nil
	}

	token, err := a.credentials.TokenizeMethod(ctx, sess.UserDID, methodID)
	if err != nil {
		return nil, nil, err
	}
	sess.PaymentToken = token
	if err := a.advance(sess, StateMethodChosen); err != nil {
		return nil, nil, err
	}
	return sess, nil, nil
}

// CompleteStepUp finishes the pending step-up and tokenizes the chosen
// method.
func (a *Agent) CompleteStepUp(ctx context.Context, sessionID string, assertion *webauthn.Assertion) (*Session, error) {
	sess, err := a.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State != StateStepUpPending || sess.StepUpID == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidStateTransition, "no step-up in flight")
	}

	if _, err := a.credentials.CompleteStepUp(ctx, sess.StepUpID, assertion); err != nil {
		return nil, err
	}
	token, err := a.credentials.TokenizeMethod(ctx, sess.UserDID, sess.MethodID)
	if err != nil {
		return nil, err
	}
	sess.PaymentToken = token

	if err := a.advance(sess, StateMethodChosen); err != nil {
		return nil, err
	}
	return sess, nil
}

// InitiatePayment opens the payment-confirmation ceremony. The returned
// challenge becomes the KB-JWT nonce once the user signs.
func (a *Agent) InitiatePayment(ctx context.Context, sessionID string) (*Session, string, error) {
	sess, err := a.Session(sessionID)
	if err != nil {
		return nil, "", err
	}
	if sess.State != StateMethodChosen {
		return nil, "", apperrors.Newf(apperrors.ErrCodeInvalidStateTransition, "session is %s, not payment_method_chosen", sess.State)
	}

	challenge, err := a.credentials.Challenge(ctx, sess.UserDID)
	if err != nil {
		return nil, "", err
	}
	sess.PendingChallenge = challenge
	a.persist(sess)
	return sess, challenge, nil
}

// capturePayload mirrors the processor's capture request shape.
type capturePayload struct {
	PaymentMandate mandate.PaymentMandate  `json:"payment_mandate"`
	CartMandate    mandate.CartMandate     `json:"cart_mandate"`
	Intent         *mandate.IntentEnvelope `json:"intent,omitempty"`
	PayerID        string                  `json:"payer_id,omitempty"`
}

// ConfirmPayment verifies the payment assertion, assembles the signed
// payment mandate, and relays it through the merchant agent for settlement.
// cnfJWK is the passkey public key as a JWK map; the processor needs it to
// verify the assertion independently of this agent's credential provider.
func (a *Agent) ConfirmPayment(ctx context.Context, sessionID string, assertion *webauthn.Assertion, cnfJWK map[string]interface{}) (*Session, error) {
	sess, err := a.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State != StateMethodChosen || sess.PendingChallenge == "" || sess.Selected == nil {
		return nil, apperrors.New(apperrors.ErrCodeInvalidStateTransition, "no payment ceremony in flight")
	}

	nonce, err := base64.RawURLEncoding.DecodeString(sess.PendingChallenge)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeChallengeExpired, "pending challenge is not base64url", err)
	}

	// The provider consumes the challenge and, with the payment token along,
	// swaps it for a network agent token.
	agentToken, err := a.credentials.VerifyAttestation(ctx, sess.UserDID, sess.PendingChallenge, assertion, sess.PaymentToken)
	if err != nil {
		return nil, err
	}
	sess.AgentToken = agentToken

	instrumentToken := agentToken
	if instrumentToken == "" {
		instrumentToken = sess.PaymentToken
	}
	// The processor settles on the network agent token but the credential
	// provider only recognises its own method token, so both travel.
	tokenDetails := map[string]interface{}{"token": instrumentToken}
	if sess.PaymentToken != "" && sess.PaymentToken != instrumentToken {
		tokenDetails["payment_method_token"] = sess.PaymentToken
	}

	details := sess.Selected.Contents.PaymentRequest.Details
	contents := mandate.PaymentMandateContents{
		PaymentMandateID:    "pmdt_" + uuid.NewString()[:8],
		PaymentDetailsID:    details.ID,
		PaymentDetailsTotal: details.Total,
		PaymentResponse: mandate.PaymentResponse{
			RequestID:  details.ID,
			MethodName: "CARD",
			Details:    tokenDetails,
		},
		MerchantAgent: a.merchantAgentDID,
		Timestamp:     time.Now().UTC(),
	}

	cartHash, err := mandate.CartHash(sess.Selected.Contents)
	if err != nil {
		return nil, err
	}
	paymentHash, err := mandate.PaymentHash(contents)
	if err != nil {
		return nil, err
	}
	userAuth, err := mandate.BuildUserAuthorization(sess.UserDID, a.processorDID, cnfJWK, assertion, cartHash, paymentHash, nonce)
	if err != nil {
		return nil, err
	}

	attempts := a.recordAttempt(sess.UserDID)
	pm := mandate.PaymentMandate{
		PaymentMandateContents: contents,
		UserAuthorization:      userAuth,
		RiskData:               a.assessRisk(ctx, sess, attempts),
	}
	sess.PendingChallenge = ""
	if err := a.advance(sess, StateMandateSigned); err != nil {
		return nil, err
	}

	resp, err := a.relay.Send(ctx, a.merchantAgentDID, a2a.TypePaymentMandate, capturePayload{
		PaymentMandate: pm,
		CartMandate:    *sess.Selected,
		Intent:         sess.Intent,
		PayerID:        sess.UserDID,
	})
	if err != nil {
		a.persist(sess)
		return nil, err
	}

	sess.Result = resp.DataPart.Payload
	if err := a.advance(sess, StateSettled); err != nil {
		return nil, err
	}
	a.log.Info().Str("session_id", sess.ID).Str("payment_mandate_id", contents.PaymentMandateID).Msg("payment settled")
	return sess, nil
}

// RequestRefund asks the processor, via the merchant agent, to refund the
// session's settled transaction.
func (a *Agent) RequestRefund(ctx context.Context, sessionID, reason string) (json.RawMessage, error) {
	sess, err := a.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State != StateSettled || len(sess.Result) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeInvalidStateTransition, "session has no settled payment")
	}

	var result struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := json.Unmarshal(sess.Result, &result); err != nil || result.TransactionID == "" {
		return nil, apperrors.New(apperrors.ErrCodeTransactionNotFound, "settlement result names no transaction")
	}

	resp, err := a.relay.Send(ctx, a.merchantAgentDID, a2a.TypeRefundRequest, map[string]string{
		"transaction_id": result.TransactionID,
		"reason":         reason,
	})
	if err != nil {
		return nil, err
	}
	return resp.DataPart.Payload, nil
}

// assessRisk scores the pending payment. The output is advisory and rides
// along in the payment mandate's risk_data.
func (a *Agent) assessRisk(ctx context.Context, sess *Session, attempts int) map[string]interface{} {
	network := ""
	// Network comes from the chosen method when it is still listed.
	if sess.MethodID != "" {
		if methods, err := a.credentials.PaymentMethods(ctx, sess.UserDID); err == nil {
			for _, m := range methods {
				if m.ID == sess.MethodID {
					network = m.Network
					break
				}
			}
		}
	}

	var maxAmount *mandate.PaymentCurrencyAmount
	if sess.Intent != nil {
		maxAmount = sess.Intent.MaxAmount
	}
	assessment := ScoreRisk(RiskInput{
		Amount:          sess.Selected.Contents.PaymentRequest.Details.Total.Amount,
		IntentCap:       maxAmount,
		CardNotPresent:  true,
		MethodNetwork:   network,
		RecentAttempts:  attempts,
		ShippingAddress: sess.ShippingAddress,
		Timestamp:       time.Now(),
		AgentInvolved:   true,
	})
	return map[string]interface{}{
		"risk_score":       assessment.RiskScore,
		"risk_level":       assessment.RiskLevel,
		"fraud_indicators": assessment.FraudIndicators,
		"recommendation":   assessment.Recommendation,
	}
}

// recordAttempt bumps the user's payment-attempt counter and returns the
// count before this attempt.
func (a *Agent) recordAttempt(userDID string) int {
	count, _ := a.attempts.Get(userDID)
	a.attempts.Put(userDID, count+1, attemptWindow)
	return count
}

// advance moves the session through the state machine and persists it.
func (a *Agent) advance(sess *Session, next State) error {
	if !sess.State.CanAdvanceTo(next) {
		return apperrors.Newf(apperrors.ErrCodeInvalidStateTransition, "cannot move session from %s to %s", sess.State, next)
	}
	sess.State = next
	a.persist(sess)
	return nil
}

func (a *Agent) persist(sess *Session) {
	sess.UpdatedAt = time.Now()
	a.sessions.Update(sess.ID, *sess)
}

// decodeCartCandidates unpacks the merchant agent's artifact reply into cart
// mandates.
func decodeCartCandidates(payload json.RawMessage) ([]mandate.CartMandate, error) {
	var artifact a2a.Artifact
	if err := json.Unmarshal(payload, &artifact); err != nil || !artifact.IsArtifact {
		return nil, apperrors.New(apperrors.ErrCodeSchemaInvalid, "reply is not a cart candidates artifact")
	}
	var out []mandate.CartMandate
	for _, part := range artifact.ArtifactData {
		if part.Kind != "data" || part.DataKey != a2a.TypeCartMandate {
			continue
		}
		raw, err := json.Marshal(part.Data)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeSchemaInvalid, "candidate part is not encodable", err)
		}
		var cm mandate.CartMandate
		if err := json.Unmarshal(raw, &cm); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeSchemaInvalid, "candidate part is not a cart mandate", err)
		}
		out = append(out, cm)
	}
	return out, nil
}

// assertionRecord flattens an assertion for storage inside the intent
// envelope.
func assertionRecord(assertion *webauthn.Assertion) map[string]interface{} {
	if assertion == nil {
		return nil
	}
	raw, err := json.Marshal(assertion)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
