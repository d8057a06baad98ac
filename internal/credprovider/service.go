// Package credprovider implements the credential provider: passkey
// registration and verification, payment method vaulting and tokenisation,
// step-up sessions, and the receipt inbox. Raw card data never leaves this
// service; peers only ever see opaque tokens and last-four digits.
package credprovider

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "github.com/ap2fed/server/internal/errors"
	"github.com/ap2fed/server/internal/logger"
	"github.com/ap2fed/server/internal/metrics"
	"github.com/ap2fed/server/internal/storage"
	"github.com/ap2fed/server/internal/ttlstore"
	"github.com/ap2fed/server/internal/webauthn"
)

const (
	// ChallengeTTL bounds a WebAuthn ceremony.
	ChallengeTTL = 60 * time.Second
	// PaymentTokenTTL bounds a payment-method token.
	PaymentTokenTTL = 15 * time.Minute
	// StepUpTTL bounds a step-up session.
	StepUpTTL = 10 * time.Minute
)

// PaymentMethod is a vaulted instrument. The PAN stays internal; only the
// redacted view is ever serialized.
type PaymentMethod struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"` // CARD
	Network        string `json:"network"`
	Last4          string `json:"last4"`
	DisplayName    string `json:"display_name"`
	ExpiryMonth    int    `json:"expiry_month"`
	ExpiryYear     int    `json:"expiry_year"`
	RequiresStepUp bool   `json:"requires_step_up"`

	pan string
}

// TokenRecord is the vault entry behind an issued payment-method token.
type TokenRecord struct {
	UserDID         string
	MethodID        string
	Network         string
	Last4           string
	StepUpCompleted bool
}

// StepUpStatus is the lifecycle of a step-up session.
type StepUpStatus string

const (
	StepUpPending   StepUpStatus = "pending"
	StepUpCompleted StepUpStatus = "completed"
)

// StepUpSession is one pending or completed step-up verification.
type StepUpSession struct {
	ID        string       `json:"session_id"`
	UserDID   string       `json:"user_did"`
	Reason    string       `json:"reason,omitempty"`
	Challenge string       `json:"challenge"` // base64url
	Status    StepUpStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// NetworkTokenizer exchanges a payment-method token for a network agent
// token. Implemented by the payment network HTTP client.
type NetworkTokenizer interface {
	Tokenize(ctx context.Context, paymentMethodToken, userDID string) (agentToken string, expiresAt time.Time, err error)
}

// Service is the credential provider role.
type Service struct {
	rpID           string
	allowedOrigins []string

	store      storage.Store
	challenges *ttlstore.Store[string]        // challenge key -> user did
	tokens     *ttlstore.Store[TokenRecord]   // pm token -> vault entry
	stepups    *ttlstore.Store[StepUpSession] // session id -> session
	network    NetworkTokenizer

	mu      sync.RWMutex
	methods map[string][]PaymentMethod // user did -> instruments

	log     zerolog.Logger
	metrics *metrics.Metrics
}

// Config wires a Service.
type Config struct {
	RPID           string
	AllowedOrigins []string
	Store          storage.Store
	Challenges     *ttlstore.Store[string]
	Tokens         *ttlstore.Store[TokenRecord]
	StepUps        *ttlstore.Store[StepUpSession]
	Network        NetworkTokenizer
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
}

// New creates the service.
func New(cfg Config) *Service {
	return &Service{
		rpID:           cfg.RPID,
		allowedOrigins: cfg.AllowedOrigins,
		store:          cfg.Store,
		challenges:     cfg.Challenges,
		tokens:         cfg.Tokens,
		stepups:        cfg.StepUps,
		network:        cfg.Network,
		methods:        make(map[string][]PaymentMethod),
		log:            cfg.Logger,
		metrics:        cfg.Metrics,
	}
}

// AddPaymentMethod vaults an instrument for a user. The PAN is retained
// internally for network calls and never serialized.
func (s *Service) AddPaymentMethod(userDID, pan, network, displayName string, expiryMonth, expiryYear int) PaymentMethod {
	last4 := pan
	if len(pan) > 4 {
		last4 = pan[len(pan)-4:]
	}
	pm := PaymentMethod{
		ID:             "pm_" + uuid.NewString()[:8],
		Kind:           "CARD",
		Network:        network,
		Last4:          last4,
		DisplayName:    displayName,
		ExpiryMonth:    expiryMonth,
		ExpiryYear:     expiryYear,
		RequiresStepUp: strings.EqualFold(network, "amex"),
		pan:            pan,
	}
	s.mu.Lock()
	s.methods[userDID] = append(s.methods[userDID], pm)
	s.mu.Unlock()
	return pm
}

// PaymentMethods lists a user's vaulted instruments, redacted.
func (s *Service) PaymentMethods(userDID string) []PaymentMethod {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PaymentMethod, len(s.methods[userDID]))
	copy(out, s.methods[userDID])
	return out
}

// NewChallenge mints a ceremony challenge bound to a user for ChallengeTTL.
func (s *Service) NewChallenge(userDID string) (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	challenge := base64.RawURLEncoding.EncodeToString(buf[:])
	s.challenges.Put(challenge, userDID, ChallengeTTL)
	return challenge, nil
}

// consumeChallenge takes a live challenge off the store, enforcing single use.
func (s *Service) consumeChallenge(challenge, userDID string) error {
	owner, ok := s.challenges.Get(challenge)
	if !ok {
		return apperrors.New(apperrors.ErrCodeChallengeExpired, "challenge unknown or expired")
	}
	if owner != userDID {
		return apperrors.New(apperrors.ErrCodeChallengeExpired, "challenge belongs to another user")
	}
	s.challenges.Delete(challenge)
	return nil
}

// RegisterCredential stores a passkey from an attestation object. Repeat
// registrations of the same credential by the same user are no-ops. The
// returned record carries the credential id in the base64url form assertions
// use in rawId.
func (s *Service) RegisterCredential(ctx context.Context, userDID, attestationObject string) (*storage.PasskeyCredential, error) {
	parsed, err := webauthn.ParseAttestationObject(attestationObject)
	if err != nil {
		return nil, err
	}
	cred := storage.PasskeyCredential{
		CredentialID: base64.RawURLEncoding.EncodeToString(parsed.CredentialID),
		UserDID:      userDID,
		PublicKey:    parsed.PublicKey,
		SignCount:    parsed.SignCount,
	}
	if err := s.store.SaveCredential(ctx, cred); err != nil {
		return nil, err
	}
	s.log.Info().Str("user_did", userDID).Str("credential_id", logger.TruncateToken(cred.CredentialID)).Msg("passkey registered")
	return &cred, nil
}

// VerifyAssertion checks a WebAuthn assertion against the user's stored
// credential and advances the stored counter on success.
func (s *Service) VerifyAssertion(ctx context.Context, userDID, expectedChallenge string, assertion *webauthn.Assertion) error {
	challenge, err := base64.RawURLEncoding.DecodeString(expectedChallenge)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeWebAuthnInvalid, "challenge is not base64url", err)
	}
	if err := s.consumeChallenge(expectedChallenge, userDID); err != nil {
		return err
	}

	cred, err := s.store.GetCredential(ctx, assertion.RawID)
	if err != nil {
		if err == storage.ErrNotFound {
			return apperrors.New(apperrors.ErrCodeUnknownCredential, "credential not registered")
		}
		return err
	}
	if cred.UserDID != userDID {
		return apperrors.New(apperrors.ErrCodeUnknownCredential, "credential belongs to another user")
	}

	newCount, err := webauthn.VerifyAssertion(assertion, challenge, cred.PublicKey, cred.SignCount, s.rpID, s.allowedOrigins)
	if err != nil {
		if s.metrics != nil {
			s.metrics.WebAuthnVerificationsTotal.WithLabelValues("failed").Inc()
		}
		return err
	}
	if s.metrics != nil {
		s.metrics.WebAuthnVerificationsTotal.WithLabelValues("ok").Inc()
	}
	return s.store.UpdateSignCount(ctx, cred.CredentialID, newCount)
}

// TokenizeMethod issues a short-lived payment-method token for a vaulted
// instrument.
func (s *Service) TokenizeMethod(userDID, methodID string) (string, time.Time, error) {
	s.mu.RLock()
	var method *PaymentMethod
	for i := range s.methods[userDID] {
		if s.methods[userDID][i].ID == methodID {
			method = &s.methods[userDID][i]
			break
		}
	}
	s.mu.RUnlock()
	if method == nil {
		return "", time.Time{}, apperrors.Newf(apperrors.ErrCodeUnknownCredential, "no payment method %s for user", methodID)
	}

	steppedUp := s.stepUpCompleted(userDID)
	if method.RequiresStepUp && !steppedUp {
		return "", time.Time{}, apperrors.Newf(apperrors.ErrCodeCredentialInvalid, "method %s requires a completed step-up", methodID)
	}

	token, err := newPaymentToken()
	if err != nil {
		return "", time.Time{}, err
	}
	expires := time.Now().Add(PaymentTokenTTL)
	s.tokens.Put(token, TokenRecord{
		UserDID:         userDID,
		MethodID:        methodID,
		Network:         method.Network,
		Last4:           method.Last4,
		StepUpCompleted: steppedUp,
	}, PaymentTokenTTL)

	if s.metrics != nil {
		s.metrics.TokensIssuedTotal.WithLabelValues("payment_method").Inc()
	}
	return token, expires, nil
}

// InitiateStepUp opens a pending step-up session with its own challenge.
func (s *Service) InitiateStepUp(userDID, reason string) (*StepUpSession, error) {
	challenge, err := s.NewChallenge(userDID)
	if err != nil {
		return nil, err
	}
	session := StepUpSession{
		ID:        "stepup_" + uuid.NewString()[:8],
		UserDID:   userDID,
		Reason:    reason,
		Challenge: challenge,
		Status:    StepUpPending,
		CreatedAt: time.Now(),
	}
	s.stepups.Put(session.ID, session, StepUpTTL)
	if s.metrics != nil {
		s.metrics.StepUpSessionsTotal.WithLabelValues("initiated").Inc()
	}
	return &session, nil
}

// CompleteStepUp verifies the session's WebAuthn assertion and marks it
// completed.
func (s *Service) CompleteStepUp(ctx context.Context, sessionID string, assertion *webauthn.Assertion) (*StepUpSession, error) {
	session, ok := s.stepups.Get(sessionID)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeSessionNotFound, "no step-up session %s", sessionID)
	}
	if session.Status == StepUpCompleted {
		return &session, nil
	}

	if err := s.VerifyAssertion(ctx, session.UserDID, session.Challenge, assertion); err != nil {
		if s.metrics != nil {
			s.metrics.StepUpSessionsTotal.WithLabelValues("failed").Inc()
		}
		return nil, err
	}

	session.Status = StepUpCompleted
	s.stepups.Update(sessionID, session)
	// Marker for tokenisation: the user's latest completed ceremony, living
	// no longer than the session itself.
	s.stepups.Put("user:"+session.UserDID, session, StepUpTTL)
	if s.metrics != nil {
		s.metrics.StepUpSessionsTotal.WithLabelValues("completed").Inc()
	}
	s.log.Info().Str("session_id", sessionID).Str("user_did", session.UserDID).Msg("step-up completed")
	return &session, nil
}

// ExchangeToken swaps a live payment-method token for a network agent token
// on the user's behalf.
func (s *Service) ExchangeToken(ctx context.Context, userDID, paymentMethodToken string) (string, time.Time, error) {
	rec, err := s.ResolveToken(paymentMethodToken)
	if err != nil {
		return "", time.Time{}, err
	}
	if rec.UserDID != userDID {
		return "", time.Time{}, apperrors.New(apperrors.ErrCodeTokenExpired, "payment token unknown or expired")
	}
	if s.network == nil {
		return "", time.Time{}, apperrors.New(apperrors.ErrCodeNetworkTokenisationFailed, "no payment network configured")
	}
	return s.network.Tokenize(ctx, paymentMethodToken, userDID)
}

// stepUpCompleted reports whether the user holds a live completed step-up.
func (s *Service) stepUpCompleted(userDID string) bool {
	session, ok := s.stepups.Get("user:" + userDID)
	return ok && session.Status == StepUpCompleted
}

// StepUp fetches a session by ID.
func (s *Service) StepUp(sessionID string) (*StepUpSession, error) {
	session, ok := s.stepups.Get(sessionID)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeSessionNotFound, "no step-up session %s", sessionID)
	}
	return &session, nil
}

// ResolveToken validates a live payment-method token.
func (s *Service) ResolveToken(token string) (TokenRecord, error) {
	rec, ok := s.tokens.Get(token)
	if !ok {
		return TokenRecord{}, apperrors.New(apperrors.ErrCodeTokenExpired, "payment token unknown or expired")
	}
	return rec, nil
}

// StoreReceipt files a processor receipt; duplicates are rejected.
func (s *Service) StoreReceipt(ctx context.Context, r storage.Receipt) error {
	return s.store.SaveReceipt(ctx, r)
}

// Receipts lists a user's receipts, newest first.
func (s *Service) Receipts(ctx context.Context, userDID string) ([]storage.Receipt, error) {
	return s.store.ListReceiptsByUser(ctx, userDID)
}

// newPaymentToken mints tok_<uuid8>_<rand24>.
func newPaymentToken() (string, error) {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("tok_%s_%s", uuid.NewString()[:8], hex.EncodeToString(buf[:])), nil
}
