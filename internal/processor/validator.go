package processor

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"

	apperrors "github.com/ap2fed/server/internal/errors"
	"github.com/ap2fed/server/internal/mandate"
	"github.com/ap2fed/server/internal/storage"
	"github.com/ap2fed/server/internal/webauthn"
)

// Validation step names, in execution order. Metrics count how far chains
// get before failing.
const (
	stepSchema       = "schema"
	stepReference    = "reference"
	stepExpiry       = "expiry"
	stepMerchantAuth = "merchant_auth"
	stepUserAuth     = "user_auth"
	stepAmountCap    = "amount_cap"
	stepCredentials  = "credentials"
)

// chainFacts carries what the validator established, for the settlement
// stage.
type chainFacts struct {
	cartHash     string
	paymentHash  string
	userDID      string
	merchantDID  string
	credentialID string
	total        mandate.PaymentCurrencyAmount
	paymentToken string
	productName  string
	refundPeriod time.Duration
}

// validateChain runs the strict-order chain checks. The first failure aborts
// with no state written; the jti ledger admission in the merchant-auth step
// is the only side effect of a passing prefix.
func (s *Service) validateChain(ctx context.Context, req *CaptureRequest) (*chainFacts, error) {
	facts := &chainFacts{}

	// Schema.
	s.countStep(stepSchema)
	pm := req.PaymentMandate
	cart := req.CartMandate
	if pm.PaymentMandateContents.PaymentMandateID == "" {
		return nil, apperrors.New(apperrors.ErrCodeSchemaInvalid, "payment mandate has no payment_mandate_id")
	}
	if pm.UserAuthorization == "" {
		return nil, apperrors.New(apperrors.ErrCodeSchemaInvalid, "payment mandate has no user_authorization")
	}
	if cart.MerchantAuthorization == "" {
		return nil, apperrors.New(apperrors.ErrCodeSchemaInvalid, "cart mandate has no merchant_authorization")
	}
	if cart.Contents.ID == "" || cart.Contents.PaymentRequest.Details.ID == "" {
		return nil, apperrors.New(apperrors.ErrCodeSchemaInvalid, "cart mandate is incomplete")
	}

	// Reference integrity.
	s.countStep(stepReference)
	if pm.PaymentMandateContents.PaymentDetailsID != cart.Contents.PaymentRequest.Details.ID {
		return nil, apperrors.Newf(apperrors.ErrCodeReferenceMismatch,
			"payment_details_id %s does not reference cart details %s",
			pm.PaymentMandateContents.PaymentDetailsID, cart.Contents.PaymentRequest.Details.ID)
	}
	if err := mandate.TotalsMatch(cart.Contents, pm.PaymentMandateContents); err != nil {
		return nil, err
	}
	facts.total = cart.Contents.PaymentRequest.Details.Total.Amount

	// Expiry.
	s.countStep(stepExpiry)
	now := time.Now()
	if now.After(cart.Contents.CartExpiry) {
		return nil, apperrors.Newf(apperrors.ErrCodeMandateExpired, "cart %s expired at %s",
			cart.Contents.ID, cart.Contents.CartExpiry.Format(time.RFC3339))
	}
	var allowedMerchants []string
	if req.Intent != nil {
		if exp := req.Intent.Mandate.IntentExpiry; !exp.IsZero() && now.After(exp) {
			return nil, apperrors.New(apperrors.ErrCodeMandateExpired, "intent has expired")
		}
		allowedMerchants = req.Intent.Mandate.Merchants
	}

	// merchant_authorization.
	s.countStep(stepMerchantAuth)
	claims, err := s.verifier.Verify(ctx, cart.MerchantAuthorization, cart.Contents, allowedMerchants)
	if err != nil {
		return nil, err
	}
	facts.merchantDID = claims.Issuer
	facts.cartHash = claims.CartHash

	// user_authorization.
	s.countStep(stepUserAuth)
	if err := s.verifyUserAuthorization(ctx, req, facts); err != nil {
		return nil, err
	}

	// Amount cap. The allow-list recheck is redundant with the merchant-auth
	// step but cheap, and it keeps the two checks independently testable.
	s.countStep(stepAmountCap)
	if req.Intent != nil {
		if err := mandate.WithinIntentCap(req.Intent.MaxAmount, facts.total); err != nil {
			return nil, err
		}
		if len(allowedMerchants) > 0 && !containsString(allowedMerchants, facts.merchantDID) {
			return nil, apperrors.Newf(apperrors.ErrCodeMerchantNotAllowed, "merchant %s is not in the intent allow-list", facts.merchantDID)
		}
	}

	// Credential provider check. The provider only recognises tokens it
	// minted itself, so it gets the method token; the network agent token
	// stays with the settlement leg.
	s.countStep(stepCredentials)
	facts.paymentToken = networkToken(pm.PaymentMandateContents.PaymentResponse)
	if s.credentials != nil {
		methodToken := providerMethodToken(pm.PaymentMandateContents.PaymentResponse)
		if err := s.credentials.VerifyCredential(ctx, facts.userDID, facts.credentialID, methodToken); err != nil {
			return nil, err
		}
	}

	facts.productName, facts.refundPeriod = productLine(cart.Contents)
	return facts, nil
}

// verifyUserAuthorization parses the presentation, resolves the passkey key,
// checks the WebAuthn assertion, and requires the KB-JWT to bind both chain
// hashes. On success the stored signature counter is advanced.
func (s *Service) verifyUserAuthorization(ctx context.Context, req *CaptureRequest, facts *chainFacts) error {
	vp, err := mandate.ParseUserAuthorization(req.PaymentMandate.UserAuthorization)
	if err != nil {
		return err
	}
	facts.credentialID = vp.WebAuthnAssertion.RawID

	issuer, err := vp.IssuerClaims()
	if err != nil {
		return err
	}
	facts.userDID = req.PayerID
	if facts.userDID == "" {
		facts.userDID = issuer.Sub
	} else if issuer.Sub != "" && issuer.Sub != facts.userDID {
		return apperrors.Newf(apperrors.ErrCodeUserAuthInvalid, "payer %s does not match presentation subject %s", facts.userDID, issuer.Sub)
	}
	if facts.userDID == "" {
		return apperrors.New(apperrors.ErrCodeUserAuthInvalid, "presentation names no subject")
	}

	kb, err := vp.KBClaims()
	if err != nil {
		return err
	}
	if kb.Aud != "" && kb.Aud != s.selfDID {
		return apperrors.Newf(apperrors.ErrCodeUserAuthInvalid, "key-binding audience %s is not this processor", kb.Aud)
	}
	challenge, err := base64.RawURLEncoding.DecodeString(kb.Nonce)
	if err != nil || len(challenge) == 0 {
		return apperrors.New(apperrors.ErrCodeUserAuthInvalid, "key-binding nonce is not base64url")
	}

	coseKey, storedCounter, stored, err := s.resolvePasskey(ctx, facts.userDID, vp, issuer)
	if err != nil {
		return err
	}

	counter, err := webauthn.VerifyAssertion(vp.WebAuthnAssertion, challenge, coseKey, storedCounter, s.rpID, s.allowedOrigins)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeUserAuthInvalid, "payment assertion rejected", err)
	}

	paymentHash, err := mandate.PaymentHash(req.PaymentMandate.PaymentMandateContents)
	if err != nil {
		return err
	}
	facts.paymentHash = paymentHash
	bound, err := vp.BindsHashes(facts.cartHash, paymentHash)
	if err != nil {
		return err
	}
	if !bound {
		return apperrors.New(apperrors.ErrCodeUserAuthInvalid, "transaction_data does not bind this cart and payment")
	}

	if stored {
		if err := s.store.UpdateSignCount(ctx, vp.WebAuthnAssertion.RawID, counter); err != nil {
			return err
		}
	}
	return nil
}

// resolvePasskey returns the COSE key and counter to verify against. The
// registered credential wins; a cnf.jwk in the issuer JWT must agree with it
// when both are present, and stands alone when no registration is visible to
// this processor.
func (s *Service) resolvePasskey(ctx context.Context, userDID string, vp *mandate.UserAuthorization, issuer *mandate.IssuerClaims) ([]byte, uint32, bool, error) {
	cnfKey, err := cnfPublicKey(issuer)
	if err != nil {
		return nil, 0, false, err
	}

	cred, err := s.store.GetCredential(ctx, vp.WebAuthnAssertion.RawID)
	switch {
	case err == nil:
		if cred.UserDID != userDID {
			return nil, 0, false, apperrors.New(apperrors.ErrCodeUnknownCredential, "credential is not registered to the payer")
		}
		if cnfKey != nil {
			registered, derr := webauthn.DecodeCOSEKey(cred.PublicKey)
			if derr != nil {
				return nil, 0, false, derr
			}
			if registered.X.Cmp(cnfKey.X) != 0 || registered.Y.Cmp(cnfKey.Y) != 0 {
				return nil, 0, false, apperrors.New(apperrors.ErrCodeUserAuthInvalid, "cnf key does not match the registered passkey")
			}
		}
		return cred.PublicKey, cred.SignCount, true, nil

	case stderrors.Is(err, storage.ErrNotFound):
		if cnfKey == nil {
			return nil, 0, false, apperrors.New(apperrors.ErrCodeUnknownCredential, "no registered passkey and no cnf key presented")
		}
		cose, eerr := webauthn.EncodeCOSEKey(cnfKey)
		if eerr != nil {
			return nil, 0, false, eerr
		}
		return cose, 0, false, nil

	default:
		return nil, 0, false, err
	}
}

// cnfPublicKey extracts the ES256 confirmation key from the issuer JWT, when
// one rides along.
func cnfPublicKey(issuer *mandate.IssuerClaims) (*ecdsa.PublicKey, error) {
	if issuer == nil || issuer.Cnf == nil {
		return nil, nil
	}
	raw, ok := issuer.Cnf["jwk"]
	if !ok || raw == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeUserAuthInvalid, "cnf jwk is not encodable", err)
	}
	key, err := jwk.ParseKey(encoded)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeUserAuthInvalid, "cnf jwk is malformed", err)
	}
	var pub ecdsa.PublicKey
	if err := jwk.Export(key, &pub); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeUserAuthInvalid, "cnf jwk is not a P-256 key", err)
	}
	return &pub, nil
}

// networkToken pulls the settlement token out of the payment response
// details. The shopping agent puts the network agent token under "token".
func networkToken(resp mandate.PaymentResponse) string {
	for _, key := range []string{"token", "agent_token"} {
		if v, ok := resp.Details[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// providerMethodToken pulls the credential provider's own payment-method
// token. Senders that never exchanged for an agent token carry a single
// token, which then serves both legs.
func providerMethodToken(resp mandate.PaymentResponse) string {
	for _, key := range []string{"payment_method_token", "token"} {
		if v, ok := resp.Details[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// productLine returns the label of the priced product line and the longest
// declared refund period. Tax and shipping lines carry no refund period.
func productLine(contents mandate.CartContents) (string, time.Duration) {
	name := ""
	maxPeriod := 0
	for _, item := range contents.PaymentRequest.Details.DisplayItems {
		if item.RefundPeriod > maxPeriod {
			maxPeriod = item.RefundPeriod
		}
		if name == "" && item.Label != "Tax" && item.Label != "Shipping" {
			name = item.Label
		}
	}
	return name, time.Duration(maxPeriod) * time.Second
}

func (s *Service) countStep(step string) {
	if s.metrics != nil {
		s.metrics.ChainValidationStep.WithLabelValues(step).Inc()
	}
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
