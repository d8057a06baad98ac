package credprovider

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/ap2fed/server/internal/errors"
	"github.com/ap2fed/server/internal/storage"
	"github.com/ap2fed/server/internal/ttlstore"
	"github.com/ap2fed/server/internal/webauthn/webauthntest"
)

const (
	testRPID   = "ap2.example"
	testOrigin = "https://ap2.example"
	userDID    = "did:ap2:user:tanaka"
)

type fakeNetwork struct {
	calls int
	fail  bool
}

func (f *fakeNetwork) Tokenize(ctx context.Context, paymentMethodToken, userDID string) (string, time.Time, error) {
	f.calls++
	if f.fail {
		return "", time.Time{}, apperrors.New(apperrors.ErrCodeNetworkTokenisationFailed, "network down")
	}
	return "agent_tok_visa_deadbeef_cafe", time.Now().Add(time.Hour), nil
}

func newTestService(t *testing.T, network NetworkTokenizer) *Service {
	t.Helper()
	challenges := ttlstore.New[string](100, time.Minute)
	tokens := ttlstore.New[TokenRecord](100, time.Minute)
	stepups := ttlstore.New[StepUpSession](100, time.Minute)
	t.Cleanup(func() {
		challenges.Stop()
		tokens.Stop()
		stepups.Stop()
	})

	return New(Config{
		RPID:           testRPID,
		AllowedOrigins: []string{testOrigin},
		Store:          storage.NewMemoryStore(),
		Challenges:     challenges,
		Tokens:         tokens,
		StepUps:        stepups,
		Network:        network,
		Logger:         zerolog.Nop(),
	})
}

func TestRegisterAndVerifyAssertion(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)
	auth := webauthntest.New(testRPID, testOrigin)

	cred, err := s.RegisterCredential(ctx, userDID, auth.AttestationObject())
	if err != nil {
		t.Fatalf("RegisterCredential() error = %v", err)
	}
	// The stored id uses the base64url form assertions carry in rawId, so
	// the assertion lookup finds the credential registered here.
	if want := base64.RawURLEncoding.EncodeToString(auth.CredentialID); cred.CredentialID != want {
		t.Errorf("credential id = %q, want %q", cred.CredentialID, want)
	}
	// Idempotent for the same user.
	if _, err := s.RegisterCredential(ctx, userDID, auth.AttestationObject()); err != nil {
		t.Errorf("repeat registration error = %v", err)
	}
	// Another user cannot claim the credential.
	if _, err := s.RegisterCredential(ctx, "did:ap2:user:mallory", auth.AttestationObject()); apperrors.CodeOf(err) != apperrors.ErrCodeCredentialInvalid {
		t.Errorf("cross-user registration error = %v", err)
	}

	challenge, err := s.NewChallenge(userDID)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := base64.RawURLEncoding.DecodeString(challenge)
	if err := s.VerifyAssertion(ctx, userDID, challenge, auth.Assert(raw)); err != nil {
		t.Fatalf("VerifyAssertion() error = %v", err)
	}

	// The counter advanced in storage.
	stored, err := s.store.GetCredential(ctx, cred.CredentialID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.SignCount != auth.Counter {
		t.Errorf("stored sign count = %d, want %d", stored.SignCount, auth.Counter)
	}
}

func TestVerifyAssertionSingleUseChallenge(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)
	auth := webauthntest.New(testRPID, testOrigin)
	if _, err := s.RegisterCredential(ctx, userDID, auth.AttestationObject()); err != nil {
		t.Fatal(err)
	}

	challenge, _ := s.NewChallenge(userDID)
	raw, _ := base64.RawURLEncoding.DecodeString(challenge)
	if err := s.VerifyAssertion(ctx, userDID, challenge, auth.Assert(raw)); err != nil {
		t.Fatal(err)
	}
	// Same challenge again is rejected.
	err := s.VerifyAssertion(ctx, userDID, challenge, auth.Assert(raw))
	if apperrors.CodeOf(err) != apperrors.ErrCodeChallengeExpired {
		t.Errorf("reused challenge error = %v, want challenge_expired", err)
	}
}

func TestVerifyAssertionCounterRegression(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)
	auth := webauthntest.New(testRPID, testOrigin)
	auth.Counter = 41
	if _, err := s.RegisterCredential(ctx, userDID, auth.AttestationObject()); err != nil {
		t.Fatal(err)
	}

	challenge, _ := s.NewChallenge(userDID)
	raw, _ := base64.RawURLEncoding.DecodeString(challenge)
	if err := s.VerifyAssertion(ctx, userDID, challenge, auth.Assert(raw)); err != nil {
		t.Fatal(err)
	}

	// A cloned authenticator replays an older counter.
	challenge2, _ := s.NewChallenge(userDID)
	raw2, _ := base64.RawURLEncoding.DecodeString(challenge2)
	err := s.VerifyAssertion(ctx, userDID, challenge2, auth.AssertWithCounter(raw2, 17))
	if apperrors.CodeOf(err) != apperrors.ErrCodeWebAuthnInvalid {
		t.Errorf("counter regression error = %v, want webauthn_invalid", err)
	}
}

func TestVerifyAssertionUnknownCredential(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)
	auth := webauthntest.New(testRPID, testOrigin)

	challenge, _ := s.NewChallenge(userDID)
	raw, _ := base64.RawURLEncoding.DecodeString(challenge)
	err := s.VerifyAssertion(ctx, userDID, challenge, auth.Assert(raw))
	if apperrors.CodeOf(err) != apperrors.ErrCodeUnknownCredential {
		t.Errorf("unknown credential error = %v, want unknown_credential", err)
	}
}

func TestPaymentMethodsRedaction(t *testing.T) {
	s := newTestService(t, nil)
	s.AddPaymentMethod(userDID, "4111111111111234", "visa", "Personal Visa", 12, 2028)

	methods := s.PaymentMethods(userDID)
	if len(methods) != 1 {
		t.Fatalf("methods = %d, want 1", len(methods))
	}
	if methods[0].Last4 != "1234" {
		t.Errorf("last4 = %s, want 1234", methods[0].Last4)
	}
	if methods[0].pan != "4111111111111234" {
		t.Error("internal pan lost")
	}
}

func TestTokenizeMethod(t *testing.T) {
	s := newTestService(t, nil)
	pm := s.AddPaymentMethod(userDID, "4111111111111234", "visa", "Personal Visa", 12, 2028)

	token, expires, err := s.TokenizeMethod(userDID, pm.ID)
	if err != nil {
		t.Fatalf("TokenizeMethod() error = %v", err)
	}
	if token[:4] != "tok_" {
		t.Errorf("token %q lacks tok_ prefix", token)
	}
	if time.Until(expires) > PaymentTokenTTL {
		t.Errorf("expiry too far out: %v", expires)
	}

	rec, err := s.ResolveToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if rec.UserDID != userDID || rec.Last4 != "1234" {
		t.Errorf("token record = %+v", rec)
	}

	if _, _, err := s.TokenizeMethod(userDID, "pm_nope"); apperrors.CodeOf(err) != apperrors.ErrCodeUnknownCredential {
		t.Errorf("unknown method error = %v", err)
	}
	if _, err := s.ResolveToken("tok_bogus"); apperrors.CodeOf(err) != apperrors.ErrCodeTokenExpired {
		t.Errorf("bogus token error = %v", err)
	}
}

func TestStepUpFlow(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)
	auth := webauthntest.New(testRPID, testOrigin)
	if _, err := s.RegisterCredential(ctx, userDID, auth.AttestationObject()); err != nil {
		t.Fatal(err)
	}

	session, err := s.InitiateStepUp(userDID, "amount above threshold")
	if err != nil {
		t.Fatal(err)
	}
	if session.Status != StepUpPending {
		t.Errorf("status = %s, want pending", session.Status)
	}

	raw, _ := base64.RawURLEncoding.DecodeString(session.Challenge)
	done, err := s.CompleteStepUp(ctx, session.ID, auth.Assert(raw))
	if err != nil {
		t.Fatalf("CompleteStepUp() error = %v", err)
	}
	if done.Status != StepUpCompleted {
		t.Errorf("status = %s, want completed", done.Status)
	}

	// Completion is durable and idempotent.
	again, err := s.CompleteStepUp(ctx, session.ID, auth.Assert(raw))
	if err != nil || again.Status != StepUpCompleted {
		t.Errorf("repeat completion = %+v, %v", again, err)
	}

	if _, err := s.CompleteStepUp(ctx, "stepup_nope", auth.Assert(raw)); apperrors.CodeOf(err) != apperrors.ErrCodeSessionNotFound {
		t.Errorf("unknown session error = %v", err)
	}
}

func TestReceiptsIdempotency(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)

	r := storage.Receipt{ID: "rcpt_1", TransactionID: "txn_1", UserDID: userDID, Payload: []byte(`{"total":"8068 JPY"}`)}
	if err := s.StoreReceipt(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreReceipt(ctx, r); apperrors.CodeOf(err) != apperrors.ErrCodeReceiptAlreadyStored {
		t.Errorf("duplicate receipt error = %v", err)
	}

	list, err := s.Receipts(ctx, userDID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("receipts = %d, want 1", len(list))
	}
}

func TestTokenizeGatedByStepUp(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)
	auth := webauthntest.New(testRPID, testOrigin)
	if _, err := s.RegisterCredential(ctx, userDID, auth.AttestationObject()); err != nil {
		t.Fatal(err)
	}

	pm := s.AddPaymentMethod(userDID, "378282246310005", "amex", "Corporate Amex", 6, 2027)
	if !pm.RequiresStepUp {
		t.Fatal("amex method should require step-up")
	}

	if _, _, err := s.TokenizeMethod(userDID, pm.ID); apperrors.CodeOf(err) != apperrors.ErrCodeCredentialInvalid {
		t.Fatalf("tokenize before step-up error = %v, want credential_invalid", err)
	}

	session, err := s.InitiateStepUp(userDID, "amex tokenisation")
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := base64.RawURLEncoding.DecodeString(session.Challenge)
	if _, err := s.CompleteStepUp(ctx, session.ID, auth.Assert(raw)); err != nil {
		t.Fatal(err)
	}

	token, _, err := s.TokenizeMethod(userDID, pm.ID)
	if err != nil {
		t.Fatalf("tokenize after step-up error = %v", err)
	}
	rec, err := s.ResolveToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.StepUpCompleted {
		t.Error("token does not record the completed step-up")
	}
}
