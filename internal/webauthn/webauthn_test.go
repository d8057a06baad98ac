package webauthn_test

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/ap2fed/server/internal/webauthn"
	"github.com/ap2fed/server/internal/webauthn/webauthntest"
)

const (
	testRPID   = "ap2.example"
	testOrigin = "https://ap2.example"
)

func newChallenge(t *testing.T) []byte {
	t.Helper()
	ch := make([]byte, 32)
	if _, err := rand.Read(ch); err != nil {
		t.Fatal(err)
	}
	return ch
}

func TestVerifyAssertionHappyPath(t *testing.T) {
	auth := webauthntest.New(testRPID, testOrigin)
	challenge := newChallenge(t)

	assertion := auth.Assert(challenge)

	counter, err := webauthn.VerifyAssertion(assertion, challenge, auth.COSEPublicKey(), 0, testRPID, []string{testOrigin})
	if err != nil {
		t.Fatalf("VerifyAssertion() error = %v", err)
	}
	if counter != 1 {
		t.Errorf("counter = %d, want 1", counter)
	}
}

func TestVerifyAssertionChallengeMismatch(t *testing.T) {
	auth := webauthntest.New(testRPID, testOrigin)
	assertion := auth.Assert(newChallenge(t))

	_, err := webauthn.VerifyAssertion(assertion, newChallenge(t), auth.COSEPublicKey(), 0, testRPID, []string{testOrigin})
	if err == nil || !strings.Contains(err.Error(), "challenge_mismatch") {
		t.Errorf("want challenge_mismatch, got %v", err)
	}
}

func TestVerifyAssertionWrongRP(t *testing.T) {
	auth := webauthntest.New(testRPID, testOrigin)
	challenge := newChallenge(t)
	assertion := auth.Assert(challenge)

	_, err := webauthn.VerifyAssertion(assertion, challenge, auth.COSEPublicKey(), 0, "other.example", []string{testOrigin})
	if err == nil || !strings.Contains(err.Error(), "rp_id_hash_mismatch") {
		t.Errorf("want rp_id_hash_mismatch, got %v", err)
	}
}

func TestVerifyAssertionOriginNotAllowed(t *testing.T) {
	auth := webauthntest.New(testRPID, "https://evil.example")
	challenge := newChallenge(t)
	assertion := auth.Assert(challenge)

	_, err := webauthn.VerifyAssertion(assertion, challenge, auth.COSEPublicKey(), 0, testRPID, []string{testOrigin})
	if err == nil {
		t.Error("assertion from unlisted origin accepted")
	}
}

func TestVerifyAssertionCounterRegression(t *testing.T) {
	auth := webauthntest.New(testRPID, testOrigin)
	challenge := newChallenge(t)

	assertion := auth.AssertWithCounter(challenge, 17)

	_, err := webauthn.VerifyAssertion(assertion, challenge, auth.COSEPublicKey(), 42, testRPID, []string{testOrigin})
	if err == nil || !strings.Contains(err.Error(), "counter_regression") {
		t.Errorf("want counter_regression, got %v", err)
	}
}

func TestVerifyAssertionZeroCountersAccepted(t *testing.T) {
	auth := webauthntest.New(testRPID, testOrigin)
	challenge := newChallenge(t)

	assertion := auth.AssertWithCounter(challenge, 0)

	counter, err := webauthn.VerifyAssertion(assertion, challenge, auth.COSEPublicKey(), 0, testRPID, []string{testOrigin})
	if err != nil {
		t.Fatalf("VerifyAssertion() with counterless authenticator error = %v", err)
	}
	if counter != 0 {
		t.Errorf("counter = %d, want 0", counter)
	}
}

func TestVerifyAssertionForeignKey(t *testing.T) {
	auth := webauthntest.New(testRPID, testOrigin)
	other := webauthntest.New(testRPID, testOrigin)
	challenge := newChallenge(t)
	assertion := auth.Assert(challenge)

	if _, err := webauthn.VerifyAssertion(assertion, challenge, other.COSEPublicKey(), 0, testRPID, []string{testOrigin}); err == nil {
		t.Error("assertion verified against a foreign credential key")
	}
}

func TestParseAttestationObject(t *testing.T) {
	auth := webauthntest.New(testRPID, testOrigin)

	cred, err := webauthn.ParseAttestationObject(auth.AttestationObject())
	if err != nil {
		t.Fatalf("ParseAttestationObject() error = %v", err)
	}
	if len(cred.CredentialID) == 0 {
		t.Error("credential id missing")
	}

	// The extracted key must verify a real assertion.
	challenge := newChallenge(t)
	assertion := auth.Assert(challenge)
	if _, err := webauthn.VerifyAssertion(assertion, challenge, cred.PublicKey, 0, testRPID, []string{testOrigin}); err != nil {
		t.Errorf("assertion failed against registered key: %v", err)
	}
}

func TestCOSEKeyRoundTrip(t *testing.T) {
	auth := webauthntest.New(testRPID, testOrigin)
	pub, err := webauthn.DecodeCOSEKey(auth.COSEPublicKey())
	if err != nil {
		t.Fatalf("DecodeCOSEKey() error = %v", err)
	}
	re, err := webauthn.EncodeCOSEKey(pub)
	if err != nil {
		t.Fatalf("EncodeCOSEKey() error = %v", err)
	}
	if string(re) != string(auth.COSEPublicKey()) {
		t.Error("COSE key did not round-trip")
	}
}
