package mandate

import (
	"testing"

	"github.com/ap2fed/server/internal/webauthn/webauthntest"
)

func buildTestVP(t *testing.T) (string, string, string) {
	t.Helper()

	auth := webauthntest.New("ap2.example", "https://ap2.example")
	nonce, err := NewChallenge()
	if err != nil {
		t.Fatal(err)
	}

	cartHash := "aa11bb22cc33dd44ee55ff6600112233445566778899aabbccddeeff00112233"
	paymentHash := "5566778899aabbccddeeff00112233445566778899aabbccddeeff0011223344"

	encoded, err := BuildUserAuthorization(
		"did:ap2:user:tanaka",
		processorDID,
		map[string]interface{}{"kty": "EC", "crv": "P-256"},
		auth.Assert(nonce),
		cartHash,
		paymentHash,
		nonce,
	)
	if err != nil {
		t.Fatalf("BuildUserAuthorization() error = %v", err)
	}
	return encoded, cartHash, paymentHash
}

func TestUserAuthorizationFormA(t *testing.T) {
	encoded, cartHash, paymentHash := buildTestVP(t)

	vp, err := ParseUserAuthorization(encoded)
	if err != nil {
		t.Fatalf("ParseUserAuthorization() error = %v", err)
	}

	if vp.CartHash != cartHash || vp.PaymentHash != paymentHash {
		t.Error("hashes lost in round-trip")
	}
	if vp.WebAuthnAssertion == nil || vp.WebAuthnAssertion.Type != "public-key" {
		t.Error("assertion lost in round-trip")
	}

	kb, err := vp.KBClaims()
	if err != nil {
		t.Fatalf("KBClaims() error = %v", err)
	}
	if kb.Aud != processorDID {
		t.Errorf("kb aud = %s, want %s", kb.Aud, processorDID)
	}
	if kb.SDHash == "" || kb.Nonce == "" {
		t.Error("kb claims incomplete")
	}

	issuer, err := vp.IssuerClaims()
	if err != nil {
		t.Fatalf("IssuerClaims() error = %v", err)
	}
	if issuer.Sub != "did:ap2:user:tanaka" {
		t.Errorf("issuer sub = %s", issuer.Sub)
	}

	ok, err := vp.BindsHashes(cartHash, paymentHash)
	if err != nil || !ok {
		t.Errorf("BindsHashes() = %v, %v; want true, nil", ok, err)
	}
	ok, err = vp.BindsHashes(cartHash, "0000")
	if err != nil || ok {
		t.Error("BindsHashes() accepted an unbound hash")
	}
	// Order-independent.
	ok, err = vp.BindsHashes(paymentHash, cartHash)
	if err != nil || !ok {
		t.Error("BindsHashes() is order-dependent")
	}
}

func TestUserAuthorizationFormB(t *testing.T) {
	encoded, cartHash, paymentHash := buildTestVP(t)
	vp, err := ParseUserAuthorization(encoded)
	if err != nil {
		t.Fatal(err)
	}

	compact, err := vp.CompactForm()
	if err != nil {
		t.Fatalf("CompactForm() error = %v", err)
	}

	reparsed, err := ParseUserAuthorization(compact)
	if err != nil {
		t.Fatalf("ParseUserAuthorization(compact) error = %v", err)
	}
	if reparsed.WebAuthnAssertion == nil {
		t.Fatal("compact form lost the assertion")
	}
	ok, err := reparsed.BindsHashes(cartHash, paymentHash)
	if err != nil || !ok {
		t.Errorf("compact BindsHashes() = %v, %v", ok, err)
	}
}

func TestParseUserAuthorizationRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "!!!not-base64!!!", "aGVsbG8"} {
		if _, err := ParseUserAuthorization(bad); err == nil {
			t.Errorf("ParseUserAuthorization(%q) accepted", bad)
		}
	}
}
