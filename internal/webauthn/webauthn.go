// Package webauthn verifies FIDO2 passkey assertions: client data checks,
// authenticator data parsing, signature counter monotonicity, and ECDSA
// verification against the credential's COSE-encoded public key.
package webauthn

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"math/big"

	"github.com/fxamacker/cbor/v2"

	apperrors "github.com/ap2fed/server/internal/errors"
)

// Assertion is the wire shape produced by navigator.credentials.get().
type Assertion struct {
	RawID           string            `json:"rawId"`
	Response        AssertionResponse `json:"response"`
	Type            string            `json:"type"`
	AttestationType string            `json:"attestation_type,omitempty"`
}

// AssertionResponse carries the authenticator outputs, base64url-encoded.
type AssertionResponse struct {
	ClientDataJSON    string `json:"clientDataJSON"`
	AuthenticatorData string `json:"authenticatorData"`
	Signature         string `json:"signature"`
	UserHandle        string `json:"userHandle,omitempty"`
}

type clientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

// coseEC2Key is the CBOR shape of a COSE_Key restricted to EC2 / P-256,
// the only credential type passkey authenticators emit for ES256.
type coseEC2Key struct {
	Kty   int    `cbor:"1,keyasint"`
	Alg   int    `cbor:"3,keyasint"`
	Curve int    `cbor:"-1,keyasint"`
	X     []byte `cbor:"-2,keyasint"`
	Y     []byte `cbor:"-3,keyasint"`
}

const (
	coseKtyEC2    = 2
	coseAlgES256  = -7
	coseCurveP256 = 1

	flagUserPresent  = 0x01
	flagUserVerified = 0x04
)

func invalid(reason string) error {
	return apperrors.Newf(apperrors.ErrCodeWebAuthnInvalid, "webauthn: %s", reason)
}

// VerifyAssertion runs the full assertion check and returns the new signature
// counter to persist. allowedOrigins is the exact-match origin allow-list for
// the configured relying party.
func VerifyAssertion(a *Assertion, expectedChallenge []byte, coseKey []byte, storedCounter uint32, rpID string, allowedOrigins []string) (uint32, error) {
	if a == nil || a.Type != "public-key" {
		return 0, invalid("assertion type must be public-key")
	}

	clientDataRaw, err := base64.RawURLEncoding.DecodeString(a.Response.ClientDataJSON)
	if err != nil {
		return 0, invalid("clientDataJSON is not base64url")
	}
	var cd clientData
	if err := json.Unmarshal(clientDataRaw, &cd); err != nil {
		return 0, invalid("clientDataJSON is not JSON")
	}
	if cd.Type != "webauthn.get" && cd.Type != "webauthn.create" {
		return 0, invalid("unexpected clientData type " + cd.Type)
	}
	gotChallenge, err := base64.RawURLEncoding.DecodeString(cd.Challenge)
	if err != nil || !bytes.Equal(gotChallenge, expectedChallenge) {
		return 0, invalid("challenge_mismatch")
	}
	if !originAllowed(cd.Origin, allowedOrigins) {
		return 0, invalid("origin " + cd.Origin + " not in allow-list")
	}

	authData, err := base64.RawURLEncoding.DecodeString(a.Response.AuthenticatorData)
	if err != nil {
		return 0, invalid("authenticatorData is not base64url")
	}
	if len(authData) < 37 {
		return 0, invalid("authenticatorData truncated")
	}
	rpHash := sha256.Sum256([]byte(rpID))
	if !bytes.Equal(authData[:32], rpHash[:]) {
		return 0, invalid("rp_id_hash_mismatch")
	}
	flags := authData[32]
	if flags&flagUserPresent == 0 {
		return 0, invalid("user-present flag not set")
	}

	counter := binary.BigEndian.Uint32(authData[33:37])
	// Authenticators without a counter report zero forever; both sides zero
	// is the only case where no advance is required.
	if storedCounter > 0 && counter > 0 && counter <= storedCounter {
		return 0, invalid("counter_regression")
	}

	pub, err := DecodeCOSEKey(coseKey)
	if err != nil {
		return 0, err
	}

	sig, err := base64.RawURLEncoding.DecodeString(a.Response.Signature)
	if err != nil {
		return 0, invalid("signature is not base64url")
	}

	clientHash := sha256.Sum256(clientDataRaw)
	signed := append(append([]byte{}, authData...), clientHash[:]...)
	digest := sha256.Sum256(signed)
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return 0, invalid("signature verification failed")
	}

	return counter, nil
}

// DecodeCOSEKey decodes a CBOR COSE_Key into a P-256 ECDSA public key.
func DecodeCOSEKey(data []byte) (*ecdsa.PublicKey, error) {
	var k coseEC2Key
	if err := cbor.Unmarshal(data, &k); err != nil {
		return nil, invalid("cose key is not CBOR")
	}
	if k.Kty != coseKtyEC2 || k.Curve != coseCurveP256 {
		return nil, invalid("cose key is not EC2 P-256")
	}
	if k.Alg != 0 && k.Alg != coseAlgES256 {
		return nil, invalid("cose key algorithm is not ES256")
	}
	if len(k.X) == 0 || len(k.Y) == 0 {
		return nil, invalid("cose key missing coordinates")
	}
	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(k.X),
		Y:     new(big.Int).SetBytes(k.Y),
	}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, invalid("cose key point not on curve")
	}
	return pub, nil
}

// EncodeCOSEKey encodes a P-256 public key as a CBOR COSE_Key.
func EncodeCOSEKey(pub *ecdsa.PublicKey) ([]byte, error) {
	k := coseEC2Key{
		Kty:   coseKtyEC2,
		Alg:   coseAlgES256,
		Curve: coseCurveP256,
		X:     pub.X.FillBytes(make([]byte, 32)),
		Y:     pub.Y.FillBytes(make([]byte, 32)),
	}
	return cbor.Marshal(k)
}

func originAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if origin == a {
			return true
		}
	}
	return false
}
