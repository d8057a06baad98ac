// Package webauthntest provides a software authenticator for tests: it mints
// P-256 passkeys and produces well-formed assertions and attestation objects
// without real hardware.
package webauthntest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"

	"github.com/fxamacker/cbor/v2"

	"github.com/ap2fed/server/internal/webauthn"
)

// Authenticator is a fake passkey with a controllable signature counter.
type Authenticator struct {
	Key          *ecdsa.PrivateKey
	CredentialID []byte
	RPID         string
	Origin       string
	Counter      uint32
}

// New creates an authenticator for the given relying party.
func New(rpID, origin string) *Authenticator {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}
	credID := make([]byte, 16)
	if _, err := rand.Read(credID); err != nil {
		panic(err)
	}
	return &Authenticator{Key: key, CredentialID: credID, RPID: rpID, Origin: origin}
}

// COSEPublicKey returns the credential public key as COSE_Key bytes.
func (a *Authenticator) COSEPublicKey() []byte {
	cose, err := webauthn.EncodeCOSEKey(&a.Key.PublicKey)
	if err != nil {
		panic(err)
	}
	return cose
}

// Assert produces a valid assertion over the challenge, advancing the counter.
func (a *Authenticator) Assert(challenge []byte) *webauthn.Assertion {
	a.Counter++
	return a.assertWithCounter(challenge, a.Counter)
}

// AssertWithCounter produces an assertion with an explicit counter value,
// for regression tests.
func (a *Authenticator) AssertWithCounter(challenge []byte, counter uint32) *webauthn.Assertion {
	return a.assertWithCounter(challenge, counter)
}

func (a *Authenticator) assertWithCounter(challenge []byte, counter uint32) *webauthn.Assertion {
	clientData, err := json.Marshal(map[string]string{
		"type":      "webauthn.get",
		"challenge": base64.RawURLEncoding.EncodeToString(challenge),
		"origin":    a.Origin,
	})
	if err != nil {
		panic(err)
	}

	rpHash := sha256.Sum256([]byte(a.RPID))
	authData := make([]byte, 37)
	copy(authData[:32], rpHash[:])
	authData[32] = 0x05 // UP | UV
	binary.BigEndian.PutUint32(authData[33:37], counter)

	clientHash := sha256.Sum256(clientData)
	signed := append(append([]byte{}, authData...), clientHash[:]...)
	digest := sha256.Sum256(signed)
	sig, err := ecdsa.SignASN1(rand.Reader, a.Key, digest[:])
	if err != nil {
		panic(err)
	}

	return &webauthn.Assertion{
		RawID: base64.RawURLEncoding.EncodeToString(a.CredentialID),
		Type:  "public-key",
		Response: webauthn.AssertionResponse{
			ClientDataJSON:    base64.RawURLEncoding.EncodeToString(clientData),
			AuthenticatorData: base64.RawURLEncoding.EncodeToString(authData),
			Signature:         base64.RawURLEncoding.EncodeToString(sig),
		},
		AttestationType: "passkey",
	}
}

// AttestationObject builds a minimal "none"-format attestation object
// carrying the credential id and COSE key, for registration endpoints.
func (a *Authenticator) AttestationObject() string {
	rpHash := sha256.Sum256([]byte(a.RPID))
	cose := a.COSEPublicKey()

	authData := make([]byte, 0, 55+len(a.CredentialID)+len(cose))
	authData = append(authData, rpHash[:]...)
	authData = append(authData, 0x45) // UP | UV | AT
	authData = append(authData, 0, 0, 0, 0)
	authData = append(authData, make([]byte, 16)...) // aaguid
	credLen := make([]byte, 2)
	binary.BigEndian.PutUint16(credLen, uint16(len(a.CredentialID)))
	authData = append(authData, credLen...)
	authData = append(authData, a.CredentialID...)
	authData = append(authData, cose...)

	obj, err := cbor.Marshal(map[string]interface{}{
		"fmt":      "none",
		"attStmt":  map[string]interface{}{},
		"authData": authData,
	})
	if err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(obj)
}
