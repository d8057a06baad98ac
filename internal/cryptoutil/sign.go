package cryptoutil

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/ap2fed/server/internal/canonical"
	apperrors "github.com/ap2fed/server/internal/errors"
)

// Proof is the detached signature carried on A2A envelope headers.
// PublicKey is the base64 DER (SPKI) encoding of the signer's public key;
// Kid is the fully qualified DID URL of the verification method.
type Proof struct {
	Algorithm      string `json:"algorithm"`
	SignatureValue string `json:"signatureValue"`
	PublicKey      string `json:"publicKey"`
	Kid            string `json:"kid"`
	Created        string `json:"created"`
	ProofPurpose   string `json:"proofPurpose"`
}

// Sign produces a Proof over the canonical JSON form of data.
//
// ECDSA P-256 signs SHA-256(canonical_json(data)) and emits a DER signature.
// Ed25519 signs the raw canonical bytes with no pre-hash, per RFC 8032.
func Sign(data interface{}, key *KeyPair, kid string) (*Proof, error) {
	payload, err := canonical.Marshal(data)
	if err != nil {
		return nil, err
	}

	proof := &Proof{
		Algorithm:    string(key.Algorithm),
		Kid:          kid,
		Created:      time.Now().UTC().Format(time.RFC3339),
		ProofPurpose: "authentication",
	}

	sig, err := SignPayload(payload, key)
	if err != nil {
		return nil, err
	}
	proof.SignatureValue = sig

	pub, err := MarshalPublicKey(key.Public())
	if err != nil {
		return nil, err
	}
	proof.PublicKey = pub
	return proof, nil
}

// SignPayload signs already-canonicalized bytes and returns the base64
// signature. Callers that need the signature to cover a structure holding its
// own proof object build the signing view themselves and use this directly.
func SignPayload(payload []byte, key *KeyPair) (string, error) {
	var sig []byte
	var err error
	switch key.Algorithm {
	case AlgECDSAP256:
		digest := sha256.Sum256(payload)
		sig, err = ecdsa.SignASN1(rand.Reader, key.ECDSA, digest[:])
		if err != nil {
			return "", fmt.Errorf("cryptoutil: ecdsa sign: %w", err)
		}
	case AlgEd25519:
		sig = ed25519.Sign(key.Ed25519, payload)
	default:
		return "", fmt.Errorf("cryptoutil: unsupported algorithm %q", key.Algorithm)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a Proof against the canonical JSON form of data using the
// supplied public key. Any mismatch surfaces as signature_invalid.
func Verify(data interface{}, proof *Proof, publicKey interface{}) error {
	if proof == nil || proof.SignatureValue == "" {
		return apperrors.New(apperrors.ErrCodeSignatureInvalid, "missing proof")
	}

	alg, err := ParseAlgorithm(proof.Algorithm)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeSignatureInvalid, "unsupported proof algorithm", err)
	}

	payload, err := canonical.Marshal(data)
	if err != nil {
		return err
	}

	sig, err := base64.StdEncoding.DecodeString(proof.SignatureValue)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeSignatureInvalid, "malformed signature encoding", err)
	}

	switch alg {
	case AlgECDSAP256:
		pub, ok := publicKey.(*ecdsa.PublicKey)
		if !ok {
			return apperrors.Newf(apperrors.ErrCodeSignatureInvalid, "proof algorithm %s does not match key type %T", proof.Algorithm, publicKey)
		}
		digest := sha256.Sum256(payload)
		if !ecdsa.VerifyASN1(pub, digest[:], sig) {
			return apperrors.New(apperrors.ErrCodeSignatureInvalid, "ecdsa signature verification failed")
		}
	case AlgEd25519:
		pub, ok := publicKey.(ed25519.PublicKey)
		if !ok {
			return apperrors.Newf(apperrors.ErrCodeSignatureInvalid, "proof algorithm %s does not match key type %T", proof.Algorithm, publicKey)
		}
		if !ed25519.Verify(pub, payload, sig) {
			return apperrors.New(apperrors.ErrCodeSignatureInvalid, "ed25519 signature verification failed")
		}
	}
	return nil
}

// MarshalPublicKey encodes a public key as base64 DER (SPKI).
func MarshalPublicKey(pub interface{}) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePublicKey decodes a base64 DER (SPKI) public key.
func ParsePublicKey(encoded string) (interface{}, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: decode public key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: parse public key: %w", err)
	}
	return pub, nil
}
