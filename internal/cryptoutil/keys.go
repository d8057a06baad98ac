// Package cryptoutil is the signing and sealing substrate shared by every
// service: ECDSA P-256 and Ed25519 keypairs, canonical-JSON proofs, and
// passphrase-sealed key storage.
package cryptoutil

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// Algorithm identifies a supported signature scheme.
type Algorithm string

const (
	AlgECDSAP256 Algorithm = "ECDSA"
	AlgEd25519   Algorithm = "Ed25519"
)

// ParseAlgorithm normalises a wire-level algorithm label. "ES256" is the
// JOSE name for ECDSA P-256 with SHA-256 and maps onto AlgECDSAP256.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch {
	case equalFold(s, "ECDSA"), equalFold(s, "ES256"), equalFold(s, "ECDSA_P256"):
		return AlgECDSAP256, nil
	case equalFold(s, "Ed25519"), equalFold(s, "EdDSA"):
		return AlgEd25519, nil
	}
	return "", fmt.Errorf("cryptoutil: unsupported algorithm %q", s)
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// KeyPair holds one signing key and its public half.
type KeyPair struct {
	Algorithm Algorithm
	ECDSA     *ecdsa.PrivateKey
	Ed25519   ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh keypair for the given algorithm.
func GenerateKeyPair(alg Algorithm) (*KeyPair, error) {
	switch alg {
	case AlgECDSAP256:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("cryptoutil: generate ecdsa key: %w", err)
		}
		return &KeyPair{Algorithm: alg, ECDSA: priv}, nil
	case AlgEd25519:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("cryptoutil: generate ed25519 key: %w", err)
		}
		return &KeyPair{Algorithm: alg, Ed25519: priv}, nil
	}
	return nil, fmt.Errorf("cryptoutil: unsupported algorithm %q", alg)
}

// Public returns the public half as a crypto.PublicKey-compatible value.
func (k *KeyPair) Public() interface{} {
	switch k.Algorithm {
	case AlgECDSAP256:
		return &k.ECDSA.PublicKey
	case AlgEd25519:
		return k.Ed25519.Public()
	}
	return nil
}

// MarshalPEM encodes the private key as PKCS#8 PEM.
func (k *KeyPair) MarshalPEM() ([]byte, error) {
	var key interface{}
	switch k.Algorithm {
	case AlgECDSAP256:
		key = k.ECDSA
	case AlgEd25519:
		key = k.Ed25519
	default:
		return nil, fmt.Errorf("cryptoutil: unsupported algorithm %q", k.Algorithm)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: marshal pkcs8: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParsePEM decodes a PKCS#8 PEM private key into a KeyPair.
func ParsePEM(data []byte) (*KeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("cryptoutil: no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: parse pkcs8: %w", err)
	}
	switch key := key.(type) {
	case *ecdsa.PrivateKey:
		if key.Curve != elliptic.P256() {
			return nil, fmt.Errorf("cryptoutil: unsupported curve %s", key.Curve.Params().Name)
		}
		return &KeyPair{Algorithm: AlgECDSAP256, ECDSA: key}, nil
	case ed25519.PrivateKey:
		return &KeyPair{Algorithm: AlgEd25519, Ed25519: key}, nil
	}
	return nil, fmt.Errorf("cryptoutil: unsupported key type %T", key)
}
