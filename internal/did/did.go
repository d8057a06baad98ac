// Package did models the decentralised identifiers used between services
// (did:ap2:<kind>:<name>), their public documents, and key resolution.
package did

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lestrrat-go/jwx/v3/jwk"

	apperrors "github.com/ap2fed/server/internal/errors"
)

// Document is the public DID document served at /.well-known/did.json.
type Document struct {
	ID                 string               `json:"id"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	Authentication     []string             `json:"authentication"`
}

// VerificationMethod publishes one public key under a fragment-qualified id.
type VerificationMethod struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Controller   string          `json:"controller,omitempty"`
	PublicKeyJwk json.RawMessage `json:"publicKeyJwk,omitempty"`
	PublicKeyPem string          `json:"publicKeyPem,omitempty"`
}

// ParseKID splits a DID URL like did:ap2:agent:merchant#key-1 into the DID
// and its fragment. A kid without a fragment is malformed.
func ParseKID(kid string) (string, string, error) {
	idx := strings.Index(kid, "#")
	if idx <= 0 || idx == len(kid)-1 {
		return "", "", apperrors.Newf(apperrors.ErrCodeSignatureInvalid, "kid %q is not a DID URL with fragment", kid)
	}
	id := kid[:idx]
	if !strings.HasPrefix(id, "did:") || strings.Count(id, ":") < 2 {
		return "", "", apperrors.Newf(apperrors.ErrCodeSignatureInvalid, "kid %q does not carry a well-formed DID", kid)
	}
	return id, kid[idx+1:], nil
}

// NewDocument builds a single-key document for a service identity.
func NewDocument(id string, publicKey interface{}) (*Document, error) {
	key, err := jwk.Import(publicKey)
	if err != nil {
		return nil, fmt.Errorf("did: import public key: %w", err)
	}
	raw, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("did: marshal jwk: %w", err)
	}
	kid := id + "#key-1"
	return &Document{
		ID: id,
		VerificationMethod: []VerificationMethod{{
			ID:           kid,
			Type:         "JsonWebKey2020",
			Controller:   id,
			PublicKeyJwk: raw,
		}},
		Authentication: []string{kid},
	}, nil
}

// KeyByID extracts the public key for a fully qualified kid from a document.
func (d *Document) KeyByID(kid string) (interface{}, error) {
	for _, vm := range d.VerificationMethod {
		if vm.ID != kid {
			continue
		}
		if len(vm.PublicKeyJwk) > 0 {
			key, err := jwk.ParseKey(vm.PublicKeyJwk)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.ErrCodeDidNotResolved, "malformed publicKeyJwk", err)
			}
			var raw interface{}
			if err := jwk.Export(key, &raw); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrCodeDidNotResolved, "unsupported jwk type", err)
			}
			return raw, nil
		}
		if vm.PublicKeyPem != "" {
			return parsePEMPublicKey(vm.PublicKeyPem)
		}
	}
	return nil, apperrors.Newf(apperrors.ErrCodeDidNotResolved, "no verification method %q in document %s", kid, d.ID)
}
