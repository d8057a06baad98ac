package mandate

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	apperrors "github.com/ap2fed/server/internal/errors"
	"github.com/ap2fed/server/internal/webauthn"
)

// UserAuthorization is the SD-JWT-VC-shaped verifiable presentation built by
// the shopping agent after the payment-confirmation WebAuthn ceremony. The
// WebAuthn assertion is the actual cryptographic proof; IssuerJWT and KBJWT
// are unsigned carriers of the binding data, tolerated in signed form too.
type UserAuthorization struct {
	IssuerJWT         string              `json:"issuer_jwt"`
	KBJWT             string              `json:"kb_jwt"`
	WebAuthnAssertion *webauthn.Assertion `json:"webauthn_assertion"`
	CartHash          string              `json:"cart_hash"`
	PaymentHash       string              `json:"payment_hash"`
}

// IssuerClaims is the payload of the issuer JWT.
type IssuerClaims struct {
	Iss string                 `json:"iss"`
	Sub string                 `json:"sub"`
	Iat int64                  `json:"iat"`
	Exp int64                  `json:"exp"`
	Cnf map[string]interface{} `json:"cnf,omitempty"`
}

// KBClaims is the payload of the key-binding JWT. TransactionData carries the
// hex cart and payment hashes, order-independent.
type KBClaims struct {
	Aud             string   `json:"aud"`
	Nonce           string   `json:"nonce"`
	Iat             int64    `json:"iat"`
	SDHash          string   `json:"sd_hash"`
	TransactionData []string `json:"transaction_data"`
}

// BuildUserAuthorization assembles the presentation in Form A (base64url
// JSON object). cnfJWK is the passkey public key as a JWK map; nonce is the
// fresh challenge the assertion was produced over.
func BuildUserAuthorization(userDID, processorDID string, cnfJWK map[string]interface{}, assertion *webauthn.Assertion, cartHash, paymentHash string, nonce []byte) (string, error) {
	now := time.Now()

	issuerJWT, err := unsignedJWT(
		map[string]interface{}{"alg": "ES256", "typ": "vc+sd-jwt"},
		IssuerClaims{
			Iss: "https://credentials.ap2.example",
			Sub: userDID,
			Iat: now.Unix(),
			Exp: now.Add(time.Hour).Unix(),
			Cnf: map[string]interface{}{"jwk": cnfJWK},
		},
	)
	if err != nil {
		return "", err
	}

	sdHash := sha256.Sum256([]byte(issuerJWT))
	kbJWT, err := unsignedJWT(
		map[string]interface{}{"alg": "ES256", "typ": "kb+jwt"},
		KBClaims{
			Aud:             processorDID,
			Nonce:           base64.RawURLEncoding.EncodeToString(nonce),
			Iat:             now.Unix(),
			SDHash:          base64.RawURLEncoding.EncodeToString(sdHash[:]),
			TransactionData: []string{cartHash, paymentHash},
		},
	)
	if err != nil {
		return "", err
	}

	vp := UserAuthorization{
		IssuerJWT:         issuerJWT,
		KBJWT:             kbJWT,
		WebAuthnAssertion: assertion,
		CartHash:          cartHash,
		PaymentHash:       paymentHash,
	}
	raw, err := json.Marshal(vp)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCodeUserAuthInvalid, "encode user authorization", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// NewChallenge mints a 32-byte KB-JWT nonce / WebAuthn challenge.
func NewChallenge() ([]byte, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// ParseUserAuthorization accepts both admitted forms: Form A, a base64url
// JSON object, and Form B, the compact SD-JWT `issuer~kb~` with the assertion
// carried as a disclosure-style JSON segment.
func ParseUserAuthorization(encoded string) (*UserAuthorization, error) {
	if encoded == "" {
		return nil, apperrors.New(apperrors.ErrCodeSchemaInvalid, "user_authorization is empty")
	}

	if strings.Contains(encoded, "~") {
		return parseCompactForm(encoded)
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeUserAuthInvalid, "user_authorization is not base64url", err)
	}
	var vp UserAuthorization
	if err := json.Unmarshal(raw, &vp); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeUserAuthInvalid, "user_authorization is not JSON", err)
	}
	if vp.WebAuthnAssertion == nil {
		return nil, apperrors.New(apperrors.ErrCodeUserAuthInvalid, "user_authorization carries no assertion")
	}
	return &vp, nil
}

// parseCompactForm handles `<issuer_jwt>~<kb_jwt>~[assertion]`.
func parseCompactForm(s string) (*UserAuthorization, error) {
	parts := strings.Split(s, "~")
	if len(parts) < 2 {
		return nil, apperrors.New(apperrors.ErrCodeUserAuthInvalid, "compact user_authorization needs issuer and kb segments")
	}

	vp := &UserAuthorization{IssuerJWT: parts[0], KBJWT: parts[1]}

	if len(parts) >= 3 && parts[2] != "" {
		raw, err := base64.RawURLEncoding.DecodeString(parts[2])
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeUserAuthInvalid, "compact assertion segment is not base64url", err)
		}
		var assertion webauthn.Assertion
		if err := json.Unmarshal(raw, &assertion); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeUserAuthInvalid, "compact assertion segment is not JSON", err)
		}
		vp.WebAuthnAssertion = &assertion
	}
	if vp.WebAuthnAssertion == nil {
		return nil, apperrors.New(apperrors.ErrCodeUserAuthInvalid, "user_authorization carries no assertion")
	}

	kb, err := vp.KBClaims()
	if err != nil {
		return nil, err
	}
	if len(kb.TransactionData) >= 2 {
		vp.CartHash = kb.TransactionData[0]
		vp.PaymentHash = kb.TransactionData[1]
	}
	return vp, nil
}

// CompactForm renders the presentation as `issuer~kb~assertion`.
func (u *UserAuthorization) CompactForm() (string, error) {
	raw, err := json.Marshal(u.WebAuthnAssertion)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCodeUserAuthInvalid, "encode assertion", err)
	}
	return u.IssuerJWT + "~" + u.KBJWT + "~" + base64.RawURLEncoding.EncodeToString(raw), nil
}

// IssuerClaims decodes the issuer JWT payload, signed or unsigned.
func (u *UserAuthorization) IssuerClaims() (*IssuerClaims, error) {
	var c IssuerClaims
	if err := decodeJWTPayload(u.IssuerJWT, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// KBClaims decodes the key-binding JWT payload, signed or unsigned.
func (u *UserAuthorization) KBClaims() (*KBClaims, error) {
	var c KBClaims
	if err := decodeJWTPayload(u.KBJWT, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// BindsHashes reports whether both hashes appear in the KB-JWT
// transaction_data, in any order.
func (u *UserAuthorization) BindsHashes(cartHash, paymentHash string) (bool, error) {
	kb, err := u.KBClaims()
	if err != nil {
		return false, err
	}
	return contains(kb.TransactionData, cartHash) && contains(kb.TransactionData, paymentHash), nil
}

func unsignedJWT(header map[string]interface{}, payload interface{}) (string, error) {
	h, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	p, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(h) + "." + base64.RawURLEncoding.EncodeToString(p), nil
}

// decodeJWTPayload extracts the payload of an `h.p` or `h.p.s` token without
// verifying any signature; the WebAuthn assertion is the proof here.
func decodeJWTPayload(token string, into interface{}) error {
	parts := strings.Split(token, ".")
	if len(parts) != 2 && len(parts) != 3 {
		return apperrors.New(apperrors.ErrCodeUserAuthInvalid, "token is not a JWT-shaped pair")
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeUserAuthInvalid, "token payload is not base64url", err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeUserAuthInvalid, "token payload is not JSON", err)
	}
	return nil
}
