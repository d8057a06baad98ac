package mandate

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ap2fed/server/internal/did"
	apperrors "github.com/ap2fed/server/internal/errors"
)

// MerchantAuthClaims is the payload of the merchant_authorization JWS. The
// cart_hash claim binds the token to one exact CartContents value.
type MerchantAuthClaims struct {
	CartHash string `json:"cart_hash"`
	jwt.RegisteredClaims
}

// MerchantAuthTTL is the validity window of a merchant authorization.
const MerchantAuthTTL = 10 * time.Minute

// SignCart computes the cart hash and issues the compact ES256 JWS the
// merchant attaches to a CartMandate.
func SignCart(contents CartContents, key *ecdsa.PrivateKey, merchantDID, processorDID string) (string, error) {
	hash, err := CartHash(contents)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := MerchantAuthClaims{
		CartHash: hash,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    merchantDID,
			Subject:   merchantDID,
			Audience:  jwt.ClaimStrings{processorDID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(MerchantAuthTTL)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = merchantDID + "#key-1"
	token.Header["typ"] = "JWT"

	signed, err := token.SignedString(key)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCodeSignatureInvalid, "sign merchant authorization", err)
	}
	return signed, nil
}

// MerchantAuthVerifier holds the collaborators needed to check a
// merchant_authorization token.
type MerchantAuthVerifier struct {
	Resolver *did.Resolver
	// SelfDID is the expected audience (the payment processor's DID).
	SelfDID string
	// SeenJTI reports whether a jti was already admitted; nil disables the
	// replay check (e.g. for the shopping agent's defensive pre-verify).
	SeenJTI func(jti string) bool
}

// Verify parses and validates a merchant_authorization JWS against the cart
// contents it claims to sign. allowedMerchants, when non-empty, restricts the
// issuer DID to the intent's merchant allow-list.
func (v *MerchantAuthVerifier) Verify(ctx context.Context, token string, contents CartContents, allowedMerchants []string) (*MerchantAuthClaims, error) {
	claims := &MerchantAuthClaims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if typ, _ := t.Header["typ"].(string); typ != "JWT" {
			return nil, errors.New("merchant authorization typ must be JWT")
		}
		kid, _ := t.Header["kid"].(string)
		keyDID, _, err := did.ParseKID(kid)
		if err != nil {
			return nil, err
		}
		if iss, _ := claimsIssuer(t); iss != "" && iss != keyDID {
			return nil, errors.New("kid DID does not match issuer")
		}
		return v.Resolver.ResolveKey(ctx, kid)
	},
		jwt.WithValidMethods([]string{"ES256"}),
		jwt.WithAudience(v.SelfDID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		if pe := (*apperrors.ProtocolError)(nil); errors.As(err, &pe) {
			return nil, pe
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.Wrap(apperrors.ErrCodeMandateExpired, "merchant authorization expired", err)
		}
		return nil, apperrors.Wrap(apperrors.ErrCodeSignatureInvalid, "merchant authorization rejected", err)
	}
	if !parsed.Valid {
		return nil, apperrors.New(apperrors.ErrCodeSignatureInvalid, "merchant authorization invalid")
	}

	if len(allowedMerchants) > 0 && !contains(allowedMerchants, claims.Issuer) {
		return nil, apperrors.Newf(apperrors.ErrCodeMerchantNotAllowed, "merchant %s is not in the intent allow-list", claims.Issuer)
	}

	if v.SeenJTI != nil {
		if claims.ID == "" {
			return nil, apperrors.New(apperrors.ErrCodeSchemaInvalid, "merchant authorization missing jti")
		}
		if v.SeenJTI(claims.ID) {
			return nil, apperrors.New(apperrors.ErrCodeReplayDetected, "merchant authorization jti replayed")
		}
	}

	hash, err := CartHash(contents)
	if err != nil {
		return nil, err
	}
	if claims.CartHash != hash {
		return nil, apperrors.New(apperrors.ErrCodeCartTampered, "cart contents do not match the signed cart_hash")
	}

	return claims, nil
}

func claimsIssuer(t *jwt.Token) (string, error) {
	if c, ok := t.Claims.(*MerchantAuthClaims); ok {
		return c.Issuer, nil
	}
	return t.Claims.GetIssuer()
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
