package shopping

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ap2fed/server/internal/credprovider"
	apperrors "github.com/ap2fed/server/internal/errors"
	"github.com/ap2fed/server/internal/httputil"
	"github.com/ap2fed/server/internal/webauthn"
)

// ProviderClient is the HTTP CredentialAPI, for deployments where the
// credential provider runs as its own service.
type ProviderClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewProviderClient builds a client for the credential provider's base URL.
func NewProviderClient(baseURL string, timeout time.Duration) *ProviderClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ProviderClient{
		baseURL: baseURL,
		http:    httputil.NewClient(timeout),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "credential-provider",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Challenge mints a ceremony challenge for the user.
func (c *ProviderClient) Challenge(ctx context.Context, userDID string) (string, error) {
	var out struct {
		Challenge string `json:"challenge"`
	}
	err := c.post(ctx, "/credentials/challenge", map[string]string{"user_did": userDID}, &out)
	if err != nil {
		return "", err
	}
	if out.Challenge == "" {
		return "", apperrors.New(apperrors.ErrCodeUpstreamUnavailable, "provider returned no challenge")
	}
	return out.Challenge, nil
}

// VerifyAttestation checks the assertion and optionally exchanges the
// payment-method token for a network agent token.
func (c *ProviderClient) VerifyAttestation(ctx context.Context, userDID, challenge string, assertion *webauthn.Assertion, paymentMethodToken string) (string, error) {
	var out struct {
		Verified   bool   `json:"verified"`
		AgentToken string `json:"agent_token"`
	}
	err := c.post(ctx, "/verify/attestation", map[string]interface{}{
		"user_did":             userDID,
		"challenge":            challenge,
		"assertion":            assertion,
		"payment_method_token": paymentMethodToken,
	}, &out)
	if err != nil {
		return "", err
	}
	if !out.Verified {
		return "", apperrors.New(apperrors.ErrCodeWebAuthnInvalid, "provider did not verify the assertion")
	}
	return out.AgentToken, nil
}

// PaymentMethods lists the user's vaulted instruments.
func (c *ProviderClient) PaymentMethods(ctx context.Context, userDID string) ([]PaymentMethod, error) {
	var out struct {
		PaymentMethods []PaymentMethod `json:"payment_methods"`
	}
	err := c.get(ctx, "/payment-methods?user_did="+url.QueryEscape(userDID), &out)
	if err != nil {
		return nil, err
	}
	return out.PaymentMethods, nil
}

// TokenizeMethod issues a short-lived payment-method token.
func (c *ProviderClient) TokenizeMethod(ctx context.Context, userDID, methodID string) (string, error) {
	var out struct {
		Token string `json:"payment_method_token"`
	}
	err := c.post(ctx, "/payment-methods/tokenize", map[string]string{
		"user_did":  userDID,
		"method_id": methodID,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Token, nil
}

// InitiateStepUp opens a step-up session.
func (c *ProviderClient) InitiateStepUp(ctx context.Context, userDID, reason string) (*StepUp, error) {
	var out StepUp
	err := c.post(ctx, "/stepup/initiate", map[string]string{
		"user_did": userDID,
		"reason":   reason,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteStepUp finishes a step-up session with its assertion.
func (c *ProviderClient) CompleteStepUp(ctx context.Context, sessionID string, assertion *webauthn.Assertion) (*StepUp, error) {
	var out StepUp
	err := c.post(ctx, "/verify/step-up", map[string]interface{}{
		"session_id": sessionID,
		"assertion":  assertion,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *ProviderClient) post(ctx context.Context, path string, payload interface{}, into interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, body, into)
}

func (c *ProviderClient) get(ctx context.Context, path string, into interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, into)
}

func (c *ProviderClient) do(ctx context.Context, method, path string, body []byte, into interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			var errResp apperrors.ErrorResponse
			if derr := json.NewDecoder(resp.Body).Decode(&errResp); derr == nil && errResp.Error.Code != "" {
				return nil, apperrors.New(errResp.Error.Code, errResp.Error.Message)
			}
			return nil, apperrors.Newf(apperrors.ErrCodeUpstreamUnavailable, "credential provider returned %d", resp.StatusCode)
		}
		if into != nil {
			if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrCodeUpstreamUnavailable, "malformed provider response", err)
			}
		}
		return nil, nil
	})
	if err != nil {
		if code := apperrors.CodeOf(err); code != apperrors.ErrCodeInternalError {
			return err
		}
		return apperrors.Wrap(apperrors.ErrCodeUpstreamUnavailable, "credential provider unavailable", err)
	}
	return nil
}

// LocalProvider adapts an in-process credential provider to CredentialAPI,
// for single-binary deployments.
type LocalProvider struct {
	Service *credprovider.Service
}

// Challenge mints a ceremony challenge.
func (p LocalProvider) Challenge(ctx context.Context, userDID string) (string, error) {
	return p.Service.NewChallenge(userDID)
}

// VerifyAttestation checks the assertion and exchanges any payment token.
func (p LocalProvider) VerifyAttestation(ctx context.Context, userDID, challenge string, assertion *webauthn.Assertion, paymentMethodToken string) (string, error) {
	if err := p.Service.VerifyAssertion(ctx, userDID, challenge, assertion); err != nil {
		return "", err
	}
	if paymentMethodToken == "" {
		return "", nil
	}
	agentToken, _, err := p.Service.ExchangeToken(ctx, userDID, paymentMethodToken)
	return agentToken, err
}

// PaymentMethods lists the user's instruments.
func (p LocalProvider) PaymentMethods(ctx context.Context, userDID string) ([]PaymentMethod, error) {
	methods := p.Service.PaymentMethods(userDID)
	out := make([]PaymentMethod, 0, len(methods))
	for _, m := range methods {
		out = append(out, PaymentMethod{
			ID:             m.ID,
			Kind:           m.Kind,
			Network:        m.Network,
			Last4:          m.Last4,
			DisplayName:    m.DisplayName,
			RequiresStepUp: m.RequiresStepUp,
		})
	}
	return out, nil
}

// TokenizeMethod issues a payment-method token.
func (p LocalProvider) TokenizeMethod(ctx context.Context, userDID, methodID string) (string, error) {
	token, _, err := p.Service.TokenizeMethod(userDID, methodID)
	return token, err
}

// InitiateStepUp opens a step-up session.
func (p LocalProvider) InitiateStepUp(ctx context.Context, userDID, reason string) (*StepUp, error) {
	session, err := p.Service.InitiateStepUp(userDID, reason)
	if err != nil {
		return nil, err
	}
	return stepUpView(session), nil
}

// CompleteStepUp finishes a step-up session.
func (p LocalProvider) CompleteStepUp(ctx context.Context, sessionID string, assertion *webauthn.Assertion) (*StepUp, error) {
	session, err := p.Service.CompleteStepUp(ctx, sessionID, assertion)
	if err != nil {
		return nil, err
	}
	return stepUpView(session), nil
}

func stepUpView(s *credprovider.StepUpSession) *StepUp {
	return &StepUp{
		ID:        s.ID,
		Challenge: s.Challenge,
		Status:    string(s.Status),
		Reason:    s.Reason,
	}
}
