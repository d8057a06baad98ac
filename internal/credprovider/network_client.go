package credprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	apperrors "github.com/ap2fed/server/internal/errors"
	"github.com/ap2fed/server/internal/httputil"
)

// NetworkClient calls the payment network's tokenize endpoint.
type NetworkClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewNetworkClient builds a tokenizer client for the given network base URL.
func NewNetworkClient(baseURL string, timeout time.Duration) *NetworkClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NetworkClient{
		baseURL: baseURL,
		http:    httputil.NewClient(timeout),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "payment-network",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

type networkTokenizeResponse struct {
	AgentToken string    `json:"agent_token"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Tokenize exchanges a payment-method token for a network agent token.
func (c *NetworkClient) Tokenize(ctx context.Context, paymentMethodToken, userDID string) (string, time.Time, error) {
	body, err := json.Marshal(map[string]string{
		"payment_method_token": paymentMethodToken,
		"user_did":             userDID,
	})
	if err != nil {
		return "", time.Time{}, err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/network/tokenize", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			var errResp apperrors.ErrorResponse
			if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil && errResp.Error.Code != "" {
				return nil, apperrors.New(errResp.Error.Code, errResp.Error.Message)
			}
			return nil, apperrors.Newf(apperrors.ErrCodeNetworkTokenisationFailed, "network returned %d", resp.StatusCode)
		}

		var out networkTokenizeResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeNetworkTokenisationFailed, "malformed network response", err)
		}
		return &out, nil
	})
	if err != nil {
		if code := apperrors.CodeOf(err); code != apperrors.ErrCodeInternalError {
			return "", time.Time{}, err
		}
		return "", time.Time{}, apperrors.Wrap(apperrors.ErrCodeNetworkTokenisationFailed, "payment network unavailable", err)
	}

	out := result.(*networkTokenizeResponse)
	return out.AgentToken, out.ExpiresAt, nil
}
