package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	apperrors "github.com/ap2fed/server/internal/errors"
	"github.com/ap2fed/server/internal/httputil"
)

// ProviderClient talks to the credential provider: credential checks on the
// validation path and receipt delivery after capture.
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

type verifyResponse struct {
	Valid  bool            `json:"valid"`
	Checks map[string]bool `json:"checks"`
}

// VerifyCredential posts to /credentials/verify and rejects on any failed
// check.
func (c *ProviderClient) VerifyCredential(ctx context.Context, userDID, credentialID, paymentMethodToken string) error {
	body, err := json.Marshal(map[string]string{
		"user_did":             userDID,
		"credential_id":        credentialID,
		"payment_method_token": paymentMethodToken,
	})
	if err != nil {
		return err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.post(ctx, "/credentials/verify", body)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, decodedError(resp, "credential provider")
		}
		var out verifyResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeUpstreamUnavailable, "malformed verify response", err)
		}
		return &out, nil
	})
	if err != nil {
		return wrapProvider(err)
	}

	out := result.(*verifyResponse)
	if !out.Valid {
		return apperrors.Newf(apperrors.ErrCodeCredentialInvalid, "credential provider rejected: %s", failedChecks(out.Checks))
	}
	return nil
}

// DeliverReceipt posts to /receipts. An already-stored receipt counts as
// delivered.
func (c *ProviderClient) DeliverReceipt(ctx context.Context, receipt ReceiptArtifact) error {
	body, err := json.Marshal(receipt)
	if err != nil {
		return err
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.post(ctx, "/receipts", body)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return nil, nil
		}
		perr := decodedError(resp, "receipt store")
		if apperrors.CodeOf(perr) == apperrors.ErrCodeReceiptAlreadyStored {
			return nil, nil
		}
		return nil, perr
	})
	if err != nil {
		return wrapProvider(err)
	}
	return nil
}

func (c *ProviderClient) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

func decodedError(resp *http.Response, who string) error {
	var errResp apperrors.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error.Code != "" {
		return apperrors.New(errResp.Error.Code, errResp.Error.Message)
	}
	return apperrors.Newf(apperrors.ErrCodeUpstreamUnavailable, "%s returned %d", who, resp.StatusCode)
}

func wrapProvider(err error) error {
	if code := apperrors.CodeOf(err); code != apperrors.ErrCodeInternalError {
		return err
	}
	return apperrors.Wrap(apperrors.ErrCodeUpstreamUnavailable, "credential provider unavailable", err)
}

func failedChecks(checks map[string]bool) string {
	var failed []string
	for name, ok := range checks {
		if !ok {
			failed = append(failed, name)
		}
	}
	if len(failed) == 0 {
		return "no passing checks"
	}
	sort.Strings(failed)
	return strings.Join(failed, ", ")
}
