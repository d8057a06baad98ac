package merchantagent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	apperrors "github.com/ap2fed/server/internal/errors"
	"github.com/ap2fed/server/internal/httputil"
	"github.com/ap2fed/server/internal/mandate"
	"github.com/ap2fed/server/internal/merchant"
)

// MerchantClient talks to the merchant of record over HTTP.
type MerchantClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewMerchantClient builds a client for the merchant's base URL.
func NewMerchantClient(baseURL string, timeout time.Duration) *MerchantClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MerchantClient{
		baseURL: baseURL,
		http:    httputil.NewClient(timeout),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "merchant",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

// SearchProducts queries GET /products.
func (c *MerchantClient) SearchProducts(ctx context.Context, query string) ([]merchant.Product, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.baseURL+"/products?q="+url.QueryEscape(query), nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, apperrors.Newf(apperrors.ErrCodeUpstreamUnavailable, "merchant returned %d", resp.StatusCode)
		}
		var out struct {
			Products []merchant.Product `json:"products"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeUpstreamUnavailable, "malformed merchant response", err)
		}
		return out.Products, nil
	})
	if err != nil {
		return nil, wrapUpstream(err)
	}
	return result.([]merchant.Product), nil
}

// SignCart posts to /sign/cart.
func (c *MerchantClient) SignCart(ctx context.Context, contents mandate.CartContents, items []merchant.LineItem) (*mandate.CartMandate, error) {
	body, err := json.Marshal(merchant.SignCartRequest{Contents: contents, Items: items})
	if err != nil {
		return nil, err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sign/cart", bytes.NewReader(body))
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
			return nil, apperrors.Newf(apperrors.ErrCodeUpstreamUnavailable, "merchant returned %d", resp.StatusCode)
		}
		var out struct {
			CartMandate *mandate.CartMandate `json:"cart_mandate"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.CartMandate == nil {
			return nil, apperrors.New(apperrors.ErrCodeUpstreamUnavailable, "malformed sign response")
		}
		return out.CartMandate, nil
	})
	if err != nil {
		return nil, wrapUpstream(err)
	}
	return result.(*mandate.CartMandate), nil
}

// LocalMerchant adapts an in-process merchant to MerchantAPI, for
// single-binary deployments and tests.
type LocalMerchant struct {
	M *merchant.Merchant
}

func (l LocalMerchant) SearchProducts(ctx context.Context, query string) ([]merchant.Product, error) {
	return l.M.SearchProducts(query), nil
}

func (l LocalMerchant) SignCart(ctx context.Context, contents mandate.CartContents, items []merchant.LineItem) (*mandate.CartMandate, error) {
	return l.M.SignCart(ctx, contents, items)
}

func wrapUpstream(err error) error {
	if code := apperrors.CodeOf(err); code != apperrors.ErrCodeInternalError {
		return err
	}
	return apperrors.Wrap(apperrors.ErrCodeUpstreamUnavailable, "merchant unavailable", err)
}
