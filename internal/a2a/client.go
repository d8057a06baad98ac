package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/ap2fed/server/internal/cryptoutil"
	"github.com/ap2fed/server/internal/did"
	apperrors "github.com/ap2fed/server/internal/errors"
)

// Client sends signed envelopes to peers and verifies the signed replies.
type Client struct {
	selfDID  string
	key      *cryptoutil.KeyPair
	kid      string
	resolver *did.Resolver

	endpoints map[string]string // recipient DID -> base URL
	http      *http.Client
	breakers  map[string]*gobreaker.CircuitBreaker
	audit     AuditSink
	log       zerolog.Logger
}

// ClientConfig wires a Client.
type ClientConfig struct {
	SelfDID   string
	Key       *cryptoutil.KeyPair
	Kid       string
	Resolver  *did.Resolver
	Endpoints map[string]string
	Audit     AuditSink
	Logger    zerolog.Logger
	Timeout   time.Duration
}

// NewClient builds a client with one circuit breaker per peer.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(cfg.Endpoints))
	for peer := range cfg.Endpoints {
		breakers[peer] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "a2a-" + peer,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		})
	}
	return &Client{
		selfDID:   cfg.SelfDID,
		key:       cfg.Key,
		kid:       cfg.Kid,
		resolver:  cfg.Resolver,
		endpoints: cfg.Endpoints,
		http:      &http.Client{Timeout: cfg.Timeout},
		breakers:  breakers,
		audit:     cfg.Audit,
		log:       cfg.Logger,
	}
}

// Send signs and delivers one typed payload to a peer's message endpoint,
// returning the peer's verified response envelope.
func (c *Client) Send(ctx context.Context, recipient, dataType string, payload interface{}) (*Message, error) {
	base, ok := c.endpoints[recipient]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeDidNotResolved, "no endpoint configured for %s", recipient)
	}

	msg, err := NewMessage(c.selfDID, recipient, dataType, payload)
	if err != nil {
		return nil, err
	}
	if err := SignMessage(msg, c.key, c.kid); err != nil {
		return nil, err
	}

	if c.audit != nil {
		c.audit.RecordAudit(AuditEntry{
			MessageID: msg.Header.MessageID,
			Sender:    msg.Header.Sender,
			Recipient: msg.Header.Recipient,
			Timestamp: msg.Header.Timestamp,
			Type:      msg.DataPart.Type,
			Direction: "outbound",
		})
	}

	resp, err := c.post(ctx, recipient, base+"/a2a/message", msg)
	if err != nil {
		return nil, err
	}

	// Peers answer with their own signed envelope; verify it against the
	// key their DID document publishes, not the embedded one.
	if resp.Header.Proof != nil {
		publicKey, err := c.resolver.ResolveKey(ctx, resp.Header.Proof.Kid)
		if err != nil {
			return nil, err
		}
		if err := VerifyMessage(resp, publicKey); err != nil {
			return nil, err
		}
	}

	if resp.DataPart.Type == TypeError {
		var detail apperrors.ErrorDetail
		if err := resp.DecodePayload(&detail); err == nil && detail.Code != "" {
			return nil, apperrors.New(detail.Code, detail.Message)
		}
		return nil, apperrors.New(apperrors.ErrCodeUpstreamUnavailable, "peer returned an error envelope")
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, recipient, url string, msg *Message) (*Message, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	do := func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		httpResp, err := c.http.Do(req)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeUpstreamUnavailable, "peer unreachable", err)
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			var errResp apperrors.ErrorResponse
			if decodeErr := json.NewDecoder(httpResp.Body).Decode(&errResp); decodeErr == nil && errResp.Error.Code != "" {
				return nil, apperrors.New(errResp.Error.Code, errResp.Error.Message)
			}
			return nil, apperrors.Newf(apperrors.ErrCodeUpstreamUnavailable, "peer returned %d", httpResp.StatusCode)
		}

		var out Message
		if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeUpstreamUnavailable, "malformed peer response", err)
		}
		return &out, nil
	}

	breaker, ok := c.breakers[recipient]
	if !ok {
		result, err := do()
		if err != nil {
			return nil, err
		}
		return result.(*Message), nil
	}

	result, err := breaker.Execute(do)
	if err != nil {
		// Protocol rejections pass through untouched; only transport
		// faults get the breaker wrapper treatment.
		if code := apperrors.CodeOf(err); code != apperrors.ErrCodeInternalError {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.ErrCodeUpstreamUnavailable, fmt.Sprintf("peer %s unavailable", recipient), err)
	}
	return result.(*Message), nil
}
