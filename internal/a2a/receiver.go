package a2a

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ap2fed/server/internal/cryptoutil"
	"github.com/ap2fed/server/internal/did"
	apperrors "github.com/ap2fed/server/internal/errors"
	"github.com/ap2fed/server/internal/metrics"
	"github.com/ap2fed/server/internal/ttlstore"
	"github.com/ap2fed/server/pkg/responders"
)

const (
	// DefaultMaxSkew is the accepted clock drift for envelope timestamps.
	DefaultMaxSkew = 5 * time.Minute
	// DefaultNonceTTL is how long a nonce stays in the ledger. It exceeds
	// MaxSkew so a replay inside the timestamp window always hits the ledger.
	DefaultNonceTTL = 5 * time.Minute
)

// HandlerFunc processes one verified inbound envelope. The returned value
// becomes the response dataPart payload; return an *Artifact for the
// collection-bearing reply form.
type HandlerFunc func(ctx context.Context, msg *Message) (interface{}, error)

// Receiver runs the inbound envelope pipeline: schema and algorithm checks,
// sender/kid match, timestamp window, atomic nonce admission, DID resolution,
// signature verification, then typed dispatch. Checks run in that order and
// the first failure terminates processing.
type Receiver struct {
	selfDID  string
	key      *cryptoutil.KeyPair
	kid      string
	resolver *did.Resolver
	nonces   *ttlstore.Store[struct{}]
	audit    AuditSink
	log      zerolog.Logger
	metrics  *metrics.Metrics

	maxSkew  time.Duration
	nonceTTL time.Duration

	handlers map[string]HandlerFunc
}

// ReceiverConfig wires a Receiver.
type ReceiverConfig struct {
	SelfDID  string
	Key      *cryptoutil.KeyPair
	Kid      string
	Resolver *did.Resolver
	Nonces   *ttlstore.Store[struct{}]
	Audit    AuditSink
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	MaxSkew  time.Duration
	NonceTTL time.Duration
}

// NewReceiver builds a receiver with no handlers registered.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = DefaultMaxSkew
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = DefaultNonceTTL
	}
	return &Receiver{
		selfDID:  cfg.SelfDID,
		key:      cfg.Key,
		kid:      cfg.Kid,
		resolver: cfg.Resolver,
		nonces:   cfg.Nonces,
		audit:    cfg.Audit,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		maxSkew:  cfg.MaxSkew,
		nonceTTL: cfg.NonceTTL,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers the handler for one dataPart type.
func (r *Receiver) Handle(dataType string, fn HandlerFunc) {
	r.handlers[dataType] = fn
}

// Process validates an inbound envelope and dispatches it, returning the
// signed response envelope.
func (r *Receiver) Process(ctx context.Context, msg *Message) (*Message, error) {
	start := time.Now()
	if err := r.validate(ctx, msg); err != nil {
		r.metrics.CountA2A(msg.DataPart.Type, "rejected")
		if apperrors.CodeOf(err) == apperrors.ErrCodeReplayDetected {
			r.metrics.BlockReplay()
		}
		r.log.Warn().
			Str("message_id", msg.Header.MessageID).
			Str("sender", msg.Header.Sender).
			Str("type", msg.DataPart.Type).
			Str("code", string(apperrors.CodeOf(err))).
			Msg("envelope rejected")
		return nil, err
	}

	if r.audit != nil {
		r.audit.RecordAudit(AuditEntry{
			MessageID: msg.Header.MessageID,
			Sender:    msg.Header.Sender,
			Recipient: msg.Header.Recipient,
			Timestamp: msg.Header.Timestamp,
			Type:      msg.DataPart.Type,
			Direction: "inbound",
		})
	}

	handler, ok := r.handlers[msg.DataPart.Type]
	if !ok {
		r.metrics.CountA2A(msg.DataPart.Type, "rejected")
		return nil, apperrors.Newf(apperrors.ErrCodeUnsupportedDataType, "no handler for %s", msg.DataPart.Type)
	}

	result, err := handler(ctx, msg)
	if err != nil {
		r.metrics.CountA2A(msg.DataPart.Type, "failed")
		return nil, err
	}

	resp, err := r.respond(msg, result)
	if err != nil {
		return nil, err
	}
	r.metrics.ObserveA2A(msg.DataPart.Type, "ok", time.Since(start))
	return resp, nil
}

// validate runs the fixed-order inbound checks.
func (r *Receiver) validate(ctx context.Context, msg *Message) error {
	h := msg.Header
	if h.MessageID == "" || h.Sender == "" || h.Recipient == "" || msg.DataPart.Type == "" {
		return apperrors.New(apperrors.ErrCodeSchemaInvalid, "envelope header is incomplete")
	}
	if h.Recipient != r.selfDID {
		return apperrors.Newf(apperrors.ErrCodeSchemaInvalid, "envelope addressed to %s, not %s", h.Recipient, r.selfDID)
	}

	proof := h.Proof
	if proof == nil {
		return apperrors.New(apperrors.ErrCodeSignatureInvalid, "envelope carries no proof")
	}
	if _, err := cryptoutil.ParseAlgorithm(proof.Algorithm); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeSignatureInvalid, "proof algorithm not allowed", err)
	}

	kidDID, _, err := did.ParseKID(proof.Kid)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeSignatureInvalid, "malformed proof kid", err)
	}
	if kidDID != h.Sender {
		return apperrors.Newf(apperrors.ErrCodeSignatureInvalid, "proof kid %s does not belong to sender %s", proof.Kid, h.Sender)
	}

	if skew := time.Since(h.Timestamp); skew > r.maxSkew || skew < -r.maxSkew {
		return apperrors.Newf(apperrors.ErrCodeTimestampSkew, "envelope timestamp outside %s window", r.maxSkew)
	}

	if !validNonce(h.Nonce) {
		return apperrors.New(apperrors.ErrCodeSchemaInvalid, "nonce must be 64 hex characters")
	}
	// Seen-check and record are a single atomic step; two concurrent copies
	// of the same envelope admit exactly one.
	if !r.nonces.PutIfAbsent(h.Nonce, struct{}{}, r.nonceTTL) {
		return apperrors.New(apperrors.ErrCodeReplayDetected, "nonce already used")
	}

	publicKey, err := r.resolver.ResolveKey(ctx, proof.Kid)
	if err != nil {
		// Give the nonce back: nothing was authenticated yet, and a
		// transient resolution failure must not burn the sender's nonce.
		r.nonces.Delete(h.Nonce)
		return err
	}
	if err := VerifyMessage(msg, publicKey); err != nil {
		r.nonces.Delete(h.Nonce)
		return err
	}
	return nil
}

// respond wraps a handler result in a signed envelope back to the sender.
// *Artifact results keep their declared data type key.
func (r *Receiver) respond(inbound *Message, result interface{}) (*Message, error) {
	dataType := responseType(inbound.DataPart.Type)
	if artifact, ok := result.(*Artifact); ok {
		dataType = artifact.DataTypeKey
	}

	resp, err := NewMessage(r.selfDID, inbound.Header.Sender, dataType, result)
	if err != nil {
		return nil, err
	}
	if err := SignMessage(resp, r.key, r.kid); err != nil {
		return nil, err
	}

	if r.audit != nil {
		r.audit.RecordAudit(AuditEntry{
			MessageID: resp.Header.MessageID,
			Sender:    resp.Header.Sender,
			Recipient: resp.Header.Recipient,
			Timestamp: resp.Header.Timestamp,
			Type:      resp.DataPart.Type,
			Direction: "outbound",
		})
	}
	return resp, nil
}

// responseType maps a request type to its conventional response type.
func responseType(requestType string) string {
	switch requestType {
	case TypeProductSearch:
		return TypeProductList
	case TypeIntentMandate, TypeCartRequest:
		return TypeCartCandidates
	case TypeCartSelection:
		return TypeSignatureResponse
	case TypePaymentMandate:
		return TypePaymentResult
	case TypeRefundRequest:
		return TypeRefundResult
	default:
		return TypeSignatureResponse
	}
}

// ServeHTTP accepts POST /a2a/message bodies.
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var msg Message
	if err := json.NewDecoder(req.Body).Decode(&msg); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSchemaInvalid, "body is not a valid envelope")
		return
	}

	resp, err := r.Process(req.Context(), &msg)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, resp)
}
