// Package processor implements the payment processor role: the strict-order
// mandate chain validator, authorize+capture against an acquirer, and receipt
// fan-out to the credential provider.
package processor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ap2fed/server/internal/a2a"
	"github.com/ap2fed/server/internal/did"
	apperrors "github.com/ap2fed/server/internal/errors"
	"github.com/ap2fed/server/internal/mandate"
	"github.com/ap2fed/server/internal/metrics"
	"github.com/ap2fed/server/internal/storage"
	"github.com/ap2fed/server/internal/ttlstore"
)

// JTITTL is how long an admitted merchant_authorization jti stays in the
// ledger. It only needs to outlive the token's own validity window.
const JTITTL = mandate.MerchantAuthTTL

// receiptAttempts bounds the at-least-once receipt delivery loop.
const receiptAttempts = 3

// CaptureRequest is the ap2.mandates.PaymentMandate payload addressed to the
// processor: the payment mandate together with the cart it settles and,
// optionally, the intent that constrains both.
type CaptureRequest struct {
	PaymentMandate mandate.PaymentMandate  `json:"payment_mandate"`
	CartMandate    mandate.CartMandate     `json:"cart_mandate"`
	Intent         *mandate.IntentEnvelope `json:"intent,omitempty"`
	PayerID        string                  `json:"payer_id,omitempty"`
	Attestation    map[string]interface{}  `json:"attestation,omitempty"`
}

// PaymentResult is the ap2.responses.PaymentResult payload.
type PaymentResult struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	ReceiptURL    string `json:"receipt_url,omitempty"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency,omitempty"`
	ProductName   string `json:"product_name,omitempty"`
}

// RefundRequest is the ap2.requests.RefundRequest payload.
type RefundRequest struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason,omitempty"`
}

// RefundResult is the ap2.responses.RefundResult payload.
type RefundResult struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency,omitempty"`
}

// CredentialChecker asks the credential provider whether the presented
// credentials are live for the paying user.
type CredentialChecker interface {
	VerifyCredential(ctx context.Context, userDID, credentialID, paymentMethodToken string) error
}

// ReceiptSink accepts receipt artefacts. Delivery is at-least-once; sinks
// must treat a repeated receipt id as already stored.
type ReceiptSink interface {
	DeliverReceipt(ctx context.Context, receipt ReceiptArtifact) error
}

// ReceiptArtifact is one receipt on its way to the credential provider.
type ReceiptArtifact struct {
	ReceiptID     string          `json:"receipt_id"`
	TransactionID string          `json:"transaction_id"`
	UserDID       string          `json:"user_did"`
	Payload       json.RawMessage `json:"payload"`
}

// Service is the payment processor.
type Service struct {
	selfDID string

	store       storage.Store
	verifier    *mandate.MerchantAuthVerifier
	jti         *ttlstore.Store[struct{}]
	credentials CredentialChecker
	receipts    ReceiptSink
	acquirer    Acquirer

	rpID           string
	allowedOrigins []string
	receiptBaseURL string

	metrics *metrics.Metrics
	log     zerolog.Logger
}

// Config wires a Service.
type Config struct {
	SelfDID        string
	Store          storage.Store
	Resolver       *did.Resolver
	JTILedger      *ttlstore.Store[struct{}]
	Credentials    CredentialChecker
	Receipts       ReceiptSink
	Acquirer       Acquirer
	RPID           string
	AllowedOrigins []string
	ReceiptBaseURL string
	Metrics        *metrics.Metrics
	Logger         zerolog.Logger
}

// New creates the processor service.
func New(cfg Config) *Service {
	s := &Service{
		selfDID:        cfg.SelfDID,
		store:          cfg.Store,
		jti:            cfg.JTILedger,
		credentials:    cfg.Credentials,
		receipts:       cfg.Receipts,
		acquirer:       cfg.Acquirer,
		rpID:           cfg.RPID,
		allowedOrigins: cfg.AllowedOrigins,
		receiptBaseURL: cfg.ReceiptBaseURL,
		metrics:        cfg.Metrics,
		log:            cfg.Logger,
	}
	s.verifier = &mandate.MerchantAuthVerifier{
		Resolver: cfg.Resolver,
		SelfDID:  cfg.SelfDID,
		SeenJTI: func(jti string) bool {
			return !s.jti.PutIfAbsent(jti, struct{}{}, JTITTL)
		},
	}
	return s
}

// RegisterHandlers binds the processor's message types on a receiver.
func (s *Service) RegisterHandlers(r *a2a.Receiver) {
	r.Handle(a2a.TypePaymentMandate, s.handlePaymentMandate)
	r.Handle(a2a.TypeRefundRequest, s.handleRefund)
}

// handlePaymentMandate runs the chain validator and, when it passes, settles
// the transaction and fans out the receipt.
func (s *Service) handlePaymentMandate(ctx context.Context, msg *a2a.Message) (interface{}, error) {
	start := time.Now()

	var req CaptureRequest
	if err := msg.DecodePayload(&req); err != nil {
		s.countPayment("rejected")
		return nil, apperrors.Wrap(apperrors.ErrCodeSchemaInvalid, "malformed payment mandate payload", err)
	}

	facts, err := s.validateChain(ctx, &req)
	if err != nil {
		s.countPayment("rejected")
		return nil, err
	}

	result, err := s.settle(ctx, &req, facts)
	if err != nil {
		s.countPayment("declined")
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.PaymentsTotal.WithLabelValues("captured").Inc()
		s.metrics.PaymentAmountTotal.WithLabelValues(facts.total.Currency).Add(facts.total.Value)
		s.metrics.PaymentDuration.WithLabelValues("captured").Observe(time.Since(start).Seconds())
	}
	s.log.Info().
		Str("transaction_id", result.TransactionID).
		Str("amount", result.Amount).
		Str("currency", facts.total.Currency).
		Str("user_did", facts.userDID).
		Msg("payment captured")
	return result, nil
}

// settle persists the transaction, drives the acquirer, and emits the
// receipt. A declined capture leaves the transaction in the failed state;
// no other partial write survives.
func (s *Service) settle(ctx context.Context, req *CaptureRequest, facts *chainFacts) (*PaymentResult, error) {
	txnID, err := newTransactionID()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternalError, "transaction id generation failed", err)
	}

	now := time.Now()
	txn := storage.Transaction{
		ID:               txnID,
		CartID:           req.CartMandate.Contents.ID,
		PaymentMandateID: req.PaymentMandate.PaymentMandateContents.PaymentMandateID,
		UserDID:          facts.userDID,
		MerchantDID:      facts.merchantDID,
		Currency:         facts.total.Currency,
		Amount:           decimal.NewFromFloat(facts.total.Value),
		Status:           storage.StatusAuthorized,
		NetworkToken:     facts.paymentToken,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if facts.refundPeriod > 0 {
		txn.RefundableUntil = now.Add(facts.refundPeriod)
	}
	if err := s.store.CreateTransaction(ctx, txn); err != nil {
		return nil, err
	}

	order := Order{
		TransactionID: txnID,
		Amount:        facts.total,
		AgentToken:    facts.paymentToken,
		Description:   facts.productName,
	}
	if err := s.acquirer.Capture(ctx, order); err != nil {
		if _, ferr := s.store.TransitionTransaction(ctx, txnID, storage.StatusFailed, err.Error()); ferr != nil {
			s.log.Error().Err(ferr).Str("transaction_id", txnID).Msg("failed-state transition rejected")
		}
		if code := apperrors.CodeOf(err); code != apperrors.ErrCodeInternalError {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.ErrCodePaymentDeclined, "acquirer declined the capture", err)
	}

	captured, err := s.store.TransitionTransaction(ctx, txnID, storage.StatusCaptured, "")
	if err != nil {
		return nil, err
	}

	result := &PaymentResult{
		TransactionID: txnID,
		Status:        string(captured.Status),
		ReceiptURL:    s.receiptURL(txnID),
		Amount:        captured.Amount.String(),
		Currency:      captured.Currency,
		ProductName:   facts.productName,
	}
	s.emitReceipt(ctx, captured, result)
	return result, nil
}

// emitReceipt delivers the receipt with bounded retries. Delivery failures
// never fail the payment; the sink is idempotent on receipt id so a retry
// after a partial success is harmless.
func (s *Service) emitReceipt(ctx context.Context, txn storage.Transaction, result *PaymentResult) {
	if s.receipts == nil {
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"transaction_id": txn.ID,
		"status":         result.Status,
		"amount":         result.Amount,
		"currency":       result.Currency,
		"product_name":   result.ProductName,
		"merchant_did":   txn.MerchantDID,
		"receipt_url":    result.ReceiptURL,
		"captured_at":    txn.UpdatedAt,
	})
	if err != nil {
		s.log.Error().Err(err).Str("transaction_id", txn.ID).Msg("receipt payload encoding failed")
		return
	}
	artifact := ReceiptArtifact{
		ReceiptID:     "rcpt_" + txn.ID,
		TransactionID: txn.ID,
		UserDID:       txn.UserDID,
		Payload:       payload,
	}

	var lastErr error
	for attempt := 1; attempt <= receiptAttempts; attempt++ {
		err := s.receipts.DeliverReceipt(ctx, artifact)
		if err == nil || apperrors.CodeOf(err) == apperrors.ErrCodeReceiptAlreadyStored {
			return
		}
		lastErr = err
		if !apperrors.CodeOf(err).IsRetryable() {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = receiptAttempts
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	s.log.Error().Err(lastErr).Str("transaction_id", txn.ID).Msg("receipt delivery abandoned")
}

// handleRefund moves a captured transaction to refunded inside its refund
// window.
func (s *Service) handleRefund(ctx context.Context, msg *a2a.Message) (interface{}, error) {
	var req RefundRequest
	if err := msg.DecodePayload(&req); err != nil || req.TransactionID == "" {
		return nil, apperrors.New(apperrors.ErrCodeSchemaInvalid, "refund request needs a transaction_id")
	}

	txn, err := s.store.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.Newf(apperrors.ErrCodeTransactionNotFound, "transaction %s is unknown", req.TransactionID)
		}
		return nil, err
	}
	if txn.RefundableUntil.IsZero() {
		s.countRefund("rejected")
		return nil, apperrors.Newf(apperrors.ErrCodeRefundWindowClosed, "transaction %s is not refundable", txn.ID)
	}
	if time.Now().After(txn.RefundableUntil) {
		s.countRefund("rejected")
		return nil, apperrors.Newf(apperrors.ErrCodeRefundWindowClosed, "refund window for %s closed at %s", txn.ID, txn.RefundableUntil.Format(time.RFC3339))
	}

	refunded, err := s.store.TransitionTransaction(ctx, req.TransactionID, storage.StatusRefunded, req.Reason)
	if err != nil {
		s.countRefund("rejected")
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RefundsTotal.WithLabelValues("refunded").Inc()
		amount, _ := refunded.Amount.Float64()
		s.metrics.RefundAmountTotal.WithLabelValues(refunded.Currency).Add(amount)
	}
	s.log.Info().Str("transaction_id", refunded.ID).Str("reason", req.Reason).Msg("transaction refunded")

	return &RefundResult{
		TransactionID: refunded.ID,
		Status:        string(refunded.Status),
		Amount:        refunded.Amount.String(),
		Currency:      refunded.Currency,
	}, nil
}

func (s *Service) receiptURL(txnID string) string {
	if s.receiptBaseURL == "" {
		return ""
	}
	return s.receiptBaseURL + "/receipts/" + txnID + ".pdf"
}

func (s *Service) countPayment(outcome string) {
	if s.metrics != nil {
		s.metrics.PaymentsTotal.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) countRefund(outcome string) {
	if s.metrics != nil {
		s.metrics.RefundsTotal.WithLabelValues(outcome).Inc()
	}
}

// newTransactionID mints txn_<12hex>.
func newTransactionID() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "txn_" + hex.EncodeToString(b), nil
}
