package storage

import (
	"context"

	"github.com/ap2fed/server/internal/metrics"
)

// WithMetrics decorates a store so every operation reports its duration,
// labeled by operation name and backend. A nil metrics collector returns the
// store unchanged.
func WithMetrics(inner Store, m *metrics.Metrics, backend string) Store {
	if m == nil {
		return inner
	}
	return &instrumentedStore{inner: inner, metrics: m, backend: backend}
}

type instrumentedStore struct {
	inner   Store
	metrics *metrics.Metrics
	backend string
}

func (s *instrumentedStore) SaveMandate(ctx context.Context, m MandateRecord) error {
	defer metrics.MeasureDBQuery(s.metrics, "save_mandate", s.backend)()
	return s.inner.SaveMandate(ctx, m)
}

func (s *instrumentedStore) GetMandate(ctx context.Context, id string) (MandateRecord, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_mandate", s.backend)()
	return s.inner.GetMandate(ctx, id)
}

func (s *instrumentedStore) CreateTransaction(ctx context.Context, tx Transaction) error {
	defer metrics.MeasureDBQuery(s.metrics, "create_transaction", s.backend)()
	return s.inner.CreateTransaction(ctx, tx)
}

func (s *instrumentedStore) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_transaction", s.backend)()
	return s.inner.GetTransaction(ctx, id)
}

func (s *instrumentedStore) TransitionTransaction(ctx context.Context, id string, to TransactionStatus, reason string) (Transaction, error) {
	defer metrics.MeasureDBQuery(s.metrics, "transition_transaction", s.backend)()
	return s.inner.TransitionTransaction(ctx, id, to, reason)
}

func (s *instrumentedStore) ListTransactionsByUser(ctx context.Context, userDID string) ([]Transaction, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_transactions_by_user", s.backend)()
	return s.inner.ListTransactionsByUser(ctx, userDID)
}

func (s *instrumentedStore) SaveCredential(ctx context.Context, c PasskeyCredential) error {
	defer metrics.MeasureDBQuery(s.metrics, "save_credential", s.backend)()
	return s.inner.SaveCredential(ctx, c)
}

func (s *instrumentedStore) GetCredential(ctx context.Context, credentialID string) (PasskeyCredential, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_credential", s.backend)()
	return s.inner.GetCredential(ctx, credentialID)
}

func (s *instrumentedStore) UpdateSignCount(ctx context.Context, credentialID string, signCount uint32) error {
	defer metrics.MeasureDBQuery(s.metrics, "update_sign_count", s.backend)()
	return s.inner.UpdateSignCount(ctx, credentialID, signCount)
}

func (s *instrumentedStore) SaveReceipt(ctx context.Context, r Receipt) error {
	defer metrics.MeasureDBQuery(s.metrics, "save_receipt", s.backend)()
	return s.inner.SaveReceipt(ctx, r)
}

func (s *instrumentedStore) GetReceipt(ctx context.Context, id string) (Receipt, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_receipt", s.backend)()
	return s.inner.GetReceipt(ctx, id)
}

func (s *instrumentedStore) ListReceiptsByUser(ctx context.Context, userDID string) ([]Receipt, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_receipts_by_user", s.backend)()
	return s.inner.ListReceiptsByUser(ctx, userDID)
}

func (s *instrumentedStore) Close() error {
	return s.inner.Close()
}
