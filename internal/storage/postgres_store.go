package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	apperrors "github.com/ap2fed/server/internal/errors"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	ownsDB bool
}

// NewPostgresStore creates a PostgreSQL-backed store and its schema.
func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &PostgresStore{db: db, ownsDB: true}
	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB wraps an existing connection pool.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}
	if err := store.createTables(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) createTables() error {
	schema := `
		CREATE TABLE IF NOT EXISTS mandates (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			user_did TEXT,
			cart_hash TEXT,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_mandates_user ON mandates (user_did);

		CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			cart_id TEXT NOT NULL,
			payment_mandate_id TEXT NOT NULL,
			user_did TEXT NOT NULL,
			merchant_did TEXT NOT NULL,
			currency TEXT NOT NULL,
			amount NUMERIC NOT NULL,
			status TEXT NOT NULL,
			network_token TEXT,
			failure_reason TEXT,
			refundable_until TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions (user_did, created_at DESC);

		CREATE TABLE IF NOT EXISTS passkey_credentials (
			credential_id TEXT PRIMARY KEY,
			user_did TEXT NOT NULL,
			public_key BYTEA NOT NULL,
			sign_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS receipts (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			user_did TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_receipts_user ON receipts (user_did, created_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// SaveMandate stores a mandate record.
func (s *PostgresStore) SaveMandate(ctx context.Context, m MandateRecord) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mandates (id, kind, user_did, cart_hash, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload`,
		m.ID, m.Kind, m.UserDID, m.CartHash, []byte(m.Payload), m.CreatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "save mandate", err)
	}
	return nil
}

// GetMandate fetches a mandate record by ID.
func (s *PostgresStore) GetMandate(ctx context.Context, id string) (MandateRecord, error) {
	var m MandateRecord
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, COALESCE(user_did, ''), COALESCE(cart_hash, ''), payload, created_at
		FROM mandates WHERE id = $1`, id).
		Scan(&m.ID, &m.Kind, &m.UserDID, &m.CartHash, &payload, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MandateRecord{}, ErrNotFound
	}
	if err != nil {
		return MandateRecord{}, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "get mandate", err)
	}
	m.Payload = payload
	return m, nil
}

// CreateTransaction inserts a new transaction, entering at authorized.
func (s *PostgresStore) CreateTransaction(ctx context.Context, tx Transaction) error {
	if tx.Status != StatusAuthorized {
		return apperrors.Newf(apperrors.ErrCodeInvalidStateTransition, "transactions enter at %s, got %s", StatusAuthorized, tx.Status)
	}
	now := time.Now()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions
			(id, cart_id, payment_mandate_id, user_did, merchant_did, currency, amount,
			 status, network_token, failure_reason, refundable_until, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		tx.ID, tx.CartID, tx.PaymentMandateID, tx.UserDID, tx.MerchantDID, tx.Currency,
		tx.Amount.String(), tx.Status, tx.NetworkToken, tx.FailureReason,
		nullTime(tx.RefundableUntil), tx.CreatedAt, now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return apperrors.Newf(apperrors.ErrCodeConcurrencyFault, "transaction %s already exists", tx.ID)
		}
		return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "create transaction", err)
	}
	return nil
}

// GetTransaction fetches a transaction by ID.
func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, selectTransaction+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "get transaction", err)
	}
	return tx, nil
}

// TransitionTransaction moves a transaction through the state machine inside
// a database transaction, locking the row so racing transitions serialize.
func (s *PostgresStore) TransitionTransaction(ctx context.Context, id string, to TransactionStatus, reason string) (Transaction, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Transaction{}, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "begin transition", err)
	}
	defer dbTx.Rollback()

	current, err := scanTransaction(dbTx.QueryRowContext(ctx, selectTransaction+` WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "lock transaction", err)
	}
	if !current.Status.CanTransitionTo(to) {
		return Transaction{}, apperrors.Newf(apperrors.ErrCodeInvalidStateTransition, "cannot move transaction %s from %s to %s", id, current.Status, to)
	}

	current.Status = to
	current.UpdatedAt = time.Now()
	if to == StatusFailed {
		current.FailureReason = reason
	}
	_, err = dbTx.ExecContext(ctx, `
		UPDATE transactions SET status = $1, failure_reason = $2, updated_at = $3 WHERE id = $4`,
		current.Status, current.FailureReason, current.UpdatedAt, id)
	if err != nil {
		return Transaction{}, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "update transaction", err)
	}
	if err := dbTx.Commit(); err != nil {
		return Transaction{}, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "commit transition", err)
	}
	return current, nil
}

// ListTransactionsByUser returns the user's transactions, newest first.
func (s *PostgresStore) ListTransactionsByUser(ctx context.Context, userDID string) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, selectTransaction+` WHERE user_did = $1 ORDER BY created_at DESC`, userDID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "list transactions", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "scan transaction", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// SaveCredential registers a passkey credential, idempotently.
func (s *PostgresStore) SaveCredential(ctx context.Context, c PasskeyCredential) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	var owner string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO passkey_credentials (credential_id, user_did, public_key, sign_count, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (credential_id) DO UPDATE SET credential_id = EXCLUDED.credential_id
		RETURNING user_did`,
		c.CredentialID, c.UserDID, c.PublicKey, int64(c.SignCount), c.CreatedAt).Scan(&owner)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "save credential", err)
	}
	if owner != c.UserDID {
		return apperrors.Newf(apperrors.ErrCodeCredentialInvalid, "credential %s belongs to another user", c.CredentialID)
	}
	return nil
}

// GetCredential fetches a credential by ID.
func (s *PostgresStore) GetCredential(ctx context.Context, credentialID string) (PasskeyCredential, error) {
	var c PasskeyCredential
	var signCount int64
	err := s.db.QueryRowContext(ctx, `
		SELECT credential_id, user_did, public_key, sign_count, created_at
		FROM passkey_credentials WHERE credential_id = $1`, credentialID).
		Scan(&c.CredentialID, &c.UserDID, &c.PublicKey, &signCount, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PasskeyCredential{}, ErrNotFound
	}
	if err != nil {
		return PasskeyCredential{}, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "get credential", err)
	}
	c.SignCount = uint32(signCount)
	return c, nil
}

// UpdateSignCount persists the latest accepted authenticator counter.
func (s *PostgresStore) UpdateSignCount(ctx context.Context, credentialID string, signCount uint32) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE passkey_credentials SET sign_count = $1 WHERE credential_id = $2`,
		int64(signCount), credentialID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "update sign count", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveReceipt stores a receipt; a duplicate ID is rejected.
func (s *PostgresStore) SaveReceipt(ctx context.Context, r Receipt) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO receipts (id, transaction_id, user_did, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.TransactionID, r.UserDID, []byte(r.Payload), r.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return apperrors.Newf(apperrors.ErrCodeReceiptAlreadyStored, "receipt %s already stored", r.ID)
		}
		return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "save receipt", err)
	}
	return nil
}

// GetReceipt fetches a receipt by ID.
func (s *PostgresStore) GetReceipt(ctx context.Context, id string) (Receipt, error) {
	var r Receipt
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, user_did, payload, created_at FROM receipts WHERE id = $1`, id).
		Scan(&r.ID, &r.TransactionID, &r.UserDID, &payload, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Receipt{}, ErrNotFound
	}
	if err != nil {
		return Receipt{}, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "get receipt", err)
	}
	r.Payload = payload
	return r, nil
}

// ListReceiptsByUser returns the user's receipts, newest first.
func (s *PostgresStore) ListReceiptsByUser(ctx context.Context, userDID string) ([]Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, user_did, payload, created_at
		FROM receipts WHERE user_did = $1 ORDER BY created_at DESC`, userDID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "list receipts", err)
	}
	defer rows.Close()

	var out []Receipt
	for rows.Next() {
		var r Receipt
		var payload []byte
		if err := rows.Scan(&r.ID, &r.TransactionID, &r.UserDID, &payload, &r.CreatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "scan receipt", err)
		}
		r.Payload = payload
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the connection pool when the store owns it.
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

const selectTransaction = `
	SELECT id, cart_id, payment_mandate_id, user_did, merchant_did, currency, amount,
	       status, COALESCE(network_token, ''), COALESCE(failure_reason, ''),
	       COALESCE(refundable_until, 'epoch'::timestamptz), created_at, updated_at
	FROM transactions`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var tx Transaction
	var amount string
	if err := row.Scan(&tx.ID, &tx.CartID, &tx.PaymentMandateID, &tx.UserDID, &tx.MerchantDID,
		&tx.Currency, &amount, &tx.Status, &tx.NetworkToken, &tx.FailureReason,
		&tx.RefundableUntil, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
		return Transaction{}, err
	}
	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return Transaction{}, fmt.Errorf("malformed amount %q: %w", amount, err)
	}
	tx.Amount = dec
	return tx, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
