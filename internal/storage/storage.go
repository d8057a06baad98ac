// Package storage persists mandates, transactions, passkey credentials, and
// receipts behind one interface with memory, PostgreSQL, and MongoDB backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/ap2fed/server/internal/errors"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// Store captures the persistence requirements of the protocol services.
//
// TransitionTransaction enforces the status state machine inside the store,
// under whatever concurrency control the backend offers, so two racing
// captures of the same authorization cannot both win.
type Store interface {
	SaveMandate(ctx context.Context, m MandateRecord) error
	GetMandate(ctx context.Context, id string) (MandateRecord, error)

	CreateTransaction(ctx context.Context, tx Transaction) error
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	TransitionTransaction(ctx context.Context, id string, to TransactionStatus, reason string) (Transaction, error)
	ListTransactionsByUser(ctx context.Context, userDID string) ([]Transaction, error)

	// SaveCredential is idempotent: re-registering an existing credential
	// ID for the same user is a no-op, for a different user an error.
	SaveCredential(ctx context.Context, c PasskeyCredential) error
	GetCredential(ctx context.Context, credentialID string) (PasskeyCredential, error)
	UpdateSignCount(ctx context.Context, credentialID string, signCount uint32) error

	SaveReceipt(ctx context.Context, r Receipt) error
	GetReceipt(ctx context.Context, id string) (Receipt, error)
	ListReceiptsByUser(ctx context.Context, userDID string) ([]Receipt, error)

	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend         string // "memory", "postgres", or "mongodb"
	PostgresURL     string
	MongoDBURL      string
	MongoDBDatabase string
}

// NewStore creates a Store based on the provided configuration. With no
// explicit backend the choice follows the URLs present: postgres, then
// mongodb, then memory.
func NewStore(cfg StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "":
		if cfg.PostgresURL != "" {
			return NewPostgresStore(cfg.PostgresURL)
		}
		if cfg.MongoDBURL != "" {
			if cfg.MongoDBDatabase == "" {
				cfg.MongoDBDatabase = "ap2"
			}
			return NewMongoDBStore(cfg.MongoDBURL, cfg.MongoDBDatabase)
		}
		return NewMemoryStore(), nil
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		return NewPostgresStore(cfg.PostgresURL)
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_database")
		}
		return NewMongoDBStore(cfg.MongoDBURL, cfg.MongoDBDatabase)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// MemoryStore is an in-memory Store for tests and single-instance runs.
// All state is lost on restart.
type MemoryStore struct {
	mu           sync.RWMutex
	mandates     map[string]MandateRecord
	transactions map[string]Transaction
	credentials  map[string]PasskeyCredential
	receipts     map[string]Receipt
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mandates:     make(map[string]MandateRecord),
		transactions: make(map[string]Transaction),
		credentials:  make(map[string]PasskeyCredential),
		receipts:     make(map[string]Receipt),
	}
}

// SaveMandate stores a mandate record.
func (m *MemoryStore) SaveMandate(ctx context.Context, rec MandateRecord) error {
	if rec.ID == "" {
		return apperrors.New(apperrors.ErrCodeSchemaInvalid, "mandate id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mandates[rec.ID] = rec
	return nil
}

// GetMandate fetches a mandate record by ID.
func (m *MemoryStore) GetMandate(ctx context.Context, id string) (MandateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.mandates[id]
	if !ok {
		return MandateRecord{}, ErrNotFound
	}
	return rec, nil
}

// CreateTransaction inserts a new transaction. It must enter at authorized.
func (m *MemoryStore) CreateTransaction(ctx context.Context, tx Transaction) error {
	if tx.Status != StatusAuthorized {
		return apperrors.Newf(apperrors.ErrCodeInvalidStateTransition, "transactions enter at %s, got %s", StatusAuthorized, tx.Status)
	}
	now := time.Now()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.transactions[tx.ID]; exists {
		return apperrors.Newf(apperrors.ErrCodeConcurrencyFault, "transaction %s already exists", tx.ID)
	}
	m.transactions[tx.ID] = tx
	return nil
}

// GetTransaction fetches a transaction by ID.
func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return tx, nil
}

// TransitionTransaction moves a transaction through the state machine.
func (m *MemoryStore) TransitionTransaction(ctx context.Context, id string, to TransactionStatus, reason string) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if !tx.Status.CanTransitionTo(to) {
		return Transaction{}, apperrors.Newf(apperrors.ErrCodeInvalidStateTransition, "cannot move transaction %s from %s to %s", id, tx.Status, to)
	}
	tx.Status = to
	tx.UpdatedAt = time.Now()
	if to == StatusFailed {
		tx.FailureReason = reason
	}
	m.transactions[id] = tx
	return tx, nil
}

// ListTransactionsByUser returns the user's transactions, newest first.
func (m *MemoryStore) ListTransactionsByUser(ctx context.Context, userDID string) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Transaction
	for _, tx := range m.transactions {
		if tx.UserDID == userDID {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// SaveCredential registers a passkey credential, idempotently.
func (m *MemoryStore) SaveCredential(ctx context.Context, c PasskeyCredential) error {
	if c.CredentialID == "" || c.UserDID == "" {
		return apperrors.New(apperrors.ErrCodeSchemaInvalid, "credential id and user did are required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.credentials[c.CredentialID]; ok {
		if existing.UserDID != c.UserDID {
			return apperrors.Newf(apperrors.ErrCodeCredentialInvalid, "credential %s belongs to another user", c.CredentialID)
		}
		return nil
	}
	m.credentials[c.CredentialID] = c
	return nil
}

// GetCredential fetches a credential by ID.
func (m *MemoryStore) GetCredential(ctx context.Context, credentialID string) (PasskeyCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credentials[credentialID]
	if !ok {
		return PasskeyCredential{}, ErrNotFound
	}
	return c, nil
}

// UpdateSignCount persists the latest accepted authenticator counter.
func (m *MemoryStore) UpdateSignCount(ctx context.Context, credentialID string, signCount uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[credentialID]
	if !ok {
		return ErrNotFound
	}
	c.SignCount = signCount
	m.credentials[credentialID] = c
	return nil
}

// SaveReceipt stores a receipt; a duplicate ID is rejected.
func (m *MemoryStore) SaveReceipt(ctx context.Context, r Receipt) error {
	if r.ID == "" {
		return apperrors.New(apperrors.ErrCodeSchemaInvalid, "receipt id is required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.receipts[r.ID]; exists {
		return apperrors.Newf(apperrors.ErrCodeReceiptAlreadyStored, "receipt %s already stored", r.ID)
	}
	m.receipts[r.ID] = r
	return nil
}

// GetReceipt fetches a receipt by ID.
func (m *MemoryStore) GetReceipt(ctx context.Context, id string) (Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[id]
	if !ok {
		return Receipt{}, ErrNotFound
	}
	return r, nil
}

// ListReceiptsByUser returns the user's receipts, newest first.
func (m *MemoryStore) ListReceiptsByUser(ctx context.Context, userDID string) ([]Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Receipt
	for _, r := range m.receipts {
		if r.UserDID == userDID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error { return nil }
