package storage

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	apperrors "github.com/ap2fed/server/internal/errors"
	"github.com/shopspring/decimal"
)

// MongoDBStore implements Store using MongoDB.
type MongoDBStore struct {
	client       *mongo.Client
	mandates     *mongo.Collection
	transactions *mongo.Collection
	credentials  *mongo.Collection
	receipts     *mongo.Collection
}

type mongoMandate struct {
	ID        string    `bson:"_id"`
	Kind      string    `bson:"kind"`
	UserDID   string    `bson:"user_did"`
	CartHash  string    `bson:"cart_hash"`
	Payload   []byte    `bson:"payload"`
	CreatedAt time.Time `bson:"created_at"`
}

type mongoTransaction struct {
	ID               string    `bson:"_id"`
	CartID           string    `bson:"cart_id"`
	PaymentMandateID string    `bson:"payment_mandate_id"`
	UserDID          string    `bson:"user_did"`
	MerchantDID      string    `bson:"merchant_did"`
	Currency         string    `bson:"currency"`
	Amount           string    `bson:"amount"`
	Status           string    `bson:"status"`
	NetworkToken     string    `bson:"network_token"`
	FailureReason    string    `bson:"failure_reason"`
	RefundableUntil  time.Time `bson:"refundable_until"`
	CreatedAt        time.Time `bson:"created_at"`
	UpdatedAt        time.Time `bson:"updated_at"`
}

type mongoCredential struct {
	ID        string    `bson:"_id"`
	UserDID   string    `bson:"user_did"`
	PublicKey []byte    `bson:"public_key"`
	SignCount int64     `bson:"sign_count"`
	CreatedAt time.Time `bson:"created_at"`
}

type mongoReceipt struct {
	ID            string    `bson:"_id"`
	TransactionID string    `bson:"transaction_id"`
	UserDID       string    `bson:"user_did"`
	Payload       []byte    `bson:"payload"`
	CreatedAt     time.Time `bson:"created_at"`
}

// NewMongoDBStore creates a MongoDB-backed store.
func NewMongoDBStore(url, database string) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "connect mongodb", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "ping mongodb", err)
	}

	db := client.Database(database)
	s := &MongoDBStore{
		client:       client,
		mandates:     db.Collection("mandates"),
		transactions: db.Collection("transactions"),
		credentials:  db.Collection("passkey_credentials"),
		receipts:     db.Collection("receipts"),
	}
	s.ensureIndexes(ctx)
	return s, nil
}

func (s *MongoDBStore) ensureIndexes(ctx context.Context) {
	userIndex := mongo.IndexModel{Keys: bson.D{{Key: "user_did", Value: 1}, {Key: "created_at", Value: -1}}}
	_, _ = s.transactions.Indexes().CreateOne(ctx, userIndex)
	_, _ = s.receipts.Indexes().CreateOne(ctx, userIndex)
}

// SaveMandate stores a mandate record.
func (s *MongoDBStore) SaveMandate(ctx context.Context, m MandateRecord) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	doc := mongoMandate{ID: m.ID, Kind: string(m.Kind), UserDID: m.UserDID, CartHash: m.CartHash, Payload: m.Payload, CreatedAt: m.CreatedAt}
	_, err := s.mandates.ReplaceOne(ctx, bson.M{"_id": m.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "save mandate", err)
	}
	return nil
}

// GetMandate fetches a mandate record by ID.
func (s *MongoDBStore) GetMandate(ctx context.Context, id string) (MandateRecord, error) {
	var doc mongoMandate
	err := s.mandates.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return MandateRecord{}, ErrNotFound
	}
	if err != nil {
		return MandateRecord{}, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "get mandate", err)
	}
	return MandateRecord{ID: doc.ID, Kind: MandateKind(doc.Kind), UserDID: doc.UserDID, CartHash: doc.CartHash, Payload: doc.Payload, CreatedAt: doc.CreatedAt}, nil
}

// CreateTransaction inserts a new transaction, entering at authorized.
func (s *MongoDBStore) CreateTransaction(ctx context.Context, tx Transaction) error {
	if tx.Status != StatusAuthorized {
		return apperrors.Newf(apperrors.ErrCodeInvalidStateTransition, "transactions enter at %s, got %s", StatusAuthorized, tx.Status)
	}
	now := time.Now()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	_, err := s.transactions.InsertOne(ctx, toMongoTransaction(tx, now))
	if mongo.IsDuplicateKeyError(err) {
		return apperrors.Newf(apperrors.ErrCodeConcurrencyFault, "transaction %s already exists", tx.ID)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "create transaction", err)
	}
	return nil
}

// GetTransaction fetches a transaction by ID.
func (s *MongoDBStore) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	var doc mongoTransaction
	err := s.transactions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "get transaction", err)
	}
	return fromMongoTransaction(doc)
}

// TransitionTransaction moves a transaction through the state machine. The
// current status rides in the update filter, so a racing transition loses the
// compare-and-set instead of double-applying.
func (s *MongoDBStore) TransitionTransaction(ctx context.Context, id string, to TransactionStatus, reason string) (Transaction, error) {
	current, err := s.GetTransaction(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if !current.Status.CanTransitionTo(to) {
		return Transaction{}, apperrors.Newf(apperrors.ErrCodeInvalidStateTransition, "cannot move transaction %s from %s to %s", id, current.Status, to)
	}

	update := bson.M{"status": string(to), "updated_at": time.Now()}
	if to == StatusFailed {
		update["failure_reason"] = reason
	}

	var doc mongoTransaction
	err = s.transactions.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": string(current.Status)},
		bson.M{"$set": update},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Transaction{}, apperrors.Newf(apperrors.ErrCodeConcurrencyFault, "transaction %s changed state concurrently", id)
	}
	if err != nil {
		return Transaction{}, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "transition transaction", err)
	}
	return fromMongoTransaction(doc)
}

// ListTransactionsByUser returns the user's transactions, newest first.
func (s *MongoDBStore) ListTransactionsByUser(ctx context.Context, userDID string) ([]Transaction, error) {
	cur, err := s.transactions.Find(ctx, bson.M{"user_did": userDID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "list transactions", err)
	}
	defer cur.Close(ctx)

	var out []Transaction
	for cur.Next(ctx) {
		var doc mongoTransaction
		if err := cur.Decode(&doc); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "decode transaction", err)
		}
		tx, err := fromMongoTransaction(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, cur.Err()
}

// SaveCredential registers a passkey credential, idempotently.
func (s *MongoDBStore) SaveCredential(ctx context.Context, c PasskeyCredential) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	var existing mongoCredential
	err := s.credentials.FindOne(ctx, bson.M{"_id": c.CredentialID}).Decode(&existing)
	if err == nil {
		if existing.UserDID != c.UserDID {
			return apperrors.Newf(apperrors.ErrCodeCredentialInvalid, "credential %s belongs to another user", c.CredentialID)
		}
		return nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "lookup credential", err)
	}

	doc := mongoCredential{ID: c.CredentialID, UserDID: c.UserDID, PublicKey: c.PublicKey, SignCount: int64(c.SignCount), CreatedAt: c.CreatedAt}
	if _, err := s.credentials.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "save credential", err)
	}
	return nil
}

// GetCredential fetches a credential by ID.
func (s *MongoDBStore) GetCredential(ctx context.Context, credentialID string) (PasskeyCredential, error) {
	var doc mongoCredential
	err := s.credentials.FindOne(ctx, bson.M{"_id": credentialID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return PasskeyCredential{}, ErrNotFound
	}
	if err != nil {
		return PasskeyCredential{}, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "get credential", err)
	}
	return PasskeyCredential{CredentialID: doc.ID, UserDID: doc.UserDID, PublicKey: doc.PublicKey, SignCount: uint32(doc.SignCount), CreatedAt: doc.CreatedAt}, nil
}

// UpdateSignCount persists the latest accepted authenticator counter.
func (s *MongoDBStore) UpdateSignCount(ctx context.Context, credentialID string, signCount uint32) error {
	res, err := s.credentials.UpdateOne(ctx, bson.M{"_id": credentialID},
		bson.M{"$set": bson.M{"sign_count": int64(signCount)}})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "update sign count", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveReceipt stores a receipt; a duplicate ID is rejected.
func (s *MongoDBStore) SaveReceipt(ctx context.Context, r Receipt) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	doc := mongoReceipt{ID: r.ID, TransactionID: r.TransactionID, UserDID: r.UserDID, Payload: r.Payload, CreatedAt: r.CreatedAt}
	_, err := s.receipts.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return apperrors.Newf(apperrors.ErrCodeReceiptAlreadyStored, "receipt %s already stored", r.ID)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "save receipt", err)
	}
	return nil
}

// GetReceipt fetches a receipt by ID.
func (s *MongoDBStore) GetReceipt(ctx context.Context, id string) (Receipt, error) {
	var doc mongoReceipt
	err := s.receipts.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Receipt{}, ErrNotFound
	}
	if err != nil {
		return Receipt{}, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "get receipt", err)
	}
	return Receipt{ID: doc.ID, TransactionID: doc.TransactionID, UserDID: doc.UserDID, Payload: doc.Payload, CreatedAt: doc.CreatedAt}, nil
}

// ListReceiptsByUser returns the user's receipts, newest first.
func (s *MongoDBStore) ListReceiptsByUser(ctx context.Context, userDID string) ([]Receipt, error) {
	cur, err := s.receipts.Find(ctx, bson.M{"user_did": userDID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "list receipts", err)
	}
	defer cur.Close(ctx)

	var out []Receipt
	for cur.Next(ctx) {
		var doc mongoReceipt
		if err := cur.Decode(&doc); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "decode receipt", err)
		}
		out = append(out, Receipt{ID: doc.ID, TransactionID: doc.TransactionID, UserDID: doc.UserDID, Payload: doc.Payload, CreatedAt: doc.CreatedAt})
	}
	return out, cur.Err()
}

// Close disconnects the client.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func toMongoTransaction(tx Transaction, updatedAt time.Time) mongoTransaction {
	return mongoTransaction{
		ID:               tx.ID,
		CartID:           tx.CartID,
		PaymentMandateID: tx.PaymentMandateID,
		UserDID:          tx.UserDID,
		MerchantDID:      tx.MerchantDID,
		Currency:         tx.Currency,
		Amount:           tx.Amount.String(),
		Status:           string(tx.Status),
		NetworkToken:     tx.NetworkToken,
		FailureReason:    tx.FailureReason,
		RefundableUntil:  tx.RefundableUntil,
		CreatedAt:        tx.CreatedAt,
		UpdatedAt:        updatedAt,
	}
}

func fromMongoTransaction(doc mongoTransaction) (Transaction, error) {
	amount, err := decimal.NewFromString(doc.Amount)
	if err != nil {
		return Transaction{}, apperrors.Wrap(apperrors.ErrCodeStorageCorrupt, "malformed stored amount", err)
	}
	return Transaction{
		ID:               doc.ID,
		CartID:           doc.CartID,
		PaymentMandateID: doc.PaymentMandateID,
		UserDID:          doc.UserDID,
		MerchantDID:      doc.MerchantDID,
		Currency:         doc.Currency,
		Amount:           amount,
		Status:           TransactionStatus(doc.Status),
		NetworkToken:     doc.NetworkToken,
		FailureReason:    doc.FailureReason,
		RefundableUntil:  doc.RefundableUntil,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
	}, nil
}
