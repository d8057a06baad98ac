package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// MandateKind distinguishes the three mandate stages.
type MandateKind string

const (
	MandateIntent  MandateKind = "intent"
	MandateCart    MandateKind = "cart"
	MandatePayment MandateKind = "payment"
)

// MandateRecord is a stored mandate, kept verbatim for audit.
type MandateRecord struct {
	ID        string
	Kind      MandateKind
	UserDID   string
	CartHash  string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// TransactionStatus is the lifecycle state of a payment transaction.
type TransactionStatus string

const (
	StatusAuthorized TransactionStatus = "authorized"
	StatusCaptured   TransactionStatus = "captured"
	StatusRefunded   TransactionStatus = "refunded"
	StatusFailed     TransactionStatus = "failed"
)

// CanTransitionTo reports whether the state machine admits the move.
// New transactions enter at authorized; captured is terminal except for
// refunded; refunded and failed are terminal.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	switch s {
	case StatusAuthorized:
		return next == StatusCaptured || next == StatusFailed
	case StatusCaptured:
		return next == StatusRefunded
	default:
		return false
	}
}

// Transaction is one executed payment mandate.
type Transaction struct {
	ID               string
	CartID           string
	PaymentMandateID string
	UserDID          string
	MerchantDID      string
	Currency         string
	Amount           decimal.Decimal
	Status           TransactionStatus
	NetworkToken     string
	FailureReason    string
	RefundableUntil  time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PasskeyCredential is a registered WebAuthn credential. PublicKey holds the
// COSE-encoded key; SignCount is the last accepted authenticator counter.
type PasskeyCredential struct {
	CredentialID string
	UserDID      string
	PublicKey    []byte
	SignCount    uint32
	CreatedAt    time.Time
}

// Receipt is a processor-issued payment receipt delivered to the credential
// provider. IDs are unique; a second store of the same ID is rejected.
type Receipt struct {
	ID            string
	TransactionID string
	UserDID       string
	Payload       json.RawMessage
	CreatedAt     time.Time
}

// AmountString renders the transaction amount for logs and receipts.
func (t Transaction) AmountString() string {
	return t.Amount.String() + " " + t.Currency
}
