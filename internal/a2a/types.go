// Package a2a implements the signed Agent-to-Agent message envelope: typed
// payload dispatch, nonce-ledger replay defence, timestamp windows, and
// DID-based signature verification.
package a2a

import (
	"encoding/json"
	"time"

	"github.com/ap2fed/server/internal/cryptoutil"
)

// SchemaVersion is the envelope schema this implementation speaks.
const SchemaVersion = "0.2"

// Closed set of dataPart type strings.
const (
	TypeIntentMandate  = "ap2.mandates.IntentMandate"
	TypeCartMandate    = "ap2.mandates.CartMandate"
	TypePaymentMandate = "ap2.mandates.PaymentMandate"

	TypeProductSearch = "ap2.requests.ProductSearch"
	TypeCartRequest   = "ap2.requests.CartRequest"
	TypeCartSelection = "ap2.requests.CartSelection"
	TypeRefundRequest = "ap2.requests.RefundRequest"

	TypeProductList       = "ap2.responses.ProductList"
	TypeCartCandidates    = "ap2.responses.CartCandidates"
	TypePaymentResult     = "ap2.responses.PaymentResult"
	TypeSignatureResponse = "ap2.responses.SignatureResponse"
	TypeRefundResult      = "ap2.responses.RefundResult"
	TypeError             = "ap2.responses.Error"
)

// Header carries envelope routing and authentication metadata. The proof
// signature spans every header field plus the entire dataPart.
type Header struct {
	MessageID     string            `json:"message_id"`
	Sender        string            `json:"sender"`
	Recipient     string            `json:"recipient"`
	Timestamp     time.Time         `json:"timestamp"`
	Nonce         string            `json:"nonce"`
	SchemaVersion string            `json:"schema_version"`
	Proof         *cryptoutil.Proof `json:"proof,omitempty"`
}

// DataPart is the typed payload of an envelope.
type DataPart struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// UnmarshalJSON accepts both "type" and the legacy "@type" key; canonical
// output always uses "type".
func (d *DataPart) UnmarshalJSON(data []byte) error {
	type alias DataPart
	aux := struct {
		*alias
		AtType string `json:"@type"`
	}{alias: (*alias)(d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if d.Type == "" && aux.AtType != "" {
		d.Type = aux.AtType
	}
	return nil
}

// Message is one A2A envelope.
type Message struct {
	Header   Header   `json:"header"`
	DataPart DataPart `json:"dataPart"`
}

// DecodePayload unmarshals the dataPart payload into v.
func (m *Message) DecodePayload(v interface{}) error {
	return json.Unmarshal(m.DataPart.Payload, v)
}

// Artifact is the collection-bearing reply form ("artifacts with parts of
// kind=data"), used when a handler returns multiple candidates.
type Artifact struct {
	IsArtifact   bool           `json:"is_artifact"`
	ArtifactName string         `json:"artifact_name"`
	DataTypeKey  string         `json:"data_type_key"`
	ArtifactData []ArtifactPart `json:"artifact_data"`
}

// ArtifactPart is one kind=data part of an artifact.
type ArtifactPart struct {
	ArtifactID string      `json:"artifactId"`
	Name       string      `json:"name"`
	Kind       string      `json:"kind"`
	DataKey    string      `json:"data_key"`
	Data       interface{} `json:"data"`
}

// NewDataArtifact builds an artifact response around data parts.
func NewDataArtifact(name, dataTypeKey string, parts []ArtifactPart) *Artifact {
	return &Artifact{
		IsArtifact:   true,
		ArtifactName: name,
		DataTypeKey:  dataTypeKey,
		ArtifactData: parts,
	}
}

// AuditEntry summarises one envelope for the audit trail.
type AuditEntry struct {
	MessageID string    `json:"message_id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Direction string    `json:"direction"` // inbound | outbound
	Summary   string    `json:"summary,omitempty"`
}

// AuditSink persists envelope audit entries.
type AuditSink interface {
	RecordAudit(entry AuditEntry)
}
