package a2a

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ap2fed/server/internal/canonical"
	"github.com/ap2fed/server/internal/cryptoutil"
	apperrors "github.com/ap2fed/server/internal/errors"
)

// NewNonce mints a 32-byte nonce as 64 lowercase hex characters.
func NewNonce() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

// NewMessage builds an unsigned envelope from sender to recipient carrying a
// typed payload.
func NewMessage(sender, recipient, dataType string, payload interface{}) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeSchemaInvalid, "encode payload", err)
	}
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	return &Message{
		Header: Header{
			MessageID:     "msg_" + uuid.NewString(),
			Sender:        sender,
			Recipient:     recipient,
			Timestamp:     time.Now().UTC(),
			Nonce:         nonce,
			SchemaVersion: SchemaVersion,
		},
		DataPart: DataPart{
			Type:    dataType,
			ID:      uuid.NewString(),
			Payload: raw,
		},
	}, nil
}

// SignMessage attaches a header proof whose signature covers the canonical
// JSON form of the whole envelope with proof.signatureValue empty.
func SignMessage(msg *Message, key *cryptoutil.KeyPair, kid string) error {
	pub, err := cryptoutil.MarshalPublicKey(key.Public())
	if err != nil {
		return err
	}
	proof := &cryptoutil.Proof{
		Algorithm:    string(key.Algorithm),
		Kid:          kid,
		Created:      time.Now().UTC().Format(time.RFC3339),
		ProofPurpose: "authentication",
		PublicKey:    pub,
	}
	msg.Header.Proof = proof

	payload, err := canonical.Marshal(msg)
	if err != nil {
		return err
	}
	sig, err := cryptoutil.SignPayload(payload, key)
	if err != nil {
		return err
	}
	proof.SignatureValue = sig
	return nil
}

// VerifyMessage checks the header proof against the supplied public key. The
// key comes from DID resolution of proof.kid, never from the embedded
// publicKey field.
func VerifyMessage(msg *Message, publicKey interface{}) error {
	proof := msg.Header.Proof
	if proof == nil || proof.SignatureValue == "" {
		return apperrors.New(apperrors.ErrCodeSignatureInvalid, "envelope carries no proof")
	}

	view := *msg
	viewProof := *proof
	viewProof.SignatureValue = ""
	view.Header.Proof = &viewProof

	return cryptoutil.Verify(view, proof, publicKey)
}

func validNonce(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
