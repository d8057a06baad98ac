package a2a

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ap2fed/server/internal/cryptoutil"
	"github.com/ap2fed/server/internal/did"
	apperrors "github.com/ap2fed/server/internal/errors"
	"github.com/ap2fed/server/internal/ttlstore"
)

const (
	senderDID   = "did:ap2:agent:shopping-agent"
	receiverDID = "did:ap2:agent:merchant-agent"
)

type testPeer struct {
	did string
	key *cryptoutil.KeyPair
	kid string
}

func newPeer(t *testing.T, id string, resolver *did.Resolver) *testPeer {
	t.Helper()
	key, err := cryptoutil.GenerateKeyPair(cryptoutil.AlgECDSAP256)
	if err != nil {
		t.Fatal(err)
	}
	doc, err := did.NewDocument(id, key.Public())
	if err != nil {
		t.Fatal(err)
	}
	resolver.Register(doc)
	return &testPeer{did: id, key: key, kid: id + "#key-1"}
}

func newTestReceiver(t *testing.T) (*Receiver, *testPeer, *did.Resolver) {
	t.Helper()
	resolver := did.NewResolver(nil, nil, 0)
	sender := newPeer(t, senderDID, resolver)
	self := newPeer(t, receiverDID, resolver)

	nonces := ttlstore.New[struct{}](1000, time.Minute)
	t.Cleanup(nonces.Stop)

	r := NewReceiver(ReceiverConfig{
		SelfDID:  self.did,
		Key:      self.key,
		Kid:      self.kid,
		Resolver: resolver,
		Nonces:   nonces,
		Logger:   zerolog.Nop(),
	})
	return r, sender, resolver
}

func signedMessage(t *testing.T, sender *testPeer, dataType string, payload interface{}) *Message {
	t.Helper()
	msg, err := NewMessage(sender.did, receiverDID, dataType, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := SignMessage(msg, sender.key, sender.kid); err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestProcessDispatchesAndSignsResponse(t *testing.T) {
	r, sender, resolver := newTestReceiver(t)

	r.Handle(TypeProductSearch, func(ctx context.Context, msg *Message) (interface{}, error) {
		var query map[string]string
		if err := msg.DecodePayload(&query); err != nil {
			return nil, err
		}
		return map[string]interface{}{"products": []string{"sku-1"}, "query": query["q"]}, nil
	})

	msg := signedMessage(t, sender, TypeProductSearch, map[string]string{"q": "red sneakers"})
	resp, err := r.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if resp.Header.Sender != receiverDID || resp.Header.Recipient != senderDID {
		t.Errorf("response addressed %s -> %s", resp.Header.Sender, resp.Header.Recipient)
	}
	if resp.DataPart.Type != TypeProductList {
		t.Errorf("response type = %s, want %s", resp.DataPart.Type, TypeProductList)
	}

	publicKey, err := resolver.ResolveKey(context.Background(), resp.Header.Proof.Kid)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyMessage(resp, publicKey); err != nil {
		t.Errorf("response proof does not verify: %v", err)
	}
}

func TestProcessRejectsReplay(t *testing.T) {
	r, sender, _ := newTestReceiver(t)
	r.Handle(TypeProductSearch, func(ctx context.Context, msg *Message) (interface{}, error) {
		return map[string]string{}, nil
	})

	msg := signedMessage(t, sender, TypeProductSearch, map[string]string{"q": "x"})

	if _, err := r.Process(context.Background(), msg); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	_, err := r.Process(context.Background(), msg)
	if apperrors.CodeOf(err) != apperrors.ErrCodeReplayDetected {
		t.Errorf("replay error = %v, want replay_detected", err)
	}
}

func TestProcessConcurrentReplayAdmitsOne(t *testing.T) {
	r, sender, _ := newTestReceiver(t)
	var handled atomic.Int32
	r.Handle(TypeProductSearch, func(ctx context.Context, msg *Message) (interface{}, error) {
		handled.Add(1)
		return map[string]string{}, nil
	})

	msg := signedMessage(t, sender, TypeProductSearch, map[string]string{"q": "x"})

	var wg sync.WaitGroup
	var ok, replayed atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Process(context.Background(), msg)
			switch apperrors.CodeOf(err) {
			case "":
				ok.Add(1)
			case apperrors.ErrCodeReplayDetected:
				replayed.Add(1)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 || handled.Load() != 1 {
		t.Errorf("admitted %d deliveries (%d handled), want exactly 1", ok.Load(), handled.Load())
	}
	if replayed.Load() != 49 {
		t.Errorf("replayed = %d, want 49", replayed.Load())
	}
}

func TestProcessRejectsTamperedPayload(t *testing.T) {
	r, sender, _ := newTestReceiver(t)
	r.Handle(TypeProductSearch, func(ctx context.Context, msg *Message) (interface{}, error) {
		return map[string]string{}, nil
	})

	msg := signedMessage(t, sender, TypeProductSearch, map[string]string{"q": "cheap"})
	msg.DataPart.Payload = json.RawMessage(`{"q":"expensive"}`)

	_, err := r.Process(context.Background(), msg)
	if apperrors.CodeOf(err) != apperrors.ErrCodeSignatureInvalid {
		t.Errorf("tampered payload error = %v, want signature_invalid", err)
	}
}

func TestProcessRejectsKidSenderMismatch(t *testing.T) {
	r, sender, resolver := newTestReceiver(t)
	intruder := newPeer(t, "did:ap2:agent:intruder", resolver)

	msg, err := NewMessage(sender.did, receiverDID, TypeProductSearch, map[string]string{})
	if err != nil {
		t.Fatal(err)
	}
	// Signed by a third party claiming to be the sender.
	if err := SignMessage(msg, intruder.key, intruder.kid); err != nil {
		t.Fatal(err)
	}

	_, err = r.Process(context.Background(), msg)
	if apperrors.CodeOf(err) != apperrors.ErrCodeSignatureInvalid {
		t.Errorf("kid mismatch error = %v, want signature_invalid", err)
	}
}

func TestProcessRejectsStaleTimestamp(t *testing.T) {
	r, sender, _ := newTestReceiver(t)

	msg := signedMessage(t, sender, TypeProductSearch, map[string]string{})
	msg.Header.Timestamp = time.Now().Add(-10 * time.Minute)
	// Re-sign so only the timestamp is at fault.
	msg.Header.Proof = nil
	if err := SignMessage(msg, sender.key, sender.kid); err != nil {
		t.Fatal(err)
	}

	_, err := r.Process(context.Background(), msg)
	if apperrors.CodeOf(err) != apperrors.ErrCodeTimestampSkew {
		t.Errorf("stale timestamp error = %v, want timestamp_skew", err)
	}
}

func TestProcessRejectsUnknownType(t *testing.T) {
	r, sender, _ := newTestReceiver(t)

	msg := signedMessage(t, sender, "ap2.requests.Bogus", map[string]string{})
	_, err := r.Process(context.Background(), msg)
	if apperrors.CodeOf(err) != apperrors.ErrCodeUnsupportedDataType {
		t.Errorf("unknown type error = %v, want unsupported_data_type", err)
	}
}

func TestProcessFailureDoesNotBurnNonce(t *testing.T) {
	r, sender, _ := newTestReceiver(t)
	r.Handle(TypeProductSearch, func(ctx context.Context, msg *Message) (interface{}, error) {
		return map[string]string{}, nil
	})

	msg := signedMessage(t, sender, TypeProductSearch, map[string]string{"q": "x"})
	good := *msg

	tampered := *msg
	tampered.DataPart.Payload = json.RawMessage(`{"q":"y"}`)
	if _, err := r.Process(context.Background(), &tampered); apperrors.CodeOf(err) != apperrors.ErrCodeSignatureInvalid {
		t.Fatalf("tampered delivery error = %v", err)
	}

	// The honest copy still goes through: an unauthenticated failure must
	// not consume the nonce.
	if _, err := r.Process(context.Background(), &good); err != nil {
		t.Errorf("honest delivery after tampered copy failed: %v", err)
	}
}

func TestDataPartAcceptsLegacyTypeKey(t *testing.T) {
	var d DataPart
	if err := json.Unmarshal([]byte(`{"@type":"ap2.mandates.CartMandate","payload":{}}`), &d); err != nil {
		t.Fatal(err)
	}
	if d.Type != TypeCartMandate {
		t.Errorf("Type = %s, want %s", d.Type, TypeCartMandate)
	}
}

func TestClientSendRoundTrip(t *testing.T) {
	r, _, resolver := newTestReceiver(t)
	r.Handle(TypeCartRequest, func(ctx context.Context, msg *Message) (interface{}, error) {
		return NewDataArtifact("cart_candidates", TypeCartCandidates, []ArtifactPart{
			{ArtifactID: "a1", Name: "budget", Kind: "data", DataKey: TypeCartMandate, Data: map[string]string{"id": "cart_1"}},
		}), nil
	})

	srv := httptest.NewServer(r)
	defer srv.Close()

	senderKey, _ := cryptoutil.GenerateKeyPair(cryptoutil.AlgEd25519)
	doc, err := did.NewDocument(senderDID, senderKey.Public())
	if err != nil {
		t.Fatal(err)
	}
	resolver.Register(doc)

	client := NewClient(ClientConfig{
		SelfDID:   senderDID,
		Key:       senderKey,
		Kid:       senderDID + "#key-1",
		Resolver:  resolver,
		Endpoints: map[string]string{receiverDID: srv.URL},
		Logger:    zerolog.Nop(),
	})

	resp, err := client.Send(context.Background(), receiverDID, TypeCartRequest, map[string]string{"intent": "int_1"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.DataPart.Type != TypeCartCandidates {
		t.Errorf("response type = %s, want %s", resp.DataPart.Type, TypeCartCandidates)
	}

	var artifact Artifact
	if err := resp.DecodePayload(&artifact); err != nil {
		t.Fatal(err)
	}
	if !artifact.IsArtifact || len(artifact.ArtifactData) != 1 {
		t.Errorf("artifact not preserved: %+v", artifact)
	}
}

func TestClientSendSurfacesPeerError(t *testing.T) {
	r, _, resolver := newTestReceiver(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	senderKey, _ := cryptoutil.GenerateKeyPair(cryptoutil.AlgECDSAP256)
	doc, err := did.NewDocument(senderDID, senderKey.Public())
	if err != nil {
		t.Fatal(err)
	}
	resolver.Register(doc)

	client := NewClient(ClientConfig{
		SelfDID:   senderDID,
		Key:       senderKey,
		Kid:       senderDID + "#key-1",
		Resolver:  resolver,
		Endpoints: map[string]string{receiverDID: srv.URL},
		Logger:    zerolog.Nop(),
	})

	_, err = client.Send(context.Background(), receiverDID, "ap2.requests.Bogus", map[string]string{})
	if apperrors.CodeOf(err) != apperrors.ErrCodeUnsupportedDataType {
		t.Errorf("peer rejection surfaced as %v, want unsupported_data_type", err)
	}
}

func TestClientSendUnknownRecipient(t *testing.T) {
	key, _ := cryptoutil.GenerateKeyPair(cryptoutil.AlgECDSAP256)
	client := NewClient(ClientConfig{
		SelfDID: senderDID,
		Key:     key,
		Kid:     senderDID + "#key-1",
		Logger:  zerolog.Nop(),
	})
	_, err := client.Send(context.Background(), "did:ap2:agent:nobody", TypeCartRequest, nil)
	if apperrors.CodeOf(err) != apperrors.ErrCodeDidNotResolved {
		t.Errorf("unknown recipient error = %v, want did_not_resolved", err)
	}
}
