package merchantagent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ap2fed/server/internal/a2a"
	"github.com/ap2fed/server/internal/cryptoutil"
	apperrors "github.com/ap2fed/server/internal/errors"
	"github.com/ap2fed/server/internal/mandate"
	"github.com/ap2fed/server/internal/merchant"
	"github.com/ap2fed/server/internal/ttlstore"
)

const (
	agentDID     = "did:ap2:agent:nikeya-agent"
	merchantDID  = "did:ap2:agent:nikeya"
	processorDID = "did:ap2:agent:payment-processor"
)

type fakeRelay struct {
	lastType    string
	lastPayload interface{}
	response    json.RawMessage
	err         error
}

func (f *fakeRelay) Send(ctx context.Context, recipient, dataType string, payload interface{}) (*a2a.Message, error) {
	f.lastType = dataType
	f.lastPayload = payload
	if f.err != nil {
		return nil, f.err
	}
	return &a2a.Message{DataPart: a2a.DataPart{Type: a2a.TypePaymentResult, Payload: f.response}}, nil
}

func newTestAgent(t *testing.T, relay Relay) *Agent {
	t.Helper()
	key, err := cryptoutil.GenerateKeyPair(cryptoutil.AlgECDSAP256)
	if err != nil {
		t.Fatal(err)
	}
	m := merchant.New(merchantDID, "Nikeya Sports", processorDID, key, []merchant.Product{
		{SKU: "SHOE-RED-42", Name: "Air Lift High-Tops (Red)", Price: mandate.PaymentCurrencyAmount{Currency: "JPY", Value: 6880}, Stock: 5, Tags: []string{"shoes", "red", "sneakers"}, RefundPeriod: 2592000},
		{SKU: "SHOE-ECO-42", Name: "Court Basics (Red)", Price: mandate.PaymentCurrencyAmount{Currency: "JPY", Value: 3980}, Stock: 5, Tags: []string{"shoes", "red"}},
	}, zerolog.Nop())
	t.Cleanup(func() { m.Close() })

	candidates := ttlstore.New[mandate.CartMandate](100, time.Minute)
	t.Cleanup(candidates.Stop)

	return New(Config{
		DID:          agentDID,
		MerchantDID:  merchantDID,
		ProcessorDID: processorDID,
		Merchant:     LocalMerchant{M: m},
		Processor:    relay,
		Candidates:   candidates,
		Logger:       zerolog.Nop(),
	})
}

func intentMessage(t *testing.T, intent mandate.IntentEnvelope) *a2a.Message {
	t.Helper()
	raw, err := json.Marshal(intent)
	if err != nil {
		t.Fatal(err)
	}
	return &a2a.Message{DataPart: a2a.DataPart{Type: a2a.TypeIntentMandate, Payload: raw}}
}

func testIntent() mandate.IntentEnvelope {
	return mandate.IntentEnvelope{
		ID: "intent_1",
		Mandate: mandate.IntentMandate{
			NaturalLanguageDescription: "red shoes",
			IntentExpiry:               time.Now().Add(24 * time.Hour),
			Merchants:                  []string{merchantDID},
		},
		MaxAmount: &mandate.PaymentCurrencyAmount{Currency: "JPY", Value: 50000},
	}
}

func TestIntentYieldsCartCandidates(t *testing.T) {
	a := newTestAgent(t, &fakeRelay{})

	result, err := a.handleIntent(context.Background(), intentMessage(t, testIntent()))
	if err != nil {
		t.Fatalf("handleIntent() error = %v", err)
	}

	artifact, ok := result.(*a2a.Artifact)
	if !ok {
		t.Fatalf("result type = %T, want *a2a.Artifact", result)
	}
	if !artifact.IsArtifact || artifact.DataTypeKey != a2a.TypeCartCandidates {
		t.Errorf("artifact = %+v", artifact)
	}
	if len(artifact.ArtifactData) != 3 {
		t.Fatalf("candidates = %d, want 3", len(artifact.ArtifactData))
	}

	names := map[string]bool{}
	for _, part := range artifact.ArtifactData {
		names[part.Name] = true
		cm, ok := part.Data.(*mandate.CartMandate)
		if !ok {
			t.Fatalf("part data type = %T", part.Data)
		}
		if cm.MerchantAuthorization == "" {
			t.Errorf("candidate %s is unsigned", part.Name)
		}
		if cm.Contents.PaymentRequest.Details.Total.Amount.Value <= 0 {
			t.Errorf("candidate %s has a non-positive total", part.Name)
		}
		// Each candidate is retrievable for later selection.
		if _, found := a.candidates.Get(cm.Contents.ID); !found {
			t.Errorf("candidate %s not stored", cm.Contents.ID)
		}
	}
	for _, want := range []string{"budget", "standard", "premium"} {
		if !names[want] {
			t.Errorf("missing %s candidate", want)
		}
	}
}

func TestIntentBudgetCapFiltersCandidates(t *testing.T) {
	a := newTestAgent(t, &fakeRelay{})

	intent := testIntent()
	// Only the budget tier (3980 + 398 tax + 0 shipping) fits.
	intent.MaxAmount = &mandate.PaymentCurrencyAmount{Currency: "JPY", Value: 5000}

	result, err := a.handleIntent(context.Background(), intentMessage(t, intent))
	if err != nil {
		t.Fatalf("handleIntent() error = %v", err)
	}
	artifact := result.(*a2a.Artifact)
	if len(artifact.ArtifactData) != 1 || artifact.ArtifactData[0].Name != "budget" {
		t.Errorf("candidates = %+v, want only budget", artifact.ArtifactData)
	}
}

func TestIntentRejectsExpired(t *testing.T) {
	a := newTestAgent(t, &fakeRelay{})

	intent := testIntent()
	intent.Mandate.IntentExpiry = time.Now().Add(-time.Minute)

	_, err := a.handleIntent(context.Background(), intentMessage(t, intent))
	if apperrors.CodeOf(err) != apperrors.ErrCodeMandateExpired {
		t.Errorf("expired intent error = %v, want mandate_expired", err)
	}
}

func TestIntentRejectsForeignMerchant(t *testing.T) {
	a := newTestAgent(t, &fakeRelay{})

	intent := testIntent()
	intent.Mandate.Merchants = []string{"did:ap2:agent:other-shop"}

	_, err := a.handleIntent(context.Background(), intentMessage(t, intent))
	if apperrors.CodeOf(err) != apperrors.ErrCodeMerchantNotAllowed {
		t.Errorf("foreign merchant error = %v, want merchant_not_allowed", err)
	}
}

func TestIntentRefundabilityFilter(t *testing.T) {
	a := newTestAgent(t, &fakeRelay{})

	intent := testIntent()
	intent.Mandate.RequiresRefundability = true

	result, err := a.handleIntent(context.Background(), intentMessage(t, intent))
	if err != nil {
		t.Fatal(err)
	}
	artifact := result.(*a2a.Artifact)
	for _, part := range artifact.ArtifactData {
		cm := part.Data.(*mandate.CartMandate)
		if cm.Contents.PaymentRequest.Details.DisplayItems[0].RefundPeriod == 0 {
			t.Errorf("candidate %s carries a non-refundable product", part.Name)
		}
	}
}

func TestCartSelection(t *testing.T) {
	a := newTestAgent(t, &fakeRelay{})

	result, err := a.handleIntent(context.Background(), intentMessage(t, testIntent()))
	if err != nil {
		t.Fatal(err)
	}
	first := result.(*a2a.Artifact).ArtifactData[0].Data.(*mandate.CartMandate)

	raw, _ := json.Marshal(CartSelection{CartID: first.Contents.ID})
	sel, err := a.handleCartSelection(context.Background(), &a2a.Message{DataPart: a2a.DataPart{Type: a2a.TypeCartSelection, Payload: raw}})
	if err != nil {
		t.Fatalf("handleCartSelection() error = %v", err)
	}
	got := sel.(map[string]interface{})["cart_mandate"].(mandate.CartMandate)
	if got.Contents.ID != first.Contents.ID {
		t.Errorf("selected cart = %s, want %s", got.Contents.ID, first.Contents.ID)
	}

	raw, _ = json.Marshal(CartSelection{CartID: "cart_nope"})
	if _, err := a.handleCartSelection(context.Background(), &a2a.Message{DataPart: a2a.DataPart{Payload: raw}}); apperrors.CodeOf(err) != apperrors.ErrCodeInvalidCart {
		t.Errorf("unknown cart error = %v", err)
	}
}

func TestPaymentMandateRelay(t *testing.T) {
	relay := &fakeRelay{response: json.RawMessage(`{"status":"captured","transaction_id":"txn_1"}`)}
	a := newTestAgent(t, relay)

	pm := mandate.PaymentMandate{
		PaymentMandateContents: mandate.PaymentMandateContents{PaymentMandateID: "pm_1"},
		UserAuthorization:      "ZXlK",
	}
	raw, _ := json.Marshal(map[string]interface{}{"payment_mandate": pm})

	result, err := a.handlePaymentMandate(context.Background(), &a2a.Message{DataPart: a2a.DataPart{Type: a2a.TypePaymentMandate, Payload: raw}})
	if err != nil {
		t.Fatalf("handlePaymentMandate() error = %v", err)
	}
	if relay.lastType != a2a.TypePaymentMandate {
		t.Errorf("relayed type = %s", relay.lastType)
	}
	var out map[string]string
	if err := json.Unmarshal(result.(json.RawMessage), &out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "captured" {
		t.Errorf("relayed result = %v", out)
	}
}

func TestPaymentMandateRequiresUserAuthorization(t *testing.T) {
	a := newTestAgent(t, &fakeRelay{})

	pm := mandate.PaymentMandate{PaymentMandateContents: mandate.PaymentMandateContents{PaymentMandateID: "pm_1"}}
	raw, _ := json.Marshal(map[string]interface{}{"payment_mandate": pm})

	_, err := a.handlePaymentMandate(context.Background(), &a2a.Message{DataPart: a2a.DataPart{Payload: raw}})
	if apperrors.CodeOf(err) != apperrors.ErrCodeUserAuthInvalid {
		t.Errorf("missing user_authorization error = %v", err)
	}
}
