package mandate

import (
	"context"
	"testing"
	"time"

	"github.com/ap2fed/server/internal/cryptoutil"
	"github.com/ap2fed/server/internal/did"
)

const (
	merchantDID  = "did:ap2:agent:nikeya"
	processorDID = "did:ap2:agent:payment-processor"
)

func testCart(expiry time.Time) CartContents {
	return CartContents{
		ID:                           "cart_shoes_001",
		UserCartConfirmationRequired: true,
		PaymentRequest: PaymentRequest{
			MethodData: []PaymentMethodData{{SupportedMethods: "CARD"}},
			Details: PaymentDetailsInit{
				ID: "order_shoes_001",
				DisplayItems: []PaymentItem{
					{Label: "Air Lift High-Tops (Red)", Amount: PaymentCurrencyAmount{Currency: "JPY", Value: 6880}, RefundPeriod: 2592000},
					{Label: "Tax", Amount: PaymentCurrencyAmount{Currency: "JPY", Value: 688}},
					{Label: "Shipping", Amount: PaymentCurrencyAmount{Currency: "JPY", Value: 500}},
				},
				Total: PaymentItem{Label: "Total", Amount: PaymentCurrencyAmount{Currency: "JPY", Value: 8068}},
			},
			ShippingAddress: &ContactAddress{
				Recipient:   "Tanaka Yuki",
				AddressLine: []string{"1-2-3 Jingumae"},
				City:        "Shibuya",
				PostalCode:  "150-0001",
				Country:     "JP",
			},
		},
		CartExpiry:   expiry,
		MerchantName: "Nikeya Sports",
	}
}

func newVerifier(t *testing.T, key *cryptoutil.KeyPair) *MerchantAuthVerifier {
	t.Helper()
	doc, err := did.NewDocument(merchantDID, key.Public())
	if err != nil {
		t.Fatal(err)
	}
	resolver := did.NewResolver(nil, nil, 0)
	resolver.Register(doc)
	return &MerchantAuthVerifier{Resolver: resolver, SelfDID: processorDID}
}

func TestSignCartVerifyRoundTrip(t *testing.T) {
	key, _ := cryptoutil.GenerateKeyPair(cryptoutil.AlgECDSAP256)
	cart := testCart(time.Now().Add(time.Hour))

	token, err := SignCart(cart, key.ECDSA, merchantDID, processorDID)
	if err != nil {
		t.Fatalf("SignCart() error = %v", err)
	}

	v := newVerifier(t, key)
	claims, err := v.Verify(context.Background(), token, cart, nil)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	wantHash, _ := CartHash(cart)
	if claims.CartHash != wantHash {
		t.Errorf("cart_hash = %s, want %s", claims.CartHash, wantHash)
	}
	if claims.Issuer != merchantDID {
		t.Errorf("iss = %s, want %s", claims.Issuer, merchantDID)
	}
}

func TestVerifyDetectsTamperedCart(t *testing.T) {
	key, _ := cryptoutil.GenerateKeyPair(cryptoutil.AlgECDSAP256)
	cart := testCart(time.Now().Add(time.Hour))

	token, err := SignCart(cart, key.ECDSA, merchantDID, processorDID)
	if err != nil {
		t.Fatal(err)
	}

	tampered := cart
	tampered.PaymentRequest.Details.DisplayItems = append([]PaymentItem{}, cart.PaymentRequest.Details.DisplayItems...)
	tampered.PaymentRequest.Details.DisplayItems[0].Amount.Value = 1000

	v := newVerifier(t, key)
	_, err = v.Verify(context.Background(), token, tampered, nil)
	if err == nil {
		t.Fatal("Verify() accepted tampered cart")
	}
	if got := err.Error(); got != "cart contents do not match the signed cart_hash" {
		t.Errorf("unexpected error: %v", got)
	}
}

func TestVerifyMerchantAllowList(t *testing.T) {
	key, _ := cryptoutil.GenerateKeyPair(cryptoutil.AlgECDSAP256)
	cart := testCart(time.Now().Add(time.Hour))
	token, _ := SignCart(cart, key.ECDSA, merchantDID, processorDID)

	v := newVerifier(t, key)

	if _, err := v.Verify(context.Background(), token, cart, []string{merchantDID}); err != nil {
		t.Errorf("allow-listed merchant rejected: %v", err)
	}
	if _, err := v.Verify(context.Background(), token, cart, []string{"did:ap2:agent:other"}); err == nil {
		t.Error("non-listed merchant accepted")
	}
}

func TestVerifyJTIReplay(t *testing.T) {
	key, _ := cryptoutil.GenerateKeyPair(cryptoutil.AlgECDSAP256)
	cart := testCart(time.Now().Add(time.Hour))
	token, _ := SignCart(cart, key.ECDSA, merchantDID, processorDID)

	seen := map[string]bool{}
	v := newVerifier(t, key)
	v.SeenJTI = func(jti string) bool {
		if seen[jti] {
			return true
		}
		seen[jti] = true
		return false
	}

	if _, err := v.Verify(context.Background(), token, cart, nil); err != nil {
		t.Fatalf("first Verify() error = %v", err)
	}
	if _, err := v.Verify(context.Background(), token, cart, nil); err == nil {
		t.Error("replayed jti accepted")
	}
}

func TestValidateCartContents(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CartContents)
		wantErr bool
	}{
		{"valid", func(c *CartContents) {}, false},
		{"expired", func(c *CartContents) { c.CartExpiry = time.Now().Add(-time.Minute) }, true},
		{"missing id", func(c *CartContents) { c.ID = "" }, true},
		{"negative item", func(c *CartContents) { c.PaymentRequest.Details.DisplayItems[0].Amount.Value = -1 }, true},
		{"zero total", func(c *CartContents) { c.PaymentRequest.Details.Total.Amount.Value = 0 }, true},
		{"currency mix", func(c *CartContents) { c.PaymentRequest.Details.DisplayItems[1].Amount.Currency = "USD" }, true},
		{"bad address", func(c *CartContents) { c.PaymentRequest.ShippingAddress.Country = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cart := testCart(time.Now().Add(time.Hour))
			tt.mutate(&cart)
			err := ValidateCartContents(cart)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCartContents() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWithinIntentCap(t *testing.T) {
	capAmount := &PaymentCurrencyAmount{Currency: "JPY", Value: 50000}

	if err := WithinIntentCap(capAmount, PaymentCurrencyAmount{Currency: "JPY", Value: 8068}); err != nil {
		t.Errorf("in-budget total rejected: %v", err)
	}
	if err := WithinIntentCap(capAmount, PaymentCurrencyAmount{Currency: "JPY", Value: 50000}); err != nil {
		t.Errorf("exact-budget total rejected: %v", err)
	}
	if err := WithinIntentCap(capAmount, PaymentCurrencyAmount{Currency: "JPY", Value: 50001}); err == nil {
		t.Error("over-budget total accepted")
	}
	if err := WithinIntentCap(nil, PaymentCurrencyAmount{Currency: "JPY", Value: 999999}); err != nil {
		t.Errorf("uncapped intent rejected total: %v", err)
	}
}

func TestCartHashStableAcrossRoundtrip(t *testing.T) {
	cart := testCart(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))

	h1, err := CartHash(cart)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := CartHash(cart)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("CartHash() not deterministic")
	}
}
