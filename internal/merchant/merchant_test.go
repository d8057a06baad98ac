package merchant

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ap2fed/server/internal/cryptoutil"
	apperrors "github.com/ap2fed/server/internal/errors"
	"github.com/ap2fed/server/internal/mandate"
)

const (
	merchantDID  = "did:ap2:agent:nikeya"
	processorDID = "did:ap2:agent:payment-processor"
)

func testCatalog() []Product {
	return []Product{
		{SKU: "SHOE-RED-42", Name: "Air Lift High-Tops (Red)", Price: mandate.PaymentCurrencyAmount{Currency: "JPY", Value: 6880}, Stock: 3, Tags: []string{"shoes", "red"}, RefundPeriod: 2592000},
		{SKU: "SHOE-BLU-42", Name: "Air Lift High-Tops (Blue)", Price: mandate.PaymentCurrencyAmount{Currency: "JPY", Value: 6880}, Stock: 0, Tags: []string{"shoes", "blue"}},
		{SKU: "SOCK-WHT", Name: "Crew Socks", Price: mandate.PaymentCurrencyAmount{Currency: "JPY", Value: 500}, Stock: 50, Tags: []string{"socks"}},
	}
}

func newTestMerchant(t *testing.T) *Merchant {
	t.Helper()
	key, err := cryptoutil.GenerateKeyPair(cryptoutil.AlgECDSAP256)
	if err != nil {
		t.Fatal(err)
	}
	m := New(merchantDID, "Nikeya Sports", processorDID, key, testCatalog(), zerolog.Nop())
	t.Cleanup(func() { m.Close() })
	return m
}

func testContents(cartID string, expiry time.Time) mandate.CartContents {
	return mandate.CartContents{
		ID: cartID,
		PaymentRequest: mandate.PaymentRequest{
			MethodData: []mandate.PaymentMethodData{{SupportedMethods: "CARD"}},
			Details: mandate.PaymentDetailsInit{
				ID: "order_" + cartID,
				DisplayItems: []mandate.PaymentItem{
					{Label: "Air Lift High-Tops (Red)", Amount: mandate.PaymentCurrencyAmount{Currency: "JPY", Value: 6880}},
				},
				Total: mandate.PaymentItem{Label: "Total", Amount: mandate.PaymentCurrencyAmount{Currency: "JPY", Value: 6880}},
			},
		},
		CartExpiry:   expiry,
		MerchantName: "Nikeya Sports",
	}
}

func TestSearchProducts(t *testing.T) {
	m := newTestMerchant(t)

	all := m.SearchProducts("")
	if len(all) != 2 {
		t.Errorf("in-stock products = %d, want 2 (out-of-stock excluded)", len(all))
	}

	red := m.SearchProducts("red shoes")
	if len(red) != 1 || red[0].SKU != "SHOE-RED-42" {
		t.Errorf("search 'red shoes' = %+v", red)
	}

	if got := m.SearchProducts("snowboard"); len(got) != 0 {
		t.Errorf("search 'snowboard' = %+v, want none", got)
	}
}

func TestSignCartReservesInventory(t *testing.T) {
	m := newTestMerchant(t)
	ctx := context.Background()

	cm, err := m.SignCart(ctx, testContents("cart_1", time.Now().Add(time.Hour)),
		[]LineItem{{SKU: "SHOE-RED-42", Quantity: 2}})
	if err != nil {
		t.Fatalf("SignCart() error = %v", err)
	}
	if cm.MerchantAuthorization == "" {
		t.Fatal("cart mandate carries no merchant_authorization")
	}

	p, _ := m.Product("SHOE-RED-42")
	if p.Stock != 1 {
		t.Errorf("stock after reservation = %d, want 1", p.Stock)
	}

	// A second cart wanting 2 more cannot be satisfied.
	_, err = m.SignCart(ctx, testContents("cart_2", time.Now().Add(time.Hour)),
		[]LineItem{{SKU: "SHOE-RED-42", Quantity: 2}})
	if apperrors.CodeOf(err) != apperrors.ErrCodeInsufficientInventory {
		t.Errorf("oversell error = %v, want insufficient_inventory", err)
	}

	// Releasing the first cart frees the stock again.
	m.Release("cart_1")
	if _, err := m.SignCart(ctx, testContents("cart_3", time.Now().Add(time.Hour)),
		[]LineItem{{SKU: "SHOE-RED-42", Quantity: 2}}); err != nil {
		t.Errorf("SignCart() after release error = %v", err)
	}
}

func TestSignCartRejectsUnknownSKU(t *testing.T) {
	m := newTestMerchant(t)

	_, err := m.SignCart(context.Background(), testContents("cart_1", time.Now().Add(time.Hour)),
		[]LineItem{{SKU: "HAT-GRN", Quantity: 1}})
	if apperrors.CodeOf(err) != apperrors.ErrCodeInvalidCart {
		t.Errorf("unknown sku error = %v, want invalid_cart", err)
	}
}

func TestSignCartRejectsExpiredCart(t *testing.T) {
	m := newTestMerchant(t)

	_, err := m.SignCart(context.Background(), testContents("cart_1", time.Now().Add(-time.Minute)),
		[]LineItem{{SKU: "SHOE-RED-42", Quantity: 1}})
	if apperrors.CodeOf(err) != apperrors.ErrCodeInvalidCart {
		t.Errorf("expired cart error = %v, want invalid_cart", err)
	}
	// Nothing was reserved for the rejected cart.
	p, _ := m.Product("SHOE-RED-42")
	if p.Stock != 3 {
		t.Errorf("stock = %d, want 3", p.Stock)
	}
}

func TestConsumeKeepsStockSold(t *testing.T) {
	m := newTestMerchant(t)

	if _, err := m.SignCart(context.Background(), testContents("cart_1", time.Now().Add(time.Hour)),
		[]LineItem{{SKU: "SHOE-RED-42", Quantity: 1}}); err != nil {
		t.Fatal(err)
	}
	m.Consume("cart_1")
	// Release after consume must not resurrect stock.
	m.Release("cart_1")

	p, _ := m.Product("SHOE-RED-42")
	if p.Stock != 2 {
		t.Errorf("stock after sale = %d, want 2", p.Stock)
	}
}

func TestSignedCartVerifies(t *testing.T) {
	m := newTestMerchant(t)

	contents := testContents("cart_1", time.Now().Add(time.Hour))
	cm, err := m.SignCart(context.Background(), contents, []LineItem{{SKU: "SHOE-RED-42", Quantity: 1}})
	if err != nil {
		t.Fatal(err)
	}

	wantHash, err := mandate.CartHash(contents)
	if err != nil {
		t.Fatal(err)
	}
	gotHash, err := mandate.CartHash(cm.Contents)
	if err != nil {
		t.Fatal(err)
	}
	if wantHash != gotHash {
		t.Error("signed contents differ from submitted contents")
	}
}
