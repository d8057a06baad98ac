package processor

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"

	apperrors "github.com/ap2fed/server/internal/errors"
	"github.com/ap2fed/server/internal/mandate"
)

// Order is one authorize+capture instruction for an acquirer.
type Order struct {
	TransactionID string
	Amount        mandate.PaymentCurrencyAmount
	AgentToken    string
	Description   string
}

// Acquirer settles a validated order. Authorize and capture run as one call
// here; real acquirers split them.
type Acquirer interface {
	Capture(ctx context.Context, order Order) error
}

// InternalAcquirer is the in-process demo acquirer. It approves any
// well-formed order carrying a network agent token.
type InternalAcquirer struct {
	// RequireAgentToken rejects orders settled without an agent_tok_
	// credential when set.
	RequireAgentToken bool
}

func (a *InternalAcquirer) Capture(ctx context.Context, order Order) error {
	if order.Amount.Value <= 0 {
		return apperrors.New(apperrors.ErrCodePaymentDeclined, "order amount must be positive")
	}
	if a.RequireAgentToken && !strings.HasPrefix(order.AgentToken, "agent_tok_") {
		return apperrors.New(apperrors.ErrCodePaymentDeclined, "order carries no network agent token")
	}
	return nil
}

// StripeAcquirer settles orders through Stripe PaymentIntents.
type StripeAcquirer struct {
	api *client.API
	// PaymentMethod is the Stripe payment method confirmed on every intent;
	// the AP2 agent token never leaves this federation.
	PaymentMethod string
}

// NewStripeAcquirer builds an acquirer for the given secret key.
func NewStripeAcquirer(secretKey, paymentMethod string) *StripeAcquirer {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeAcquirer{api: api, PaymentMethod: paymentMethod}
}

func (a *StripeAcquirer) Capture(ctx context.Context, order Order) error {
	params := &stripe.PaymentIntentParams{
		Params:        stripe.Params{Context: ctx},
		Amount:        stripe.Int64(minorUnits(order.Amount)),
		Currency:      stripe.String(strings.ToLower(order.Amount.Currency)),
		PaymentMethod: stripe.String(a.PaymentMethod),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String(order.Description),
	}
	params.AddMetadata("ap2_transaction_id", order.TransactionID)

	intent, err := a.api.PaymentIntents.New(params)
	if err != nil {
		if stripeErr, ok := err.(*stripe.Error); ok && stripeErr.Type == stripe.ErrorTypeCard {
			return apperrors.Wrap(apperrors.ErrCodePaymentDeclined, "card declined", err)
		}
		return apperrors.Wrap(apperrors.ErrCodeUpstreamUnavailable, "stripe capture failed", err)
	}
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return apperrors.Newf(apperrors.ErrCodePaymentDeclined, "payment intent ended in %s", intent.Status)
	}
	return nil
}

// zeroDecimalCurrencies are settled in whole major units on the wire.
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true,
	"KMF": true, "KRW": true, "MGA": true, "PYG": true, "RWF": true,
	"UGX": true, "VND": true, "VUV": true, "XAF": true, "XOF": true,
	"XPF": true,
}

func minorUnits(amount mandate.PaymentCurrencyAmount) int64 {
	d := decimal.NewFromFloat(amount.Value)
	if !zeroDecimalCurrencies[strings.ToUpper(amount.Currency)] {
		d = d.Mul(decimal.NewFromInt(100))
	}
	return d.Round(0).IntPart()
}
