// Package merchantagent implements the merchant-side A2A hub. It turns
// intents into signed cart candidates, answers product searches, and relays
// payment mandates onward to the processor.
package merchantagent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ap2fed/server/internal/a2a"
	apperrors "github.com/ap2fed/server/internal/errors"
	"github.com/ap2fed/server/internal/mandate"
	"github.com/ap2fed/server/internal/merchant"
	"github.com/ap2fed/server/internal/ttlstore"
)

// MaxCartLifetime caps how long a candidate cart stays valid, regardless of
// the intent's own expiry.
const MaxCartLifetime = 15 * time.Minute

// taxRate is the consumption tax applied to candidate carts.
var taxRate = decimal.NewFromFloat(0.10)

// MerchantAPI is what the agent needs from its merchant of record.
type MerchantAPI interface {
	SearchProducts(ctx context.Context, query string) ([]merchant.Product, error)
	SignCart(ctx context.Context, contents mandate.CartContents, items []merchant.LineItem) (*mandate.CartMandate, error)
}

// Relay forwards envelopes to another agent.
type Relay interface {
	Send(ctx context.Context, recipient, dataType string, payload interface{}) (*a2a.Message, error)
}

// Agent is the merchant agent role.
type Agent struct {
	DID          string
	merchantDID  string
	processorDID string

	merchant   MerchantAPI
	processor  Relay
	candidates *ttlstore.Store[mandate.CartMandate] // cart id -> signed candidate

	log zerolog.Logger
}

// Config wires an Agent.
type Config struct {
	DID          string
	MerchantDID  string
	ProcessorDID string
	Merchant     MerchantAPI
	Processor    Relay
	Candidates   *ttlstore.Store[mandate.CartMandate]
	Logger       zerolog.Logger
}

// New creates the agent.
func New(cfg Config) *Agent {
	return &Agent{
		DID:          cfg.DID,
		merchantDID:  cfg.MerchantDID,
		processorDID: cfg.ProcessorDID,
		merchant:     cfg.Merchant,
		processor:    cfg.Processor,
		candidates:   cfg.Candidates,
		log:          cfg.Logger,
	}
}

// RegisterHandlers binds the agent's message types on a receiver.
func (a *Agent) RegisterHandlers(r *a2a.Receiver) {
	r.Handle(a2a.TypeProductSearch, a.handleProductSearch)
	r.Handle(a2a.TypeIntentMandate, a.handleIntent)
	r.Handle(a2a.TypeCartRequest, a.handleIntent)
	r.Handle(a2a.TypeCartSelection, a.handleCartSelection)
	r.Handle(a2a.TypePaymentMandate, a.handlePaymentMandate)
	r.Handle(a2a.TypeRefundRequest, a.handleRefund)
}

// ProductSearchRequest is the ap2.requests.ProductSearch payload.
type ProductSearchRequest struct {
	Query string `json:"query"`
}

func (a *Agent) handleProductSearch(ctx context.Context, msg *a2a.Message) (interface{}, error) {
	var req ProductSearchRequest
	if err := msg.DecodePayload(&req); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeSchemaInvalid, "malformed product search", err)
	}
	products, err := a.merchant.SearchProducts(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"products": products, "merchant": a.merchantDID}, nil
}

// CartRequest is the ap2.requests.CartRequest payload: an intent plus the
// shipping destination the shopping agent collected.
type CartRequest struct {
	Intent          mandate.IntentEnvelope  `json:"intent"`
	ShippingAddress *mandate.ContactAddress `json:"shipping_address,omitempty"`
}

// handleIntent builds up to three signed cart candidates for an intent.
func (a *Agent) handleIntent(ctx context.Context, msg *a2a.Message) (interface{}, error) {
	var req CartRequest
	if msg.DataPart.Type == a2a.TypeIntentMandate {
		if err := msg.DecodePayload(&req.Intent); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeSchemaInvalid, "malformed intent mandate", err)
		}
	} else if err := msg.DecodePayload(&req); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeSchemaInvalid, "malformed cart request", err)
	}

	intent := req.Intent
	if intent.Mandate.NaturalLanguageDescription == "" {
		return nil, apperrors.New(apperrors.ErrCodeSchemaInvalid, "intent carries no description")
	}
	if !intent.Mandate.IntentExpiry.IsZero() && time.Now().After(intent.Mandate.IntentExpiry) {
		return nil, apperrors.New(apperrors.ErrCodeMandateExpired, "intent has expired")
	}
	if len(intent.Mandate.Merchants) > 0 && !contains(intent.Mandate.Merchants, a.merchantDID) {
		return nil, apperrors.Newf(apperrors.ErrCodeMerchantNotAllowed, "merchant %s is not on the intent allow-list", a.merchantDID)
	}

	products, err := a.merchant.SearchProducts(ctx, intent.Mandate.NaturalLanguageDescription)
	if err != nil {
		return nil, err
	}
	products = filterBySKU(products, intent.Mandate.SKUs)
	if intent.Mandate.RequiresRefundability {
		products = filterRefundable(products)
	}
	if len(products) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeInvalidCart, "no products match the intent")
	}

	expiry := time.Now().Add(MaxCartLifetime)
	if !intent.Mandate.IntentExpiry.IsZero() && intent.Mandate.IntentExpiry.Before(expiry) {
		expiry = intent.Mandate.IntentExpiry
	}

	var parts []a2a.ArtifactPart
	for _, tier := range candidateTiers(products) {
		contents := a.buildCart(tier, req.ShippingAddress, expiry, intent.Mandate.UserCartConfirmationRequired)
		if over := capExceeded(intent.MaxAmount, contents.PaymentRequest.Details.Total.Amount); over {
			continue
		}
		cm, err := a.merchant.SignCart(ctx, contents, tier.items)
		if err != nil {
			a.log.Warn().Err(err).Str("tier", tier.name).Msg("candidate rejected by merchant")
			continue
		}
		a.candidates.Put(contents.ID, *cm, time.Until(expiry))
		parts = append(parts, a2a.ArtifactPart{
			ArtifactID: uuid.NewString(),
			Name:       tier.name,
			Kind:       "data",
			DataKey:    a2a.TypeCartMandate,
			Data:       cm,
		})
	}
	if len(parts) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeInvalidCart, "no candidate fits the intent constraints")
	}

	a.log.Info().Int("candidates", len(parts)).Str("intent_id", intent.ID).Msg("cart candidates built")
	return a2a.NewDataArtifact("cart_candidates", a2a.TypeCartCandidates, parts), nil
}

// CartSelection is the ap2.requests.CartSelection payload.
type CartSelection struct {
	CartID string `json:"cart_id"`
}

func (a *Agent) handleCartSelection(ctx context.Context, msg *a2a.Message) (interface{}, error) {
	var sel CartSelection
	if err := msg.DecodePayload(&sel); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeSchemaInvalid, "malformed cart selection", err)
	}
	cm, ok := a.candidates.Get(sel.CartID)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidCart, "cart %s is unknown or expired", sel.CartID)
	}
	return map[string]interface{}{"cart_mandate": cm}, nil
}

// handlePaymentMandate relays the capture payload to the processor, signed
// afresh, and returns its payment result verbatim. The agent carries no
// authority of its own; the processor's chain check is canonical.
func (a *Agent) handlePaymentMandate(ctx context.Context, msg *a2a.Message) (interface{}, error) {
	var req struct {
		PaymentMandate mandate.PaymentMandate `json:"payment_mandate"`
	}
	if err := msg.DecodePayload(&req); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeSchemaInvalid, "malformed payment mandate", err)
	}
	if req.PaymentMandate.UserAuthorization == "" {
		return nil, apperrors.New(apperrors.ErrCodeUserAuthInvalid, "payment mandate carries no user_authorization")
	}

	resp, err := a.processor.Send(ctx, a.processorDID, a2a.TypePaymentMandate, json.RawMessage(msg.DataPart.Payload))
	if err != nil {
		return nil, err
	}
	var result json.RawMessage = resp.DataPart.Payload
	return result, nil
}

func (a *Agent) handleRefund(ctx context.Context, msg *a2a.Message) (interface{}, error) {
	var req json.RawMessage
	if err := msg.DecodePayload(&req); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeSchemaInvalid, "malformed refund request", err)
	}
	resp, err := a.processor.Send(ctx, a.processorDID, a2a.TypeRefundRequest, req)
	if err != nil {
		return nil, err
	}
	var result json.RawMessage = resp.DataPart.Payload
	return result, nil
}

// tier is one candidate cart shape over a chosen product.
type tier struct {
	name     string
	product  merchant.Product
	shipping mandate.PaymentCurrencyAmount
	shipName string
	items    []merchant.LineItem
}

// candidateTiers derives budget, standard, and premium offers from the
// matched products: cheapest match with economy shipping, top match with
// standard shipping, top match with express shipping.
func candidateTiers(products []merchant.Product) []tier {
	best := products[0]
	cheapest := products[0]
	for _, p := range products[1:] {
		if p.Price.Value < cheapest.Price.Value {
			cheapest = p
		}
		if p.Price.Value > best.Price.Value {
			best = p
		}
	}
	currency := best.Price.Currency

	return []tier{
		{
			name:     "budget",
			product:  cheapest,
			shipping: mandate.PaymentCurrencyAmount{Currency: currency, Value: 0},
			shipName: "Economy (7-10 days)",
			items:    []merchant.LineItem{{SKU: cheapest.SKU, Quantity: 1}},
		},
		{
			name:     "standard",
			product:  best,
			shipping: mandate.PaymentCurrencyAmount{Currency: currency, Value: 500},
			shipName: "Standard (2-4 days)",
			items:    []merchant.LineItem{{SKU: best.SKU, Quantity: 1}},
		},
		{
			name:     "premium",
			product:  best,
			shipping: mandate.PaymentCurrencyAmount{Currency: currency, Value: 1200},
			shipName: "Express (next day)",
			items:    []merchant.LineItem{{SKU: best.SKU, Quantity: 1}},
		},
	}
}

func (a *Agent) buildCart(t tier, addr *mandate.ContactAddress, expiry time.Time, confirmationRequired bool) mandate.CartContents {
	currency := t.product.Price.Currency
	price := decimal.NewFromFloat(t.product.Price.Value)
	tax := price.Mul(taxRate).Round(0)
	total := price.Add(tax).Add(decimal.NewFromFloat(t.shipping.Value))

	cartID := fmt.Sprintf("cart_%s", uuid.NewString()[:8])
	return mandate.CartContents{
		ID:                           cartID,
		UserCartConfirmationRequired: confirmationRequired,
		PaymentRequest: mandate.PaymentRequest{
			MethodData: []mandate.PaymentMethodData{{SupportedMethods: "CARD"}},
			Details: mandate.PaymentDetailsInit{
				ID: "order_" + cartID,
				DisplayItems: []mandate.PaymentItem{
					{Label: t.product.Name, Amount: t.product.Price, RefundPeriod: int(t.product.RefundPeriod)},
					{Label: "Tax", Amount: mandate.PaymentCurrencyAmount{Currency: currency, Value: roundedFloat(tax)}},
					{Label: "Shipping", Amount: t.shipping},
				},
				ShippingOptions: []mandate.PaymentShippingOption{
					{ID: t.name, Label: t.shipName, Amount: t.shipping, Selected: true},
				},
				Total: mandate.PaymentItem{Label: "Total", Amount: mandate.PaymentCurrencyAmount{Currency: currency, Value: roundedFloat(total)}},
			},
			ShippingAddress: addr,
		},
		CartExpiry: expiry,
	}
}

func capExceeded(max *mandate.PaymentCurrencyAmount, total mandate.PaymentCurrencyAmount) bool {
	return mandate.WithinIntentCap(max, total) != nil
}

func filterBySKU(products []merchant.Product, skus []string) []merchant.Product {
	if len(skus) == 0 {
		return products
	}
	var out []merchant.Product
	for _, p := range products {
		if contains(skus, p.SKU) {
			out = append(out, p)
		}
	}
	return out
}

func filterRefundable(products []merchant.Product) []merchant.Product {
	var out []merchant.Product
	for _, p := range products {
		if p.RefundPeriod > 0 {
			out = append(out, p)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func roundedFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return math.Round(f*100) / 100
}
