// Package mandate implements the AP2 mandate chain: IntentMandate,
// CartMandate, and PaymentMandate, together with the W3C Payment Request
// shapes they embed and the authorization artefacts that bind them.
package mandate

import (
	"time"

	"github.com/shopspring/decimal"
)

// A2A dataPart type strings for mandate payloads.
const (
	IntentMandateDataKey  = "ap2.mandates.IntentMandate"
	CartMandateDataKey    = "ap2.mandates.CartMandate"
	PaymentMandateDataKey = "ap2.mandates.PaymentMandate"
)

// PaymentCurrencyAmount is a monetary amount in major units with an
// ISO 4217 currency code, per the W3C Payment Request API.
type PaymentCurrencyAmount struct {
	Currency string  `json:"currency"`
	Value    float64 `json:"value"`
}

// Decimal returns the amount as an exact decimal for comparisons.
func (a PaymentCurrencyAmount) Decimal() decimal.Decimal {
	return decimal.NewFromFloat(a.Value)
}

// PaymentItem is one display line of a payment request. Non-product lines
// (tax, shipping) carry RefundPeriod zero.
type PaymentItem struct {
	Label        string                `json:"label"`
	Amount       PaymentCurrencyAmount `json:"amount"`
	Pending      *bool                 `json:"pending,omitempty"`
	RefundPeriod int                   `json:"refund_period,omitempty"` // seconds
}

// PaymentShippingOption describes one shipping choice.
type PaymentShippingOption struct {
	ID       string                `json:"id"`
	Label    string                `json:"label"`
	Amount   PaymentCurrencyAmount `json:"amount"`
	Selected bool                  `json:"selected,omitempty"`
}

// PaymentMethodData names a supported payment method with method-specific data.
type PaymentMethodData struct {
	SupportedMethods string                 `json:"supported_methods"`
	Data             map[string]interface{} `json:"data,omitempty"`
}

// PaymentDetailsModifier adjusts details for a particular method.
type PaymentDetailsModifier struct {
	SupportedMethods       string                 `json:"supported_methods"`
	Total                  *PaymentItem           `json:"total,omitempty"`
	AdditionalDisplayItems []PaymentItem          `json:"additional_display_items,omitempty"`
	Data                   map[string]interface{} `json:"data,omitempty"`
}

// PaymentDetailsInit is the financial body of a payment request.
type PaymentDetailsInit struct {
	ID              string                   `json:"id"`
	DisplayItems    []PaymentItem            `json:"display_items"`
	ShippingOptions []PaymentShippingOption  `json:"shipping_options,omitempty"`
	Modifiers       []PaymentDetailsModifier `json:"modifiers,omitempty"`
	Total           PaymentItem              `json:"total"`
}

// PaymentOptions selects which payer details to collect.
type PaymentOptions struct {
	RequestPayerName  bool   `json:"request_payer_name,omitempty"`
	RequestPayerEmail bool   `json:"request_payer_email,omitempty"`
	RequestPayerPhone bool   `json:"request_payer_phone,omitempty"`
	RequestShipping   bool   `json:"request_shipping,omitempty"`
	ShippingType      string `json:"shipping_type,omitempty"`
}

// ContactAddress is the W3C Contact Picker address shape. AddressLine is an
// ordered sequence.
type ContactAddress struct {
	Recipient         string   `json:"recipient,omitempty"`
	Organization      string   `json:"organization,omitempty"`
	AddressLine       []string `json:"address_line,omitempty"`
	City              string   `json:"city,omitempty"`
	Region            string   `json:"region,omitempty"`
	DependentLocality string   `json:"dependent_locality,omitempty"`
	PostalCode        string   `json:"postal_code,omitempty"`
	SortingCode       string   `json:"sorting_code,omitempty"`
	Country           string   `json:"country,omitempty"`
	Phone             string   `json:"phone,omitempty"`
}

// PaymentRequest is the W3C payment request carried inside CartContents.
type PaymentRequest struct {
	MethodData      []PaymentMethodData `json:"method_data"`
	Details         PaymentDetailsInit  `json:"details"`
	Options         *PaymentOptions     `json:"options,omitempty"`
	ShippingAddress *ContactAddress     `json:"shipping_address,omitempty"`
}

// PaymentResponse records the user's payment method choice.
type PaymentResponse struct {
	RequestID       string                 `json:"request_id"`
	MethodName      string                 `json:"method_name"`
	Details         map[string]interface{} `json:"details,omitempty"`
	ShippingAddress *ContactAddress        `json:"shipping_address,omitempty"`
	ShippingOption  *PaymentShippingOption `json:"shipping_option,omitempty"`
	PayerName       string                 `json:"payer_name,omitempty"`
	PayerEmail      string                 `json:"payer_email,omitempty"`
	PayerPhone      string                 `json:"payer_phone,omitempty"`
}

// IntentMandate declares the user's purchase intent.
type IntentMandate struct {
	NaturalLanguageDescription   string    `json:"natural_language_description"`
	IntentExpiry                 time.Time `json:"intent_expiry"`
	UserCartConfirmationRequired bool      `json:"user_cart_confirmation_required"`
	Merchants                    []string  `json:"merchants,omitempty"` // merchant DID allow-list
	SKUs                         []string  `json:"skus,omitempty"`
	RequiresRefundability        bool      `json:"requires_refundability,omitempty"`
}

// IntentEnvelope carries the mandate together with the metadata the shopping
// agent tracks outside the signed body: the constraining max amount and the
// WebAuthn assertion captured at confirm time.
type IntentEnvelope struct {
	ID        string                 `json:"id"`
	Mandate   IntentMandate          `json:"mandate"`
	MaxAmount *PaymentCurrencyAmount `json:"max_amount,omitempty"`
	Assertion map[string]interface{} `json:"assertion,omitempty"`
}

// CartContents is the body a merchant signs over.
type CartContents struct {
	ID                           string         `json:"id"`
	UserCartConfirmationRequired bool           `json:"user_cart_confirmation_required"`
	PaymentRequest               PaymentRequest `json:"payment_request"`
	CartExpiry                   time.Time      `json:"cart_expiry"`
	MerchantName                 string         `json:"merchant_name"`
}

// CartMandate is cart contents plus the merchant's signature over them.
type CartMandate struct {
	Contents CartContents `json:"contents"`

	// Compact ES256 JWS whose payload binds cart_hash; empty until the
	// merchant has signed.
	MerchantAuthorization string `json:"merchant_authorization,omitempty"`
}

// PaymentMandateContents is the signed body of a PaymentMandate.
type PaymentMandateContents struct {
	PaymentMandateID    string          `json:"payment_mandate_id"`
	PaymentDetailsID    string          `json:"payment_details_id"`
	PaymentDetailsTotal PaymentItem     `json:"payment_details_total"`
	PaymentResponse     PaymentResponse `json:"payment_response"`
	MerchantAgent       string          `json:"merchant_agent"` // DID
	Timestamp           time.Time       `json:"timestamp"`
}

// PaymentMandate carries the user's payment authorization.
type PaymentMandate struct {
	PaymentMandateContents PaymentMandateContents `json:"payment_mandate_contents"`

	// Base64url verifiable presentation binding cart and payment hashes to
	// a WebAuthn assertion; empty until the user has confirmed.
	UserAuthorization string `json:"user_authorization,omitempty"`

	// Advisory risk assessment attached by the shopping agent.
	RiskData map[string]interface{} `json:"risk_data,omitempty"`
}
