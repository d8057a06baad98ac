package mandate

import (
	"time"

	apperrors "github.com/ap2fed/server/internal/errors"
)

// ValidateCartContents runs the merchant-side structural checks: positive
// amounts, one currency throughout, and a future expiry.
func ValidateCartContents(c CartContents) error {
	if c.ID == "" {
		return apperrors.New(apperrors.ErrCodeInvalidCart, "cart id is required")
	}
	if time.Now().After(c.CartExpiry) {
		return apperrors.New(apperrors.ErrCodeInvalidCart, "cart_expiry must be in the future")
	}

	details := c.PaymentRequest.Details
	if details.ID == "" {
		return apperrors.New(apperrors.ErrCodeInvalidCart, "payment details id is required")
	}
	currency := details.Total.Amount.Currency
	if currency == "" {
		return apperrors.New(apperrors.ErrCodeInvalidCart, "total currency is required")
	}
	if details.Total.Amount.Value <= 0 {
		return apperrors.New(apperrors.ErrCodeInvalidAmount, "total must be positive")
	}
	for _, item := range details.DisplayItems {
		if item.Amount.Value < 0 {
			return apperrors.Newf(apperrors.ErrCodeInvalidAmount, "item %q has a negative amount", item.Label)
		}
		if item.Amount.Currency != currency {
			return apperrors.Newf(apperrors.ErrCodeInvalidCart, "item %q currency %s differs from total currency %s", item.Label, item.Amount.Currency, currency)
		}
	}
	for _, opt := range details.ShippingOptions {
		if opt.Amount.Currency != currency {
			return apperrors.Newf(apperrors.ErrCodeInvalidCart, "shipping option %q currency differs from total", opt.ID)
		}
	}

	if addr := c.PaymentRequest.ShippingAddress; addr != nil {
		if addr.Country == "" || len(addr.AddressLine) == 0 || addr.City == "" || addr.PostalCode == "" {
			return apperrors.New(apperrors.ErrCodeInvalidCart, "shipping address is incomplete")
		}
	}
	return nil
}

// TotalsMatch checks that cart and payment mandate agree on currency and
// amount, using exact decimal comparison.
func TotalsMatch(cart CartContents, payment PaymentMandateContents) error {
	cartTotal := cart.PaymentRequest.Details.Total.Amount
	payTotal := payment.PaymentDetailsTotal.Amount
	if cartTotal.Currency != payTotal.Currency {
		return apperrors.Newf(apperrors.ErrCodeReferenceMismatch, "currency mismatch: cart %s vs payment %s", cartTotal.Currency, payTotal.Currency)
	}
	if !cartTotal.Decimal().Equal(payTotal.Decimal()) {
		return apperrors.Newf(apperrors.ErrCodeReferenceMismatch, "total mismatch: cart %s vs payment %s", cartTotal.Decimal(), payTotal.Decimal())
	}
	return nil
}

// WithinIntentCap enforces the intent's max amount against a payment total.
// A nil cap means the intent declared no limit.
func WithinIntentCap(cap *PaymentCurrencyAmount, total PaymentCurrencyAmount) error {
	if cap == nil {
		return nil
	}
	if cap.Currency != "" && cap.Currency != total.Currency {
		return apperrors.Newf(apperrors.ErrCodeAmountExceedsIntent, "intent cap currency %s differs from total currency %s", cap.Currency, total.Currency)
	}
	if total.Decimal().GreaterThan(cap.Decimal()) {
		return apperrors.Newf(apperrors.ErrCodeAmountExceedsIntent, "total %s exceeds intent maximum %s", total.Decimal(), cap.Decimal())
	}
	return nil
}
