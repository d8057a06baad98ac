package shopping

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ap2fed/server/internal/mandate"
)

// RiskAssessment is the advisory score attached to a payment mandate. It is
// informational only; no authorisation decision may be derived from it alone.
type RiskAssessment struct {
	RiskScore       int      `json:"risk_score"`
	RiskLevel       string   `json:"risk_level"`
	FraudIndicators []string `json:"fraud_indicators"`
	Recommendation  string   `json:"recommendation"`
}

// RiskInput are the eight scored signals.
type RiskInput struct {
	Amount          mandate.PaymentCurrencyAmount
	IntentCap       *mandate.PaymentCurrencyAmount
	CardNotPresent  bool
	MethodNetwork   string
	RecentAttempts  int
	ShippingAddress *mandate.ContactAddress
	Timestamp       time.Time
	AgentInvolved   bool
}

// Risk levels and recommendations.
const (
	RiskLow    = "LOW"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"

	RecommendApprove = "APPROVE"
	RecommendReview  = "REVIEW"
	RecommendDecline = "DECLINE"
)

// riskyNetworks carry an elevated baseline.
var riskyNetworks = map[string]int{
	"prepaid": 15,
	"unknown": 10,
	"amex":    5,
}

// ScoreRisk derives the deterministic assessment from the eight signals.
func ScoreRisk(in RiskInput) RiskAssessment {
	score := 0
	var indicators []string

	// 1. Amount magnitude.
	amount := in.Amount.Decimal()
	switch {
	case amount.GreaterThan(decimal.NewFromInt(100000)):
		score += 25
		indicators = append(indicators, "high_amount")
	case amount.GreaterThan(decimal.NewFromInt(20000)):
		score += 10
		indicators = append(indicators, "elevated_amount")
	}

	// 2. Fit against the intent's declared cap.
	if in.IntentCap != nil {
		limit := in.IntentCap.Decimal()
		switch {
		case amount.GreaterThan(limit):
			score += 30
			indicators = append(indicators, "amount_exceeds_intent")
		case limit.Sign() > 0 && amount.Div(limit).GreaterThan(decimal.NewFromFloat(0.8)):
			score += 10
			indicators = append(indicators, "amount_near_intent_cap")
		}
	}

	// 3. Card-not-present.
	if in.CardNotPresent {
		score += 10
		indicators = append(indicators, "card_not_present")
	}

	// 4. Payment-method risk.
	if pts, ok := riskyNetworks[in.MethodNetwork]; ok {
		score += pts
		indicators = append(indicators, "method_risk_"+in.MethodNetwork)
	}

	// 5. Pattern anomaly: payment attempts in the recent window.
	if in.RecentAttempts > 3 {
		score += 15
		indicators = append(indicators, "velocity_anomaly")
	}

	// 6. Shipping risk.
	if in.ShippingAddress == nil || in.ShippingAddress.Country == "" {
		score += 5
		indicators = append(indicators, "no_shipping_address")
	}

	// 7. Temporal risk: small-hours activity.
	if h := in.Timestamp.Hour(); h >= 0 && h < 5 {
		score += 5
		indicators = append(indicators, "off_hours")
	}

	// 8. Agent involvement: a delegated purchase always carries a floor.
	if in.AgentInvolved {
		score += 5
		indicators = append(indicators, "agent_initiated")
	}

	if score > 100 {
		score = 100
	}

	level := RiskLow
	recommendation := RecommendApprove
	switch {
	case score >= 60:
		level = RiskHigh
		recommendation = RecommendDecline
	case score >= 30:
		level = RiskMedium
		recommendation = RecommendReview
	}

	if indicators == nil {
		indicators = []string{}
	}
	return RiskAssessment{
		RiskScore:       score,
		RiskLevel:       level,
		FraudIndicators: indicators,
		Recommendation:  recommendation,
	}
}
