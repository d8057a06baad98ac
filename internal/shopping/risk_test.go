package shopping

import (
	"testing"
	"time"

	"github.com/ap2fed/server/internal/mandate"
)

func jpy(v float64) mandate.PaymentCurrencyAmount {
	return mandate.PaymentCurrencyAmount{Currency: "JPY", Value: v}
}

// noon keeps the temporal signal out of the way unless a test wants it.
var noon = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func TestScoreRiskQuietPurchase(t *testing.T) {
	got := ScoreRisk(RiskInput{
		Amount:          jpy(8068),
		IntentCap:       &mandate.PaymentCurrencyAmount{Currency: "JPY", Value: 50000},
		MethodNetwork:   "visa",
		ShippingAddress: &mandate.ContactAddress{Country: "JP"},
		Timestamp:       noon,
	})
	if got.RiskScore != 0 {
		t.Fatalf("score = %d, want 0; indicators %v", got.RiskScore, got.FraudIndicators)
	}
	if got.RiskLevel != RiskLow || got.Recommendation != RecommendApprove {
		t.Fatalf("level/recommendation = %s/%s", got.RiskLevel, got.Recommendation)
	}
	if got.FraudIndicators == nil {
		t.Fatal("indicators must serialize as an empty list, not null")
	}
}

func TestScoreRiskLevels(t *testing.T) {
	cases := []struct {
		name      string
		in        RiskInput
		wantScore int
		wantLevel string
		wantRec   string
	}{
		{
			name: "agent purchase near the cap",
			in: RiskInput{
				Amount:          jpy(9000),
				IntentCap:       &mandate.PaymentCurrencyAmount{Currency: "JPY", Value: 10000},
				CardNotPresent:  true,
				ShippingAddress: &mandate.ContactAddress{Country: "JP"},
				Timestamp:       noon,
				AgentInvolved:   true,
			},
			wantScore: 25, // near-cap 10 + cnp 10 + agent 5
			wantLevel: RiskLow,
			wantRec:   RecommendApprove,
		},
		{
			name: "over the cap",
			in: RiskInput{
				Amount:          jpy(12000),
				IntentCap:       &mandate.PaymentCurrencyAmount{Currency: "JPY", Value: 10000},
				ShippingAddress: &mandate.ContactAddress{Country: "JP"},
				Timestamp:       noon,
			},
			wantScore: 30, // exceeds-cap 30
			wantLevel: RiskMedium,
			wantRec:   RecommendReview,
		},
		{
			name: "prepaid velocity burst at 3am with no shipping",
			in: RiskInput{
				Amount:         jpy(150000),
				CardNotPresent: true,
				MethodNetwork:  "prepaid",
				RecentAttempts: 5,
				Timestamp:      time.Date(2026, 3, 14, 3, 0, 0, 0, time.UTC),
				AgentInvolved:  true,
			},
			wantScore: 80, // amount 25 + cnp 10 + prepaid 15 + velocity 15 + no shipping 5 + off hours 5 + agent 5
			wantLevel: RiskHigh,
			wantRec:   RecommendDecline,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ScoreRisk(tc.in)
			if got.RiskScore != tc.wantScore {
				t.Fatalf("score = %d, want %d; indicators %v", got.RiskScore, tc.wantScore, got.FraudIndicators)
			}
			if got.RiskLevel != tc.wantLevel {
				t.Fatalf("level = %s, want %s", got.RiskLevel, tc.wantLevel)
			}
			if got.Recommendation != tc.wantRec {
				t.Fatalf("recommendation = %s, want %s", got.Recommendation, tc.wantRec)
			}
		})
	}
}

func TestScoreRiskCapsAtHundred(t *testing.T) {
	got := ScoreRisk(RiskInput{
		Amount:         jpy(500000),
		IntentCap:      &mandate.PaymentCurrencyAmount{Currency: "JPY", Value: 1000},
		CardNotPresent: true,
		MethodNetwork:  "prepaid",
		RecentAttempts: 10,
		Timestamp:      time.Date(2026, 3, 14, 2, 0, 0, 0, time.UTC),
		AgentInvolved:  true,
	})
	if got.RiskScore != 100 {
		t.Fatalf("score = %d, want capped 100", got.RiskScore)
	}
	if got.RiskLevel != RiskHigh || got.Recommendation != RecommendDecline {
		t.Fatalf("level/recommendation = %s/%s", got.RiskLevel, got.Recommendation)
	}
}
