package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the payment protocol services.
type Metrics struct {
	// A2A envelope metrics
	A2AMessagesTotal     *prometheus.CounterVec
	A2AProcessingSeconds *prometheus.HistogramVec
	ReplaysBlockedTotal  prometheus.Counter
	NonceLedgerSize      prometheus.Gauge

	// Payment metrics
	PaymentsTotal       *prometheus.CounterVec
	PaymentAmountTotal  *prometheus.CounterVec
	PaymentDuration     *prometheus.HistogramVec
	ChainValidationStep *prometheus.CounterVec

	// Refund metrics
	RefundsTotal      *prometheus.CounterVec
	RefundAmountTotal *prometheus.CounterVec

	// Credential metrics
	WebAuthnVerificationsTotal *prometheus.CounterVec
	TokensIssuedTotal          *prometheus.CounterVec
	StepUpSessionsTotal        *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitHitsTotal  *prometheus.CounterVec

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		A2AMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ap2_a2a_messages_total",
				Help: "Inbound A2A envelopes by data type and outcome",
			},
			[]string{"type", "outcome"},
		),
		A2AProcessingSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ap2_a2a_processing_seconds",
				Help:    "End-to-end envelope processing time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		ReplaysBlockedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ap2_replays_blocked_total",
				Help: "Envelopes rejected by the nonce ledger",
			},
		),
		NonceLedgerSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ap2_nonce_ledger_size",
				Help: "Live entries in the nonce ledger",
			},
		),

		PaymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ap2_payments_total",
				Help: "Payment mandate executions by outcome",
			},
			[]string{"outcome"},
		),
		PaymentAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ap2_payment_amount_total",
				Help: "Sum of captured amounts by currency",
			},
			[]string{"currency"},
		),
		PaymentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ap2_payment_duration_seconds",
				Help:    "Time spent executing a payment mandate",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		ChainValidationStep: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ap2_chain_validation_failures_total",
				Help: "Mandate chain validation failures by step",
			},
			[]string{"step"},
		),

		RefundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ap2_refunds_total",
				Help: "Refund attempts by outcome",
			},
			[]string{"outcome"},
		),
		RefundAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ap2_refund_amount_total",
				Help: "Sum of refunded amounts by currency",
			},
			[]string{"currency"},
		),

		WebAuthnVerificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ap2_webauthn_verifications_total",
				Help: "WebAuthn assertion verifications by outcome",
			},
			[]string{"outcome"},
		),
		TokensIssuedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ap2_tokens_issued_total",
				Help: "Payment and agent tokens issued by kind",
			},
			[]string{"kind"},
		),
		StepUpSessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ap2_stepup_sessions_total",
				Help: "Step-up sessions by outcome",
			},
			[]string{"outcome"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ap2_http_request_duration_seconds",
				Help:    "HTTP request latency by route and status",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ap2_rate_limit_hits_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"route"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ap2_db_query_duration_seconds",
				Help:    "Storage operation latency",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ap2_db_connections_active",
				Help: "Open database connections",
			},
		),
	}
}

// ObserveA2A records one processed envelope. Nil-safe.
func (m *Metrics) ObserveA2A(dataType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.A2AMessagesTotal.WithLabelValues(dataType, outcome).Inc()
	if outcome == "ok" {
		m.A2AProcessingSeconds.WithLabelValues(dataType).Observe(d.Seconds())
	}
}

// CountA2A records a rejected or failed envelope without timing. Nil-safe.
func (m *Metrics) CountA2A(dataType, outcome string) {
	if m == nil {
		return
	}
	m.A2AMessagesTotal.WithLabelValues(dataType, outcome).Inc()
}

// BlockReplay counts one ledger hit. Nil-safe.
func (m *Metrics) BlockReplay() {
	if m == nil {
		return
	}
	m.ReplaysBlockedTotal.Inc()
}

// ObserveDBQuery records a storage operation duration. Nil-safe.
func (m *Metrics) ObserveDBQuery(operation, backend string, d time.Duration) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(d.Seconds())
}
