package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.A2AMessagesTotal.WithLabelValues("ap2.mandates.PaymentMandate", "ok").Inc()
	m.PaymentsTotal.WithLabelValues("captured").Add(3)
	m.ReplaysBlockedTotal.Inc()

	if got := testutil.ToFloat64(m.PaymentsTotal.WithLabelValues("captured")); got != 3 {
		t.Errorf("PaymentsTotal = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.ReplaysBlockedTotal); got != 1 {
		t.Errorf("ReplaysBlockedTotal = %v, want 1", got)
	}

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) == 0 {
		t.Fatal("no metric families registered")
	}
}

func TestObserveA2ATimesOnlySuccess(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveA2A("ap2.requests.CartRequest", "ok", 20*time.Millisecond)
	m.ObserveA2A("ap2.requests.CartRequest", "failed", 20*time.Millisecond)

	if got := testutil.ToFloat64(m.A2AMessagesTotal.WithLabelValues("ap2.requests.CartRequest", "ok")); got != 1 {
		t.Errorf("ok counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.A2AMessagesTotal.WithLabelValues("ap2.requests.CartRequest", "failed")); got != 1 {
		t.Errorf("failed counter = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.A2AProcessingSeconds); got != 1 {
		t.Errorf("histogram series = %d, want 1", got)
	}
}

func TestNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveA2A("t", "ok", time.Second)
	m.CountA2A("t", "rejected")
	m.BlockReplay()
	m.ObserveDBQuery("get", "memory", time.Millisecond)
}

func TestMeasureDBQuery(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	done := MeasureDBQuery(m, "save_transaction", "postgres")
	time.Sleep(time.Millisecond)
	done()

	if got := testutil.CollectAndCount(m.DBQueryDuration); got != 1 {
		t.Errorf("DBQueryDuration series = %d, want 1", got)
	}

	MeasureDBQuery(nil, "noop", "memory")()
}
