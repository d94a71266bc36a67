package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := c.Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func TestNewSettlementMetrics_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSettlementMetricsWithRegisterer(reg)

	if m.checkoutStarted == nil || m.checkoutRejected == nil || m.stockGuardViolations == nil {
		t.Fatal("expected collectors to be initialized")
	}

	// Повторная регистрация в том же registry переиспользует collectors.
	again := NewSettlementMetricsWithRegisterer(reg)
	if again.checkoutStarted != m.checkoutStarted {
		t.Error("expected existing counter to be reused")
	}
}

func TestCheckoutLifecycleMetrics(t *testing.T) {
	m := NewSettlementMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordCheckoutStarted()
	m.RecordCheckoutCompleted()
	m.RecordCheckoutFinished(15 * time.Millisecond)

	if got := counterValue(t, m.checkoutStarted); got != 1 {
		t.Errorf("expected started 1, got %f", got)
	}
	if got := counterValue(t, m.checkoutCompleted); got != 1 {
		t.Errorf("expected completed 1, got %f", got)
	}

	gauge := &dto.Metric{}
	if err := m.activeCheckouts.Write(gauge); err != nil {
		t.Fatalf("failed to write gauge: %v", err)
	}
	if gauge.Gauge.GetValue() != 0 {
		t.Errorf("expected no active checkouts, got %f", gauge.Gauge.GetValue())
	}
}

func TestRejectedAndGuardMetrics(t *testing.T) {
	m := NewSettlementMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordCheckoutRejected("INSUFFICIENT_STOCK")
	m.RecordCheckoutRejected("INSUFFICIENT_STOCK")
	m.RecordStockGuardViolation()
	m.RecordLoyaltyPoints("redeem", -40)

	if got := counterValue(t, m.checkoutRejected.WithLabelValues("INSUFFICIENT_STOCK")); got != 2 {
		t.Errorf("expected 2 rejections, got %f", got)
	}
	if got := counterValue(t, m.stockGuardViolations); got != 1 {
		t.Errorf("expected 1 guard violation, got %f", got)
	}
	if got := counterValue(t, m.loyaltyPoints.WithLabelValues("redeem")); got != 40 {
		t.Errorf("expected 40 redeemed points, got %f", got)
	}
}

func TestNilMetricsAreNoop(t *testing.T) {
	var m *SettlementMetrics
	m.RecordCheckoutStarted()
	m.RecordCheckoutFinished(time.Second)
	m.RecordStockMovement("out")
	m.RecordAnomaly("tax_invoice", "side_effect_failed")
	m.RecordRepairChanges("barcodes", 3)
}
