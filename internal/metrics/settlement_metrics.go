package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics содержит метрики checkout и связанных операций.
// Все методы безопасны для nil-получателя, чтобы сервисы можно было собирать без метрик.
type SettlementMetrics struct {
	// Checkout
	checkoutStarted   prometheus.Counter
	checkoutCompleted prometheus.Counter
	checkoutRejected  *prometheus.CounterVec
	checkoutDuration  prometheus.Histogram
	stepDuration      *prometheus.HistogramVec
	activeCheckouts   prometheus.Gauge

	// Склад
	stockMovements       *prometheus.CounterVec
	stockGuardViolations prometheus.Counter

	// Побочные эффекты
	invoicesIssued prometheus.Counter
	loyaltyPoints  *prometheus.CounterVec
	anomalies      *prometheus.CounterVec

	// Обслуживание
	repairChanges  *prometheus.CounterVec
	reconcileRuns  prometheus.Counter
	outboxEnqueued prometheus.Counter
}

// NewSettlementMetrics регистрирует метрики в DefaultRegisterer.
func NewSettlementMetrics() *SettlementMetrics {
	return NewSettlementMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSettlementMetricsWithRegisterer регистрирует метрики в переданном registerer.
func NewSettlementMetricsWithRegisterer(registerer prometheus.Registerer) *SettlementMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SettlementMetrics{
		checkoutStarted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "pos_checkout_started_total",
			Help: "Total number of checkouts started",
		}),
		checkoutCompleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "pos_checkout_completed_total",
			Help: "Total number of checkouts that recorded a sale",
		}),
		checkoutRejected: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "pos_checkout_rejected_total",
			Help: "Total number of checkouts rejected, grouped by error code",
		}, []string{"code"}),
		checkoutDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "pos_checkout_duration_seconds",
			Help:    "Duration of checkout calls in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "pos_checkout_step_duration_seconds",
			Help:    "Duration of individual checkout steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}, []string{"step"}),
		activeCheckouts: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "pos_active_checkouts",
			Help: "Number of checkouts currently in progress",
		}),
		stockMovements: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "pos_stock_movements_total",
			Help: "Total number of stock movements written, grouped by movement type",
		}, []string{"type"}),
		stockGuardViolations: registerCounter(registerer, prometheus.CounterOpts{
			Name: "pos_stock_guard_violations_total",
			Help: "Total number of atomic negative-stock guard rejections",
		}),
		invoicesIssued: registerCounter(registerer, prometheus.CounterOpts{
			Name: "pos_tax_invoices_issued_total",
			Help: "Total number of tax invoices issued",
		}),
		loyaltyPoints: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "pos_loyalty_points_total",
			Help: "Total loyalty points moved, grouped by ledger entry type",
		}, []string{"type"}),
		anomalies: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "pos_anomalies_recorded_total",
			Help: "Total number of reconciliation anomalies, grouped by step and kind",
		}, []string{"step", "kind"}),
		repairChanges: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "pos_identity_repair_changes_total",
			Help: "Total number of rows changed by duplicate-identity repair",
		}, []string{"kind"}),
		reconcileRuns: registerCounter(registerer, prometheus.CounterOpts{
			Name: "pos_reconcile_runs_total",
			Help: "Total number of reconciliation passes",
		}),
		outboxEnqueued: registerCounter(registerer, prometheus.CounterOpts{
			Name: "pos_outbox_events_total",
			Help: "Total number of events enqueued to the outbox",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		return reuseExisting[prometheus.Counter](err, opts.Name)
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		return reuseExisting[*prometheus.CounterVec](err, opts.Name)
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		return reuseExisting[prometheus.Gauge](err, opts.Name)
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		return reuseExisting[prometheus.Histogram](err, opts.Name)
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		return reuseExisting[*prometheus.HistogramVec](err, opts.Name)
	}
	return collector
}

// reuseExisting возвращает уже зарегистрированный collector того же типа.
func reuseExisting[T any](err error, name string) T {
	alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError)
	if !ok {
		panic(fmt.Sprintf("register collector %q: %v", name, err))
	}
	existing, ok := alreadyRegistered.ExistingCollector.(T)
	if !ok {
		panic(fmt.Sprintf("collector %q already registered with unexpected type", name))
	}
	return existing
}

// RecordCheckoutStarted увеличивает счётчик начатых checkout и число активных.
func (m *SettlementMetrics) RecordCheckoutStarted() {
	if m == nil {
		return
	}
	m.checkoutStarted.Inc()
	m.activeCheckouts.Inc()
}

// RecordCheckoutFinished записывает длительность и уменьшает число активных.
func (m *SettlementMetrics) RecordCheckoutFinished(duration time.Duration) {
	if m == nil {
		return
	}
	m.activeCheckouts.Dec()
	m.checkoutDuration.Observe(duration.Seconds())
}

// RecordCheckoutCompleted увеличивает счётчик записанных продаж.
func (m *SettlementMetrics) RecordCheckoutCompleted() {
	if m == nil {
		return
	}
	m.checkoutCompleted.Inc()
}

// RecordCheckoutRejected увеличивает счётчик отказов по коду ошибки.
func (m *SettlementMetrics) RecordCheckoutRejected(code string) {
	if m == nil {
		return
	}
	m.checkoutRejected.WithLabelValues(code).Inc()
}

// RecordStepDuration записывает время выполнения шага checkout.
func (m *SettlementMetrics) RecordStepDuration(step string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordStockMovement увеличивает счётчик движений по типу.
func (m *SettlementMetrics) RecordStockMovement(movementType string) {
	if m == nil {
		return
	}
	m.stockMovements.WithLabelValues(movementType).Inc()
}

// RecordStockGuardViolation фиксирует отказ атомарного guard.
func (m *SettlementMetrics) RecordStockGuardViolation() {
	if m == nil {
		return
	}
	m.stockGuardViolations.Inc()
}

// RecordInvoiceIssued увеличивает счётчик выпущенных инвойсов.
func (m *SettlementMetrics) RecordInvoiceIssued() {
	if m == nil {
		return
	}
	m.invoicesIssued.Inc()
}

// RecordLoyaltyPoints добавляет модуль изменения баллов по типу записи.
func (m *SettlementMetrics) RecordLoyaltyPoints(entryType string, points int64) {
	if m == nil {
		return
	}
	if points < 0 {
		points = -points
	}
	m.loyaltyPoints.WithLabelValues(entryType).Add(float64(points))
}

// RecordAnomaly увеличивает счётчик аномалий.
func (m *SettlementMetrics) RecordAnomaly(step, kind string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(step, kind).Inc()
}

// RecordRepairChanges добавляет число изменённых ремонтом записей.
func (m *SettlementMetrics) RecordRepairChanges(kind string, changed int) {
	if m == nil || changed <= 0 {
		return
	}
	m.repairChanges.WithLabelValues(kind).Add(float64(changed))
}

// RecordReconcileRun увеличивает счётчик проходов сверки.
func (m *SettlementMetrics) RecordReconcileRun() {
	if m == nil {
		return
	}
	m.reconcileRuns.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *SettlementMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEnqueued.Inc()
}
