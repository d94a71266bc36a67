package domain

import "time"

// SagaStep — шаг checkout, на котором зафиксирована проблема.
type SagaStep string

const (
	StepPreflight      SagaStep = "preflight"
	StepPersistSale    SagaStep = "persist_sale"
	StepLineItems      SagaStep = "line_items"
	StepDeductStock    SagaStep = "deduct_stock"
	StepTaxInvoice     SagaStep = "tax_invoice"
	StepLoyalty        SagaStep = "loyalty"
	StepCustomerSpend  SagaStep = "customer_spend"
	StepStockMovement  SagaStep = "stock_movement"
	StepLoyaltyLedger  SagaStep = "loyalty_ledger"
	StepReconciliation SagaStep = "reconciliation"
)

// AnomalyKind классифицирует расхождение.
type AnomalyKind string

const (
	AnomalySideEffectFailed AnomalyKind = "side_effect_failed"
	AnomalyOversellAttempt  AnomalyKind = "oversell_attempt"
	AnomalyStockDrift       AnomalyKind = "stock_drift"
	AnomalyLoyaltyDrift     AnomalyKind = "loyalty_drift"
	AnomalyMissingInvoice   AnomalyKind = "missing_invoice"
)

// Anomaly — запись для ручной сверки: продажа сохранена, но побочный эффект не выполнен
// или кэш разошёлся с журналом.
type Anomaly struct {
	ID                string
	OrgID             string
	TransactionID     *int64
	TransactionNumber string
	Step              SagaStep
	Kind              AnomalyKind
	ProductID         *int64
	CustomerID        *int64
	Message           string
	DetectedAt        time.Time
	ResolvedAt        *time.Time
}

// AnomalyFilter ограничивает выборку аномалий.
type AnomalyFilter struct {
	OrgID          string
	UnresolvedOnly bool
	Limit          int
}
