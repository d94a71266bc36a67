package domain

import "time"

// OutboxMessage описывает событие для публикации во внешний брокер.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	// Attempts и LastError заполняет outbox worker перед отправкой в DLQ.
	Attempts  int
	LastError string
}

// OutboxStats содержит агрегированные метрики backlog outbox.
type OutboxStats struct {
	PendingCount int64
	// FailedCount — сообщения, исчерпавшие попытки; их payload лежит в DLQ.
	FailedCount     int64
	OldestPendingAt time.Time
}

// Типы событий, публикуемых через outbox.
const (
	EventSaleRecorded     = "sale.recorded"
	EventSaleDisputed     = "sale.disputed"
	EventStockMoved       = "stock.moved"
	EventInvoiceIssued    = "invoice.issued"
	EventPointsChanged    = "loyalty.points_changed"
	EventAnomalyRecorded  = "anomaly.recorded"
	EventIdentityRepaired = "catalog.identity_repaired"
)
