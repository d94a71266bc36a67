package anomaly

import (
	"context"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
	"github.com/vladislavdragonenkov/possettle/internal/metrics"
	"github.com/vladislavdragonenkov/possettle/internal/service/outbox"
)

// Recorder фиксирует состояния, требующие ручной сверки: пишет структурированный лог,
// сохраняет Anomaly и публикует событие. Сам Recorder никогда не возвращает ошибку
// вызывающему коду: продажа уже записана.
type Recorder struct {
	repo    domain.AnomalyRepository
	events  *outbox.Emitter
	metrics *metrics.SettlementMetrics
	logger  *log.Entry
	now     func() time.Time
}

// NewRecorder создаёт Recorder. repo, events и metrics могут быть nil.
func NewRecorder(repo domain.AnomalyRepository, events *outbox.Emitter, m *metrics.SettlementMetrics, logger *log.Entry) *Recorder {
	if logger == nil {
		logger = log.New().WithField("component", "anomaly")
	}
	return &Recorder{
		repo:    repo,
		events:  events,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Record сохраняет аномалию. cause попадает в лог и в Message, если Message пустой.
func (r *Recorder) Record(ctx context.Context, a domain.Anomaly, cause error) domain.Anomaly {
	if r == nil {
		return a
	}
	if a.Message == "" && cause != nil {
		a.Message = cause.Error()
	}
	if a.DetectedAt.IsZero() {
		a.DetectedAt = r.now().UTC()
	}

	fields := log.Fields{
		"org_id": a.OrgID,
		"step":   string(a.Step),
		"kind":   string(a.Kind),
	}
	if a.TransactionID != nil {
		fields["transaction_id"] = *a.TransactionID
	}
	if a.TransactionNumber != "" {
		fields["transaction_number"] = a.TransactionNumber
	}
	if a.ProductID != nil {
		fields["product_id"] = *a.ProductID
	}
	if a.CustomerID != nil {
		fields["customer_id"] = *a.CustomerID
	}
	entry := r.logger.WithFields(fields)
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.Error("reconciliation anomaly recorded")
	r.metrics.RecordAnomaly(string(a.Step), string(a.Kind))

	if r.repo != nil {
		stored, err := r.repo.Record(ctx, a)
		if err != nil {
			entry.WithField("persist_error", err.Error()).Error("failed to persist anomaly")
		} else {
			a = stored
		}
	}

	aggregateID := a.ID
	if a.TransactionID != nil {
		aggregateID = strconv.FormatInt(*a.TransactionID, 10)
	}
	payload := map[string]any{
		"id":                 a.ID,
		"org_id":             a.OrgID,
		"transaction_id":     a.TransactionID,
		"transaction_number": a.TransactionNumber,
		"step":               a.Step,
		"kind":               a.Kind,
		"product_id":         a.ProductID,
		"customer_id":        a.CustomerID,
		"message":            a.Message,
		"detected_at":        a.DetectedAt,
	}
	if err := r.events.Emit(ctx, "anomaly", aggregateID, domain.EventAnomalyRecorded, payload); err != nil {
		entry.WithField("outbox_error", err.Error()).Warn("failed to enqueue anomaly event")
	}
	return a
}

// ForSale заполняет поля продажи для аномалии шага checkout.
func ForSale(tx domain.Transaction, step domain.SagaStep, kind domain.AnomalyKind) domain.Anomaly {
	id := tx.ID
	return domain.Anomaly{
		OrgID:             tx.OrgID,
		TransactionID:     &id,
		TransactionNumber: tx.TransactionNumber,
		Step:              step,
		Kind:              kind,
	}
}
