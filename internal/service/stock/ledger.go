package stock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
	"github.com/vladislavdragonenkov/possettle/internal/metrics"
	"github.com/vladislavdragonenkov/possettle/internal/service/anomaly"
	"github.com/vladislavdragonenkov/possettle/internal/service/outbox"
)

// Ledger — единственная точка изменения остатков. Каждое успешное изменение
// сопровождается ровно одной записью StockMovement.
type Ledger struct {
	inventory domain.InventoryRepository
	movements domain.MovementRepository
	products  domain.ProductRepository
	anomalies *anomaly.Recorder
	events    *outbox.Emitter
	metrics   *metrics.SettlementMetrics
	logger    *log.Entry
}

// NewLedger создаёт складской журнал.
func NewLedger(
	inventory domain.InventoryRepository,
	movements domain.MovementRepository,
	anomalies *anomaly.Recorder,
	events *outbox.Emitter,
	m *metrics.SettlementMetrics,
	logger *log.Entry,
) *Ledger {
	if logger == nil {
		logger = log.New().WithField("component", "stock-ledger")
	}
	return &Ledger{
		inventory: inventory,
		movements: movements,
		anomalies: anomalies,
		events:    events,
		metrics:   m,
		logger:    logger,
	}
}

// WithCatalog подключает каталог, по которому AdjustStock проверяет productId.
func (l *Ledger) WithCatalog(products domain.ProductRepository) *Ledger {
	l.products = products
	return l
}

// Adjust применяет движение к остатку товара организации actor.
// Для in/out quantity — положительная дельта, для adjustment — новое абсолютное значение.
func (l *Ledger) Adjust(
	ctx context.Context,
	actor domain.Actor,
	productID int64,
	quantity int64,
	movementType domain.MovementType,
	reason string,
) (int64, error) {
	if actor.OrgID == "" {
		return 0, domain.ErrMissingTenant
	}
	if productID <= 0 {
		return 0, domain.NewValidationError("productId", "must be positive")
	}
	if !movementType.Valid() {
		return 0, domain.NewValidationError("type", fmt.Sprintf("unknown movement type %q", movementType))
	}

	var (
		after int64
		err   error
	)
	switch movementType {
	case domain.MovementIn:
		if quantity <= 0 {
			return 0, domain.NewValidationError("quantity", "must be greater than zero")
		}
		_, after, err = l.inventory.ApplyDelta(ctx, actor.OrgID, productID, quantity)
	case domain.MovementOut:
		if quantity <= 0 {
			return 0, domain.NewValidationError("quantity", "must be greater than zero")
		}
		_, after, err = l.inventory.ApplyDelta(ctx, actor.OrgID, productID, -quantity)
	case domain.MovementAdjustment:
		if quantity < 0 {
			return 0, domain.NewValidationError("quantity", "must be non-negative")
		}
		_, after, err = l.inventory.Set(ctx, actor.OrgID, productID, quantity)
	}
	if err != nil {
		if errors.Is(err, domain.ErrNegativeStockGuard) {
			l.metrics.RecordStockGuardViolation()
			l.logger.WithFields(log.Fields{
				"org_id":        actor.OrgID,
				"product_id":    productID,
				"movement_type": movementType,
				"quantity":      quantity,
			}).Warn("negative stock guard rejected movement")
			return 0, err
		}
		return 0, fmt.Errorf("apply %s movement to product %d: %w", movementType, productID, err)
	}

	magnitude := quantity
	if movementType == domain.MovementAdjustment {
		magnitude = after
	}
	movement, err := l.movements.Append(ctx, domain.StockMovement{
		OrgID:     actor.OrgID,
		ProductID: productID,
		Type:      movementType,
		Quantity:  magnitude,
		Reason:    reason,
		ActorID:   actor.UserID,
		ActorName: actor.Name,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		// Остаток уже изменён: повторять нельзя, фиксируем расхождение для сверки.
		pid := productID
		l.anomalies.Record(ctx, domain.Anomaly{
			OrgID:     actor.OrgID,
			Step:      domain.StepStockMovement,
			Kind:      domain.AnomalySideEffectFailed,
			ProductID: &pid,
			Message:   fmt.Sprintf("%s movement of %d applied without journal entry: %v", movementType, magnitude, err),
		}, err)
		return after, nil
	}
	l.metrics.RecordStockMovement(string(movementType))

	if err := l.events.Emit(ctx, "inventory", strconv.FormatInt(productID, 10), domain.EventStockMoved, map[string]any{
		"org_id":       actor.OrgID,
		"product_id":   productID,
		"movement_id":  movement.ID,
		"type":         movementType,
		"quantity":     magnitude,
		"new_quantity": after,
		"reason":       reason,
	}); err != nil {
		l.logger.WithError(err).WithField("product_id", productID).Warn("failed to enqueue stock event")
	}

	return after, nil
}

// DecrementForSale списывает агрегированное количество проданного товара.
func (l *Ledger) DecrementForSale(ctx context.Context, actor domain.Actor, productID, quantity int64, reason string) (int64, error) {
	return l.Adjust(ctx, actor, productID, quantity, domain.MovementOut, reason)
}

// Available возвращает текущий остаток; отсутствующая запись означает 0.
func (l *Ledger) Available(ctx context.Context, orgID string, productID int64) (int64, error) {
	inv, err := l.inventory.Get(ctx, orgID, productID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("read inventory for product %d: %w", productID, err)
	}
	return inv.Quantity, nil
}
