package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

// Emitter ставит доменные события в outbox. Nil-репозиторий отключает публикацию.
type Emitter struct {
	repo domain.OutboxRepository
}

// NewEmitter создаёт Emitter поверх outbox-репозитория.
func NewEmitter(repo domain.OutboxRepository) *Emitter {
	return &Emitter{repo: repo}
}

// Emit сериализует payload в JSON и сохраняет сообщение со статусом pending.
func (e *Emitter) Emit(ctx context.Context, aggregateType, aggregateID, eventType string, payload any) error {
	if e == nil || e.repo == nil {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	if _, err := e.repo.Enqueue(ctx, domain.OutboxMessage{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       body,
	}); err != nil {
		return fmt.Errorf("enqueue %s: %w", eventType, err)
	}
	return nil
}
