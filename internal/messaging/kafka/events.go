package kafka

import (
	"encoding/json"
	"time"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

// Topics для Kafka
const (
	TopicEvents          = "possettle.events"
	TopicDeadLetterQueue = "possettle.dlq"
)

// Kafka headers
const (
	HeaderEventType     = "x-event-type"
	HeaderOrgID         = "x-org-id"
	HeaderOriginalTopic = "x-original-topic"
	HeaderFailedAt      = "x-failed-at"
	HeaderPublishError  = "x-publish-error"
	HeaderAttempts      = "x-attempts"
)

// Envelope — формат сообщения, которое видят потребители событий.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	OrgID         string          `json:"org_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewEnvelope оборачивает outbox-сообщение. org_id берётся из payload, если он там есть.
func NewEnvelope(msg domain.OutboxMessage, publishedAt time.Time) Envelope {
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	var tenant struct {
		OrgID string `json:"org_id"`
	}
	_ = json.Unmarshal(msg.Payload, &tenant)

	return Envelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		OrgID:         tenant.OrgID,
		Payload:       payload,
		PublishedAt:   publishedAt.UTC(),
	}
}

// Key — ключ партиционирования: события одного агрегата идут в одну партицию.
func (e Envelope) Key() string {
	if e.AggregateID == "" {
		return e.ID
	}
	if e.OrgID == "" {
		return e.AggregateType + ":" + e.AggregateID
	}
	return e.OrgID + ":" + e.AggregateType + ":" + e.AggregateID
}
