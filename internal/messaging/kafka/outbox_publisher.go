package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в заданный Kafka topic.
type OutboxTopicPublisher struct {
	producer      *Producer
	topic         string
	originalTopic string
	now           func() time.Time
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
func NewOutboxPublisher(producer *Producer, topic string) domain.OutboxPublisher {
	if topic == "" {
		topic = TopicEvents
	}
	return &OutboxTopicPublisher{producer: producer, topic: topic, now: time.Now}
}

// NewDLQPublisher создаёт паблишер в dead letter topic. Сообщение помечается
// исходным топиком и временем отказа.
func NewDLQPublisher(producer *Producer, originalTopic string) domain.OutboxPublisher {
	if originalTopic == "" {
		originalTopic = TopicEvents
	}
	return &OutboxTopicPublisher{
		producer:      producer,
		topic:         TopicDeadLetterQueue,
		originalTopic: originalTopic,
		now:           time.Now,
	}
}

func (p *OutboxTopicPublisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}

	now := p.now()
	envelope := NewEnvelope(event, now)
	headers := map[string]string{HeaderEventType: event.EventType}
	if envelope.OrgID != "" {
		headers[HeaderOrgID] = envelope.OrgID
	}
	if p.originalTopic != "" {
		headers[HeaderOriginalTopic] = p.originalTopic
		headers[HeaderFailedAt] = now.UTC().Format(time.RFC3339)
		if event.LastError != "" {
			headers[HeaderPublishError] = event.LastError
		}
		if event.Attempts > 0 {
			headers[HeaderAttempts] = strconv.Itoa(event.Attempts)
		}
	}

	return p.producer.PublishEvent(ctx, p.topic, envelope.Key(), envelope, headers)
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
