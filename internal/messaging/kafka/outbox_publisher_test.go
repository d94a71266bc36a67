package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

func headerMap(msg *sarama.ProducerMessage) map[string]string {
	result := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		result[string(h.Key)] = string(h.Value)
	}
	return result
}

func TestOutboxPublisher_Publish(t *testing.T) {
	t.Parallel()

	recorder := &recordingProducer{}
	publisher := NewOutboxPublisher(newProducer(recorder, nil), "")

	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: "transaction",
		AggregateID:   "17",
		EventType:     domain.EventSaleRecorded,
		Payload:       []byte(`{"org_id":"org-1","transaction_number":"POS-0017"}`),
	})
	require.NoError(t, err)
	require.Len(t, recorder.messages, 1)

	msg := recorder.messages[0]
	assert.Equal(t, TopicEvents, msg.Topic)

	key, err := msg.Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, "org-1:transaction:17", string(key))

	headers := headerMap(msg)
	assert.Equal(t, domain.EventSaleRecorded, headers[HeaderEventType])
	assert.Equal(t, "org-1", headers[HeaderOrgID])
	assert.NotContains(t, headers, HeaderOriginalTopic)

	value, err := msg.Value.Encode()
	require.NoError(t, err)
	var envelope Envelope
	require.NoError(t, json.Unmarshal(value, &envelope))
	assert.Equal(t, "outbox-1", envelope.ID)
	assert.Equal(t, "org-1", envelope.OrgID)
	assert.JSONEq(t, `{"org_id":"org-1","transaction_number":"POS-0017"}`, string(envelope.Payload))
}

func TestDLQPublisher_MarksOriginalTopic(t *testing.T) {
	t.Parallel()

	recorder := &recordingProducer{}
	publisher := NewDLQPublisher(newProducer(recorder, nil), "")

	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-2",
		AggregateType: "inventory",
		AggregateID:   "7",
		EventType:     domain.EventStockMoved,
		Payload:       []byte(`{"product_id":7}`),
		Attempts:      3,
		LastError:     "kafka: client has run out of available brokers",
	})
	require.NoError(t, err)
	require.Len(t, recorder.messages, 1)

	msg := recorder.messages[0]
	assert.Equal(t, TopicDeadLetterQueue, msg.Topic)
	headers := headerMap(msg)
	assert.Equal(t, TopicEvents, headers[HeaderOriginalTopic])
	assert.Equal(t, "3", headers[HeaderAttempts])
	assert.Contains(t, headers[HeaderPublishError], "run out of available brokers")
	_, err = time.Parse(time.RFC3339, headers[HeaderFailedAt])
	assert.NoError(t, err)
	assert.NotContains(t, headers, HeaderOrgID)
}

func TestOutboxPublisher_PublishProducerError(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := NewOutboxPublisher(newProducer(mockProducer, nil), TopicEvents)
	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-3",
		AggregateType: "transaction",
		AggregateID:   "3",
		EventType:     domain.EventSaleRecorded,
		Payload:       []byte(`{}`),
	})
	require.Error(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestOutboxPublisher_PublishNilProducer(t *testing.T) {
	t.Parallel()

	publisher := NewOutboxPublisher(nil, TopicEvents)
	if err := publisher.Publish(context.Background(), domain.OutboxMessage{ID: "outbox-4"}); err == nil {
		t.Fatal("expected error for nil producer")
	}
}

func TestEnvelopeKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		env  Envelope
		want string
	}{
		{name: "tenant aggregate", env: Envelope{ID: "m1", AggregateType: "customer", AggregateID: "4", OrgID: "org-1"}, want: "org-1:customer:4"},
		{name: "no tenant", env: Envelope{ID: "m1", AggregateType: "product", AggregateID: "doc-1"}, want: "product:doc-1"},
		{name: "no aggregate", env: Envelope{ID: "m1"}, want: "m1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.env.Key())
		})
	}
}

func TestNewEnvelope_EmptyPayload(t *testing.T) {
	t.Parallel()

	env := NewEnvelope(domain.OutboxMessage{ID: "m1"}, time.Now())
	assert.Equal(t, "null", string(env.Payload))
	assert.Empty(t, env.OrgID)
}
