package app

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
	"github.com/vladislavdragonenkov/possettle/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/possettle/internal/storage/memory"
)

func TestInitKafkaProducer_EmptyBrokers(t *testing.T) {
	producer, err := initKafkaProducer(nil, log.WithField("test", "kafka"))
	require.NoError(t, err)
	require.Nil(t, producer)
}

func TestInitKafkaProducer_UnreachableBrokers(t *testing.T) {
	producer, err := initKafkaProducer(splitList("127.0.0.1:1, 127.0.0.1:2"), log.WithField("test", "kafka"))
	require.Error(t, err)
	require.Nil(t, producer)
}

func TestNewOutboxWorker_DisabledWithoutProducer(t *testing.T) {
	cfg := DefaultConfig()
	require.Nil(t, newOutboxWorker(cfg, memory.NewOutboxRepository(), nil, log.WithField("test", "kafka")))
}

func TestNewOutboxWorker_PublishesSaleEvent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutboxMaxAttempts = 1

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var envelope kafka.Envelope
		if err := json.Unmarshal(val, &envelope); err != nil {
			return err
		}
		if envelope.EventType != domain.EventSaleRecorded || envelope.OrgID != "org-1" {
			return fmt.Errorf("unexpected envelope %+v", envelope)
		}
		return nil
	})
	producer := kafka.WrapSyncProducer(mockProducer, log.WithField("test", "kafka"))
	defer closeKafka(producer, log.WithField("test", "kafka"))

	repo := memory.NewOutboxRepository()
	_, err := repo.Enqueue(context.Background(), domain.OutboxMessage{
		AggregateType: "transaction",
		AggregateID:   "1",
		EventType:     domain.EventSaleRecorded,
		Payload:       []byte(`{"org_id":"org-1","transaction_number":"POS-1"}`),
	})
	require.NoError(t, err)

	worker := newOutboxWorker(cfg, repo, producer, log.WithField("test", "kafka"))
	require.NotNil(t, worker)
	worker.ProcessOnce(context.Background())

	require.Empty(t, repo.AllPending())
}

func TestCloseKafka_NilProducer(_ *testing.T) {
	closeKafka(nil, log.WithField("test", "kafka"))
}
