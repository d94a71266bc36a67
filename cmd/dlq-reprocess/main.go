package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possettle/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	envKafkaBrokers    = "POS_KAFKA_BROKERS"
)

type config struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
	// orgID и eventTypes сужают повтор до одной организации и выбранных типов событий.
	orgID      string
	eventTypes map[string]bool
}

func (c config) mode() string {
	if c.execute {
		return "execute"
	}
	return "dry-run"
}

// accepts сообщает, проходит ли событие фильтры -org и -event-types.
func (c config) accepts(msg replayMessage) bool {
	if c.orgID != "" && msg.orgID != c.orgID {
		return false
	}
	return len(c.eventTypes) == 0 || c.eventTypes[msg.eventType]
}

// replayMessage — событие, восстановленное из DLQ и готовое к повторной публикации.
type replayMessage struct {
	topic     string
	key       string
	value     []byte
	headers   map[string]string
	eventType string
	orgID     string
	// publishError и attempts приходят из заголовков DLQ и нужны только для отчёта.
	publishError string
	attempts     string
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

// replayPublisher реализуется *kafka.Producer.
type replayPublisher interface {
	PublishRaw(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
	Close() error
}

type saramaConsumerAdapter struct {
	consumer sarama.Consumer
}

func (a saramaConsumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return a.consumer.ConsumePartition(topic, partition, offset)
}

func (a saramaConsumerAdapter) Close() error {
	return a.consumer.Close()
}

// replayDeps — всё, что нужно для прогона; publisher есть только в execute.
type replayDeps struct {
	client    offsetClient
	consumer  partitionConsumerSource
	publisher replayPublisher
}

func (d replayDeps) close() {
	if d.publisher != nil {
		_ = d.publisher.Close()
	}
	if d.consumer != nil {
		_ = d.consumer.Close()
	}
	if d.client != nil {
		_ = d.client.Close()
	}
}

var connectReplayDeps = func(cfg config) (replayDeps, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.ClientID = "dlq-reprocess"
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return replayDeps{}, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return replayDeps{}, fmt.Errorf("create kafka consumer: %w", err)
	}
	deps := replayDeps{client: client, consumer: saramaConsumerAdapter{consumer: consumer}}
	if !cfg.execute {
		return deps, nil
	}

	producer, err := kafka.NewProducer(cfg.brokers, log.WithField("component", "dlq-reprocess"), kafka.WithClientID("dlq-reprocess"))
	if err != nil {
		deps.close()
		return replayDeps{}, err
	}
	deps.publisher = producer
	return deps, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stderr)

	cfg, err := readConfig()
	if err != nil {
		fail("%v", err)
	}

	summary, err := run(context.Background(), cfg)
	if err != nil {
		fail("dlq replay failed: %v", err)
	}
	if err := writeSummary(os.Stdout, summary); err != nil {
		fail("write summary: %v", err)
	}
}

func readConfig() (config, error) {
	var (
		brokersRaw    string
		eventTypesRaw string
		cfg           config
	)

	flag.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: "+envKafkaBrokers+")")
	flag.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	flag.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicEvents, "fallback target topic when a message has no original topic header")
	flag.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan across all partitions")
	flag.BoolVar(&cfg.execute, "execute", false, "publish replayed events; default is dry-run")
	flag.BoolVar(&cfg.fromNewest, "from-newest", false, "scan the newest messages of each partition (bounded by limit)")
	flag.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop reading a partition after this long without messages")
	flag.StringVar(&cfg.orgID, "org", "", "replay only events of this organization")
	flag.StringVar(&eventTypesRaw, "event-types", "", "comma-separated event types to replay, e.g. sale.recorded,invoice.issued")
	flag.Parse()

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = os.Getenv(envKafkaBrokers)
	}
	cfg.brokers = parseList(brokersRaw)
	cfg.sourceTopic = strings.TrimSpace(cfg.sourceTopic)
	cfg.targetTopic = strings.TrimSpace(cfg.targetTopic)
	cfg.orgID = strings.TrimSpace(cfg.orgID)
	for _, eventType := range parseList(eventTypesRaw) {
		if cfg.eventTypes == nil {
			cfg.eventTypes = make(map[string]bool)
		}
		cfg.eventTypes[eventType] = true
	}

	switch {
	case len(cfg.brokers) == 0:
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or %s)", envKafkaBrokers)
	case cfg.sourceTopic == "":
		return config{}, fmt.Errorf("source-topic is required")
	case cfg.targetTopic == "":
		return config{}, fmt.Errorf("target-topic is required")
	case cfg.limit <= 0:
		return config{}, fmt.Errorf("limit must be > 0")
	case cfg.idleTimeout <= 0:
		return config{}, fmt.Errorf("idle-timeout must be > 0")
	}
	return cfg, nil
}

func parseList(raw string) []string {
	var items []string
	for _, chunk := range strings.Split(raw, ",") {
		if item := strings.TrimSpace(chunk); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func run(ctx context.Context, cfg config) (replaySummary, error) {
	deps, err := connectReplayDeps(cfg)
	if err != nil {
		return replaySummary{}, err
	}
	defer deps.close()

	r, err := newReplayer(cfg, deps, log.WithField("component", "dlq-reprocess"))
	if err != nil {
		return replaySummary{}, err
	}
	return r.run(ctx)
}

// replaySummary печатается в stdout JSON-ом, чтобы оператор видел, какие потоки событий застряли.
type replaySummary struct {
	Mode        string         `json:"mode"`
	SourceTopic string         `json:"source_topic"`
	Processed   int            `json:"processed"`
	Replayed    int            `json:"replayed"`
	Skipped     int            `json:"skipped"`
	Filtered    int            `json:"filtered"`
	ByEventType map[string]int `json:"by_event_type"`
}

func (s *replaySummary) merge(other replaySummary) {
	s.Processed += other.Processed
	s.Replayed += other.Replayed
	s.Skipped += other.Skipped
	s.Filtered += other.Filtered
	for eventType, n := range other.ByEventType {
		s.ByEventType[eventType] += n
	}
}

func newSummary(cfg config) replaySummary {
	return replaySummary{Mode: cfg.mode(), SourceTopic: cfg.sourceTopic, ByEventType: make(map[string]int)}
}

func writeSummary(w io.Writer, summary replaySummary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

type replayer struct {
	cfg    config
	deps   replayDeps
	logger *log.Entry
	now    func() time.Time
}

func newReplayer(cfg config, deps replayDeps, logger *log.Entry) (*replayer, error) {
	if deps.client == nil || deps.consumer == nil {
		return nil, fmt.Errorf("kafka client and consumer are required")
	}
	if cfg.execute && deps.publisher == nil {
		return nil, fmt.Errorf("publisher is required in execute mode")
	}
	return &replayer{cfg: cfg, deps: deps, logger: logger, now: time.Now}, nil
}

// run обходит партиции по возрастанию номера, пока не исчерпан общий лимит.
func (r *replayer) run(ctx context.Context) (replaySummary, error) {
	summary := newSummary(r.cfg)
	r.logger.WithFields(log.Fields{
		"source_topic": r.cfg.sourceTopic,
		"target_topic": r.cfg.targetTopic,
		"limit":        r.cfg.limit,
		"mode":         summary.Mode,
		"org_id":       r.cfg.orgID,
		"event_types":  len(r.cfg.eventTypes),
	}).Info("starting dlq replay")

	partitions, err := r.deps.client.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return summary, fmt.Errorf("list partitions of %s: %w", r.cfg.sourceTopic, err)
	}
	slices.Sort(partitions)

	for _, partition := range partitions {
		budget := r.cfg.limit - summary.Processed
		if budget <= 0 {
			break
		}
		part, err := r.drainPartition(ctx, partition, budget)
		summary.merge(part)
		if err != nil {
			return summary, err
		}
	}

	r.logger.WithFields(log.Fields{
		"mode":      summary.Mode,
		"processed": summary.Processed,
		"replayed":  summary.Replayed,
		"skipped":   summary.Skipped,
		"filtered":  summary.Filtered,
	}).Info("dlq replay finished")
	return summary, nil
}

// window возвращает диапазон [start, end) офсетов, который нужно прочитать в партиции.
func (r *replayer) window(partition int32, budget int) (start, end int64, err error) {
	oldest, err := r.deps.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	newest, err := r.deps.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	start = oldest
	if r.cfg.fromNewest {
		start = max(newest-int64(budget), oldest)
	}
	return start, newest, nil
}

func (r *replayer) drainPartition(ctx context.Context, partition int32, budget int) (replaySummary, error) {
	summary := newSummary(r.cfg)

	start, end, err := r.window(partition, budget)
	if err != nil || end <= start {
		return summary, err
	}

	pc, err := r.deps.consumer.ConsumePartition(r.cfg.sourceTopic, partition, start)
	if err != nil {
		return summary, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	for summary.Processed < budget {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		case <-idle.C:
			return summary, nil
		case consumerErr := <-pc.Errors():
			if consumerErr != nil {
				return summary, fmt.Errorf("partition %d consumer error: %w", partition, consumerErr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= end {
				return summary, nil
			}
			idle.Reset(r.cfg.idleTimeout)

			if err := r.handle(ctx, msg, &summary); err != nil {
				return summary, err
			}
			if msg.Offset+1 >= end {
				return summary, nil
			}
		}
	}
	return summary, nil
}

// handle разбирает одно сообщение DLQ и, если оно проходит фильтры,
// публикует его (execute) или только логирует как кандидата (dry-run).
func (r *replayer) handle(ctx context.Context, msg *sarama.ConsumerMessage, summary *replaySummary) error {
	summary.Processed++
	entry := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	replay, ok, err := extractReplayMessage(msg, r.cfg.targetTopic, r.now().UTC())
	switch {
	case err != nil:
		summary.Skipped++
		entry.WithError(err).Warn("skip unsupported dlq message")
		return nil
	case !ok:
		summary.Skipped++
		return nil
	case !r.cfg.accepts(replay):
		summary.Filtered++
		return nil
	}

	entry = entry.WithFields(log.Fields{
		"target_topic":  replay.topic,
		"key":           replay.key,
		"event_type":    replay.eventType,
		"org_id":        replay.orgID,
		"attempts":      replay.attempts,
		"publish_error": replay.publishError,
	})
	if r.cfg.execute {
		if err := r.deps.publisher.PublishRaw(ctx, replay.topic, replay.key, replay.value, replay.headers); err != nil {
			return fmt.Errorf("replay %s at offset %d: %w", replay.eventType, msg.Offset, err)
		}
		entry.Debug("dlq message replayed")
	} else {
		entry.Info("dlq replay candidate")
	}
	summary.Replayed++
	summary.ByEventType[replay.eventType]++
	return nil
}

// extractReplayMessage превращает сообщение DLQ обратно в событие исходного topic.
// Сообщения без envelope пропускаются, битые envelope возвращают ошибку.
// Заголовки DLQ (x-failed-at, x-publish-error, x-attempts) не переносятся.
func extractReplayMessage(msg *sarama.ConsumerMessage, defaultTopic string, now time.Time) (replayMessage, bool, error) {
	var envelope kafka.Envelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil || envelope.EventType == "" {
		return replayMessage{}, false, nil
	}
	if len(envelope.Payload) == 0 {
		return replayMessage{}, false, fmt.Errorf("dlq envelope %s does not contain event payload", envelope.ID)
	}

	dlqHeaders := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		if h != nil {
			dlqHeaders[string(h.Key)] = string(h.Value)
		}
	}

	envelope.PublishedAt = now
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return replayMessage{}, false, fmt.Errorf("encode replay envelope: %w", err)
	}

	headers := map[string]string{kafka.HeaderEventType: envelope.EventType}
	if envelope.OrgID != "" {
		headers[kafka.HeaderOrgID] = envelope.OrgID
	}
	topic := strings.TrimSpace(dlqHeaders[kafka.HeaderOriginalTopic])
	if topic == "" {
		topic = defaultTopic
	}

	return replayMessage{
		topic:        topic,
		key:          envelope.Key(),
		value:        encoded,
		headers:      headers,
		eventType:    envelope.EventType,
		orgID:        envelope.OrgID,
		publishError: dlqHeaders[kafka.HeaderPublishError],
		attempts:     dlqHeaders[kafka.HeaderAttempts],
	}, true, nil
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
