package kafka

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"messaging-core/internal/observability"
	"messaging-core/pkg/messaging"

	"github.com/cenkalti/backoff/v4"
	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// ProducerClient is the raw publish path shared by the producer and the
// retry router.
type ProducerClient interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
	Close() error
}

// messageWriter is the subset of *kafka.Writer the producer depends on.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer implements messaging.Producer on a single kafka.Writer. The writer
// has no fixed topic; every message carries its own.
type Producer struct {
	writer      messageWriter
	logger      logrus.FieldLogger
	metrics     observability.MetricsCollector
	maxRetries  int
	baseBackoff time.Duration

	// pending correlates writer completions with in-flight sends by message id.
	pending sync.Map
}

type ProducerConfig struct {
	Brokers      []string
	Acks         int // -1 for all, 0 for none, 1 for leader
	Retries      int
	Idempotent   bool
	Compression  string
	BatchTimeout time.Duration
	MaxRetries   int
	BaseBackoff  time.Duration
	Metrics      observability.MetricsCollector
	Logger       logrus.FieldLogger
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, &messaging.InvalidArgumentError{Argument: "Brokers", Reason: "at least one broker is required"}
	}
	codec, err := parseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}

	p := newProducer(nil, cfg)

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequiredAcks(cfg.Acks),
		MaxAttempts:            cfg.Retries,
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		Compression:            codec,
		AllowAutoTopicCreation: false,
		Async:                  false, // Synchronous for reliable error handling
		Completion:             p.complete,
	}

	// Idempotent mode: acks from every in-sync replica and a raised attempt
	// budget. Duplicates from transport retries stay detectable by message-id.
	if cfg.Idempotent {
		writer.RequiredAcks = kafka.RequireAll
		writer.MaxAttempts = 10
	}

	p.writer = writer
	return p, nil
}

func newProducer(w messageWriter, cfg ProducerConfig) *Producer {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &Producer{
		writer:      w,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
	}
}

func parseCompression(name string) (kafka.Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return 0, nil
	case "snappy":
		return kafka.Snappy, nil
	case "gzip":
		return kafka.Gzip, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	default:
		return 0, &messaging.InvalidArgumentError{Argument: "Compression", Reason: fmt.Sprintf("unknown codec %q", name)}
	}
}

func (p *Producer) BrokerType() messaging.BrokerType {
	return messaging.BrokerKafka
}

// Send encodes and publishes msg on its own goroutine. Failures resolve the
// future with a failed result.
func (p *Producer) Send(ctx context.Context, msg messaging.Envelope) *messaging.Future {
	if msg.Topic() == "" {
		return messaging.Completed(messaging.Failed(msg.ID(), "", messaging.ErrEmptyTopic))
	}
	return messaging.Async(ctx, msg, func(ctx context.Context) messaging.SendResult {
		return p.send(ctx, msg)
	})
}

// SendAndWait publishes msg and blocks until the broker acknowledges it.
func (p *Producer) SendAndWait(ctx context.Context, msg messaging.Envelope) (messaging.SendResult, error) {
	result := p.Send(ctx, msg).Await(ctx)
	if !result.Success {
		return result, &messaging.SendError{
			Broker:    messaging.BrokerKafka,
			Topic:     msg.Topic(),
			MessageID: msg.ID(),
			Err:       result.Err,
		}
	}
	return result, nil
}

func (p *Producer) send(ctx context.Context, msg messaging.Envelope) messaging.SendResult {
	value, err := messaging.Encode(msg)
	if err != nil {
		p.metrics.IncPublishFailed()
		p.logger.WithError(err).WithFields(logrus.Fields{
			"topic":      msg.Topic(),
			"message_id": msg.ID(),
		}).Error("Failed to encode message")
		return messaging.Failed(msg.ID(), msg.Topic(), err)
	}

	headers := msg.Headers()
	headers[messaging.HeaderMessageID] = msg.ID()
	headers[messaging.HeaderMessageTimestamp] = messaging.FormatTimestamp(msg.Timestamp())

	completed := make(chan kafka.Message, 1)
	if _, busy := p.pending.LoadOrStore(msg.ID(), completed); !busy {
		defer p.pending.Delete(msg.ID())
	}

	if err := p.publish(ctx, msg.Topic(), msg.Key(), value, headers, msg.Timestamp()); err != nil {
		return messaging.Failed(msg.ID(), msg.Topic(), err)
	}

	var partition *int
	var offset *int64
	select {
	case written := <-completed:
		partition, offset = &written.Partition, &written.Offset
	default:
	}
	return messaging.Succeeded(msg.ID(), msg.Topic(), partition, offset)
}

// complete is the writer's Completion callback. It runs before WriteMessages
// returns, with partition and offset filled in on success.
func (p *Producer) complete(messages []kafka.Message, err error) {
	if err != nil {
		return
	}
	for _, m := range messages {
		id := headerValue(m.Headers, messaging.HeaderMessageID)
		if id == "" {
			continue
		}
		if ch, ok := p.pending.Load(id); ok {
			select {
			case ch.(chan kafka.Message) <- m:
			default:
			}
		}
	}
}

// Publish sends raw bytes to topic, retrying with exponential backoff on top
// of the writer's own attempts.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	if topic == "" {
		return messaging.ErrEmptyTopic
	}
	return p.publish(ctx, topic, key, value, headers, time.Now())
}

func (p *Producer) publish(ctx context.Context, topic, key string, value []byte, headers map[string]string, at time.Time) error {
	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: toKafkaHeaders(headers),
		Time:    at,
	}

	logger := p.logger.WithFields(logrus.Fields{
		"topic":      topic,
		"key":        key,
		"message_id": headers[messaging.HeaderMessageID],
	})

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.baseBackoff
	policy.MaxInterval = 5 * time.Second

	attempt := 0
	operation := func() error {
		attempt++
		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		logger.WithError(err).WithField("attempt", attempt).Warn("Failed to publish message")
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(p.maxRetries)), ctx))
	if err != nil {
		p.metrics.IncPublishFailed()
		logger.WithError(err).Error("Giving up on message publish")
		return &messaging.RetryableError{
			Err: fmt.Errorf("failed to publish message after %d attempts: %w", attempt, err),
		}
	}

	p.metrics.IncPublished()
	logger.WithField("attempt", attempt).Debug("Message published successfully")
	return nil
}

// Close gracefully shuts down the producer
func (p *Producer) Close() error {
	p.logger.Info("Closing kafka producer")
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	return nil
}

func toKafkaHeaders(headers map[string]string) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func fromKafkaHeaders(headers []kafka.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
