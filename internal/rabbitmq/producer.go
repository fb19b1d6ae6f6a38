package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"messaging-core/internal/observability"
	"messaging-core/pkg/messaging"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ErrNotConfirmed is returned when the broker nacks a publish.
var ErrNotConfirmed = errors.New("publish not confirmed by broker")

type ProducerConfig struct {
	URL              string
	Topology         *Topology
	MaxRetries       int
	BaseBackoff      time.Duration
	ReconnectBackoff time.Duration
	MaxReconnectWait time.Duration
	// RetryDelay, when set, gives each message published to a retry queue
	// its own expiration from its retry count. The queue TTL still caps it.
	RetryDelay func(retryCount int) time.Duration
	Metrics    observability.MetricsCollector
	Logger     logrus.FieldLogger
}

// Producer implements messaging.Producer over a confirm-mode channel.
// Topics are routing keys; the exchange comes from the topology.
type Producer struct {
	channels    channelSource
	topology    *Topology
	logger      logrus.FieldLogger
	metrics     observability.MetricsCollector
	maxRetries  int
	baseBackoff time.Duration
	retryDelay  func(retryCount int) time.Duration

	mu       sync.Mutex
	declared map[string]bool
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if cfg.URL == "" {
		return nil, &messaging.InvalidArgumentError{Argument: "URL", Reason: "rabbitmq url is required"}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}
	session := NewSession(SessionConfig{
		URL:              cfg.URL,
		Confirm:          true,
		ReconnectBackoff: cfg.ReconnectBackoff,
		MaxReconnectWait: cfg.MaxReconnectWait,
		Logger:           cfg.Logger,
	})
	return newProducer(session, cfg), nil
}

func newProducer(channels channelSource, cfg ProducerConfig) *Producer {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}
	if cfg.Topology == nil {
		cfg.Topology = &Topology{}
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	return &Producer{
		channels:    channels,
		topology:    cfg.Topology,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
		retryDelay:  cfg.RetryDelay,
		declared:    make(map[string]bool),
	}
}

func (p *Producer) BrokerType() messaging.BrokerType {
	return messaging.BrokerRabbitMQ
}

// Send publishes msg on its own goroutine. Results never carry a partition
// or an offset.
func (p *Producer) Send(ctx context.Context, msg messaging.Envelope) *messaging.Future {
	if msg.Topic() == "" {
		return messaging.Completed(messaging.Failed(msg.ID(), "", messaging.ErrEmptyTopic))
	}
	return messaging.Async(ctx, msg, func(ctx context.Context) messaging.SendResult {
		return p.send(ctx, msg)
	})
}

// SendAndWait publishes msg and blocks until the broker confirms it.
func (p *Producer) SendAndWait(ctx context.Context, msg messaging.Envelope) (messaging.SendResult, error) {
	result := p.Send(ctx, msg).Await(ctx)
	if !result.Success {
		return result, &messaging.SendError{
			Broker:    messaging.BrokerRabbitMQ,
			Topic:     msg.Topic(),
			MessageID: msg.ID(),
			Err:       result.Err,
		}
	}
	return result, nil
}

func (p *Producer) send(ctx context.Context, msg messaging.Envelope) messaging.SendResult {
	body, err := messaging.Encode(msg)
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

	publishing := amqp.Publishing{
		Headers:       toTable(headers),
		ContentType:   contentType(msg.Value()),
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.ID(),
		CorrelationId: msg.Key(),
		Timestamp:     msg.Timestamp(),
		Body:          body,
	}

	if err := p.publish(ctx, msg.Topic(), publishing); err != nil {
		return messaging.Failed(msg.ID(), msg.Topic(), err)
	}
	return messaging.Succeeded(msg.ID(), msg.Topic(), nil, nil)
}

// Publish sends raw bytes to destination. It is the republish path of the
// retry router, so retry queues and dead-letter queues resolve through the
// topology.
func (p *Producer) Publish(ctx context.Context, destination, key string, value []byte, headers map[string]string) error {
	if destination == "" {
		return messaging.ErrEmptyTopic
	}
	publishing := amqp.Publishing{
		Headers:       toTable(headers),
		ContentType:   "application/octet-stream",
		DeliveryMode:  amqp.Persistent,
		MessageId:     headers[messaging.HeaderMessageID],
		CorrelationId: key,
		Timestamp:     time.Now(),
		Body:          value,
	}
	if spec, ok := p.topology.retryQueue(destination); ok && p.retryDelay != nil {
		publishing.Expiration = expiration(p.retryDelay(messaging.GetRetryCount(headers)), spec.RetryDelay)
	}
	return p.publish(ctx, destination, publishing)
}

// expiration renders delay, capped at ceiling, as an AMQP expiration in
// milliseconds.
func expiration(delay, ceiling time.Duration) string {
	if ceiling > 0 && delay > ceiling {
		delay = ceiling
	}
	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	return strconv.FormatInt(delay.Milliseconds(), 10)
}

func (p *Producer) publish(ctx context.Context, destination string, publishing amqp.Publishing) error {
	exchange, routingKey := p.topology.resolve(destination)

	logger := p.logger.WithFields(logrus.Fields{
		"exchange":    exchange,
		"routing_key": routingKey,
		"message_id":  publishing.MessageId,
	})

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.baseBackoff
	policy.MaxInterval = 5 * time.Second

	attempt := 0
	operation := func() error {
		attempt++
		err := p.publishOnce(ctx, exchange, routingKey, publishing)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, amqp.ErrClosed) {
			p.channels.Invalidate()
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
	logger.Debug("Message published and confirmed")
	return nil
}

func (p *Producer) publishOnce(ctx context.Context, exchange, routingKey string, publishing amqp.Publishing) error {
	ch, err := p.channels.Channel(ctx)
	if err != nil {
		return err
	}
	if err := p.ensureExchange(ch, exchange); err != nil {
		return err
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, publishing)
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}
	// nil when the channel is not in confirm mode
	if confirmation == nil {
		return nil
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait for confirm: %w", err)
	}
	if !acked {
		return ErrNotConfirmed
	}
	return nil
}

// ensureExchange declares exchange once per producer. The default exchange
// always exists.
func (p *Producer) ensureExchange(ch amqpChannel, exchange string) error {
	if exchange == "" {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.declared[exchange] {
		return nil
	}

	kind := exchangeKindTopic
	if strings.HasSuffix(exchange, ".dlx") {
		kind = exchangeKindDirect
	}
	if err := ch.ExchangeDeclare(exchange, kind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	p.declared[exchange] = true
	return nil
}

// Close gracefully shuts down the producer
func (p *Producer) Close() error {
	p.logger.Info("Closing rabbitmq producer")
	if err := p.channels.Close(); err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	return nil
}

func contentType(v any) string {
	switch v.(type) {
	case []byte:
		return "application/octet-stream"
	case string:
		return "text/plain"
	default:
		return "application/json"
	}
}

func toTable(headers map[string]string) amqp.Table {
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}
	return table
}

// fromTable keeps scalar header values as strings. Nested tables such as
// x-death are dropped.
func fromTable(table amqp.Table) map[string]string {
	out := make(map[string]string, len(table))
	for k, v := range table {
		switch val := v.(type) {
		case string:
			out[k] = val
		case []byte:
			out[k] = string(val)
		case bool, int, int8, int16, int32, int64, uint8, uint16, uint32, uint64, float32, float64:
			out[k] = fmt.Sprint(val)
		case time.Time:
			out[k] = messaging.FormatTimestamp(val)
		}
	}
	return out
}
