package kafka

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"sync"
	"time"

	"messaging-core/internal/observability"
	"messaging-core/internal/retry"
	"messaging-core/pkg/messaging"

	"github.com/cenkalti/backoff/v4"
	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// messageReader is the subset of *kafka.Reader the consumer depends on.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer implements messaging.Consumer with a fixed worker pool. Offsets
// are committed only after the handler succeeded or the router has
// republished the message.
type Consumer struct {
	reader         messageReader
	handler        messaging.Handler
	router         retry.FailureRouter
	logger         logrus.FieldLogger
	metrics        observability.MetricsCollector
	workers        int
	handlerTimeout time.Duration
	fetchBackoff   time.Duration
	wg             sync.WaitGroup
}

type ConsumerConfig struct {
	Brokers        []string
	Topics         []string
	GroupID        string
	Workers        int
	HandlerTimeout time.Duration
	FetchMinBytes  int
	FetchMaxBytes  int
	// StartOffset applies to groups without a committed offset.
	// Defaults to kafka.FirstOffset.
	StartOffset int64
	Metrics     observability.MetricsCollector
	Logger      logrus.FieldLogger
}

func NewConsumer(cfg ConsumerConfig, handler messaging.Handler, router retry.FailureRouter) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, &messaging.InvalidArgumentError{Argument: "Brokers", Reason: "at least one broker is required"}
	}
	if len(cfg.Topics) == 0 {
		return nil, &messaging.InvalidArgumentError{Argument: "Topics", Reason: "at least one topic is required"}
	}
	if cfg.GroupID == "" {
		return nil, &messaging.InvalidArgumentError{Argument: "GroupID", Reason: "consumer group is required"}
	}
	if cfg.StartOffset == 0 {
		cfg.StartOffset = kafka.FirstOffset
	}
	if cfg.FetchMinBytes == 0 {
		cfg.FetchMinBytes = 1
	}
	if cfg.FetchMaxBytes == 0 {
		cfg.FetchMaxBytes = 10e6
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		GroupTopics:    cfg.Topics,
		MinBytes:       cfg.FetchMinBytes,
		MaxBytes:       cfg.FetchMaxBytes,
		CommitInterval: 0, // Manual commits
		StartOffset:    cfg.StartOffset,
	})

	return newConsumer(reader, cfg, handler, router)
}

func newConsumer(reader messageReader, cfg ConsumerConfig, handler messaging.Handler, router retry.FailureRouter) (*Consumer, error) {
	if handler == nil {
		return nil, &messaging.NilReferenceError{Name: "handler"}
	}
	if router == nil {
		return nil, &messaging.NilReferenceError{Name: "failure router"}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}
	if cfg.Workers == 0 {
		cfg.Workers = 5
	}
	if cfg.HandlerTimeout == 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}

	return &Consumer{
		reader:         reader,
		handler:        handler,
		router:         router,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		workers:        cfg.Workers,
		handlerTimeout: cfg.HandlerTimeout,
		fetchBackoff:   time.Second,
	}, nil
}

// Start consumes until ctx ends. The fetcher stops first; workers then drain
// what was already fetched before Start returns.
//
// Every partition is pinned to one worker, so its messages are handled and
// committed in offset order.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.WithField("workers", c.workers).Info("Starting kafka consumer")

	queues := make([]chan kafka.Message, c.workers)
	var workers sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan kafka.Message, 2)
		workers.Add(1)
		c.wg.Add(1)
		go func(id int) {
			defer workers.Done()
			c.worker(ctx, id, queues[id])
		}(i)
	}

	c.wg.Add(1)
	go c.fetcher(ctx, queues)

	workers.Wait()
	c.logger.Info("Kafka consumer stopped")
	return nil
}

// fetcher reads messages from Kafka and hands each to its partition's worker.
func (c *Consumer) fetcher(ctx context.Context, queues []chan kafka.Message) {
	defer c.wg.Done()
	defer func() {
		for _, q := range queues {
			close(q)
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				c.logger.Info("Fetcher stopping")
				return
			}
			c.logger.WithError(err).Error("Failed to fetch message")
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.fetchBackoff):
			}
			continue
		}

		c.metrics.IncReceived()

		// blocking send: a fetched message is never dropped
		queues[workerFor(msg, len(queues))] <- msg
	}
}

func workerFor(msg kafka.Message, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(msg.Topic))
	h.Write([]byte{byte(msg.Partition >> 24), byte(msg.Partition >> 16), byte(msg.Partition >> 8), byte(msg.Partition)})
	return int(h.Sum32() % uint32(workers))
}

type topicPartition struct {
	topic     string
	partition int
}

// worker processes messages until the fetcher closes its queue. Once a
// message of a partition could not be routed, later messages of that
// partition are left uncommitted so the group resumes at the stuck offset.
func (c *Consumer) worker(ctx context.Context, id int, queue <-chan kafka.Message) {
	defer c.wg.Done()
	c.logger.WithField("worker_id", id).Debug("Worker started")

	stalled := make(map[topicPartition]int64)
	for msg := range queue {
		tp := topicPartition{topic: msg.Topic, partition: msg.Partition}
		if at, ok := stalled[tp]; ok {
			c.logger.WithFields(logrus.Fields{
				"topic":      msg.Topic,
				"partition":  msg.Partition,
				"offset":     msg.Offset,
				"stalled_at": at,
				"worker_id":  id,
			}).Warn("Partition stalled, skipping message until restart")
			continue
		}
		if !c.processMessage(ctx, msg, id) {
			stalled[tp] = msg.Offset
		}
	}
	c.logger.WithField("worker_id", id).Debug("Worker stopping - channel closed")
}

// processMessage runs the handler and routes failures before committing. It
// reports false when the offset had to be left uncommitted.
func (c *Consumer) processMessage(ctx context.Context, kafkaMsg kafka.Message, workerID int) bool {
	d := toDelivery(kafkaMsg)

	logger := c.logger.WithFields(logrus.Fields{
		"topic":      kafkaMsg.Topic,
		"partition":  kafkaMsg.Partition,
		"offset":     kafkaMsg.Offset,
		"message_id": d.ID,
		"worker_id":  workerID,
	})

	err := c.invoke(ctx, d)
	if err == nil {
		c.metrics.IncProcessed()
		logger.Debug("Message processed successfully")
		c.commitMessage(kafkaMsg, logger)
		return true
	}

	c.metrics.IncFailed()
	logger.WithError(err).Warn("Message processing failed")

	if err := c.routeFailure(ctx, d, err, logger); err != nil {
		logger.WithError(err).Error("Failed to route message, leaving offset uncommitted")
		return false
	}
	c.commitMessage(kafkaMsg, logger)
	return true
}

// invoke runs the handler detached from consumer shutdown, bounded by the
// handler timeout.
func (c *Consumer) invoke(ctx context.Context, d *messaging.Delivery) error {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.handlerTimeout)
	defer cancel()
	return messaging.Invoke(hctx, c.handler, d)
}

// routeFailure hands the failure to the router, retrying while the
// dead-letter destination is unreachable.
func (c *Consumer) routeFailure(ctx context.Context, d *messaging.Delivery, cause error, logger logrus.FieldLogger) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 2 * time.Minute

	return backoff.Retry(func() error {
		outcome, err := c.router.Route(context.WithoutCancel(ctx), d, cause)
		if err != nil {
			if !retry.IsDeadLetterFailure(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		logger.WithField("outcome", outcome.String()).Debug("Failure routed")
		return nil
	}, backoff.WithContext(policy, ctx))
}

// commitMessage commits the message offset
func (c *Consumer) commitMessage(msg kafka.Message, logger logrus.FieldLogger) {
	if err := c.reader.CommitMessages(context.Background(), msg); err != nil {
		logger.WithError(err).Error("Failed to commit message")
	}
}

// toDelivery converts a Kafka message to the broker-neutral delivery.
func toDelivery(kafkaMsg kafka.Message) *messaging.Delivery {
	headers := fromKafkaHeaders(kafkaMsg.Headers)

	id := headers[messaging.HeaderMessageID]
	if id == "" {
		id = fmt.Sprintf("%s-%d-%d", kafkaMsg.Topic, kafkaMsg.Partition, kafkaMsg.Offset)
	}

	partition, offset := kafkaMsg.Partition, kafkaMsg.Offset
	return &messaging.Delivery{
		ID:        id,
		Source:    kafkaMsg.Topic,
		Topic:     kafkaMsg.Topic,
		Key:       string(kafkaMsg.Key),
		Value:     kafkaMsg.Value,
		Headers:   headers,
		Timestamp: kafkaMsg.Time,
		Partition: &partition,
		Offset:    &offset,
	}
}

// Close waits for the worker pool and closes the reader.
func (c *Consumer) Close() error {
	c.logger.Info("Closing kafka consumer")
	c.wg.Wait()
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("failed to close consumer: %w", err)
	}
	return nil
}
