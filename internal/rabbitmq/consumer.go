package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"messaging-core/internal/observability"
	"messaging-core/internal/retry"
	"messaging-core/pkg/messaging"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

var errDeliveriesClosed = errors.New("delivery channel closed by broker")

type ConsumerConfig struct {
	// Queues are consumed together; each must be described by Topology.
	Queues         []string
	Topology       *Topology
	ConsumerTag    string
	PrefetchCount  int
	Workers        int
	HandlerTimeout time.Duration
	// ReconnectBackoff is the pause before re-subscribing after the broker
	// closed the channel.
	ReconnectBackoff time.Duration
	Metrics          observability.MetricsCollector
	Logger           logrus.FieldLogger
}

// Consumer implements messaging.Consumer with manual acknowledgement.
// A delivery is acked after its handler succeeded or after the router has
// republished it, and nacked without requeue when even dead-lettering failed
// so the queue's own dead-letter exchange takes it.
type Consumer struct {
	channels         channelSource
	topology         *Topology
	queues           []QueueSpec
	handler          messaging.Handler
	router           retry.FailureRouter
	logger           logrus.FieldLogger
	metrics          observability.MetricsCollector
	tag              string
	prefetch         int
	workers          int
	handlerTimeout   time.Duration
	reconnectBackoff time.Duration
}

type inbound struct {
	queue    string
	delivery amqp.Delivery
}

func NewConsumer(session *Session, cfg ConsumerConfig, handler messaging.Handler, router retry.FailureRouter) (*Consumer, error) {
	if session == nil {
		return nil, &messaging.NilReferenceError{Name: "session"}
	}
	return newConsumer(session, cfg, handler, router)
}

func newConsumer(channels channelSource, cfg ConsumerConfig, handler messaging.Handler, router retry.FailureRouter) (*Consumer, error) {
	if handler == nil {
		return nil, &messaging.NilReferenceError{Name: "handler"}
	}
	if router == nil {
		return nil, &messaging.NilReferenceError{Name: "failure router"}
	}
	if len(cfg.Queues) == 0 {
		return nil, &messaging.InvalidArgumentError{Argument: "Queues", Reason: "at least one queue is required"}
	}
	if cfg.Topology == nil {
		cfg.Topology = &Topology{}
	}

	specs := make([]QueueSpec, 0, len(cfg.Queues))
	for _, q := range cfg.Queues {
		spec, ok := cfg.Topology.Queue(q)
		if !ok {
			return nil, &messaging.InvalidArgumentError{Argument: "Queues", Reason: fmt.Sprintf("queue %q is not in the topology", q)}
		}
		specs = append(specs, spec)
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
	if cfg.PrefetchCount == 0 {
		cfg.PrefetchCount = cfg.Workers * 2
	}
	if cfg.HandlerTimeout == 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = time.Second
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "messaging-core"
	}

	return &Consumer{
		channels:         channels,
		topology:         cfg.Topology,
		queues:           specs,
		handler:          handler,
		router:           router,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		tag:              cfg.ConsumerTag,
		prefetch:         cfg.PrefetchCount,
		workers:          cfg.Workers,
		handlerTimeout:   cfg.HandlerTimeout,
		reconnectBackoff: cfg.ReconnectBackoff,
	}, nil
}

// Start consumes until ctx ends, re-subscribing when the broker drops the
// channel. On shutdown the consumer tags are cancelled first, then in-flight
// deliveries finish before Start returns.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.WithFields(logrus.Fields{
		"workers":  c.workers,
		"prefetch": c.prefetch,
	}).Info("Starting rabbitmq consumer")

	for {
		err := c.consumeOnce(ctx)
		if ctx.Err() != nil {
			c.logger.Info("RabbitMQ consumer stopped")
			return nil
		}
		c.logger.WithError(err).Warn("RabbitMQ subscription lost, re-subscribing")
		c.channels.Invalidate()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnectBackoff):
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context) error {
	ch, err := c.channels.Channel(ctx)
	if err != nil {
		return err
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	work := make(chan inbound)
	var workers sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		workers.Add(1)
		go func(id int) {
			defer workers.Done()
			for in := range work {
				c.processDelivery(ctx, in, id)
			}
		}(i)
	}

	var forwarders sync.WaitGroup
	tags := make([]string, 0, len(c.queues))
	drain := func() {
		forwarders.Wait()
		close(work)
		workers.Wait()
	}

	for i, spec := range c.queues {
		if err := c.topology.Declare(ch, spec); err != nil {
			c.cancelAll(ch, tags)
			drain()
			return err
		}

		tag := fmt.Sprintf("%s-%s-%d", c.tag, spec.Queue, i)
		deliveries, err := ch.Consume(spec.Queue, tag, false, false, false, false, nil)
		if err != nil {
			c.cancelAll(ch, tags)
			drain()
			return fmt.Errorf("consume %s: %w", spec.Queue, err)
		}
		tags = append(tags, tag)

		forwarders.Add(1)
		go func(queue string, deliveries <-chan amqp.Delivery) {
			defer forwarders.Done()
			for d := range deliveries {
				c.metrics.IncReceived()
				work <- inbound{queue: queue, delivery: d}
			}
		}(spec.Queue, deliveries)
	}

	forwardersDone := make(chan struct{})
	go func() {
		forwarders.Wait()
		close(forwardersDone)
	}()

	select {
	case <-ctx.Done():
		// stop the broker pushing more; the delivery channels close once
		// it has confirmed the cancel
		c.cancelAll(ch, tags)
	case <-forwardersDone:
	}
	drain()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errDeliveriesClosed
}

func (c *Consumer) cancelAll(ch amqpChannel, tags []string) {
	for _, tag := range tags {
		if err := ch.Cancel(tag, false); err != nil {
			c.logger.WithError(err).WithField("consumer_tag", tag).Warn("Failed to cancel consumer")
		}
	}
}

func (c *Consumer) processDelivery(ctx context.Context, in inbound, workerID int) {
	d := toDelivery(in.queue, in.delivery)

	logger := c.logger.WithFields(logrus.Fields{
		"queue":        in.queue,
		"routing_key":  in.delivery.RoutingKey,
		"delivery_tag": in.delivery.DeliveryTag,
		"message_id":   d.ID,
		"worker_id":    workerID,
	})

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.handlerTimeout)
	err := messaging.Invoke(hctx, c.handler, d)
	cancel()

	if err == nil {
		c.metrics.IncProcessed()
		logger.Debug("Message processed successfully")
		c.ack(in.delivery, logger)
		return
	}

	c.metrics.IncFailed()
	logger.WithError(err).Warn("Message processing failed")

	outcome, routeErr := c.router.Route(context.WithoutCancel(ctx), d, err)
	if routeErr != nil {
		logger.WithError(routeErr).Error("Failed to route message, rejecting to broker dead-letter exchange")
		if nackErr := in.delivery.Nack(false, false); nackErr != nil {
			logger.WithError(nackErr).Error("Failed to nack message")
		}
		return
	}
	logger.WithField("outcome", outcome.String()).Debug("Failure routed")
	c.ack(in.delivery, logger)
}

func (c *Consumer) ack(d amqp.Delivery, logger logrus.FieldLogger) {
	if err := d.Ack(false); err != nil {
		logger.WithError(err).Error("Failed to ack message")
	}
}

// toDelivery converts an AMQP delivery to the broker-neutral delivery.
func toDelivery(queue string, ad amqp.Delivery) *messaging.Delivery {
	headers := fromTable(ad.Headers)

	id := ad.MessageId
	if id == "" {
		id = headers[messaging.HeaderMessageID]
	}
	if _, ok := headers[messaging.HeaderMessageID]; !ok && id != "" {
		headers[messaging.HeaderMessageID] = id
	}

	return &messaging.Delivery{
		ID:          id,
		Source:      queue,
		Topic:       ad.RoutingKey,
		Key:         ad.CorrelationId,
		Value:       ad.Body,
		Headers:     headers,
		Timestamp:   ad.Timestamp,
		Redelivered: ad.Redelivered,
	}
}

// Close releases the consumer's channel.
func (c *Consumer) Close() error {
	c.logger.Info("Closing rabbitmq consumer")
	if err := c.channels.Close(); err != nil {
		return fmt.Errorf("failed to close consumer: %w", err)
	}
	return nil
}
