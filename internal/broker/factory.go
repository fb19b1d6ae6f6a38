package broker

import (
	"context"
	"errors"
	"fmt"

	"messaging-core/internal/config"
	"messaging-core/internal/kafka"
	"messaging-core/internal/observability"
	"messaging-core/internal/rabbitmq"
	"messaging-core/internal/retry"
	"messaging-core/pkg/messaging"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Build creates a registry holding a producer and a consumer factory for
// every enabled backend. With a nil metrics each backend counts in memory.
func Build(cfg *config.Config, logger logrus.FieldLogger, metrics *observability.PrometheusMetrics) (*Registry, error) {
	if cfg == nil {
		return nil, &messaging.NilReferenceError{Name: "config"}
	}
	if logger == nil {
		logger = observability.GetLogger()
	}

	types, err := cfg.EnabledBrokers()
	if err != nil {
		return nil, err
	}

	reg := NewRegistry(logger)
	for _, t := range types {
		collector := collectorFor(metrics, t)
		brokerLogger := logger.WithField("broker", t.String())

		var err error
		switch t {
		case messaging.BrokerKafka:
			err = buildKafka(reg, cfg, brokerLogger, collector)
		case messaging.BrokerRabbitMQ:
			err = buildRabbitMQ(reg, cfg, brokerLogger, collector)
		default:
			err = &messaging.UnsupportedBrokerError{Type: t}
		}
		if err != nil {
			_ = reg.Close()
			return nil, fmt.Errorf("build %s: %w", t, err)
		}
	}
	return reg, nil
}

func collectorFor(metrics *observability.PrometheusMetrics, t messaging.BrokerType) observability.MetricsCollector {
	if metrics == nil {
		return observability.NewInMemoryMetrics()
	}
	return metrics.ForBroker(t.String())
}

func backoffConfig(cfg config.RetryConfig) retry.BackoffConfig {
	return retry.BackoffConfig{
		InitialInterval:     cfg.InitialInterval,
		Multiplier:          cfg.Multiplier,
		MaxInterval:         cfg.MaxInterval,
		MaxElapsedTime:      cfg.MaxElapsedTime,
		RandomizationFactor: cfg.RandomizationFactor,
	}
}

func buildKafka(reg *Registry, cfg *config.Config, logger logrus.FieldLogger, metrics observability.MetricsCollector) error {
	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.Kafka.Brokers,
		Acks:         cfg.Kafka.RequiredAcks(),
		Retries:      cfg.Kafka.Retries,
		Idempotent:   cfg.Kafka.Idempotent,
		Compression:  cfg.Kafka.Compression,
		BatchTimeout: cfg.Kafka.BatchTimeout,
		MaxRetries:   cfg.Kafka.Retries,
		Metrics:      metrics,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	reg.Register(producer)

	reg.RegisterConsumerFactory(messaging.BrokerKafka, func(sub messaging.Subscription, handler messaging.Handler) (messaging.Consumer, error) {
		return newKafkaSubscription(cfg, sub, handler, producer, metrics, logger)
	})
	return nil
}

// newKafkaSubscription consumes sub.Destinations and, in a second group, their
// retry topics. The retry topics are drained by a Redeliverer which holds
// each message for its backoff delay before republishing it.
func newKafkaSubscription(cfg *config.Config, sub messaging.Subscription, handler messaging.Handler, producer *kafka.Producer, metrics observability.MetricsCollector, logger logrus.FieldLogger) (messaging.Consumer, error) {
	group := sub.Group
	if group == "" {
		group = cfg.Kafka.GroupID
	}
	workers := sub.Workers
	if workers == 0 {
		workers = cfg.Kafka.Workers
	}
	handlerTimeout := sub.HandlerTimeout
	if handlerTimeout == 0 {
		handlerTimeout = cfg.Kafka.HandlerTimeout
	}

	router, err := retry.NewRouter(retry.RouterConfig{
		MaxRetries: cfg.Retry.MaxRetries,
		Routes:     retry.KafkaRoutes(sub.Destinations...),
		Publisher:  producer,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	primary, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:        cfg.Kafka.Brokers,
		Topics:         sub.Destinations,
		GroupID:        group,
		Workers:        workers,
		HandlerTimeout: handlerTimeout,
		FetchMinBytes:  cfg.Kafka.FetchMinBytes,
		FetchMaxBytes:  cfg.Kafka.FetchMaxBytes,
		Metrics:        metrics,
		Logger:         logger,
	}, handler, router)
	if err != nil {
		return nil, err
	}

	redeliverer, err := retry.NewRedeliverer(retry.RedelivererConfig{
		Backoff:   backoffConfig(cfg.Retry),
		Publisher: producer,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		_ = primary.Close()
		return nil, err
	}

	retryTopics := make([]string, 0, len(sub.Destinations))
	for _, topic := range sub.Destinations {
		retryTopics = append(retryTopics, retry.RetryTopic(topic))
	}
	redelivery, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: cfg.Kafka.Brokers,
		Topics:  retryTopics,
		GroupID: group + "-retry",
		Workers: workers,
		// a held message must never be cut off by the handler timeout
		HandlerTimeout: redeliverer.MaxWait() + handlerTimeout,
		FetchMinBytes:  cfg.Kafka.FetchMinBytes,
		FetchMaxBytes:  cfg.Kafka.FetchMaxBytes,
		Metrics:        metrics,
		Logger:         logger.WithField("role", "redelivery"),
	}, redeliverer, router)
	if err != nil {
		_ = primary.Close()
		return nil, err
	}

	return &consumerGroup{
		consumers:  []messaging.Consumer{primary, redelivery},
		onShutdown: redeliverer.Stop,
	}, nil
}

func buildRabbitMQ(reg *Registry, cfg *config.Config, logger logrus.FieldLogger, metrics observability.MetricsCollector) error {
	topology := rabbitTopology(cfg)

	producer, err := rabbitmq.NewProducer(rabbitmq.ProducerConfig{
		URL:              cfg.RabbitMQ.URL,
		Topology:         topology,
		ReconnectBackoff: cfg.RabbitMQ.ReconnectBackoff,
		MaxReconnectWait: cfg.RabbitMQ.MaxReconnectWait,
		RetryDelay:       backoffConfig(cfg.Retry).Delay,
		Metrics:          metrics,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	reg.Register(producer)

	router, err := retry.NewRouter(retry.RouterConfig{
		MaxRetries: cfg.Retry.MaxRetries,
		Routes:     topology.Routes(),
		Publisher:  producer,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	reg.RegisterConsumerFactory(messaging.BrokerRabbitMQ, func(sub messaging.Subscription, handler messaging.Handler) (messaging.Consumer, error) {
		workers := sub.Workers
		if workers == 0 {
			workers = cfg.RabbitMQ.Workers
		}
		handlerTimeout := sub.HandlerTimeout
		if handlerTimeout == 0 {
			handlerTimeout = cfg.RabbitMQ.HandlerTimeout
		}
		tag := cfg.RabbitMQ.ConsumerTag
		if sub.Group != "" {
			tag = sub.Group
		}

		session := rabbitmq.NewSession(rabbitmq.SessionConfig{
			URL:              cfg.RabbitMQ.URL,
			ReconnectBackoff: cfg.RabbitMQ.ReconnectBackoff,
			MaxReconnectWait: cfg.RabbitMQ.MaxReconnectWait,
			Logger:           logger,
		})
		consumer, err := rabbitmq.NewConsumer(session, rabbitmq.ConsumerConfig{
			Queues:           sub.Destinations,
			Topology:         topology,
			ConsumerTag:      tag,
			PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
			Workers:          workers,
			HandlerTimeout:   handlerTimeout,
			ReconnectBackoff: cfg.RabbitMQ.ReconnectBackoff,
			Metrics:          metrics,
			Logger:           logger,
		}, handler, router)
		if err != nil {
			return nil, err
		}
		return consumer, nil
	})
	return nil
}

// rabbitTopology describes every configured queue, plus the job queue when
// jobs run on RabbitMQ.
func rabbitTopology(cfg *config.Config) *rabbitmq.Topology {
	queues := append([]string(nil), cfg.RabbitMQ.Queues...)
	if cfg.Jobs.Enabled && cfg.Jobs.Topic != "" {
		if t, err := messaging.ParseBrokerType(cfg.Jobs.Broker); err == nil && t == messaging.BrokerRabbitMQ {
			queues = append(queues, cfg.Jobs.Topic)
		}
	}

	topology := &rabbitmq.Topology{Exchanges: cfg.RabbitMQ.Exchanges}
	seen := make(map[string]bool, len(queues))
	for _, queue := range queues {
		if queue == "" || seen[queue] {
			continue
		}
		seen[queue] = true
		topology.Queues = append(topology.Queues, rabbitmq.QueueSpec{
			Queue:       queue,
			BindingKeys: cfg.RabbitMQ.BindingKeys(queue),
			RetryDelay:  cfg.RabbitMQ.RetryDelay,
		})
	}
	return topology
}

// consumerGroup runs several consumers as one. onShutdown runs as soon as
// the group's context ends, before the members finish draining.
type consumerGroup struct {
	consumers  []messaging.Consumer
	onShutdown func()
}

func (g *consumerGroup) Start(ctx context.Context) error {
	eg, gctx := errgroup.WithContext(ctx)
	for _, c := range g.consumers {
		c := c
		eg.Go(func() error { return c.Start(gctx) })
	}

	finished := make(chan struct{})
	go func() {
		select {
		case <-gctx.Done():
			if g.onShutdown != nil {
				g.onShutdown()
			}
		case <-finished:
		}
	}()

	err := eg.Wait()
	close(finished)
	return err
}

func (g *consumerGroup) Close() error {
	var errs []error
	for _, c := range g.consumers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
