package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"messaging-core/internal/broker"
	"messaging-core/internal/config"
	"messaging-core/internal/jobs"
	"messaging-core/internal/kafka"
	"messaging-core/internal/observability"
	"messaging-core/internal/service"
	"messaging-core/pkg/messaging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRootCmd() *cobra.Command {
	var (
		envFile     string
		serviceName string
	)

	cmd := &cobra.Command{
		Use:          "consumer",
		Short:        "Consume the configured topics and queues with retry and dead-lettering",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, envFile, serviceName)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	cmd.Flags().StringVar(&serviceName, "service", "", "service name, used as the consumer group")
	return cmd
}

func run(ctx context.Context, envFile, serviceName string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	observability.InitLogger(observability.LogOptions{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	logger := observability.WithField("service", serviceName)
	logger.Info("Starting consumer")

	promRegistry := prometheus.NewRegistry()
	metrics := observability.NewPrometheusMetrics(promRegistry)

	reg, err := broker.Build(cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.WithError(err).Error("Failed to close brokers")
		}
	}()

	types, err := cfg.EnabledBrokers()
	if err != nil {
		return err
	}

	var consumers []messaging.Consumer
	defer func() {
		for _, c := range consumers {
			if err := c.Close(); err != nil {
				logger.WithError(err).Warn("Failed to close consumer")
			}
		}
	}()

	handler := newLogHandler(logger)
	for _, t := range types {
		destinations := destinationsFor(cfg, t)
		if len(destinations) == 0 {
			continue
		}
		c, err := reg.Subscribe(t, messaging.Subscription{Destinations: destinations, Group: serviceName}, handler)
		if err != nil {
			return err
		}
		consumers = append(consumers, c)
	}

	if cfg.Jobs.Enabled {
		c, err := subscribeJobs(cfg, reg, logger)
		if err != nil {
			return err
		}
		consumers = append(consumers, c)
	}

	g, gctx := errgroup.WithContext(ctx)

	if enabled(types, messaging.BrokerKafka) {
		client := kafka.NewKafkaClient(cfg.Kafka.Brokers, 5)
		if cfg.Kafka.AutoCreateTopics {
			topics := kafkaTopics(cfg)
			specs := kafka.TopicsWithRetry(cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor, topics...)
			if err := client.EnsureTopics(ctx, specs...); err != nil {
				logger.WithError(err).Warn("Failed to ensure kafka topics")
			}
		}
		g.Go(func() error {
			client.HealthCheckLoop(gctx, cfg.Kafka.HealthCheckInterval, nil)
			return nil
		})
	}

	for _, c := range consumers {
		c := c
		g.Go(func() error { return c.Start(gctx) })
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		logger.WithField("addr", cfg.Metrics.Addr).Info("Serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("Consumer stopped")
	return err
}

func enabled(types []messaging.BrokerType, t messaging.BrokerType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func destinationsFor(cfg *config.Config, t messaging.BrokerType) []string {
	switch t {
	case messaging.BrokerKafka:
		return cfg.Kafka.Topics
	case messaging.BrokerRabbitMQ:
		return cfg.RabbitMQ.Queues
	default:
		return nil
	}
}

// kafkaTopics is every base topic this process consumes from Kafka.
func kafkaTopics(cfg *config.Config) []string {
	topics := append([]string(nil), cfg.Kafka.Topics...)
	if cfg.Jobs.Enabled {
		if t, err := messaging.ParseBrokerType(cfg.Jobs.Broker); err == nil && t == messaging.BrokerKafka {
			topics = append(topics, cfg.Jobs.Topic)
		}
	}
	return topics
}

func subscribeJobs(cfg *config.Config, reg *broker.Registry, logger logrus.FieldLogger) (messaging.Consumer, error) {
	t, err := messaging.ParseBrokerType(cfg.Jobs.Broker)
	if err != nil {
		return nil, err
	}

	completion, _ := reg.ProducerIfAvailable(t)
	generator, err := service.NewCouponGenerator(service.CouponGeneratorConfig{
		Store:            newJobStore(cfg.Redis, reg, logger),
		ProgressInterval: cfg.Jobs.ProgressInterval,
		ProgressTTL:      cfg.Jobs.ProgressTTL,
		Completion:       completion,
		CompletionTopic:  cfg.Jobs.CompletionTopic,
		WriteTimeout:     cfg.Jobs.WriteTimeout,
		Logger:           logger.WithField("job", "coupon-generation"),
	})
	if err != nil {
		return nil, err
	}

	return reg.Subscribe(t, messaging.Subscription{
		Destinations:   []string{cfg.Jobs.Topic},
		Group:          cfg.Jobs.GroupID,
		HandlerTimeout: cfg.Jobs.HandlerTimeout,
	}, generator)
}

// newJobStore keeps progress in Redis. Without a Redis address progress only
// lives as long as this process.
func newJobStore(cfg config.RedisConfig, reg *broker.Registry, logger logrus.FieldLogger) jobs.Store {
	if cfg.Addr == "" {
		logger.Warn("REDIS_ADDR is empty, job progress is kept in memory")
		return jobs.NewMemoryStore()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	reg.OnClose(client.Close)
	return jobs.NewRedisStore(client)
}
