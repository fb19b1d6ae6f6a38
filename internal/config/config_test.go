package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"messaging-core/pkg/messaging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func missingFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(missingFile(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"kafka"}, cfg.Brokers)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, -1, cfg.Kafka.RequiredAcks())
	assert.True(t, cfg.Kafka.Idempotent)
	assert.Equal(t, 5, cfg.Kafka.Workers)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.Retry.InitialInterval)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)
	assert.Equal(t, 10*time.Minute, cfg.Retry.MaxElapsedTime)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Equal(t, 100, cfg.Jobs.ProgressInterval)
	assert.Equal(t, 30*time.Minute, cfg.Jobs.HandlerTimeout)
	assert.Equal(t, 5*time.Second, cfg.Jobs.WriteTimeout)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("MESSAGING_BROKERS", "kafka,rabbitmq")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("KAFKA_CONSUMER_TOPICS", "unraveldocs-emails,unraveldocs-payments")
	t.Setenv("KAFKA_PRODUCER_ACKS", "1")
	t.Setenv("RABBITMQ_QUEUES", "user-events")
	t.Setenv("RABBITMQ_BINDINGS", "user-events:user.registered|user.deleted")
	t.Setenv("RABBITMQ_EXCHANGES", "user.registered:identity.exchange")
	t.Setenv("RABBITMQ_RETRY_DELAY", "2s")
	t.Setenv("RETRY_MAX_RETRIES", "5")

	cfg, err := Load(missingFile(t))
	require.NoError(t, err)

	types, err := cfg.EnabledBrokers()
	require.NoError(t, err)
	assert.Equal(t, []messaging.BrokerType{messaging.BrokerKafka, messaging.BrokerRabbitMQ}, types)

	assert.Equal(t, []string{"unraveldocs-emails", "unraveldocs-payments"}, cfg.Kafka.Topics)
	assert.Equal(t, 1, cfg.Kafka.RequiredAcks())
	assert.Equal(t, []string{"user.registered", "user.deleted"}, cfg.RabbitMQ.BindingKeys("user-events"))
	assert.Nil(t, cfg.RabbitMQ.BindingKeys("other"))
	assert.Equal(t, "identity.exchange", cfg.RabbitMQ.Exchanges["user.registered"])
	assert.Equal(t, 2*time.Second, cfg.RabbitMQ.RetryDelay)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("REDIS_ADDR=redis:6380\nLOG_LEVEL=debug\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("REDIS_ADDR")
		os.Unsetenv("LOG_LEVEL")
	})

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{name: "unknown broker", env: map[string]string{"MESSAGING_BROKERS": "sqs"}, wantErr: true},
		{name: "no broker", env: map[string]string{"MESSAGING_BROKERS": " "}, wantErr: true},
		{name: "negative retries", env: map[string]string{"RETRY_MAX_RETRIES": "-1"}, wantErr: true},
		{name: "shrinking backoff", env: map[string]string{"RETRY_MULTIPLIER": "0.5"}, wantErr: true},
		{name: "zero workers", env: map[string]string{"KAFKA_CONSUMER_WORKERS": "0"}, wantErr: true},
		{name: "bad jobs broker", env: map[string]string{"COUPON_JOBS_ENABLED": "true", "COUPON_JOBS_BROKER": "nats"}, wantErr: true},
		{name: "rabbit only", env: map[string]string{"MESSAGING_BROKERS": "rabbitmq"}, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(missingFile(t))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
