package kafka

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"messaging-core/internal/observability"
	"messaging-core/pkg/messaging"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProducer(w *MockWriter, metrics observability.MetricsCollector) *Producer {
	p := newProducer(w, ProducerConfig{
		MaxRetries:  2,
		BaseBackoff: time.Millisecond,
		Metrics:     metrics,
		Logger:      observability.NopLogger(),
	})
	w.Completion = p.complete
	return p
}

func TestProducer_SendReportsPartitionAndOffset(t *testing.T) {
	writer := NewMockWriter(3)
	metrics := observability.NewInMemoryMetrics()
	producer := newTestProducer(writer, metrics)

	msg := messaging.OfKeyed(map[string]string{"to": "a@b.c"}, "unraveldocs-emails", "user-1")
	result, err := producer.SendAndWait(context.Background(), msg)

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, msg.ID(), result.MessageID)
	assert.Equal(t, "unraveldocs-emails", result.Topic)
	require.NotNil(t, result.Partition)
	require.NotNil(t, result.Offset)
	assert.Equal(t, len("user-1")%3, *result.Partition)
	assert.Equal(t, int64(0), *result.Offset)
	assert.Equal(t, int64(1), metrics.GetPublished())

	second, err := producer.SendAndWait(context.Background(), msg.WithTopic("unraveldocs-emails"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), *second.Offset)
}

func TestProducer_SendWritesHeadersAndPayload(t *testing.T) {
	writer := NewMockWriter(1)
	producer := newTestProducer(writer, nil)

	msg := messaging.OfWithHeaders("hello", "emails", map[string]string{"tenant": "acme"})
	result := producer.Send(context.Background(), msg).Await(context.Background())
	require.True(t, result.Success)

	written := writer.Messages()
	require.Len(t, written, 1)
	assert.Equal(t, "emails", written[0].Topic)
	assert.Equal(t, []byte("hello"), written[0].Value)

	headers := fromKafkaHeaders(written[0].Headers)
	assert.Equal(t, msg.ID(), headers[messaging.HeaderMessageID])
	assert.Equal(t, "acme", headers["tenant"])
	assert.NotEmpty(t, headers[messaging.HeaderMessageTimestamp])
}

func TestProducer_EmptyTopic(t *testing.T) {
	writer := NewMockWriter(1)
	producer := newTestProducer(writer, nil)

	msg := messaging.Of("hello", "")
	result, ok := producer.Send(context.Background(), msg).Result()
	require.True(t, ok, "empty topic must fail without waiting")
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, messaging.ErrEmptyTopic)

	_, err := producer.SendAndWait(context.Background(), msg)
	var sendErr *messaging.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, messaging.BrokerKafka, sendErr.Broker)
	assert.ErrorIs(t, err, messaging.ErrEmptyTopic)
	assert.Empty(t, writer.Messages())
}

func TestProducer_PublishWithRetries(t *testing.T) {
	writer := NewMockWriter(1)
	writer.FailCount = 2
	metrics := observability.NewInMemoryMetrics()
	producer := newTestProducer(writer, metrics)

	err := producer.Publish(context.Background(), "test-topic", "test-key", []byte("test-value"), nil)

	assert.NoError(t, err)
	assert.Len(t, writer.Messages(), 1)
	assert.Equal(t, int64(1), metrics.GetPublished())
}

func TestProducer_PublishExceedsMaxRetries(t *testing.T) {
	writer := NewMockWriter(1)
	writer.FailCount = 100
	metrics := observability.NewInMemoryMetrics()
	producer := newTestProducer(writer, metrics)

	err := producer.Publish(context.Background(), "test-topic", "test-key", []byte("test-value"), nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish message after 3 attempts")
	assert.True(t, messaging.IsRetryable(err))
	assert.Equal(t, int64(1), metrics.GetPublishFailed())
}

func TestProducer_FailedSendHasNoPartition(t *testing.T) {
	writer := NewMockWriter(1)
	writer.FailCount = 100
	producer := newTestProducer(writer, nil)

	result, err := producer.SendAndWait(context.Background(), messaging.Of("x", "t"))

	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Nil(t, result.Partition)
	assert.Nil(t, result.Offset)
	assert.NotEmpty(t, result.ErrorMessage)
}

func TestProducer_ContextCancellation(t *testing.T) {
	writer := NewMockWriter(1)
	producer := newTestProducer(writer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := producer.Publish(ctx, "test-topic", "test-key", []byte("test-value"), nil)

	assert.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestProducer_ConcurrentSends(t *testing.T) {
	writer := NewMockWriter(4)
	producer := newTestProducer(writer, nil)

	futures := make([]*messaging.Future, 50)
	for i := range futures {
		futures[i] = producer.Send(context.Background(), messaging.OfKeyed(i, "numbers", fmt.Sprint(i)))
	}
	for _, f := range futures {
		r := f.Await(context.Background())
		require.True(t, r.Success)
		assert.NotNil(t, r.Offset)
	}
	assert.Len(t, writer.Messages(), 50)
}

func TestProducer_IdempotentConfiguration(t *testing.T) {
	producer, err := NewProducer(ProducerConfig{
		Brokers:     []string{"localhost:9092"},
		Acks:        1,
		Retries:     3,
		Idempotent:  true, // Should override acks to -1
		Compression: "snappy",
		Logger:      observability.NopLogger(),
	})
	require.NoError(t, err)
	defer producer.Close()

	writer, ok := producer.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, -1, int(writer.RequiredAcks))
	assert.Equal(t, 10, writer.MaxAttempts)
	assert.Equal(t, kafka.Snappy, writer.Compression)
	assert.IsType(t, &kafka.Hash{}, writer.Balancer)
	assert.Empty(t, writer.Topic)
	assert.Equal(t, messaging.BrokerKafka, producer.BrokerType())
}

func TestNewProducer_Validation(t *testing.T) {
	_, err := NewProducer(ProducerConfig{})
	var argErr *messaging.InvalidArgumentError
	assert.ErrorAs(t, err, &argErr)

	_, err = NewProducer(ProducerConfig{Brokers: []string{"localhost:9092"}, Compression: "brotli"})
	assert.ErrorAs(t, err, &argErr)
}

func TestMockProducer_SimulateFailures(t *testing.T) {
	mock := NewMockProducer()
	mock.FailCount = 2 // Fail first 2 attempts

	ctx := context.Background()

	err := mock.Publish(ctx, "test-topic", "key1", []byte("value1"), nil)
	assert.Error(t, err)

	err = mock.Publish(ctx, "test-topic", "key1", []byte("value1"), nil)
	assert.Error(t, err)

	err = mock.Publish(ctx, "test-topic", "key1", []byte("value1"), nil)
	assert.NoError(t, err)

	assert.Len(t, mock.GetPublishedMessages(), 1)
}
