package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"messaging-core/internal/observability"
	"messaging-core/internal/retry"
	"messaging-core/pkg/messaging"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProducer(t *testing.T) (*Producer, *fakeChannel, *observability.InMemoryMetrics, *fakeSource) {
	t.Helper()
	ch := newFakeChannel()
	source := &fakeSource{ch: ch}
	metrics := observability.NewInMemoryMetrics()
	p := newProducer(source, ProducerConfig{
		Topology:    &Topology{Queues: []QueueSpec{{Queue: "emails", RetryDelay: time.Second}}},
		MaxRetries:  2,
		BaseBackoff: time.Millisecond,
		Metrics:     metrics,
		Logger:      observability.NopLogger(),
	})
	return p, ch, metrics, source
}

func TestProducer_SendHasNoPartitionOrOffset(t *testing.T) {
	p, ch, metrics, _ := newTestProducer(t)
	msg := messaging.OfKeyed(map[string]string{"to": "a@example.com"}, "emails", "user-1")

	result, err := p.SendAndWait(context.Background(), msg)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "emails", result.Topic)
	assert.Equal(t, msg.ID(), result.MessageID)
	assert.Nil(t, result.Partition)
	assert.Nil(t, result.Offset)
	assert.Equal(t, int64(1), metrics.GetPublished())

	published := ch.publishes()
	require.Len(t, published, 1)
	assert.Equal(t, "emails.exchange", published[0].Exchange)
	assert.Equal(t, "emails", published[0].RoutingKey)
	assert.Equal(t, msg.ID(), published[0].Msg.MessageId)
	assert.Equal(t, "user-1", published[0].Msg.CorrelationId)
	assert.Equal(t, "application/json", published[0].Msg.ContentType)
	assert.Equal(t, amqp.Persistent, published[0].Msg.DeliveryMode)
	assert.Equal(t, msg.ID(), published[0].Msg.Headers[messaging.HeaderMessageID])
	assert.JSONEq(t, `{"to":"a@example.com"}`, string(published[0].Msg.Body))
}

func TestProducer_DeclaresExchangeOnce(t *testing.T) {
	p, ch, _, _ := newTestProducer(t)

	for i := 0; i < 3; i++ {
		_, err := p.SendAndWait(context.Background(), messaging.Of("payload", "user.registered"))
		require.NoError(t, err)
	}

	assert.Equal(t, 1, ch.declares)
	assert.Equal(t, "topic", ch.exchanges["user.events.exchange"])
}

func TestProducer_EmptyTopic(t *testing.T) {
	p, ch, _, _ := newTestProducer(t)

	result := p.Send(context.Background(), messaging.Of("payload", "")).Await(context.Background())

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, messaging.ErrEmptyTopic)
	assert.Empty(t, ch.publishes())
}

func TestProducer_PublishFailure(t *testing.T) {
	p, ch, metrics, source := newTestProducer(t)
	ch.setPublishErr(amqp.ErrClosed)

	result, err := p.SendAndWait(context.Background(), messaging.Of("payload", "emails"))

	require.Error(t, err)
	var sendErr *messaging.SendError
	require.True(t, errors.As(err, &sendErr))
	assert.Equal(t, messaging.BrokerRabbitMQ, sendErr.Broker)
	assert.False(t, result.Success)
	assert.Nil(t, result.Partition)

	var retryable *messaging.RetryableError
	assert.True(t, errors.As(result.Err, &retryable))
	assert.Equal(t, int64(1), metrics.GetPublishFailed())
	assert.Equal(t, int32(3), source.invalidated.Load())
}

func TestProducer_PublishRoutesRetryAndDeadLetter(t *testing.T) {
	p, ch, _, _ := newTestProducer(t)
	headers := map[string]string{messaging.HeaderMessageID: "m-1", messaging.HeaderRetryCount: "1"}

	require.NoError(t, p.Publish(context.Background(), "emails.retry", "k", []byte("v"), headers))
	require.NoError(t, p.Publish(context.Background(), "emails.exchange.dlq", "k", []byte("v"), headers))

	published := ch.publishes()
	require.Len(t, published, 2)

	assert.Equal(t, "", published[0].Exchange)
	assert.Equal(t, "emails.retry", published[0].RoutingKey)
	assert.Equal(t, "m-1", published[0].Msg.MessageId)
	assert.Equal(t, "1", published[0].Msg.Headers[messaging.HeaderRetryCount])
	assert.Empty(t, published[0].Msg.Expiration, "without a schedule the queue TTL applies")

	assert.Equal(t, "emails.exchange.dlx", published[1].Exchange)
	assert.Equal(t, "emails.exchange.dlq", published[1].RoutingKey)
	assert.Equal(t, "direct", ch.exchanges["emails.exchange.dlx"])
}

func TestProducer_RetryExpirationFollowsSchedule(t *testing.T) {
	ch := newFakeChannel()
	schedule := retry.BackoffConfig{InitialInterval: 100 * time.Millisecond, Multiplier: 2, MaxInterval: time.Minute}
	p := newProducer(&fakeSource{ch: ch}, ProducerConfig{
		Topology:   &Topology{Queues: []QueueSpec{{Queue: "emails", RetryDelay: time.Second}}},
		RetryDelay: schedule.Delay,
		Logger:     observability.NopLogger(),
	})

	for _, count := range []string{"1", "2", "3", "5"} {
		headers := map[string]string{messaging.HeaderMessageID: "m-" + count, messaging.HeaderRetryCount: count}
		require.NoError(t, p.Publish(context.Background(), "emails.retry", "k", []byte("v"), headers))
	}
	require.NoError(t, p.Publish(context.Background(), "emails.exchange.dlq", "k", []byte("v"), nil))

	published := ch.publishes()
	require.Len(t, published, 5)
	assert.Equal(t, "100", published[0].Msg.Expiration)
	assert.Equal(t, "200", published[1].Msg.Expiration)
	assert.Equal(t, "400", published[2].Msg.Expiration)
	// capped by the retry queue TTL
	assert.Equal(t, "1000", published[3].Msg.Expiration)
	assert.Empty(t, published[4].Msg.Expiration)
}

func TestProducer_PublishEmptyDestination(t *testing.T) {
	p, _, _, _ := newTestProducer(t)

	err := p.Publish(context.Background(), "", "k", []byte("v"), nil)
	assert.ErrorIs(t, err, messaging.ErrEmptyTopic)
}

func TestProducer_BrokerType(t *testing.T) {
	p, _, _, _ := newTestProducer(t)
	assert.Equal(t, messaging.BrokerRabbitMQ, p.BrokerType())
}

func TestNewProducer_RequiresURL(t *testing.T) {
	_, err := NewProducer(ProducerConfig{})

	var invalid *messaging.InvalidArgumentError
	assert.True(t, errors.As(err, &invalid))
}
