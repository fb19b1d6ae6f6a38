package messaging

import (
	"context"
	"runtime/debug"
	"time"
)

// Delivery is one message handed to a Handler by a consumer.
type Delivery struct {
	// ID is the transport-level message id, taken from the message-id header
	// or the broker's native message id.
	ID string
	// Source is the destination the message was consumed from: the Kafka
	// topic or the RabbitMQ queue. Retry and dead-letter routes are keyed by it.
	Source string
	// Topic is the logical topic: the Kafka topic or the AMQP routing key.
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time

	// Partition and Offset are set for log-style deliveries only.
	Partition *int
	Offset    *int64

	// Redelivered is reported by backends that track it.
	Redelivered bool
}

// RetryContext decodes the retry headers of the delivery.
func (d *Delivery) RetryContext() RetryContext {
	return ReadRetryContext(d.Headers)
}

// Handler processes one delivery. Returning nil acknowledges the delivery;
// returning an error hands it to the retry and dead-letter router.
type Handler interface {
	Handle(ctx context.Context, d *Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d *Delivery) error

func (f HandlerFunc) Handle(ctx context.Context, d *Delivery) error {
	return f(ctx, d)
}

// Subscription names what a consumer reads: destinations within a group.
type Subscription struct {
	Destinations []string
	Group        string
	// Workers is the fixed number of concurrent handler invocations.
	// Zero means the backend default.
	Workers int
	// HandlerTimeout bounds one handler invocation. Zero means the backend
	// default.
	HandlerTimeout time.Duration
}

// Consumer runs a subscription until its context ends.
//
// Start blocks. When ctx is cancelled the consumer stops fetching new
// messages first and lets in-flight handler invocations finish before
// returning, so nothing is acknowledged without its handler completing.
type Consumer interface {
	Start(ctx context.Context) error
	Close() error
}

// Invoke runs h on d and converts a panic into a *PanicError carrying the
// recovered value and stack.
func Invoke(ctx context.Context, h Handler, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return h.Handle(ctx, d)
}
