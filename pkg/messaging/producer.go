package messaging

import (
	"context"
	"sync"
)

// Producer sends envelopes to one broker backend. Implementations are safe
// for concurrent use.
//
// Send never blocks and reports failure as a failed SendResult. SendAndWait
// blocks until the broker acknowledges and reports failure as a *SendError.
type Producer interface {
	BrokerType() BrokerType
	Send(ctx context.Context, msg Envelope) *Future
	SendAndWait(ctx context.Context, msg Envelope) (SendResult, error)
	Close() error
}

// SendTo sends payload to topic with a freshly built message.
func SendTo[T any](ctx context.Context, p Producer, payload T, topic string) *Future {
	return p.Send(ctx, Of(payload, topic))
}

// SendKeyed sends payload to topic using key for partitioning or correlation.
func SendKeyed[T any](ctx context.Context, p Producer, payload T, topic, key string) *Future {
	return p.Send(ctx, OfKeyed(payload, topic, key))
}

// Future is the pending result of an asynchronous send.
type Future struct {
	done      chan struct{}
	once      sync.Once
	result    SendResult
	messageID string
	topic     string
}

func newFuture(messageID, topic string) *Future {
	return &Future{done: make(chan struct{}), messageID: messageID, topic: topic}
}

// Completed returns a future that is already resolved with r.
func Completed(r SendResult) *Future {
	f := newFuture(r.MessageID, r.Topic)
	f.resolve(r)
	return f
}

// Async runs send for msg on its own goroutine and resolves the returned
// future with its result. send receives a context detached from ctx's
// cancellation: a submitted send is not cancellable.
func Async(ctx context.Context, msg Envelope, send func(ctx context.Context) SendResult) *Future {
	f := newFuture(msg.ID(), msg.Topic())
	detached := context.WithoutCancel(ctx)
	go func() {
		f.resolve(send(detached))
	}()
	return f
}

func (f *Future) resolve(r SendResult) {
	f.once.Do(func() {
		f.result = r
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the result without blocking; ok is false while pending.
func (f *Future) Result() (SendResult, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return SendResult{}, false
	}
}

// Await blocks until the send completes or ctx ends. When ctx ends first a
// failed result carrying the message id and topic is returned; the send
// itself keeps running.
func (f *Future) Await(ctx context.Context) SendResult {
	select {
	case <-f.done:
		return f.result
	case <-ctx.Done():
		return Failed(f.messageID, f.topic, ctx.Err())
	}
}
