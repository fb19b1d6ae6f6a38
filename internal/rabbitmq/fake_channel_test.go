package rabbitmq

import (
	"context"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
)

type binding struct {
	Queue    string
	Key      string
	Exchange string
}

type publishRecord struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// fakeChannel records topology and publishes in memory.
type fakeChannel struct {
	mu         sync.Mutex
	exchanges  map[string]string
	queues     map[string]amqp.Table
	bindings   []binding
	published  []publishRecord
	publishErr error
	prefetch   int
	consumers  map[string]chan amqp.Delivery
	byQueue    map[string]chan amqp.Delivery
	cancelled  []string
	declares   int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		exchanges: make(map[string]string),
		queues:    make(map[string]amqp.Table),
		consumers: make(map[string]chan amqp.Delivery),
		byQueue:   make(map[string]chan amqp.Delivery),
	}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges[name] = kind
	f.declares++
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, binding{Queue: name, Key: key, Exchange: exchange})
	return nil
}

func (f *fakeChannel) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.published = append(f.published, publishRecord{Exchange: exchange, RoutingKey: key, Msg: msg})
	return nil, nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan amqp.Delivery, 16)
	f.consumers[consumer] = ch
	f.byQueue[queue] = ch
	return ch, nil
}

func (f *fakeChannel) Cancel(consumer string, noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.consumers[consumer]; ok {
		close(ch)
		delete(f.consumers, consumer)
	}
	f.cancelled = append(f.cancelled, consumer)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) deliver(queue string, d amqp.Delivery) bool {
	f.mu.Lock()
	ch, ok := f.byQueue[queue]
	f.mu.Unlock()
	if ok {
		ch <- d
	}
	return ok
}

func (f *fakeChannel) consuming(queue string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.byQueue[queue]
	return ok
}

// dropConsumers closes every delivery channel the way the broker does when
// the channel dies.
func (f *fakeChannel) dropConsumers() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for tag, ch := range f.consumers {
		close(ch)
		delete(f.consumers, tag)
	}
	f.byQueue = make(map[string]chan amqp.Delivery)
}

func (f *fakeChannel) publishes() []publishRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishRecord(nil), f.published...)
}

func (f *fakeChannel) setPublishErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

// fakeSource always hands out the same channel.
type fakeSource struct {
	ch          *fakeChannel
	invalidated atomic.Int32
}

func (s *fakeSource) Channel(ctx context.Context) (amqpChannel, error) { return s.ch, nil }
func (s *fakeSource) Invalidate()                                      { s.invalidated.Add(1) }
func (s *fakeSource) Close() error                                     { return nil }

// fakeAcknowledger records acknowledgements by delivery tag.
type fakeAcknowledger struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) counts() (acked, nacked int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acked), len(a.nacked)
}
