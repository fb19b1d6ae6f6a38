package kafka

import (
	"context"
	"fmt"
	"io"
	"sync"

	kafka "github.com/segmentio/kafka-go"
)

// MockProducer is a mock implementation of ProducerClient for testing
type MockProducer struct {
	mu                sync.RWMutex
	PublishedMessages []PublishedMessage
	PublishFunc       func(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
	CloseFunc         func() error
	FailCount         int
	failureCounter    int
}

type PublishedMessage struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

func NewMockProducer() *MockProducer {
	return &MockProducer{
		PublishedMessages: make([]PublishedMessage, 0),
	}
}

func (m *MockProducer) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, topic, key, value, headers)
	}

	// Simulate failures for testing retry logic
	if m.FailCount > 0 {
		m.failureCounter++
		if m.failureCounter <= m.FailCount {
			return fmt.Errorf("simulated publish failure %d", m.failureCounter)
		}
	}

	m.PublishedMessages = append(m.PublishedMessages, PublishedMessage{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: headers,
	})
	return nil
}

func (m *MockProducer) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockProducer) GetPublishedMessages() []PublishedMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := make([]PublishedMessage, len(m.PublishedMessages))
	copy(messages, m.PublishedMessages)
	return messages
}

// MockWriter stands in for *kafka.Writer. Successful writes are assigned a
// partition and a per-partition offset and reported through Completion, the
// way the real writer does in synchronous mode.
type MockWriter struct {
	mu         sync.Mutex
	Completion func(messages []kafka.Message, err error)
	Partitions int
	FailCount  int
	Written    []kafka.Message
	offsets    map[int]int64
	failures   int
	closed     bool
}

func NewMockWriter(partitions int) *MockWriter {
	return &MockWriter{Partitions: partitions, offsets: make(map[int]int64)}
}

func (w *MockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return io.ErrClosedPipe
	}
	if err := ctx.Err(); err != nil {
		w.mu.Unlock()
		return err
	}
	if w.failures < w.FailCount {
		w.failures++
		err := fmt.Errorf("simulated write failure %d", w.failures)
		w.mu.Unlock()
		if w.Completion != nil {
			w.Completion(msgs, err)
		}
		return err
	}

	batch := make([]kafka.Message, len(msgs))
	copy(batch, msgs)
	for i := range batch {
		partition := 0
		if w.Partitions > 0 {
			partition = len(batch[i].Key) % w.Partitions
		}
		batch[i].Partition = partition
		batch[i].Offset = w.offsets[partition]
		w.offsets[partition]++
	}
	w.Written = append(w.Written, batch...)
	w.mu.Unlock()

	if w.Completion != nil {
		w.Completion(batch, nil)
	}
	return nil
}

func (w *MockWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *MockWriter) Messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.Written...)
}

// MockReader feeds a fixed set of messages to a consumer and records commits.
type MockReader struct {
	mu        sync.Mutex
	queue     chan kafka.Message
	Committed []kafka.Message
	closed    bool
}

func NewMockReader(messages ...kafka.Message) *MockReader {
	r := &MockReader{queue: make(chan kafka.Message, len(messages))}
	for _, m := range messages {
		r.queue <- m
	}
	return r
}

func (r *MockReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.queue:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *MockReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Committed = append(r.Committed, msgs...)
	return nil
}

func (r *MockReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *MockReader) GetCommitted() []kafka.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kafka.Message(nil), r.Committed...)
}
