package messaging

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Envelope is the type-erased view of a message that broker adapters consume.
type Envelope interface {
	ID() string
	Topic() string
	Key() string
	Headers() map[string]string
	Timestamp() time.Time
	Value() any
}

// Message wraps a payload with its destination and transport metadata.
// A Message is immutable; the With* methods return modified copies.
type Message[T any] struct {
	id        string
	payload   T
	topic     string
	key       string
	headers   map[string]string
	timestamp time.Time
}

// Of builds a message for topic with a fresh id and timestamp.
func Of[T any](payload T, topic string) Message[T] {
	return OfKeyedWithHeaders(payload, topic, "", nil)
}

// OfKeyed builds a message whose key selects the partition or acts as a
// correlation id.
func OfKeyed[T any](payload T, topic, key string) Message[T] {
	return OfKeyedWithHeaders(payload, topic, key, nil)
}

// OfWithHeaders builds a message carrying a copy of headers.
func OfWithHeaders[T any](payload T, topic string, headers map[string]string) Message[T] {
	return OfKeyedWithHeaders(payload, topic, "", headers)
}

// OfKeyedWithHeaders is the full constructor the other factories delegate to.
func OfKeyedWithHeaders[T any](payload T, topic, key string, headers map[string]string) Message[T] {
	return Message[T]{
		id:        uuid.NewString(),
		payload:   payload,
		topic:     topic,
		key:       key,
		headers:   copyHeaders(headers),
		timestamp: time.Now(),
	}
}

func (m Message[T]) ID() string           { return m.id }
func (m Message[T]) Payload() T           { return m.payload }
func (m Message[T]) Topic() string        { return m.topic }
func (m Message[T]) Key() string          { return m.key }
func (m Message[T]) Timestamp() time.Time { return m.timestamp }
func (m Message[T]) Value() any           { return m.payload }

// Headers returns a copy of the message headers.
func (m Message[T]) Headers() map[string]string {
	return copyHeaders(m.headers)
}

// WithTopic returns a copy addressed to topic.
func (m Message[T]) WithTopic(topic string) Message[T] {
	c := m.clone()
	c.topic = topic
	return c
}

// WithKey returns a copy with the partition/correlation key replaced.
func (m Message[T]) WithKey(key string) Message[T] {
	c := m.clone()
	c.key = key
	return c
}

// WithHeader returns a copy with one header added or overwritten.
func (m Message[T]) WithHeader(name, value string) Message[T] {
	c := m.clone()
	c.headers[name] = value
	return c
}

func (m Message[T]) clone() Message[T] {
	c := m
	c.headers = copyHeaders(m.headers)
	return c
}

func copyHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	maps.Copy(out, h)
	return out
}

// Encode serializes the envelope value for the wire. Raw bytes and strings
// pass through untouched, everything else is JSON.
func Encode(msg Envelope) ([]byte, error) {
	switch v := msg.Value().(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return v, nil
	}

	data, err := json.Marshal(msg.Value())
	if err != nil {
		return nil, &PermanentError{Err: err}
	}
	return data, nil
}
