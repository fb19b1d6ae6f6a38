package rabbitmq

import (
	"fmt"
	"strings"
	"time"

	"messaging-core/internal/retry"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	exchangeKindTopic  = "topic"
	exchangeKindDirect = "direct"
)

// ExchangeName derives the exchange a topic is published to. The part before
// the first "." names the domain: "user.registered" goes to
// "user.events.exchange". A topic without a "." goes to "<topic>.exchange".
func ExchangeName(topic string) string {
	if domain, _, found := strings.Cut(topic, "."); found {
		return domain + ".events.exchange"
	}
	return topic + ".exchange"
}

// DeadLetterExchange is the dead-letter exchange of exchange.
func DeadLetterExchange(exchange string) string {
	return exchange + ".dlx"
}

// DeadLetterQueue is the dead-letter queue of exchange. It doubles as the
// dead-letter routing key.
func DeadLetterQueue(exchange string) string {
	return exchange + ".dlq"
}

// RetryQueue is the delay queue that feeds queue after its TTL.
func RetryQueue(queue string) string {
	return queue + ".retry"
}

// QueueSpec describes one consumed queue and its bindings.
type QueueSpec struct {
	Queue string
	// Exchange defaults to the convention applied to the first binding key.
	Exchange    string
	BindingKeys []string
	// RetryDelay enables the "<queue>.retry" hop with this TTL. Zero means
	// failures dead-letter immediately. With a producer retry schedule it is
	// the ceiling of the per-message delay.
	RetryDelay time.Duration
}

// Topology maps logical destinations onto exchanges and queues.
type Topology struct {
	// Exchanges is consulted before the naming convention.
	Exchanges map[string]string
	Queues    []QueueSpec
}

// ExchangeFor returns the exchange that destination is published to.
func (t *Topology) ExchangeFor(destination string) string {
	if t != nil {
		if exchange, ok := t.Exchanges[destination]; ok {
			return exchange
		}
	}
	return ExchangeName(destination)
}

func (t *Topology) exchangeOf(spec QueueSpec) string {
	if spec.Exchange != "" {
		return spec.Exchange
	}
	if len(spec.BindingKeys) > 0 {
		return t.ExchangeFor(spec.BindingKeys[0])
	}
	return t.ExchangeFor(spec.Queue)
}

// Queue returns the spec for queue.
func (t *Topology) Queue(queue string) (QueueSpec, bool) {
	if t == nil {
		return QueueSpec{}, false
	}
	for _, spec := range t.Queues {
		if spec.Queue == queue {
			return spec, true
		}
	}
	return QueueSpec{}, false
}

// retryQueue returns the spec whose retry queue is destination.
func (t *Topology) retryQueue(destination string) (QueueSpec, bool) {
	if t == nil {
		return QueueSpec{}, false
	}
	for _, spec := range t.Queues {
		if spec.RetryDelay > 0 && destination == RetryQueue(spec.Queue) {
			return spec, true
		}
	}
	return QueueSpec{}, false
}

// resolve maps a destination onto the exchange and routing key to publish
// with. Retry queues are reached through the default exchange, dead-letter
// queues through their dead-letter exchange, everything else by convention.
func (t *Topology) resolve(destination string) (exchange, routingKey string) {
	if t != nil {
		for _, spec := range t.Queues {
			if spec.RetryDelay > 0 && destination == RetryQueue(spec.Queue) {
				return "", destination
			}
			if exchange := t.exchangeOf(spec); destination == DeadLetterQueue(exchange) {
				return DeadLetterExchange(exchange), destination
			}
		}
	}
	return t.ExchangeFor(destination), destination
}

// Routes is the retry and dead-letter table for every declared queue.
func (t *Topology) Routes() retry.Routes {
	routes := retry.Routes{}
	if t == nil {
		return routes
	}
	for _, spec := range t.Queues {
		route := retry.Route{DeadLetter: DeadLetterQueue(t.exchangeOf(spec))}
		if spec.RetryDelay > 0 {
			route.Retry = RetryQueue(spec.Queue)
		}
		routes[spec.Queue] = route
	}
	return routes
}

// Declare creates the exchanges, queues and bindings of spec. Every call is
// idempotent on the broker.
//
// The main queue dead-letters into "<exchange>.dlx" with routing key
// "<exchange>.dlq", so messages the broker rejects are quarantined even when
// the application router never sees them.
func (t *Topology) Declare(ch amqpChannel, spec QueueSpec) error {
	exchange := t.exchangeOf(spec)
	dlx := DeadLetterExchange(exchange)
	dlq := DeadLetterQueue(exchange)

	if err := ch.ExchangeDeclare(exchange, exchangeKindTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.ExchangeDeclare(dlx, exchangeKindDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", dlx, err)
	}

	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, dlq, dlx, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", dlq, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": dlq,
	}
	if _, err := ch.QueueDeclare(spec.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", spec.Queue, err)
	}

	keys := spec.BindingKeys
	if len(keys) == 0 {
		keys = []string{spec.Queue}
	}
	for _, key := range keys {
		if err := ch.QueueBind(spec.Queue, key, exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", spec.Queue, key, err)
		}
	}

	if spec.RetryDelay > 0 {
		retryArgs := amqp.Table{
			"x-message-ttl":             spec.RetryDelay.Milliseconds(),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": spec.Queue,
		}
		if _, err := ch.QueueDeclare(RetryQueue(spec.Queue), true, false, false, false, retryArgs); err != nil {
			return fmt.Errorf("declare queue %s: %w", RetryQueue(spec.Queue), err)
		}
	}
	return nil
}

// DeclareAll declares every queue of the topology.
func (t *Topology) DeclareAll(ch amqpChannel) error {
	if t == nil {
		return nil
	}
	for _, spec := range t.Queues {
		if err := t.Declare(ch, spec); err != nil {
			return err
		}
	}
	return nil
}
