package broker

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"messaging-core/internal/observability"
	"messaging-core/pkg/messaging"

	"github.com/sirupsen/logrus"
)

// ConsumerFactory builds a consumer for sub on one backend. Failed
// deliveries are routed by the backend's own retry and dead-letter router.
type ConsumerFactory func(sub messaging.Subscription, handler messaging.Handler) (messaging.Consumer, error)

// Registry holds one producer and one consumer factory per backend.
type Registry struct {
	mu        sync.RWMutex
	producers map[messaging.BrokerType]messaging.Producer
	consumers map[messaging.BrokerType]ConsumerFactory
	closers   []func() error
	logger    logrus.FieldLogger
}

func NewRegistry(logger logrus.FieldLogger) *Registry {
	if logger == nil {
		logger = observability.GetLogger()
	}
	return &Registry{
		producers: make(map[messaging.BrokerType]messaging.Producer),
		consumers: make(map[messaging.BrokerType]ConsumerFactory),
		logger:    logger,
	}
}

// Register adds p under its own broker type, replacing any earlier producer.
func (r *Registry) Register(p messaging.Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.BrokerType()] = p
	r.logger.WithField("broker", p.BrokerType().String()).Info("Registered producer")
}

func (r *Registry) RegisterConsumerFactory(t messaging.BrokerType, f ConsumerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers[t] = f
}

// OnClose runs fn during Close, after every producer has been closed.
func (r *Registry) OnClose(fn func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closers = append(r.closers, fn)
}

// Producer returns the producer for t or an *messaging.UnsupportedBrokerError.
func (r *Registry) Producer(t messaging.BrokerType) (messaging.Producer, error) {
	p, ok := r.ProducerIfAvailable(t)
	if !ok {
		return nil, &messaging.UnsupportedBrokerError{Type: t}
	}
	return p, nil
}

// ProducerIfAvailable is Producer for call sites where the backend is optional.
func (r *Registry) ProducerIfAvailable(t messaging.BrokerType) (messaging.Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[t]
	return p, ok
}

// DefaultProducer prefers Kafka, then RabbitMQ, then any other registered
// backend. It returns messaging.ErrNoBrokerConfigured when none is registered.
func (r *Registry) DefaultProducer() (messaging.Producer, error) {
	for _, t := range r.Types() {
		if p, ok := r.ProducerIfAvailable(t); ok {
			return p, nil
		}
	}
	return nil, messaging.ErrNoBrokerConfigured
}

// Subscribe builds a consumer for sub on backend t. The consumer is not
// started.
func (r *Registry) Subscribe(t messaging.BrokerType, sub messaging.Subscription, handler messaging.Handler) (messaging.Consumer, error) {
	if handler == nil {
		return nil, &messaging.NilReferenceError{Name: "handler"}
	}
	if len(sub.Destinations) == 0 {
		return nil, &messaging.InvalidArgumentError{Argument: "Destinations", Reason: "at least one destination is required"}
	}

	r.mu.RLock()
	factory, ok := r.consumers[t]
	r.mu.RUnlock()
	if !ok {
		return nil, &messaging.UnsupportedBrokerError{Type: t}
	}

	consumer, err := factory(sub, handler)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s to %v: %w", t, sub.Destinations, err)
	}
	r.logger.WithFields(logrus.Fields{
		"broker":       t.String(),
		"destinations": sub.Destinations,
		"group":        sub.Group,
	}).Info("Subscribed consumer")
	return consumer, nil
}

// Types lists every backend with a producer or a consumer factory, in
// default-selection order.
func (r *Registry) Types() []messaging.BrokerType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var types []messaging.BrokerType
	for _, t := range messaging.BrokerTypes() {
		if r.has(t) {
			types = append(types, t)
		}
	}

	var extra []messaging.BrokerType
	for t := range r.producers {
		if !slices.Contains(types, t) {
			extra = append(extra, t)
		}
	}
	for t := range r.consumers {
		if !slices.Contains(types, t) && !slices.Contains(extra, t) {
			extra = append(extra, t)
		}
	}
	slices.Sort(extra)
	return append(types, extra...)
}

func (r *Registry) has(t messaging.BrokerType) bool {
	_, p := r.producers[t]
	_, c := r.consumers[t]
	return p || c
}

// Close closes every producer, then runs the OnClose hooks.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for t, p := range r.producers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s producer: %w", t, err))
		}
	}
	for _, fn := range r.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	r.producers = make(map[messaging.BrokerType]messaging.Producer)
	r.closers = nil
	return errors.Join(errs...)
}
