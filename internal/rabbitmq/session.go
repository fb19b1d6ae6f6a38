package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"messaging-core/internal/observability"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// amqpChannel is the subset of *amqp.Channel the adapter depends on.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// channelSource hands out a live channel, replacing it after failures.
type channelSource interface {
	Channel(ctx context.Context) (amqpChannel, error)
	Invalidate()
	Close() error
}

type SessionConfig struct {
	URL string
	// Confirm puts the channel in publisher-confirm mode.
	Confirm          bool
	ReconnectBackoff time.Duration
	MaxReconnectWait time.Duration
	Logger           logrus.FieldLogger
}

// Session owns one AMQP connection and one channel, redialing with
// exponential backoff when either has closed.
type Session struct {
	cfg    SessionConfig
	logger logrus.FieldLogger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = time.Second
	}
	if cfg.MaxReconnectWait == 0 {
		cfg.MaxReconnectWait = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}
	return &Session{cfg: cfg, logger: cfg.Logger}
}

// Channel returns the current channel or dials a new one.
func (s *Session) Channel(ctx context.Context) (amqpChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch != nil && !s.ch.IsClosed() && s.conn != nil && !s.conn.IsClosed() {
		return s.ch, nil
	}
	s.closeLocked()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.ReconnectBackoff
	policy.MaxInterval = s.cfg.MaxReconnectWait

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := s.dialLocked(); err != nil {
			s.logger.WithError(err).WithField("attempt", attempt).Warn("RabbitMQ connection attempt failed")
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq after %d attempts: %w", attempt, err)
	}

	s.logger.WithField("attempt", attempt).Info("RabbitMQ channel opened")
	return s.ch, nil
}

func (s *Session) dialLocked() error {
	conn, err := amqp.Dial(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if s.cfg.Confirm {
		if err := ch.Confirm(false); err != nil {
			conn.Close()
			return fmt.Errorf("enable publisher confirms: %w", err)
		}
	}
	s.conn, s.ch = conn, ch
	return nil
}

// Invalidate drops the current channel so the next Channel call redials.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.ch != nil && !s.ch.IsClosed() {
		err = s.ch.Close()
	}
	s.ch = nil
	if s.conn != nil && !s.conn.IsClosed() {
		if cerr := s.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.conn = nil
	return err
}
