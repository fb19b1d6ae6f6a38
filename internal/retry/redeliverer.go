package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"messaging-core/internal/observability"
	"messaging-core/pkg/messaging"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// ErrRetryWindowExceeded is returned when a message has been failing for
// longer than the configured maximum elapsed time.
var ErrRetryWindowExceeded = errors.New("retry window exceeded")

// BackoffConfig parameterises the redelivery schedule.
type BackoffConfig struct {
	InitialInterval     time.Duration
	Multiplier          float64
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	RandomizationFactor float64
}

// Delay returns the wait before the retryCount-th retry. Counts below 1 are
// treated as the first retry.
func (c BackoffConfig) Delay(retryCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.Multiplier = c.Multiplier
	b.MaxInterval = c.MaxInterval
	b.RandomizationFactor = c.RandomizationFactor
	// elapsed time is judged from headers, not from this throwaway schedule
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < retryCount; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// DefaultBackoffConfig is the schedule used when none is configured.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval:     time.Second,
		Multiplier:          2.0,
		MaxInterval:         30 * time.Second,
		MaxElapsedTime:      10 * time.Minute,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
	}
}

type RedelivererConfig struct {
	Backoff   BackoffConfig
	Publisher Republisher
	Metrics   observability.MetricsCollector
	Logger    logrus.FieldLogger
	Now       func() time.Time
}

// Redeliverer consumes a retry destination. It holds each message until its
// failure timestamp plus the backoff delay for its retry count, then
// republishes it to the original topic.
type Redeliverer struct {
	cfg       BackoffConfig
	publisher Republisher
	metrics   observability.MetricsCollector
	logger    logrus.FieldLogger
	now       func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func NewRedeliverer(cfg RedelivererConfig) (*Redeliverer, error) {
	if cfg.Publisher == nil {
		return nil, &messaging.NilReferenceError{Name: "redelivery publisher"}
	}
	if cfg.Backoff.InitialInterval <= 0 {
		cfg.Backoff = DefaultBackoffConfig()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Redeliverer{
		cfg:       cfg.Backoff,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       cfg.Now,
		stop:      make(chan struct{}),
	}, nil
}

// Stop releases every held message for immediate redelivery. Call it before
// shutting down the consumer that feeds Handle.
func (r *Redeliverer) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Delay returns the wait before the retryCount-th redelivery.
func (r *Redeliverer) Delay(retryCount int) time.Duration {
	return r.cfg.Delay(retryCount)
}

// MaxWait is the longest Handle can hold a message.
func (r *Redeliverer) MaxWait() time.Duration {
	return time.Duration(float64(r.cfg.MaxInterval) * (1 + r.cfg.RandomizationFactor))
}

// Handle implements messaging.Handler for the retry destination consumer.
// Errors flow to the router, which dead-letters them. When ctx ends during
// the wait, or Stop is called, the message is redelivered immediately.
func (r *Redeliverer) Handle(ctx context.Context, d *messaging.Delivery) error {
	rc := d.RetryContext()
	if rc.OriginalTopic == "" {
		return &messaging.InvalidArgumentError{
			Argument: messaging.HeaderOriginalTopic,
			Reason:   "missing on retry message",
		}
	}

	now := r.now()
	if r.cfg.MaxElapsedTime > 0 && !rc.FirstFailureTimestamp.IsZero() &&
		now.Sub(rc.FirstFailureTimestamp) > r.cfg.MaxElapsedTime {
		return &messaging.PermanentError{
			Err: fmt.Errorf("%w: first failure at %s", ErrRetryWindowExceeded,
				messaging.FormatTimestamp(rc.FirstFailureTimestamp)),
		}
	}

	logger := r.logger.WithFields(logrus.Fields{
		"message_id":     d.ID,
		"original_topic": rc.OriginalTopic,
		"retry_count":    rc.RetryCount,
	})

	due := now
	if !rc.FailureTimestamp.IsZero() {
		due = rc.FailureTimestamp.Add(r.Delay(rc.RetryCount))
	}
	if wait := due.Sub(now); wait > 0 {
		logger.WithField("wait", wait).Debug("Holding message until redelivery")
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			logger.Info("Redelivering early due to cancellation")
		case <-r.stop:
			timer.Stop()
			logger.Info("Redelivering early due to shutdown")
		}
	}

	publishCtx := context.WithoutCancel(ctx)
	if err := r.publisher.Publish(publishCtx, rc.OriginalTopic, d.Key, d.Value, d.Headers); err != nil {
		return &messaging.RetryableError{Err: fmt.Errorf("redeliver to %q: %w", rc.OriginalTopic, err)}
	}

	r.metrics.IncRedelivered()
	logger.Info("Message redelivered to original topic")
	return nil
}
