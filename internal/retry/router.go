package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"messaging-core/internal/observability"
	"messaging-core/pkg/messaging"

	"github.com/sirupsen/logrus"
)

// Outcome is the state a delivery ends in after the router has seen it.
type Outcome int

const (
	DeliveredOK Outcome = iota
	RetryScheduled
	DeadLettered
)

func (o Outcome) String() string {
	switch o {
	case DeliveredOK:
		return "DELIVERED_OK"
	case RetryScheduled:
		return "RETRY_SCHEDULED"
	case DeadLettered:
		return "DEAD_LETTERED"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Republisher is the raw publish path of a broker adapter.
type Republisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// FailureRouter is what consumers hand failed deliveries to.
type FailureRouter interface {
	Route(ctx context.Context, d *messaging.Delivery, cause error) (Outcome, error)
}

type RouterConfig struct {
	MaxRetries int
	Routes     Routes
	Classifier *Classifier
	Publisher  Republisher
	Metrics    observability.MetricsCollector
	Logger     logrus.FieldLogger
	// Now is the clock used for failure timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Router moves failed deliveries to their retry or dead-letter destination.
// It never sleeps: delay comes from whoever consumes the retry destination.
type Router struct {
	maxRetries int
	routes     Routes
	classifier *Classifier
	publisher  Republisher
	metrics    observability.MetricsCollector
	logger     logrus.FieldLogger
	now        func() time.Time
}

func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Publisher == nil {
		return nil, &messaging.NilReferenceError{Name: "retry publisher"}
	}
	if cfg.MaxRetries < 0 {
		return nil, &messaging.InvalidArgumentError{Argument: "MaxRetries", Reason: "must not be negative"}
	}
	if cfg.Routes == nil {
		cfg.Routes = Routes{}
	}
	if cfg.Classifier == nil {
		cfg.Classifier = NewClassifier()
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

	return &Router{
		maxRetries: cfg.MaxRetries,
		routes:     cfg.Routes,
		classifier: cfg.Classifier,
		publisher:  cfg.Publisher,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}, nil
}

// Route decides and performs the next hop of d after its handler failed with
// cause. A nil cause is DeliveredOK and publishes nothing.
//
// A failed retry publish escalates to dead-letter. A failed dead-letter
// publish is returned; the caller must not acknowledge the delivery.
func (r *Router) Route(ctx context.Context, d *messaging.Delivery, cause error) (Outcome, error) {
	if cause == nil {
		return DeliveredOK, nil
	}

	rc := d.RetryContext()
	route := r.routes.Lookup(d.Source)
	retryable := r.classifier.Retryable(cause)

	logger := r.logger.WithFields(logrus.Fields{
		"source":          d.Source,
		"message_id":      d.ID,
		"retry_count":     rc.RetryCount,
		"max_retries":     r.maxRetries,
		"exception_class": messaging.ErrorClass(cause),
	})

	if retryable && route.Retry != "" && rc.RetryCount < r.maxRetries {
		headers := messaging.WithIncrementedRetry(d.Headers, d.Source, cause, r.now())
		err := r.publisher.Publish(ctx, route.Retry, d.Key, d.Value, headers)
		if err == nil {
			r.metrics.IncRetried()
			logger.WithError(cause).WithField("destination", route.Retry).
				Warn("Message scheduled for retry")
			return RetryScheduled, nil
		}
		logger.WithError(err).WithField("destination", route.Retry).
			Error("Failed to publish to retry destination, dead-lettering instead")
	}

	headers := messaging.WithFailure(d.Headers, d.Source, cause, r.now())
	if _, ok := headers[messaging.HeaderRetryCount]; !ok {
		headers[messaging.HeaderRetryCount] = "0"
	}
	if err := r.publisher.Publish(ctx, route.DeadLetter, d.Key, d.Value, headers); err != nil {
		logger.WithError(err).WithField("destination", route.DeadLetter).
			Error("Failed to publish to dead-letter destination")
		return DeadLettered, &DeadLetterError{Destination: route.DeadLetter, Cause: cause, Err: err}
	}

	r.metrics.IncSentToDLQ()
	logger.WithError(cause).WithFields(logrus.Fields{
		"destination": route.DeadLetter,
		"retryable":   retryable,
	}).Error("Message dead-lettered")
	return DeadLettered, nil
}

// DeadLetterError reports a delivery that could not be quarantined.
type DeadLetterError struct {
	Destination string
	Cause       error
	Err         error
}

func (e *DeadLetterError) Error() string {
	return fmt.Sprintf("dead-letter publish to %q failed: %v (handler error: %v)", e.Destination, e.Err, e.Cause)
}

func (e *DeadLetterError) Unwrap() error {
	return e.Err
}

// IsDeadLetterFailure reports whether err came from a failed dead-letter publish.
func IsDeadLetterFailure(err error) bool {
	var dlErr *DeadLetterError
	return errors.As(err, &dlErr)
}
