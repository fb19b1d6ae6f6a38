package messaging

import (
	"errors"
	"fmt"
)

// ============================================================================
// Configuration Errors
// ============================================================================

var (
	// ErrEmptyTopic is returned when a message has no destination.
	ErrEmptyTopic = errors.New("message topic cannot be empty")

	// ErrNoBrokerConfigured is returned when a default producer is requested
	// from a registry that has no backend registered.
	ErrNoBrokerConfigured = errors.New("no message broker configured")

	// ErrUnsupportedBroker is the sentinel wrapped by UnsupportedBrokerError.
	ErrUnsupportedBroker = errors.New("unsupported broker")
)

// UnsupportedBrokerError reports a request for a backend that was never registered.
type UnsupportedBrokerError struct {
	Type BrokerType
}

func (e *UnsupportedBrokerError) Error() string {
	return fmt.Sprintf("unsupported broker: %s is not registered", e.Type)
}

func (e *UnsupportedBrokerError) Unwrap() error {
	return ErrUnsupportedBroker
}

// ============================================================================
// Transport Errors
// ============================================================================

// RetryableError indicates the operation should be retried
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// PermanentError indicates the operation should not be retried
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsRetryable checks if error is retryable
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}

// IsPermanent checks if error is permanent
func IsPermanent(err error) bool {
	var permanentErr *PermanentError
	return errors.As(err, &permanentErr)
}

// SendError is returned by SendAndWait when a send does not succeed.
type SendError struct {
	Broker    BrokerType
	Topic     string
	MessageID string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: send %s to %q: %v", e.Broker, e.MessageID, e.Topic, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// ============================================================================
// Handler Defects
// ============================================================================

// InvalidArgumentError reports malformed input that no retry can repair.
type InvalidArgumentError struct {
	Argument string
	Reason   string
	Err      error
}

func (e *InvalidArgumentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid argument %s: %s: %v", e.Argument, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid argument %s: %s", e.Argument, e.Reason)
}

func (e *InvalidArgumentError) Unwrap() error {
	return e.Err
}

// NilReferenceError reports a required value that was absent.
type NilReferenceError struct {
	Name string
}

func (e *NilReferenceError) Error() string {
	return fmt.Sprintf("nil reference: %s", e.Name)
}

// TypeMismatchError reports a value of an unexpected type.
type TypeMismatchError struct {
	Expected string
	Actual   string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// PanicError carries a value recovered from a panicking handler.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// Unwrap exposes the panic value when it is itself an error, so runtime
// errors such as nil dereferences can be classified.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// ErrorClass returns the Go type name of the innermost error in err's chain.
func ErrorClass(err error) string {
	if err == nil {
		return ""
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}
