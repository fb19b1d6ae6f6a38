package retry

import (
	"encoding/json"
	"errors"
	"runtime"
	"strconv"
	"strings"

	"messaging-core/pkg/messaging"
)

// Classifier decides whether a handler error may succeed on a later attempt.
// Programming defects reproduce identically on every retry and skip the
// retry hop.
type Classifier struct {
	nonRetryable []func(error) bool
}

// NewClassifier returns the default classifier extended with predicates.
// A predicate returning true marks the error non-retryable.
func NewClassifier(predicates ...func(error) bool) *Classifier {
	c := &Classifier{
		nonRetryable: []func(error) bool{
			isType[*messaging.PermanentError],
			isType[*messaging.InvalidArgumentError],
			isType[*messaging.NilReferenceError],
			isType[*messaging.TypeMismatchError],
			isType[*runtime.TypeAssertionError],
			isType[*json.UnmarshalTypeError],
			isType[*json.SyntaxError],
			isType[*strconv.NumError],
			isNilDereference,
		},
	}
	c.nonRetryable = append(c.nonRetryable, predicates...)
	return c
}

// Retryable reports whether err should be given another attempt. A
// *messaging.RetryableError anywhere in the chain wins over the defaults.
func (c *Classifier) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if messaging.IsRetryable(err) {
		return true
	}
	for _, match := range c.nonRetryable {
		if match(err) {
			return false
		}
	}
	return true
}

func isType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

func isNilDereference(err error) bool {
	var rtErr runtime.Error
	if !errors.As(err, &rtErr) {
		return false
	}
	return strings.Contains(rtErr.Error(), "nil pointer dereference") ||
		strings.Contains(rtErr.Error(), "nil map")
}
