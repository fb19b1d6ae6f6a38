package messaging

import (
	"strconv"
	"time"
)

// Header names shared by every backend. Names and casing are part of the wire
// contract with anything inspecting dead-lettered payloads.
const (
	HeaderMessageID             = "message-id"
	HeaderMessageTimestamp      = "message-timestamp"
	HeaderRetryCount            = "retry-count"
	HeaderOriginalTopic         = "original-topic"
	HeaderExceptionMessage      = "exception-message"
	HeaderExceptionClass        = "exception-class"
	HeaderFailureTimestamp      = "failure-timestamp"
	HeaderFirstFailureTimestamp = "first-failure-timestamp"
)

// RetryContext is the typed view over the retry headers of a delivery.
type RetryContext struct {
	OriginalTopic         string
	RetryCount            int
	LastExceptionMessage  string
	LastExceptionClass    string
	FailureTimestamp      time.Time
	FirstFailureTimestamp time.Time
}

// ReadRetryContext decodes retry metadata. Missing or malformed values decode
// to their zero value, so a first delivery has RetryCount 0.
func ReadRetryContext(headers map[string]string) RetryContext {
	return RetryContext{
		OriginalTopic:         headers[HeaderOriginalTopic],
		RetryCount:            GetRetryCount(headers),
		LastExceptionMessage:  headers[HeaderExceptionMessage],
		LastExceptionClass:    headers[HeaderExceptionClass],
		FailureTimestamp:      ParseTimestamp(headers[HeaderFailureTimestamp]),
		FirstFailureTimestamp: ParseTimestamp(headers[HeaderFirstFailureTimestamp]),
	}
}

// GetRetryCount extracts retry count from message headers
func GetRetryCount(headers map[string]string) int {
	if countStr, ok := headers[HeaderRetryCount]; ok {
		if count, err := strconv.Atoi(countStr); err == nil && count > 0 {
			return count
		}
	}
	return 0
}

// WithIncrementedRetry returns a copy of headers describing one more failed
// attempt of a message consumed from originalTopic.
func WithIncrementedRetry(headers map[string]string, originalTopic string, cause error, now time.Time) map[string]string {
	out := WithFailure(headers, originalTopic, cause, now)
	out[HeaderRetryCount] = strconv.Itoa(GetRetryCount(headers) + 1)
	return out
}

// WithFailure returns a copy of headers with the exception metadata of cause.
// The retry count is left untouched.
func WithFailure(headers map[string]string, originalTopic string, cause error, now time.Time) map[string]string {
	out := copyHeaders(headers)
	if _, ok := out[HeaderOriginalTopic]; !ok || out[HeaderOriginalTopic] == "" {
		out[HeaderOriginalTopic] = originalTopic
	}
	if cause != nil {
		out[HeaderExceptionMessage] = cause.Error()
		out[HeaderExceptionClass] = ErrorClass(cause)
	}
	stamp := FormatTimestamp(now)
	out[HeaderFailureTimestamp] = stamp
	if out[HeaderFirstFailureTimestamp] == "" {
		out[HeaderFirstFailureTimestamp] = stamp
	}
	return out
}

// FormatTimestamp renders t the way timestamp headers carry it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp reads a timestamp header; malformed input yields the zero time.
func ParseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
