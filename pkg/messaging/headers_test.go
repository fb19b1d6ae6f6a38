package messaging

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetRetryCount(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		expected int
	}{
		{
			name:     "No retry header",
			headers:  map[string]string{},
			expected: 0,
		},
		{
			name: "Valid retry count",
			headers: map[string]string{
				HeaderRetryCount: "2",
			},
			expected: 2,
		},
		{
			name: "Invalid retry count",
			headers: map[string]string{
				HeaderRetryCount: "invalid",
			},
			expected: 0,
		},
		{
			name: "Negative retry count",
			headers: map[string]string{
				HeaderRetryCount: "-4",
			},
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetRetryCount(tt.headers))
		})
	}
}

func TestWithIncrementedRetry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	original := map[string]string{
		HeaderMessageID:  "msg-1",
		HeaderRetryCount: "1",
		"tenant":         "acme",
	}

	out := WithIncrementedRetry(original, "unraveldocs-emails", errors.New("smtp down"), now)

	assert.Equal(t, "2", out[HeaderRetryCount])
	assert.Equal(t, "unraveldocs-emails", out[HeaderOriginalTopic])
	assert.Equal(t, "smtp down", out[HeaderExceptionMessage])
	assert.Equal(t, "*errors.errorString", out[HeaderExceptionClass])
	assert.Equal(t, "2026-03-01T12:00:00Z", out[HeaderFailureTimestamp])
	assert.Equal(t, "acme", out["tenant"])

	// the input is never mutated
	assert.Equal(t, "1", original[HeaderRetryCount])
	assert.NotContains(t, original, HeaderOriginalTopic)
}

func TestWithFailure_KeepsFirstFailureAndOriginalTopic(t *testing.T) {
	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := first.Add(time.Minute)

	h := WithFailure(nil, "orders", errors.New("boom"), first)
	h = WithFailure(h, "orders-retry", errors.New("boom again"), later)

	rc := ReadRetryContext(h)
	assert.Equal(t, "orders", rc.OriginalTopic)
	assert.Equal(t, first, rc.FirstFailureTimestamp)
	assert.Equal(t, later, rc.FailureTimestamp)
	assert.Equal(t, "boom again", rc.LastExceptionMessage)
	assert.Equal(t, 0, rc.RetryCount)
}

func TestReadRetryContext_Absent(t *testing.T) {
	rc := ReadRetryContext(nil)

	assert.Equal(t, 0, rc.RetryCount)
	assert.Empty(t, rc.OriginalTopic)
	assert.True(t, rc.FailureTimestamp.IsZero())
}
