package jobs

import (
	"context"
	"time"
)

// Store persists job progress with an expiry.
type Store interface {
	// Get returns nil, nil when the job is unknown.
	Get(ctx context.Context, jobID string) (*JobProgress, error)
	Set(ctx context.Context, jobID string, progress *JobProgress, ttl time.Duration) error
}
