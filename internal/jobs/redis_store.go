package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "job:progress:"

// RedisStore keeps job progress as JSON strings under "job:progress:<id>".
type RedisStore struct {
	client redis.Cmdable
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func progressKey(jobID string) string {
	return keyPrefix + jobID
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*JobProgress, error) {
	data, err := s.client.Get(ctx, progressKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job progress %s: %w", jobID, err)
	}

	var progress JobProgress
	if err := json.Unmarshal(data, &progress); err != nil {
		return nil, fmt.Errorf("decode job progress %s: %w", jobID, err)
	}
	return &progress, nil
}

// Set overwrites the stored progress. A zero ttl keeps the key forever.
func (s *RedisStore) Set(ctx context.Context, jobID string, progress *JobProgress, ttl time.Duration) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("encode job progress %s: %w", jobID, err)
	}
	if err := s.client.Set(ctx, progressKey(jobID), data, ttl).Err(); err != nil {
		return fmt.Errorf("set job progress %s: %w", jobID, err)
	}
	return nil
}
