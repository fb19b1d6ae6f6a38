package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore holds progress for the lifetime of one process. It is not
// shared between consumer instances and is empty after a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time

	setCalls atomic.Int64
}

type memoryEntry struct {
	progress  *JobProgress
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, jobID string) (*JobProgress, error) {
	s.mu.RLock()
	entry, ok := s.entries[jobID]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, jobID)
		s.mu.Unlock()
		return nil, nil
	}
	return entry.progress.Snapshot(), nil
}

func (s *MemoryStore) Set(ctx context.Context, jobID string, progress *JobProgress, ttl time.Duration) error {
	s.setCalls.Add(1)

	entry := memoryEntry{progress: progress.Snapshot()}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[jobID] = entry
	s.mu.Unlock()
	return nil
}

// SetCalls is the number of Set calls so far.
func (s *MemoryStore) SetCalls() int64 {
	return s.setCalls.Load()
}
