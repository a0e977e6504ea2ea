package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a process-local counter store for tests and
// single-process deployments. Multi-process deployments need the Redis
// store so admission is atomic across the fleet.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[string]int64
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counts: make(map[string]int64),
		now:    time.Now,
	}
}

func (s *MemoryStore) Take(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	windowStart := s.now().UnixMilli() / window.Milliseconds()
	bucket := fmt.Sprintf("%s:%d", key, windowStart)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.counts[bucket] >= limit {
		return false, nil
	}
	s.counts[bucket]++
	return true, nil
}
