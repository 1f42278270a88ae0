package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wolfeidau/jobwait/internal/store"
)

var _ store.ResultStore = (*ResultStore)(nil)

type result struct {
	payload   string
	expiresAt time.Time
}

// ResultStore implements store.ResultStore in memory. Expired entries are
// dropped when they are next read.
type ResultStore struct {
	mu      sync.Mutex
	results map[string]result
	now     func() time.Time
}

// NewResultStore creates an empty in-memory result store.
func NewResultStore() *ResultStore {
	return &ResultStore{
		results: make(map[string]result),
		now:     time.Now,
	}
}

// Put implements store.ResultStore.
func (s *ResultStore) Put(ctx context.Context, key, payload string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := result{payload: payload}
	if ttl > 0 {
		r.expiresAt = s.now().Add(ttl)
	}
	s.results[key] = r
	return nil
}

// Get implements store.ResultStore.
func (s *ResultStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.results[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", store.ErrNotFound, key)
	}
	if !r.expiresAt.IsZero() && !s.now().Before(r.expiresAt) {
		delete(s.results, key)
		return "", fmt.Errorf("%w: %s", store.ErrNotFound, key)
	}
	return r.payload, nil
}

// Len returns the number of stored results, expired or not.
func (s *ResultStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}
