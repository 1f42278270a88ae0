package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/wolfeidau/jobwait/internal/store"
)

var _ store.ResultStore = (*ResultStore)(nil)

// ResultStore keeps completion payloads in plain Redis string keys, the same
// keys the payloads are published on.
type ResultStore struct {
	client *goredis.Client
}

// NewResultStore creates a result store on the shared client.
func NewResultStore(client *goredis.Client) *ResultStore {
	return &ResultStore{client: client}
}

// Put implements store.ResultStore.
func (s *ResultStore) Put(ctx context.Context, key, payload string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store result %s: %w", key, err)
	}
	return nil
}

// Get implements store.ResultStore.
func (s *ResultStore) Get(ctx context.Context, key string) (string, error) {
	payload, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", fmt.Errorf("%w: %s", store.ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load result %s: %w", key, err)
	}
	return payload, nil
}
