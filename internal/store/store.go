package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no result is stored under a key.
var ErrNotFound = errors.New("result not found")

// ResultStore keeps the latest completion payload published for a channel so
// a waiter that subscribes after the publish can still pick it up.
type ResultStore interface {
	// Put stores payload under key. A zero ttl keeps it until overwritten.
	Put(ctx context.Context, key, payload string, ttl time.Duration) error

	// Get returns the payload stored under key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
}
