package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/jobwait/internal/store"
)

var _ store.ResultStore = (*ResultStore)(nil)

// ResultStore implements store.ResultStore on the completions table. Expired
// rows are invisible to Get and deleted by a background loop.
type ResultStore struct {
	pool *pgxpool.Pool
	cfg  *ResultStoreConfig

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewResultStore creates a result store on the shared pool.
func NewResultStore(pool *pgxpool.Pool, cfg *ResultStoreConfig) (*ResultStore, error) {
	if cfg == nil {
		cfg = &ResultStoreConfig{}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &ResultStore{
		pool:   pool,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}, nil
}

// Start launches the expiry cleanup loop.
func (s *ResultStore) Start() error {
	log.Info().Int32("cleanup_interval_seconds", s.cfg.CleanupIntervalSeconds).Msg("Starting PostgreSQL result store")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.cleanupLoop()
	}()

	return nil
}

// Stop halts the cleanup loop. The pool is owned by the caller.
func (s *ResultStore) Stop() error {
	close(s.stopCh)
	s.wg.Wait()
	log.Info().Msg("PostgreSQL result store stopped")
	return nil
}

func (s *ResultStore) cleanupLoop() {
	ticker := time.NewTicker(time.Duration(s.cfg.CleanupIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deleted, err := s.DeleteExpired(context.Background())
			if err != nil {
				log.Error().Err(err).Msg("Failed to delete expired results")
				continue
			}
			stats := s.pool.Stat()
			log.Debug().
				Int64("deleted", deleted).
				Int32("total_conns", stats.TotalConns()).
				Int32("idle_conns", stats.IdleConns()).
				Int32("acquired_conns", stats.AcquiredConns()).
				Msg("Result cleanup finished")
		case <-s.stopCh:
			return
		}
	}
}

func (s *ResultStore) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(s.cfg.QueryTimeoutSeconds)*time.Second)
}

// Put implements store.ResultStore.
func (s *ResultStore) Put(ctx context.Context, key, payload string, ttl time.Duration) error {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO completions (channel, payload, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (channel) DO UPDATE
		SET payload = EXCLUDED.payload,
		    created_at = now(),
		    expires_at = EXCLUDED.expires_at
	`, key, payload, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to store result %s: %w", key, mapPostgresError(err))
	}
	return nil
}

// Get implements store.ResultStore.
func (s *ResultStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	var payload string
	err := s.pool.QueryRow(ctx, `
		SELECT payload FROM completions
		WHERE channel = $1 AND (expires_at IS NULL OR expires_at > now())
	`, key).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", store.ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load result %s: %w", key, mapPostgresError(err))
	}
	return payload, nil
}

// DeleteExpired removes expired results and returns how many were deleted.
func (s *ResultStore) DeleteExpired(ctx context.Context) (int64, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM completions WHERE expires_at <= now()`)
	if err != nil {
		return 0, mapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
