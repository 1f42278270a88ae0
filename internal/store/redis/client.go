package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ClientConfig holds configuration for the shared Redis client.
type ClientConfig struct {
	// URL is the Redis connection URL.
	// Format: redis://[user:password@]host:port/db
	URL string

	// PoolSize is the maximum number of socket connections.
	// Default: 20
	PoolSize int32

	// DialTimeout is the timeout for establishing new connections (in seconds).
	// Default: 5
	DialTimeout int32

	// ConnectTimeout bounds how long NewClient keeps retrying the initial ping (in seconds).
	// Default: 30
	ConnectTimeout int32
}

// Validate checks that the client configuration is valid.
func (c *ClientConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("redis URL is required")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *ClientConfig) ApplyDefaults() {
	if c.PoolSize == 0 {
		c.PoolSize = 20
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30
	}
}

// NewClient creates a Redis client and pings it, retrying with exponential
// backoff until ConnectTimeout elapses.
func NewClient(ctx context.Context, cfg *ClientConfig) (*goredis.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("client config is required")
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	opts.PoolSize = int(cfg.PoolSize)
	opts.DialTimeout = time.Duration(cfg.DialTimeout) * time.Second

	client := goredis.NewClient(opts)

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, client.Ping(ctx).Err()
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(time.Duration(cfg.ConnectTimeout)*time.Second),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Str("addr", opts.Addr).Dur("next_retry", next).Msg("Redis not reachable, retrying")
		}),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}
