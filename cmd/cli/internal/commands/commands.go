package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/jobwait/internal/pubsub"
	postgrespubsub "github.com/wolfeidau/jobwait/internal/pubsub/postgres"
	redispubsub "github.com/wolfeidau/jobwait/internal/pubsub/redis"
	"github.com/wolfeidau/jobwait/internal/store"
	postgresstore "github.com/wolfeidau/jobwait/internal/store/postgres"
	redisstore "github.com/wolfeidau/jobwait/internal/store/redis"
)

type Globals struct {
	Debug   bool
	Version string
}

// BrokerFlags select the broker completions are published to.
type BrokerFlags struct {
	Broker     string `help:"broker type (redis or postgres)" default:"redis" env:"JOBWAIT_BROKER" enum:"redis,postgres"`
	RedisURL   string `help:"Redis connection URL" env:"REDIS_URL"`
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`
}

func (f *BrokerFlags) Validate() error {
	switch f.Broker {
	case "redis":
		if f.RedisURL == "" {
			return errors.New("redis URL is required (--redis-url or REDIS_URL)")
		}
	case "postgres":
		if f.ConnString == "" {
			return errors.New("PostgreSQL connection string is required (--conn-string or POSTGRES_CONNECTION_STRING)")
		}
	}
	return nil
}

// connect opens the broker and result store. The returned func releases both.
func (f *BrokerFlags) connect(ctx context.Context) (pubsub.Driver, store.ResultStore, func(), error) {
	switch f.Broker {
	case "postgres":
		pool, err := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
			ConnString: f.ConnString,
			MaxConns:   2,
			MinConns:   1,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
		}

		results, err := postgresstore.NewResultStore(pool, &postgresstore.ResultStoreConfig{})
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}

		driver, err := postgrespubsub.NewDriver(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}

		return driver, results, func() {
			_ = driver.Close()
			pool.Close()
		}, nil

	default:
		client, err := redisstore.NewClient(ctx, &redisstore.ClientConfig{URL: f.RedisURL, PoolSize: 2})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		driver := redispubsub.NewDriver(ctx, client)

		return driver, redisstore.NewResultStore(client), func() {
			_ = driver.Close()
			if err := client.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close redis client")
			}
		}, nil
	}
}
