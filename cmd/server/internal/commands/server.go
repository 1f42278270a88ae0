package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/wolfeidau/jobwait/internal/logger"
	"github.com/wolfeidau/jobwait/internal/pubsub"
	memorypubsub "github.com/wolfeidau/jobwait/internal/pubsub/memory"
	postgrespubsub "github.com/wolfeidau/jobwait/internal/pubsub/postgres"
	redispubsub "github.com/wolfeidau/jobwait/internal/pubsub/redis"
	"github.com/wolfeidau/jobwait/internal/server"
	"github.com/wolfeidau/jobwait/internal/store"
	memorystore "github.com/wolfeidau/jobwait/internal/store/memory"
	postgresstore "github.com/wolfeidau/jobwait/internal/store/postgres"
	redisstore "github.com/wolfeidau/jobwait/internal/store/redis"
	"github.com/wolfeidau/jobwait/internal/telemetry"
	"github.com/wolfeidau/jobwait/internal/waiter"
)

type ServerCmd struct {
	// Server configuration
	Listen string `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"JOBWAIT_LISTEN"`
	Cert   string `help:"path to TLS cert file, serves plain HTTP when empty" default:"" env:"JOBWAIT_TLS_CERT"`
	Key    string `help:"path to TLS key file" default:"" env:"JOBWAIT_TLS_KEY"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"*" env:"JOBWAIT_CORS_ORIGINS"`
	TrustProxy  bool     `help:"take client addresses from X-Forwarded-For" default:"false" env:"JOBWAIT_TRUST_PROXY"`

	// Wait configuration
	ChannelPrefix   string        `help:"prefix joined with the job id to name its channel" default:"generate_assignment_id_" env:"JOBWAIT_CHANNEL_PREFIX"`
	WaitTimeout     time.Duration `help:"maximum time a request waits for a completion, 0 waits until the client disconnects" default:"5m" env:"JOBWAIT_WAIT_TIMEOUT"`
	ShutdownTimeout time.Duration `help:"time allowed on shutdown for cancelled waits to respond before connections are closed" default:"10s" env:"JOBWAIT_SHUTDOWN_TIMEOUT"`

	// Telemetry
	Tracing     bool    `help:"enable tracing" default:"false" env:"JOBWAIT_TRACING"`
	SampleRatio float64 `help:"fraction of root traces sampled" default:"1.0" env:"JOBWAIT_TRACE_SAMPLE_RATIO"`

	// Broker configuration
	Broker   string        `help:"broker type (redis, postgres, or memory for local development only)" default:"redis" env:"JOBWAIT_BROKER" enum:"redis,postgres,memory"`
	Redis    RedisFlags    `embed:"" prefix:"redis-"`
	Postgres PostgresFlags `embed:"" prefix:"postgres-"`
}

type RedisFlags struct {
	URL      string `help:"Redis connection URL" env:"REDIS_URL"`
	PoolSize int32  `help:"maximum number of socket connections" default:"20"`
}

func (f *RedisFlags) validate() error {
	if f.URL == "" {
		return errors.New("redis URL is required (--redis-url or REDIS_URL)")
	}
	return nil
}

type PostgresFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32 `help:"maximum number of connections in pool" default:"10"`
	MinConns        int32 `help:"minimum number of connections in pool" default:"2"`
	MaxConnLifetime int32 `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32 `help:"maximum connection idle time in seconds" default:"1800"`

	// Result Store Configuration
	CleanupInterval int32 `help:"interval in seconds between expired result sweeps" default:"60"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"JOBWAIT_POSTGRES_AUTO_MIGRATE"`
}

func (f *PostgresFlags) validate() error {
	if f.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

// Validate checks the flags of the selected broker only.
func (c *ServerCmd) Validate() error {
	switch c.Broker {
	case "redis":
		return c.Redis.validate()
	case "postgres":
		return c.Postgres.validate()
	}
	return nil
}

// backend is the broker connection and result store chosen by --broker.
type backend struct {
	driver  pubsub.Driver
	results store.ResultStore
	close   func()
}

func (c *ServerCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)
	zlog.Logger = log
	zerolog.DefaultContextLogger = &log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName: "jobwait-server",
			Version:     globals.Version,
			SampleRatio: c.SampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	be, err := c.openBackend(ctx, log)
	if err != nil {
		return err
	}
	defer be.close()

	conn := pubsub.NewConn(be.driver)
	defer func() {
		if err := conn.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close broker connection")
		}
	}()

	w, err := waiter.New(conn, be.results, waiter.Config{
		ChannelPrefix: c.ChannelPrefix,
		Timeout:       c.WaitTimeout,
	})
	if err != nil {
		return err
	}

	handler := server.NewServer(w, conn).Handler(log, server.Options{
		CORSOrigins: c.CORSOrigins,
		TrustProxy:  c.TrustProxy,
	})

	srv := configureHTTPServer(c.Listen, handler, c.WaitTimeout)
	srv.BaseContext = func(_ net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Listen).Str("broker", c.Broker).Bool("tls", c.Cert != "").Msg("Starting HTTP server")
		errCh <- c.serve(srv)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("In-flight requests did not finish before shutdown")
		return srv.Close()
	}

	return nil
}

func (c *ServerCmd) serve(srv *http.Server) error {
	if c.Cert == "" && c.Key == "" {
		return srv.ListenAndServe()
	}

	if c.Cert == "" || c.Key == "" {
		return errors.New("both TLS certificate and key are required (--cert and --key)")
	}
	if _, err := os.Stat(c.Cert); err != nil {
		return fmt.Errorf("TLS certificate not found at %s: %w", c.Cert, err)
	}
	if _, err := os.Stat(c.Key); err != nil {
		return fmt.Errorf("TLS key not found at %s: %w", c.Key, err)
	}

	return srv.ListenAndServeTLS(c.Cert, c.Key)
}

func (c *ServerCmd) openBackend(ctx context.Context, log zerolog.Logger) (*backend, error) {
	switch c.Broker {
	case "redis":
		client, err := redisstore.NewClient(ctx, &redisstore.ClientConfig{
			URL:      c.Redis.URL,
			PoolSize: c.Redis.PoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		log.Info().Msg("Using Redis broker and result store")

		return &backend{
			driver:  redispubsub.NewDriver(ctx, client),
			results: redisstore.NewResultStore(client),
			close: func() {
				if err := client.Close(); err != nil {
					log.Error().Err(err).Msg("Failed to close redis client")
				}
			},
		}, nil

	case "postgres":
		pool, err := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
			ConnString:      c.Postgres.ConnString,
			MaxConns:        c.Postgres.MaxConns,
			MinConns:        c.Postgres.MinConns,
			MaxConnLifetime: c.Postgres.MaxConnLifetime,
			MaxConnIdleTime: c.Postgres.MaxConnIdleTime,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}

		if c.Postgres.AutoMigrate {
			if err := postgresstore.RunMigrations(ctx, pool); err != nil {
				pool.Close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("Database migrations completed")
		}

		results, err := postgresstore.NewResultStore(pool, &postgresstore.ResultStoreConfig{
			CleanupIntervalSeconds: c.Postgres.CleanupInterval,
		})
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create result store: %w", err)
		}
		if err := results.Start(); err != nil {
			pool.Close()
			return nil, err
		}

		driver, err := postgrespubsub.NewDriver(ctx, pool)
		if err != nil {
			_ = results.Stop()
			pool.Close()
			return nil, fmt.Errorf("failed to start notification listener: %w", err)
		}

		log.Info().Msg("Using PostgreSQL broker and result store with shared connection pool")

		return &backend{
			driver:  driver,
			results: results,
			close: func() {
				if err := results.Stop(); err != nil {
					log.Error().Err(err).Msg("Failed to stop result store")
				}
				pool.Close()
			},
		}, nil

	default:
		broker := memorypubsub.NewBroker()
		driver, err := broker.Connect()
		if err != nil {
			return nil, err
		}

		log.Warn().Msg("Using in-memory broker, completions can only be published from this process")

		return &backend{
			driver:  driver,
			results: memorystore.NewResultStore(),
			close:   broker.Shutdown,
		}, nil
	}
}
