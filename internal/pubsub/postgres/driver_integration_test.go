//go:build integration

package postgres

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/wolfeidau/jobwait/internal/pubsub"
	pgstore "github.com/wolfeidau/jobwait/internal/store/postgres"
	"github.com/wolfeidau/jobwait/internal/waiter"
)

func setupPool(t *testing.T, ctx context.Context) *pgxpool.Pool {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	pool, err := pgstore.NewPool(ctx, &pgstore.PoolConfig{
		ConnString: fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()),
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, pgstore.RunMigrations(ctx, pool))

	return pool
}

func receive(t *testing.T, sub *pubsub.Subscription) pubsub.Message {
	select {
	case msg := <-sub.Messages():
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
		return pubsub.Message{}
	}
}

func TestIntegration_DriverListenNotify(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(t, ctx)

	driver, err := NewDriver(ctx, pool)
	require.NoError(t, err)

	conn := pubsub.NewConn(driver)
	defer conn.Close()

	require.NoError(t, conn.Ping(ctx))

	t.Run("notify reaches listener", func(t *testing.T) {
		sub, err := conn.Subscribe(ctx, "generate_assignment_id_1")
		require.NoError(t, err)
		defer sub.Close(ctx)

		require.NoError(t, conn.Publish(ctx, "generate_assignment_id_1", `{"id":"1"}`))

		msg := receive(t, sub)
		require.Equal(t, "generate_assignment_id_1", msg.Channel)
		require.Equal(t, `{"id":"1"}`, msg.Payload)
	})

	t.Run("channel names needing quotes", func(t *testing.T) {
		channel := `generate_assignment_id_Mixed-Case "quoted"`
		sub, err := conn.Subscribe(ctx, channel)
		require.NoError(t, err)
		defer sub.Close(ctx)

		require.NoError(t, conn.Publish(ctx, channel, "ok"))
		require.Equal(t, channel, receive(t, sub).Channel)
	})

	t.Run("unlisten stops delivery", func(t *testing.T) {
		first, err := conn.Subscribe(ctx, "generate_assignment_id_2")
		require.NoError(t, err)
		require.NoError(t, first.Close(ctx))

		watcher, err := conn.Subscribe(ctx, "generate_assignment_id_3")
		require.NoError(t, err)
		defer watcher.Close(ctx)

		require.NoError(t, conn.Publish(ctx, "generate_assignment_id_2", "dropped"))
		require.NoError(t, conn.Publish(ctx, "generate_assignment_id_3", "kept"))

		// notifications arrive in order, so the dropped one would come first
		require.Equal(t, "kept", receive(t, watcher).Payload)
	})

	t.Run("payload too large", func(t *testing.T) {
		err := conn.Publish(ctx, "generate_assignment_id_4", strings.Repeat("x", 8000))
		require.ErrorIs(t, err, pubsub.ErrPayloadTooLarge)
	})

	t.Run("channel name too long", func(t *testing.T) {
		_, err := conn.Subscribe(ctx, strings.Repeat("c", 64))
		require.ErrorIs(t, err, pubsub.ErrSubscription)
		require.Equal(t, 0, conn.Listeners())
	})
}

func TestIntegration_WaiterOverPostgres(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(t, ctx)

	driver, err := NewDriver(ctx, pool)
	require.NoError(t, err)

	conn := pubsub.NewConn(driver)
	defer conn.Close()

	results, err := pgstore.NewResultStore(pool, &pgstore.ResultStoreConfig{})
	require.NoError(t, err)

	w, err := waiter.New(conn, results, waiter.Config{Timeout: 10 * time.Second})
	require.NoError(t, err)

	publisher, err := waiter.NewPublisher(conn, results, waiter.Config{ResultTTL: time.Minute})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		c, err := w.Wait(ctx, "abc123")
		if err == nil && c.ID != "abc123" {
			err = fmt.Errorf("resolved with %s", c.ID)
		}
		done <- err
	}()

	require.Eventually(t, func() bool {
		return conn.Subscribed(w.Channel("abc123"))
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Publish(ctx, w.Channel("abc123"), `{"id":"xyz999","result":"no"}`))
	_, err = publisher.Publish(ctx, "abc123", map[string]any{"result": "done"})
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("wait did not resolve")
	}

	require.False(t, conn.Subscribed(w.Channel("abc123")))
}

func TestIntegration_DriverClose(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(t, ctx)

	driver, err := NewDriver(ctx, pool)
	require.NoError(t, err)

	conn := pubsub.NewConn(driver)

	sub, err := conn.Subscribe(ctx, "generate_assignment_id_1")
	require.NoError(t, err)

	require.NoError(t, conn.Close())

	select {
	case <-sub.Failed():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not failed after close")
	}
	require.ErrorIs(t, sub.Err(), pubsub.ErrClosed)
	require.ErrorIs(t, driver.Subscribe(ctx, "generate_assignment_id_2"), pubsub.ErrClosed)
}
