//go:build integration

package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/wolfeidau/jobwait/internal/store"
)

func setupRedisContainer(t *testing.T, ctx context.Context) (*goredis.Client, func()) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client, err := NewClient(ctx, &ClientConfig{URL: fmt.Sprintf("redis://%s:%s/0", host, port.Port())})
	require.NoError(t, err)

	cleanup := func() {
		_ = client.Close()
		_ = container.Terminate(ctx)
	}

	return client, cleanup
}

func TestIntegration_ResultStore(t *testing.T) {
	ctx := context.Background()
	client, cleanup := setupRedisContainer(t, ctx)
	defer cleanup()

	results := NewResultStore(client)

	t.Run("missing key", func(t *testing.T) {
		_, err := results.Get(ctx, "generate_assignment_id_missing")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("put and get", func(t *testing.T) {
		require.NoError(t, results.Put(ctx, "generate_assignment_id_1", `{"id":"1"}`, time.Minute))

		payload, err := results.Get(ctx, "generate_assignment_id_1")
		require.NoError(t, err)
		require.Equal(t, `{"id":"1"}`, payload)

		ttl, err := client.TTL(ctx, "generate_assignment_id_1").Result()
		require.NoError(t, err)
		require.Greater(t, ttl, time.Duration(0))
	})

	t.Run("expiry", func(t *testing.T) {
		require.NoError(t, results.Put(ctx, "generate_assignment_id_2", `{"id":"2"}`, time.Second))

		require.Eventually(t, func() bool {
			_, err := results.Get(ctx, "generate_assignment_id_2")
			return err != nil
		}, 5*time.Second, 100*time.Millisecond)
	})
}

func TestIntegration_NewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(context.Background(), &ClientConfig{URL: "not-a-url"})
	require.Error(t, err)
}
