//go:build integration

package stream

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dyluth/parley/pkg/forum"
)

// setupRedis starts a Redis container for testing.
func setupRedis(t *testing.T) *redis.Options {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	opts, err := redis.ParseURL(fmt.Sprintf("redis://%s:%s", host, port.Port()))
	require.NoError(t, err)
	return opts
}

// TestRedisRelay_RealRedis forwards hub events through a real Redis to a second relay.
func TestRedisRelay_RealRedis(t *testing.T) {
	opts := setupRedis(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	writer, err := NewRedisRelay(opts, "it", nil)
	require.NoError(t, err)
	defer writer.Close()
	require.NoError(t, writer.Ping(ctx))

	reader, err := NewRedisRelay(opts, "it", nil)
	require.NoError(t, err)
	defer reader.Close()

	out, err := reader.Subscribe(ctx, 7)
	require.NoError(t, err)
	defer out.Close()

	hub := NewHub()
	in, err := hub.Subscribe(ctx, 7)
	require.NoError(t, err)

	var relayed atomic.Int32
	writer.OnPublish = func(int64) { relayed.Add(1) }
	go func() { _ = writer.Forward(ctx, 7, in) }()

	hub.Publish(7, forum.Created(testMessage(1, "first")))
	hub.Publish(7, forum.Deleted(1))

	for _, want := range []forum.EventAction{forum.ActionCreated, forum.ActionDeleted} {
		select {
		case ev := <-out.Events():
			assert.Equal(t, want, ev.Action)
			assert.Equal(t, int64(1), ev.TargetID())
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s event", want)
		}
	}

	in.Close()
	assert.Eventually(t, func() bool { return relayed.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
}
