package lock

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires a running Redis; skipped when none is reachable.
func TestRedisLock_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	probe := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = probe.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := probe.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}

	locks := NewRedisLock(addr, "", 0, time.Minute)
	defer func() { _ = locks.Close() }()

	resource := fmt.Sprintf("test-resource-%d", time.Now().UnixNano())

	token, ok, err := locks.Acquire(ctx, resource)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	// Second acquire while held must be refused.
	_, ok, err = locks.Acquire(ctx, resource)
	require.NoError(t, err)
	assert.False(t, ok)

	// Only the holder token can release.
	assert.ErrorIs(t, locks.Release(ctx, resource, "not-the-token"), ErrNotHeld)
	require.NoError(t, locks.Release(ctx, resource, token))

	// Released lock is free again.
	token2, ok, err := locks.Acquire(ctx, resource)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, locks.Release(ctx, resource, token2))
}

func TestRedisLock_TTLExpiry_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	probe := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = probe.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := probe.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}

	locks := NewRedisLock(addr, "", 0, 100*time.Millisecond)
	defer func() { _ = locks.Close() }()

	resource := fmt.Sprintf("test-ttl-%d", time.Now().UnixNano())

	token, ok, err := locks.Acquire(ctx, resource)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(200 * time.Millisecond)

	// TTL elapsed: the lock is free and the stale token cannot release.
	_, ok, err = locks.Acquire(ctx, resource)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.ErrorIs(t, locks.Release(ctx, resource, token), ErrNotHeld)
}
