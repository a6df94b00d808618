package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/cartengine/internal/domain"
)

func setupTestRedis(t *testing.T) (redis.UniversalClient, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestRedisLocker_AcquireRelease(t *testing.T) {
	client, mr := setupTestRedis(t)
	l := NewRedisLocker(client, "test", 30*time.Second, 50*time.Millisecond)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, CartKey("c1"))
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:cart-lock:c1"))
	assert.Equal(t, 30*time.Second, mr.TTL("test:cart-lock:c1"))

	_, err = l.Acquire(ctx, CartKey("c1"))
	assert.ErrorIs(t, err, domain.ErrLockTimeout)

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists("test:cart-lock:c1"))

	lease, err = l.Acquire(ctx, CartKey("c1"))
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
}

func TestRedisLocker_ReleaseOnlyOwnLease(t *testing.T) {
	client, mr := setupTestRedis(t)
	l := NewRedisLocker(client, "test", time.Second, 50*time.Millisecond)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "k")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	fresh, err := l.Acquire(ctx, "k")
	require.NoError(t, err)

	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists("test:k"), "expired holder must not delete the new lease")

	require.NoError(t, fresh.Release(ctx))
	assert.False(t, mr.Exists("test:k"))
}

func TestRedisLocker_WaitsForRelease(t *testing.T) {
	client, _ := setupTestRedis(t)
	l := NewRedisLocker(client, "test", 30*time.Second, time.Second)
	ctx := context.Background()

	first, err := l.Acquire(ctx, "k")
	require.NoError(t, err)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = first.Release(ctx)
	}()

	second, err := l.Acquire(ctx, "k")
	require.NoError(t, err)
	_ = second.Release(ctx)
}
