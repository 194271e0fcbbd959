package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMemoryCacheWindow(t *testing.T) {
	c := NewMemoryCache(zaptest.NewLogger(t), time.Minute, 0)
	defer c.Stop()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	seen, err := c.Seen(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = c.Seen(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, seen)

	now = now.Add(2 * time.Minute)
	seen, err = c.Seen(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, seen, "expired keys are marked again")
}

func TestMemoryCacheCleanup(t *testing.T) {
	c := NewMemoryCache(zaptest.NewLogger(t), time.Minute, 0)
	defer c.Stop()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = c.Seen(ctx, "old")
	now = now.Add(30 * time.Second)
	_, _ = c.Seen(ctx, "new")
	now = now.Add(45 * time.Second)

	require.NoError(t, c.Cleanup(ctx))
	c.mu.Lock()
	assert.Len(t, c.entries, 1)
	assert.Contains(t, c.entries, "new")
	c.mu.Unlock()
}

func TestMemoryCacheStopIsIdempotent(t *testing.T) {
	c := NewMemoryCache(zaptest.NewLogger(t), time.Minute, time.Millisecond)
	c.Stop()
	c.Stop()
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	c, err := NewRedisCache(ctx, RedisOptions{Addr: mr.Addr(), Prefix: "lr:", TTL: time.Minute}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Stop()

	seen, err := c.Seen(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.True(t, mr.Exists("lr:m1"))
	assert.Equal(t, time.Minute, mr.TTL("lr:m1"))

	seen, err = c.Seen(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, seen)

	mr.FastForward(2 * time.Minute)
	seen, err = c.Seen(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedisCacheUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisCache(context.Background(), RedisOptions{Addr: addr}, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestRedisCacheErrorsSurface(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewRedisCache(context.Background(), RedisOptions{Addr: mr.Addr(), TTL: time.Minute}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Stop()

	mr.SetError("READONLY replica")
	_, err = c.Seen(context.Background(), "m1")
	require.Error(t, err)
}
