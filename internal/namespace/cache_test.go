package namespace

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/blobmesh/internal/config"
)

func TestLRUCache(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(2, time.Minute)

	_, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Minute))
	require.NoError(t, c.Set(ctx, "c", []byte("3"), time.Minute))
	assert.Equal(t, 2, c.Len())

	_, ok, _ = c.Get(ctx, "a")
	assert.False(t, ok, "oldest entry should be evicted")

	v, ok, _ := c.Get(ctx, "c")
	assert.True(t, ok)
	assert.Equal(t, []byte("3"), v)

	require.NoError(t, c.Delete(ctx, "c"))
	_, ok, _ = c.Get(ctx, "c")
	assert.False(t, ok)
}

func TestLRUCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(10, 20*time.Millisecond)

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	assert.Eventually(t, func() bool {
		_, ok, _ := c.Get(ctx, "a")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewRedisClient(config.RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisCache(client)
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	mr, c := newTestRedis(t)

	_, ok, err := c.Get(ctx, "photos|cat.jpg|")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "photos|cat.jpg|", []byte(`{"account":"acct0"}`), time.Minute))
	assert.True(t, mr.Exists(redisKeyPrefix+"photos|cat.jpg|"))
	assert.Equal(t, time.Minute, mr.TTL(redisKeyPrefix+"photos|cat.jpg|"))

	v, ok, err := c.Get(ctx, "photos|cat.jpg|")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"account":"acct0"}`, string(v))

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "photos|cat.jpg|")
	require.NoError(t, err)
	assert.False(t, ok, "entry should expire with its TTL")

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, c.Delete(ctx, "k"))
	assert.False(t, mr.Exists(redisKeyPrefix+"k"))
}

func TestRedisCache_ServerDown(t *testing.T) {
	ctx := context.Background()
	mr, c := newTestRedis(t)
	mr.Close()

	_, _, err := c.Get(ctx, "k")
	assert.Error(t, err)
	assert.Error(t, c.Set(ctx, "k", []byte("v"), time.Minute))
}

func TestCachedStore_WithRedis(t *testing.T) {
	ctx := context.Background()
	mr, cache := newTestRedis(t)
	d := NewMemoryDurable()
	store := NewStore(d, cache, time.Minute, Options{Logger: zerolog.Nop()})

	e, err := store.Load(ctx, testKey)
	require.NoError(t, err)
	e.Account = "acct0"
	require.NoError(t, store.Save(ctx, e))
	assert.True(t, mr.Exists(redisKeyPrefix+testKey.String()))

	got, err := store.Fetch(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, got.FromCache())
	assert.Equal(t, "acct0", got.Account)

	// Losing Redis degrades to durable reads.
	mr.Close()
	got, err = store.Fetch(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, got.FromCache())
	assert.Equal(t, "acct0", got.Account)
}
