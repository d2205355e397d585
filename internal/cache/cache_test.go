package cache

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nexus-cloaker/datacenter/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type settings struct {
	Name  string `json:"name"`
	Limit int    `json:"limit"`
}

func newMemoryCache(t *testing.T) *Cache {
	t.Helper()
	b, err := NewBackend(context.Background(), config.CacheConfig{SizeMB: 8})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	c, err := b.Namespace(context.Background(), "test")
	require.NoError(t, err)
	return c
}

func TestGetOrLoadLoadsOnceUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(t)

	var loads atomic.Int32
	load := func(context.Context) (interface{}, error) {
		loads.Add(1)
		return settings{Name: "default", Limit: 100}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var s settings
			assert.NoError(t, c.GetOrLoad(ctx, "settings", &s, load))
			assert.Equal(t, 100, s.Limit)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
	hits, misses := c.Stats()
	assert.Equal(t, int64(1), misses)
	assert.Equal(t, int64(31), hits)
}

func TestInvalidateForcesReload(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(t)

	value := 1
	load := func(context.Context) (interface{}, error) { return settings{Limit: value}, nil }

	var s settings
	require.NoError(t, c.GetOrLoad(ctx, "k", &s, load))
	assert.Equal(t, 1, s.Limit)

	value = 2
	require.NoError(t, c.GetOrLoad(ctx, "k", &s, load))
	assert.Equal(t, 1, s.Limit, "cached value is served until invalidated")

	require.NoError(t, c.Invalidate(ctx, "k"))
	require.NoError(t, c.GetOrLoad(ctx, "k", &s, load))
	assert.Equal(t, 2, s.Limit)

	// deleting an absent key is not an error
	require.NoError(t, c.Invalidate(ctx, "absent"))
}

func TestClearDropsAllKeys(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(t)

	load := func(context.Context) (interface{}, error) { return settings{Limit: 5}, nil }
	var s settings
	require.NoError(t, c.GetOrLoad(ctx, "a", &s, load))
	require.NoError(t, c.GetOrLoad(ctx, "b", &s, load))

	require.NoError(t, c.Clear(ctx))
	assert.False(t, c.Get(ctx, "a", &s))
	assert.False(t, c.Get(ctx, "b", &s))
}

func TestLoadErrorIsNotCached(t *testing.T) {
	ctx := context.Background()
	c := newMemoryCache(t)

	calls := 0
	load := func(context.Context) (interface{}, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("db down")
		}
		return settings{Limit: 7}, nil
	}

	var s settings
	assert.Error(t, c.GetOrLoad(ctx, "k", &s, load))
	require.NoError(t, c.GetOrLoad(ctx, "k", &s, load))
	assert.Equal(t, 7, s.Limit)
}

func TestRedisNamespaces(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	b, err := NewBackend(ctx, config.CacheConfig{RedisURL: url, KeyPrefix: "dc-test:"})
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, "redis", b.Kind())

	a, err := b.Namespace(ctx, "a")
	require.NoError(t, err)
	other, err := b.Namespace(ctx, "b")
	require.NoError(t, err)

	load := func(context.Context) (interface{}, error) { return settings{Limit: 1}, nil }
	var s settings
	require.NoError(t, a.GetOrLoad(ctx, "k", &s, load))
	require.NoError(t, other.GetOrLoad(ctx, "k", &s, load))

	require.NoError(t, a.Clear(ctx))
	assert.False(t, a.Get(ctx, "k", &s))
	assert.True(t, other.Get(ctx, "k", &s))
	require.NoError(t, other.Clear(ctx))
}
