// Package cache holds process-wide settings caches. Each service owns its
// own Cache; writes invalidate synchronously and nothing expires on a timer.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/nexus-cloaker/datacenter/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Cache stores JSON-encoded values in a Store.
type Cache struct {
	name  string
	store Store

	// mu serialises loads and invalidations
	mu sync.Mutex

	hits   atomic.Int64
	misses atomic.Int64
}

func New(name string, store Store) *Cache {
	return &Cache{name: name, store: store}
}

// Name is the namespace the cache was created for.
func (c *Cache) Name() string { return c.name }

// Get decodes key into dst and reports whether it was present.
func (c *Cache) Get(ctx context.Context, key string, dst interface{}) bool {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			logrus.WithError(err).WithField("cache", c.name).Warn("cache read failed")
		}
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// GetOrLoad returns the cached value for key, calling load at most once per
// miss even under concurrent callers.
func (c *Cache) GetOrLoad(ctx context.Context, key string, dst interface{}, load func(ctx context.Context) (interface{}, error)) error {
	if c.Get(ctx, key, dst) {
		c.hits.Add(1)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Get(ctx, key, dst) {
		c.hits.Add(1)
		return nil
	}
	c.misses.Add(1)

	v, err := load(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, key, data); err != nil {
		logrus.WithError(err).WithField("cache", c.name).Warn("cache write failed")
	}
	return json.Unmarshal(data, dst)
}

// Invalidate drops one key.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Delete(ctx, key)
}

// Clear drops every key of the namespace.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Reset(ctx)
}

// Stats returns hit and miss counts since creation.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) Close() error {
	return c.store.Close()
}

// =====================
// Backend
// =====================

// Backend hands out namespaced caches over redis when configured, otherwise
// over one bigcache instance per namespace.
type Backend struct {
	cfg    config.CacheConfig
	client *redis.Client

	mu     sync.Mutex
	caches []*Cache
}

// NewBackend connects to redis when cfg.RedisURL is set. A redis failure is
// returned so the caller can decide to fall back.
func NewBackend(ctx context.Context, cfg config.CacheConfig) (*Backend, error) {
	b := &Backend{cfg: cfg}
	if cfg.RedisURL == "" {
		return b, nil
	}
	client, err := NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	b.client = client
	return b, nil
}

// Kind names the active store type.
func (b *Backend) Kind() string {
	if b.client != nil {
		return "redis"
	}
	return "bigcache"
}

// Namespace returns a new cache whose keys do not collide with other namespaces.
func (b *Backend) Namespace(ctx context.Context, name string) (*Cache, error) {
	var store Store
	if b.client != nil {
		store = NewRedisStore(b.client, b.cfg.KeyPrefix+name+":")
	} else {
		size := b.cfg.SizeMB
		if size <= 0 {
			size = 16
		}
		s, err := NewMemoryStore(ctx, size)
		if err != nil {
			return nil, err
		}
		store = s
	}
	c := New(name, store)

	b.mu.Lock()
	b.caches = append(b.caches, c)
	b.mu.Unlock()
	return c, nil
}

// Caches lists every namespace handed out so far.
func (b *Backend) Caches() []*Cache {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Cache(nil), b.caches...)
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.caches {
		c.Close()
	}
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}
