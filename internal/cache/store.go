package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by a Store when the key is absent.
var ErrMiss = errors.New("cache miss")

// Store is a byte-level key/value backend scoped to one namespace.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Reset drops every key of the namespace.
	Reset(ctx context.Context) error
	Close() error
}

// =====================
// In-process store
// =====================

type memoryStore struct {
	cache *bigcache.BigCache
}

// NewMemoryStore creates a bigcache-backed store. Entries never expire;
// they only leave through Delete, Reset or when sizeMB is exceeded.
func NewMemoryStore(ctx context.Context, sizeMB int) (Store, error) {
	cfg := bigcache.DefaultConfig(10 * 365 * 24 * time.Hour)
	cfg.CleanWindow = 0
	cfg.Shards = 16
	cfg.MaxEntriesInWindow = 1024
	cfg.MaxEntrySize = 4096
	cfg.HardMaxCacheSize = sizeMB
	cfg.Verbose = false

	c, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}
	return &memoryStore{cache: c}, nil
}

func (m *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	v, err := m.cache.Get(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, ErrMiss
	}
	return v, err
}

func (m *memoryStore) Set(_ context.Context, key string, value []byte) error {
	return m.cache.Set(key, value)
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	err := m.cache.Delete(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil
	}
	return err
}

func (m *memoryStore) Reset(_ context.Context) error {
	return m.cache.Reset()
}

func (m *memoryStore) Close() error {
	return m.cache.Close()
}

// =====================
// Redis store
// =====================

type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisClient parses url and checks the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisStore namespaces keys under prefix on a shared client. Closing the
// store leaves the client open.
func NewRedisStore(client *redis.Client, prefix string) Store {
	return &redisStore{client: client, prefix: prefix}
}

func (r *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return v, err
}

func (r *redisStore) Set(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, r.prefix+key, value, 0).Err()
}

func (r *redisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

func (r *redisStore) Reset(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *redisStore) Close() error { return nil }
