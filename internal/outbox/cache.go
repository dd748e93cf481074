package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"execplane/internal/types"

	"github.com/redis/go-redis/v9"
)

// ResultCache is the simpler replay layer available when a full outbox is
// not wired (or as an opportunistic read-through in front of one). Only
// successful results are cached; failures never are.
type ResultCache interface {
	Get(ctx context.Context, key string) (types.Value, bool, error)
	Put(ctx context.Context, key string, v types.Value, ttl time.Duration) error
}

// =============================================================================
// IN-MEMORY CACHE
// =============================================================================

type cacheItem struct {
	value   types.Value
	expires time.Time
}

// MemoryCache is a TTL'd in-process result cache.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]cacheItem
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]cacheItem)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (types.Value, bool, error) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return types.Value{}, false, nil
	}
	if !item.expires.IsZero() && time.Now().After(item.expires) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return types.Value{}, false, nil
	}
	return item.value, true, nil
}

func (c *MemoryCache) Put(_ context.Context, key string, v types.Value, ttl time.Duration) error {
	item := cacheItem{value: v}
	if ttl > 0 {
		item.expires = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = item
	c.mu.Unlock()
	return nil
}

// =============================================================================
// REDIS CACHE
// =============================================================================

// RedisCache stores results as JSON strings in Redis, sharing replay state
// across plane instances.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a cache on the given Redis address.
func NewRedisCache(addr string) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: "plane:result:",
	}
}

func (c *RedisCache) Get(ctx context.Context, key string) (types.Value, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.Value{}, false, nil
	}
	if err != nil {
		return types.Value{}, false, fmt.Errorf("redis get: %w", err)
	}
	var v types.Value
	if err := json.Unmarshal(data, &v); err != nil {
		return types.Value{}, false, fmt.Errorf("corrupt cached result for %s: %w", key, err)
	}
	return v, true, nil
}

func (c *RedisCache) Put(ctx context.Context, key string, v types.Value, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error { return c.client.Close() }
