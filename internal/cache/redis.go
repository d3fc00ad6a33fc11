package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache stores response entries in Redis so multiple gateway instances
// share one cache. Hit/miss counters are process-local; TTL eviction is
// Redis-native and LRU pressure is delegated to the server's maxmemory
// policy.
type RedisCache struct {
	rdb       *redis.Client
	keyPrefix string
	logger    *log.Logger

	mu     sync.Mutex
	hits   int64
	misses int64
}

// NewRedisCache connects to Redis and verifies connectivity. The caller
// decides whether to fall back to the in-memory cache on error.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	rc := &RedisCache{
		rdb:       rdb,
		keyPrefix: "capgw:cache:",
		logger:    log.New(log.Writer(), "[CACHE-REDIS] ", log.LstdFlags),
	}
	rc.logger.Printf("Connected to Redis at %s (db=%d)", addr, db)
	return rc, nil
}

// Close shuts down the underlying client.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

func (c *RedisCache) Get(key string) (*Entry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := c.rdb.Get(ctx, c.keyPrefix+key).Bytes()
	if err != nil {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Printf("Corrupt cache entry for %s: %v", key, err)
		c.rdb.Del(ctx, c.keyPrefix+key)
		return nil, false
	}

	entry.Hits++
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return &entry, true
}

func (c *RedisCache) Set(key string, entry *Entry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	entry.Key = key
	entry.InsertedAt = time.Now()

	raw, err := json.Marshal(entry)
	if err != nil {
		c.logger.Printf("Failed to marshal cache entry for %s: %v", key, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.rdb.Set(ctx, c.keyPrefix+key, raw, ttl).Err(); err != nil {
		c.logger.Printf("Failed to store cache entry for %s: %v", key, err)
	}
}

func (c *RedisCache) Invalidate(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.rdb.Del(ctx, c.keyPrefix+key)
}

func (c *RedisCache) InvalidateCapability(capabilityID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	iter := c.rdb.Scan(ctx, 0, c.keyPrefix+capabilityID+":*", 100).Iterator()
	for iter.Next(ctx) {
		c.rdb.Del(ctx, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logger.Printf("Scan during invalidation of %s failed: %v", capabilityID, err)
	}
}

// Sweep is a no-op for Redis; the server expires keys itself.
func (c *RedisCache) Sweep() int { return 0 }

func (c *RedisCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses}
}
