// Package cache is the shared response cache keyed by capability id plus the
// canonical inputs hash. The default backend is an in-process TTL+LRU store;
// a Redis backend is available for multi-instance deployments.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// Entry is one cached execution result. Outputs are stored together with the
// execution metadata needed to rebuild a cache-hit receipt.
type Entry struct {
	Key         string                 `json:"key"`
	Outputs     map[string]interface{} `json:"outputs"`
	ExecutorID  string                 `json:"executor_id"`
	Proof       string                 `json:"proof,omitempty"`
	CostActual  float64                `json:"cost_actual"`
	OutputsHash string                 `json:"outputs_hash"`
	InsertedAt  time.Time              `json:"inserted_at"`
	TTL         time.Duration          `json:"-"`
	Hits        int64                  `json:"hits"`
}

// expired reports whether the entry is past its TTL.
func (e *Entry) expired(now time.Time) bool {
	return now.After(e.InsertedAt.Add(e.TTL))
}

// Stats is the cache observability snapshot.
type Stats struct {
	Size      int   `json:"size"`
	MaxSize   int   `json:"max_size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

// ResponseCache is the interface the router talks to. Both the in-memory
// store and the Redis adapter satisfy it.
type ResponseCache interface {
	Get(key string) (*Entry, bool)
	Set(key string, entry *Entry, ttl time.Duration)
	Invalidate(key string)
	InvalidateCapability(capabilityID string)
	Sweep() int
	Stats() Stats
}

// MemoryCache is the in-process TTL + LRU implementation. Concurrent Gets
// are safe; concurrent Sets on one key are last-writer-wins by contract.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List // front = most recently used
	maxEntries int
	defaultTTL time.Duration

	hits      int64
	misses    int64
	evictions int64
	expired   int64
}

// NewMemoryCache creates a cache bounded to maxEntries.
func NewMemoryCache(maxEntries int, defaultTTL time.Duration) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Second
	}
	return &MemoryCache{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
	}
}

// Get returns the entry for a key if present and fresh. Expired entries are
// removed lazily here.
func (c *MemoryCache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	entry := el.Value.(*Entry)
	if entry.expired(time.Now()) {
		c.removeElement(el)
		c.expired++
		c.misses++
		return nil, false
	}

	entry.Hits++
	c.hits++
	c.lru.MoveToFront(el)
	return entry, true
}

// Set stores an entry, evicting the LRU tail when the cache is full.
// ttl <= 0 uses the default.
func (c *MemoryCache) Set(key string, entry *Entry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	entry.Key = key
	entry.TTL = ttl
	entry.InsertedAt = time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value = entry
		c.lru.MoveToFront(el)
		return
	}

	c.entries[key] = c.lru.PushFront(entry)

	for c.lru.Len() > c.maxEntries {
		tail := c.lru.Back()
		if tail == nil {
			break
		}
		c.removeElement(tail)
		c.evictions++
	}
}

// Invalidate drops one key.
func (c *MemoryCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeElement(el)
	}
}

// InvalidateCapability drops every entry belonging to a capability. Keys are
// "<capability_id>:<inputs_hash>" so a prefix match suffices.
func (c *MemoryCache) InvalidateCapability(capabilityID string) {
	prefix := capabilityID + ":"

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeElement(el)
		}
	}
}

// Sweep removes all expired entries and returns how many were dropped.
// Called by the memory supervisor and the periodic janitor.
func (c *MemoryCache) Sweep() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, el := range c.entries {
		if el.Value.(*Entry).expired(now) {
			c.removeElement(el)
			c.expired++
			removed++
		}
	}
	return removed
}

// Stats returns the current counters.
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      c.lru.Len(),
		MaxSize:   c.maxEntries,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expired:   c.expired,
	}
}

func (c *MemoryCache) removeElement(el *list.Element) {
	entry := el.Value.(*Entry)
	delete(c.entries, entry.Key)
	c.lru.Remove(el)
}
