package broker

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// TTLCache is a sharded, generic TTL-aware cache for BrokerAdapter
// responses (candles, products): 16-way FNV sharding, GetWithAge, and a
// Cleanup sweep that callers invoke (no goroutine runs it). Values are `any` so one instance can cache
// get_candles responses (TTL ~= cycle interval) and a second, longer-TTL
// instance can cache get_products (TTL 1h).
type TTLCache struct {
	ttl    time.Duration
	shards [numShards]*shard
}

type shard struct {
	mu    sync.RWMutex
	items map[string]entry
}

type entry struct {
	value     any
	updatedAt time.Time
}

// NewTTLCache builds a cache whose entries are considered stale after ttl.
func NewTTLCache(ttl time.Duration) *TTLCache {
	c := &TTLCache{ttl: ttl}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]entry)}
	}
	return c
}

func (c *TTLCache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores value under key.
func (c *TTLCache) Set(key string, value any) {
	s := c.shardFor(key)
	s.mu.Lock()
	s.items[key] = entry{value: value, updatedAt: time.Now()}
	s.mu.Unlock()
}

// Get returns the cached value if present and not expired.
func (c *TTLCache) Get(key string) (any, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || time.Since(e.updatedAt) > c.ttl {
		return nil, false
	}
	return e.value, true
}

// GetWithAge returns the cached value and its age regardless of
// expiration, so a caller can decide to serve stale data under a broker
// outage rather than nothing.
func (c *TTLCache) GetWithAge(key string) (any, time.Duration, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, 0, false
	}
	return e.value, time.Since(e.updatedAt), true
}

// Cleanup removes entries older than maxAge, returning the count removed.
func (c *TTLCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if e.updatedAt.Before(cutoff) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the total number of cached entries across all shards.
func (c *TTLCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}
