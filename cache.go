package tangguh

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const (
	defaultSweepInterval = 5 * time.Minute
	cacheShardCount      = 16
)

// ResponseCache is the storage behind the client's GET cache. TTLCache
// provides the in-process implementation; the rediscache package provides a
// shared one. Implementations must be safe for concurrent use.
type ResponseCache interface {
	Get(key string) (*Response, bool)
	Set(key string, value *Response, ttl time.Duration)
	Delete(key string)
	ClearPrefix(prefix string)
	Clear()
}

// TTLCache is a sharded in-memory cache with per-entry expiry. Expired
// entries are dropped lazily on lookup and in bulk by a background sweeper,
// so staleness stays bounded even when an entry is never read again.
//
// The zero value is not usable; construct with NewTTLCache. Call Stop when
// discarding a cache to release the sweeper goroutine.
type TTLCache[V any] struct {
	shards    []*cacheShard[V]
	numShards int
	now       func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

type cacheShard[V any] struct {
	mu    sync.RWMutex
	store map[string]cacheEntry[V]
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// CacheOption customizes a TTLCache.
type CacheOption func(*cacheSettings)

type cacheSettings struct {
	now           func() time.Time
	sweepInterval time.Duration
}

// WithSweepInterval sets how often the background sweeper evicts expired
// entries. A non-positive interval disables the sweeper; lazy eviction on
// lookup still applies.
func WithSweepInterval(d time.Duration) CacheOption {
	return func(s *cacheSettings) { s.sweepInterval = d }
}

// WithCacheClock replaces the cache's time source.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(s *cacheSettings) {
		if now != nil {
			s.now = now
		}
	}
}

// NewTTLCache creates a TTLCache and starts its sweeper.
func NewTTLCache[V any](opts ...CacheOption) *TTLCache[V] {
	settings := cacheSettings{
		now:           time.Now,
		sweepInterval: defaultSweepInterval,
	}
	for _, opt := range opts {
		opt(&settings)
	}

	shards := make([]*cacheShard[V], cacheShardCount)
	for i := range shards {
		shards[i] = &cacheShard[V]{store: make(map[string]cacheEntry[V])}
	}
	c := &TTLCache[V]{
		shards:    shards,
		numShards: cacheShardCount,
		now:       settings.now,
		stopCh:    make(chan struct{}),
	}
	if settings.sweepInterval > 0 {
		go c.sweepLoop(settings.sweepInterval)
	}
	return c
}

func (c *TTLCache[V]) getShard(key string) *cacheShard[V] {
	hash := fnv.New32a()
	hash.Write([]byte(key))
	return c.shards[hash.Sum32()%uint32(c.numShards)]
}

// Get returns the live value for key. Absent and expired keys both report a
// miss; an expired entry found here is deleted rather than waiting for the
// sweeper.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	var zero V
	shard := c.getShard(key)

	shard.mu.RLock()
	entry, exists := shard.store[key]
	shard.mu.RUnlock()
	if !exists {
		return zero, false
	}

	if !c.now().Before(entry.expiresAt) {
		shard.mu.Lock()
		// Recheck: another goroutine may have replaced the entry since
		// the read lock was dropped.
		if current, ok := shard.store[key]; ok && current.expiresAt.Equal(entry.expiresAt) {
			delete(shard.store, key)
		}
		shard.mu.Unlock()
		return zero, false
	}

	return entry.value, true
}

// Set stores value under key for ttl. A non-positive ttl stores nothing and
// removes any existing entry, since the value would already be expired.
func (c *TTLCache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		c.Delete(key)
		return
	}
	shard := c.getShard(key)
	shard.mu.Lock()
	shard.store[key] = cacheEntry[V]{value: value, expiresAt: c.now().Add(ttl)}
	shard.mu.Unlock()
}

// Delete removes key if present.
func (c *TTLCache[V]) Delete(key string) {
	shard := c.getShard(key)
	shard.mu.Lock()
	delete(shard.store, key)
	shard.mu.Unlock()
}

// ClearPrefix removes every entry whose key starts with prefix. The scan is
// linear over all shards, which is fine for in-process working-set sizes.
func (c *TTLCache[V]) ClearPrefix(prefix string) {
	for _, shard := range c.shards {
		shard.mu.Lock()
		for key := range shard.store {
			if strings.HasPrefix(key, prefix) {
				delete(shard.store, key)
			}
		}
		shard.mu.Unlock()
	}
}

// Clear removes all entries.
func (c *TTLCache[V]) Clear() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.store = make(map[string]cacheEntry[V])
		shard.mu.Unlock()
	}
}

// Len returns the number of entries held, including expired ones the
// sweeper has not reached yet.
func (c *TTLCache[V]) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.store)
		shard.mu.RUnlock()
	}
	return total
}

// Stats counts held entries, splitting them into still-live and
// expired-but-unswept.
func (c *TTLCache[V]) Stats() CacheStats {
	now := c.now()
	stats := CacheStats{}
	for _, shard := range c.shards {
		shard.mu.RLock()
		for _, entry := range shard.store {
			stats.Total++
			if now.Before(entry.expiresAt) {
				stats.Active++
			} else {
				stats.Expired++
			}
		}
		shard.mu.RUnlock()
	}
	return stats
}

// Stop terminates the background sweeper. Safe to call multiple times; the
// cache remains usable afterwards with lazy eviction only.
func (c *TTLCache[V]) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *TTLCache[V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

// sweep drops every expired entry in one pass.
func (c *TTLCache[V]) sweep() {
	now := c.now()
	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, entry := range shard.store {
			if !now.Before(entry.expiresAt) {
				delete(shard.store, key)
			}
		}
		shard.mu.Unlock()
	}
}
