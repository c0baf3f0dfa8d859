// Package rediscache provides a Redis-backed response cache so multiple
// client instances (or processes) can share cached GET responses. It
// implements tangguh.ResponseCache and plugs in via tangguh.WithCacheBackend.
//
// Entries are stored as JSON under a namespace prefix and expire through
// Redis TTLs, so there is no sweeper to run. Redis failures are treated as
// cache misses and logged, never surfaced to callers.
package rediscache

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tangguh-go/tangguh"
)

const (
	defaultNamespace = "tangguh:cache:"
	defaultTimeout   = time.Second

	// scanBatch bounds how many keys one SCAN page returns during
	// ClearPrefix, Clear and Stats.
	scanBatch = 256
	// delBatch bounds how many keys a single DEL carries.
	delBatch = 128
)

var _ tangguh.ResponseCache = (*Cache)(nil)

// Cache stores responses in Redis. Safe for concurrent use.
type Cache struct {
	rdb       redis.UniversalClient
	namespace string
	timeout   time.Duration
	logger    tangguh.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithNamespace overrides the key prefix all entries live under.
func WithNamespace(ns string) Option {
	return func(c *Cache) { c.namespace = ns }
}

// WithTimeout bounds each Redis operation. Defaults to one second.
func WithTimeout(d time.Duration) Option {
	return func(c *Cache) { c.timeout = d }
}

// WithLogger sets the logger Redis failures are reported through.
func WithLogger(logger tangguh.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New wraps an existing Redis client. The caller keeps ownership of rdb and
// is responsible for closing it.
func New(rdb redis.UniversalClient, opts ...Option) *Cache {
	c := &Cache{
		rdb:       rdb,
		namespace: defaultNamespace,
		timeout:   defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// entry is the stored JSON shape. Header keys survive round-tripping because
// http.Header is a plain map[string][]string.
type entry struct {
	StatusCode int         `json:"statusCode"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
}

// Get returns the cached response for key, or false on a miss. Decode and
// transport errors count as misses.
func (c *Cache) Get(key string) (*tangguh.Response, bool) {
	ctx, cancel := c.opContext()
	defer cancel()

	data, err := c.rdb.Get(ctx, c.namespace+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logError("redis get failed", key, err)
		}
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		c.logError("redis entry corrupt", key, err)
		c.Delete(key)
		return nil, false
	}
	return &tangguh.Response{StatusCode: e.StatusCode, Header: e.Header, Body: e.Body}, true
}

// Set stores value under key for ttl. A non-positive ttl deletes the entry,
// matching the in-memory cache.
func (c *Cache) Set(key string, value *tangguh.Response, ttl time.Duration) {
	if ttl <= 0 {
		c.Delete(key)
		return
	}

	data, err := json.Marshal(entry{StatusCode: value.StatusCode, Header: value.Header, Body: value.Body})
	if err != nil {
		c.logError("encoding cache entry failed", key, err)
		return
	}

	ctx, cancel := c.opContext()
	defer cancel()
	if err := c.rdb.Set(ctx, c.namespace+key, data, ttl).Err(); err != nil {
		c.logError("redis set failed", key, err)
	}
}

// Delete removes the entry for key, if present.
func (c *Cache) Delete(key string) {
	ctx, cancel := c.opContext()
	defer cancel()
	if err := c.rdb.Del(ctx, c.namespace+key).Err(); err != nil {
		c.logError("redis del failed", key, err)
	}
}

// ClearPrefix removes every entry whose key starts with prefix.
func (c *Cache) ClearPrefix(prefix string) {
	ctx, cancel := c.opContext()
	defer cancel()

	iter := c.rdb.Scan(ctx, 0, matchPattern(c.namespace+prefix), scanBatch).Iterator()
	batch := make([]string, 0, delBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
			c.logError("redis del failed", prefix, err)
		}
		batch = batch[:0]
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == delBatch {
			flush()
		}
	}
	flush()
	if err := iter.Err(); err != nil {
		c.logError("redis scan failed", prefix, err)
	}
}

// Clear removes every entry in the namespace.
func (c *Cache) Clear() {
	c.ClearPrefix("")
}

// Stats counts live entries in the namespace. Redis evicts on expiry, so
// Expired is always zero.
func (c *Cache) Stats() tangguh.CacheStats {
	ctx, cancel := c.opContext()
	defer cancel()

	total := 0
	iter := c.rdb.Scan(ctx, 0, matchPattern(c.namespace), scanBatch).Iterator()
	for iter.Next(ctx) {
		total++
	}
	if err := iter.Err(); err != nil {
		c.logError("redis scan failed", "", err)
	}
	return tangguh.CacheStats{Total: total, Active: total}
}

func (c *Cache) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout)
}

func (c *Cache) logError(msg, key string, err error) {
	if c.logger == nil {
		return
	}
	c.logger.Warn(msg, "key", key, "error", err.Error())
}

// matchPattern escapes glob metacharacters so SCAN matches the prefix
// literally. Cache keys contain JSON ("{", "}") but also may carry "*", "?"
// or "[" from query values.
func matchPattern(prefix string) string {
	escaped := make([]byte, 0, len(prefix)+8)
	for i := 0; i < len(prefix); i++ {
		switch prefix[i] {
		case '*', '?', '[', ']', '^', '\\':
			escaped = append(escaped, '\\', prefix[i])
		default:
			escaped = append(escaped, prefix[i])
		}
	}
	return string(escaped) + "*"
}
