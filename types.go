package tangguh

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// Doer executes a single HTTP exchange. *http.Client satisfies it; tests and
// callers with custom transports supply their own.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DoerFunc adapts a plain function to the Doer interface.
type DoerFunc func(*http.Request) (*http.Response, error)

// Do calls f(req).
func (f DoerFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// RetryClassifier decides whether a failed attempt should be retried. The
// default classifier treats transport errors, 5xx and 429 as retryable.
type RetryClassifier func(err error) bool

// RequestOptions carries the per-call knobs accepted by Get, Post, Put and
// Delete. The zero value is valid and means "no query, no body, no header
// overrides, default caching".
type RequestOptions struct {
	// Query is appended to the request URL. Keys are encoded in sorted
	// order so equivalent requests share a cache key.
	Query map[string]string

	// Headers are set on the outgoing request after the client defaults,
	// so they win on conflict.
	Headers map[string]string

	// Body is the request payload. []byte and string pass through
	// unchanged; any other non-nil value is marshaled as JSON.
	Body any

	// Cache overrides the client's caching behavior for this call.
	// A nil Cache means GETs use the default policy and writes bypass it.
	Cache *CacheControl

	// SkipAuth suppresses credential injection for this call.
	SkipAuth bool
}

// CacheControl overrides response caching for a single call.
type CacheControl struct {
	// Disable bypasses the cache entirely: no lookup, no store.
	Disable bool

	// TTL overrides the entry lifetime. Zero keeps the client default.
	TTL time.Duration

	// Key replaces the derived "METHOD:path:query" cache key.
	Key string
}

// Response is the decoded outcome of a successful exchange (any 2xx status).
// Non-2xx statuses are reported as errors and never produce a Response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsJSON reports whether the response declared a JSON content type.
func (r *Response) IsJSON() bool {
	if r == nil {
		return false
	}
	ct := r.Header.Get("Content-Type")
	mediaType, _, _ := strings.Cut(ct, ";")
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))
	return mediaType == "application/json" ||
		strings.HasSuffix(mediaType, "+json")
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Text returns the response body as a string.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	return string(r.Body)
}

// CacheStats is a point-in-time census of the response cache.
type CacheStats struct {
	Total   int // entries held, expired or not
	Active  int // entries still within their TTL
	Expired int // entries past their TTL awaiting eviction
}

// StatsProvider is implemented by cache backends that can report occupancy.
// The in-memory cache implements it; remote backends may not.
type StatsProvider interface {
	Stats() CacheStats
}
