// Package tangguh provides a resilient client core for outbound HTTP APIs:
//
//   - Token management (OAuth2 client credentials, static bearer, API key)
//     with early refresh and deduplicated concurrent refreshes
//   - Retries with exponential backoff, optional jitter and Retry-After support
//   - Circuit breaker (closed / open / half-open states)
//   - TTL response caching for GETs with per-resource and per-request overrides
//   - Rate limiting (token bucket)
//   - Request coalescing (merges concurrent identical in-flight GETs)
//   - Prometheus metrics and lightweight structured debug logging
//
// Design goals:
//   - Small surface area, functional options configure everything
//   - Safe concurrent use of a single *Client instance
//   - Pluggable cache, logger and metrics backends
//
// Typical usage:
//
//	client := tangguh.New(
//	    tangguh.WithBaseURL("https://api.example.com"),
//	    tangguh.WithOAuth2("client-id", "client-secret", "https://auth.example.com/token"),
//	    tangguh.WithMaxAttempts(3),
//	    tangguh.WithCache(5*time.Minute),
//	    tangguh.WithCircuitBreaker(tangguh.CircuitBreakerConfig{}),
//	)
//	resp, err := client.Get(ctx, "/orders", nil)
//
// Only transport failures, HTTP 5xx and 429 trigger retries by default; override with
// WithRetryClassifier. The library avoids opinionated logging: provide a Logger (e.g. via
// WithSimpleLogger) + enable debug flags selectively (WithDebug / WithDebugConfig) for
// insight without noise.
package tangguh
