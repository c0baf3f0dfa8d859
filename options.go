package tangguh

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Option configures a Client during construction.
type Option func(*Client)

// WithBaseURL sets the backend base URL every request path is resolved
// against. Required.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithHTTPClient sets a custom transport. Anything satisfying Doer works,
// including *http.Client.
func WithHTTPClient(doer Doer) Option {
	return func(c *Client) {
		c.httpClient = doer
	}
}

// WithTimeout sets the per-attempt request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithDefaultHeader adds a header sent on every request. Per-call headers
// override it on conflict.
func WithDefaultHeader(key, value string) Option {
	return func(c *Client) {
		c.headers[key] = value
	}
}

// WithAuth sets the full auth configuration.
func WithAuth(cfg AuthConfig) Option {
	return func(c *Client) {
		c.authConfig = cfg
	}
}

// WithOAuth2 configures client-credentials token acquisition.
func WithOAuth2(clientID, clientSecret, tokenURL string, scopes ...string) Option {
	return func(c *Client) {
		c.authConfig = AuthConfig{
			Type:         AuthTypeOAuth2,
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		}
	}
}

// WithBearerToken configures a static bearer token.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.authConfig = AuthConfig{Type: AuthTypeBearer, StaticToken: token}
	}
}

// WithAPIKey configures a static API key sent in the X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.authConfig = AuthConfig{Type: AuthTypeAPIKey, APIKey: key}
	}
}

// WithRefreshBuffer sets how long before expiry OAuth2 tokens are refreshed.
func WithRefreshBuffer(d time.Duration) Option {
	return func(c *Client) {
		c.authConfig.RefreshBuffer = d
	}
}

// WithMaxAttempts sets the total number of transport attempts per call.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		c.maxAttempts = n
	}
}

// WithInitialDelay sets the first retry delay.
func WithInitialDelay(d time.Duration) Option {
	return func(c *Client) {
		c.initialDelay = d
	}
}

// WithMaxDelay caps retry delays.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Client) {
		c.maxDelay = d
	}
}

// WithBackoffMultiplier sets the backoff growth factor.
func WithBackoffMultiplier(f float64) Option {
	return func(c *Client) {
		c.multiplier = f
	}
}

// WithRetryJitter sets the jitter factor for backoff (0.0 to 1.0).
func WithRetryJitter(f float64) Option {
	return func(c *Client) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		c.jitter = f
	}
}

// WithBackoffStrategy selects the delay curve between retries.
func WithBackoffStrategy(s BackoffStrategy) Option {
	return func(c *Client) {
		c.strategy = s
	}
}

// WithRetryClassifier replaces the default retryable-or-fatal decision.
func WithRetryClassifier(fn RetryClassifier) Option {
	return func(c *Client) {
		c.classifier = fn
	}
}

// WithCircuitBreaker sets the circuit breaker configuration. The breaker is
// on by default; this tunes its thresholds.
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.breaker = NewCircuitBreaker(config)
	}
}

// WithoutCircuitBreaker disables circuit breaking; every attempt goes
// straight to the transport.
func WithoutCircuitBreaker() Option {
	return func(c *Client) {
		c.breaker = nil
	}
}

// WithRateLimiter installs a local token bucket in front of the transport.
func WithRateLimiter(maxTokens int, refillRate time.Duration) Option {
	return func(c *Client) {
		c.limiter = NewRateLimiter(maxTokens, refillRate)
	}
}

// WithCache enables GET response caching with the in-memory TTL cache and
// the given default entry lifetime.
func WithCache(ttl time.Duration) Option {
	return func(c *Client) {
		c.cacheEnabled = true
		c.defaultTTL = ttl
	}
}

// WithCacheBackend enables caching on a caller-supplied backend such as
// rediscache.Cache. The client does not stop injected backends on Close.
func WithCacheBackend(cache ResponseCache, ttl time.Duration) Option {
	return func(c *Client) {
		c.cacheEnabled = true
		c.cache = cache
		c.defaultTTL = ttl
	}
}

// WithResourceTTL sets the cache lifetime GetResource uses for one resource
// name. Zero disables caching for that resource.
func WithResourceTTL(resource string, ttl time.Duration) Option {
	return func(c *Client) {
		c.resourceTTL[resource] = ttl
	}
}

// WithResourceTTLs sets cache lifetimes for several resources at once.
func WithResourceTTLs(ttls map[string]time.Duration) Option {
	return func(c *Client) {
		for resource, ttl := range ttls {
			c.resourceTTL[resource] = ttl
		}
	}
}

// WithCacheSweepInterval sets how often the owned in-memory cache evicts
// expired entries. Ignored for injected backends.
func WithCacheSweepInterval(d time.Duration) Option {
	return func(c *Client) {
		c.sweepInterval = d
	}
}

// WithRequestCoalescing merges concurrent cacheable GETs for the same cache
// key into one transport call; waiters share the owner's outcome.
func WithRequestCoalescing() Option {
	return func(c *Client) {
		c.coalescing = true
	}
}

// WithMetrics enables Prometheus metrics on the default registerer.
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector.
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithDebug enables debug logging with the default configuration.
func WithDebug() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
	}
}

// WithDebugConfig sets a custom debug configuration.
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		c.debug = config
	}
}

// WithLogger sets the logger debug output goes to.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSimpleLogger enables debug logging with a stderr console logger.
func WithSimpleLogger() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
		c.logger = NewSimpleLogger()
	}
}

// WithRequestIDGenerator sets a custom function for correlation IDs.
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.RequestIDGen = gen
	}
}

// WithClock replaces the client's time source. Used by tests to drive TTL
// and breaker timing deterministically.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSleepFunc replaces the function that waits between retries. Used by
// tests to observe backoff delays without real sleeping.
func WithSleepFunc(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithMaxResponseBytes caps how much of a response body is read.
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) {
		c.maxResponseBytes = n
	}
}

// ValidateConfiguration checks the assembled configuration and returns a
// validation error listing every problem found.
func (c *Client) ValidateConfiguration() error {
	var problems []string

	problems = append(problems, c.validateBaseConfig()...)
	problems = append(problems, c.validateAuthConfig()...)
	problems = append(problems, c.validateRetryConfig()...)
	problems = append(problems, c.validateRateLimiterConfig()...)
	problems = append(problems, c.validateCacheConfig()...)
	problems = append(problems, c.validateDebugConfig()...)

	if len(problems) > 0 {
		return &Error{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed: " + strings.Join(problems, "; "),
			Cause:   ErrNotConfigured,
		}
	}
	return nil
}

func (c *Client) validateBaseConfig() []string {
	var problems []string

	if c.baseURL == "" {
		problems = append(problems, "baseURL must be set")
	} else if u, err := url.Parse(c.baseURL); err != nil {
		problems = append(problems, fmt.Sprintf("baseURL is not a valid URL: %v", err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		problems = append(problems, "baseURL scheme must be http or https")
	}

	if c.httpClient == nil {
		problems = append(problems, "HTTP client cannot be nil")
	}
	if c.timeout <= 0 {
		problems = append(problems, "timeout must be positive")
	}
	if c.maxResponseBytes <= 0 {
		problems = append(problems, "maxResponseBytes must be positive")
	}

	return problems
}

func (c *Client) validateAuthConfig() []string {
	if c.authErr != nil {
		return []string{c.authErr.Error()}
	}
	return nil
}

func (c *Client) validateRetryConfig() []string {
	var problems []string

	if c.maxAttempts <= 0 {
		problems = append(problems, "maxAttempts must be positive")
	}
	if c.initialDelay <= 0 {
		problems = append(problems, "initialDelay must be positive")
	}
	if c.maxDelay < c.initialDelay {
		problems = append(problems, "maxDelay must be greater than or equal to initialDelay")
	}
	if c.multiplier <= 0 {
		problems = append(problems, "backoffMultiplier must be positive")
	}
	if c.jitter < 0 || c.jitter > 1 {
		problems = append(problems, "jitter must be between 0 and 1")
	}

	return problems
}

func (c *Client) validateRateLimiterConfig() []string {
	var problems []string

	if c.limiter != nil {
		if c.limiter.maxTokens <= 0 {
			problems = append(problems, "rateLimiter maxTokens must be positive")
		}
		if c.limiter.refillRate <= 0 {
			problems = append(problems, "rateLimiter refillRate must be positive")
		}
	}

	return problems
}

func (c *Client) validateCacheConfig() []string {
	var problems []string

	if c.cacheEnabled && c.defaultTTL <= 0 {
		problems = append(problems, "cache TTL must be positive when caching is enabled")
	}
	for resource, ttl := range c.resourceTTL {
		if ttl < 0 {
			problems = append(problems, fmt.Sprintf("resource TTL for %q must not be negative", resource))
		}
	}

	return problems
}

func (c *Client) validateDebugConfig() []string {
	var problems []string

	if c.debug != nil && c.debug.Enabled {
		if c.debug.RequestIDGen == nil {
			problems = append(problems, "debug RequestIDGen must be set when debug is enabled")
		}
		if c.logger == nil {
			problems = append(problems, "logger must be set when debug is enabled")
		}
	}

	return problems
}
