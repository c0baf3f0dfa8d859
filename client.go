package tangguh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tangguh-go/tangguh/internal/singleflight"
)

const errorBodyCap = 2048

// Client is a resilient API client that layers token management, response
// caching, retries with backoff, circuit breaking, rate limiting and metrics
// around a single HTTP backend. It is safe for concurrent use; one instance
// per logical backend is the intended shape.
type Client struct {
	baseURL    string
	httpClient Doer
	timeout    time.Duration
	headers    map[string]string

	authConfig AuthConfig
	tokens     *TokenStore
	authErr    error

	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitter       float64
	strategy     BackoffStrategy
	classifier   RetryClassifier
	executor     *RetryExecutor

	breaker *CircuitBreaker
	limiter *RateLimiter

	cache         ResponseCache
	ownedCache    *TTLCache[*Response]
	cacheEnabled  bool
	defaultTTL    time.Duration
	resourceTTL   map[string]time.Duration
	sweepInterval time.Duration

	coalescing bool
	coalesce   *singleflight.Group[*Response]

	metrics *MetricsCollector
	debug   *DebugConfig
	logger  Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	maxResponseBytes int64
	validationError  error
}

// New constructs a Client from the provided functional options. A best
// effort validation is performed; call IsValid / ValidationError for errors.
func New(options ...Option) *Client {
	client := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		timeout:          30 * time.Second,
		headers:          map[string]string{},
		authConfig:       AuthConfig{Type: AuthTypeNone},
		maxAttempts:      3,
		initialDelay:     100 * time.Millisecond,
		maxDelay:         10 * time.Second,
		multiplier:       2.0,
		jitter:           0,
		strategy:         BackoffExponential,
		classifier:       IsRetryable,
		breaker:          NewCircuitBreaker(CircuitBreakerConfig{}),
		defaultTTL:       5 * time.Minute,
		resourceTTL:      map[string]time.Duration{},
		sweepInterval:    defaultSweepInterval,
		debug:            DefaultDebugConfig(),
		now:              time.Now,
		sleep:            sleepContext,
		maxResponseBytes: 10 << 20,
	}

	for _, option := range options {
		option(client)
	}

	client.assemble()

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	return client
}

// assemble wires the components the options configured: the token store,
// the retry executor around the breaker, and the owned cache.
func (c *Client) assemble() {
	tokens, err := NewTokenStore(c.authConfig, c.httpClient)
	if err != nil {
		c.authErr = err
	} else {
		tokens.now = c.now
		tokens.logger = c.logger
		tokens.debug = c.debug
		tokens.onRefresh = func(outcome string, _ time.Duration) {
			c.metrics.RecordTokenRefresh(outcome)
		}
		c.tokens = tokens
	}

	if c.breaker != nil {
		c.breaker.now = c.now
		c.breaker.onStateChange = func(from, to CircuitState) {
			c.metrics.RecordCircuitBreakerState("default", to)
			if c.debug != nil && c.debug.Enabled && c.debug.LogCircuit && c.logger != nil {
				c.logger.Warn("Circuit breaker state changed", "from", from.String(), "to", to.String())
			}
		}
	}
	if c.limiter != nil {
		c.limiter.now = c.now
	}

	c.executor = NewRetryExecutor(RetryConfig{
		MaxAttempts:  c.maxAttempts,
		InitialDelay: c.initialDelay,
		MaxDelay:     c.maxDelay,
		Multiplier:   c.multiplier,
		Jitter:       c.jitter,
		Strategy:     c.strategy,
	}, c.breaker)
	if c.classifier != nil {
		c.executor.classifier = c.classifier
	}
	c.executor.sleep = c.sleep
	c.executor.logger = c.logger
	c.executor.debug = c.debug

	if c.cacheEnabled && c.cache == nil {
		c.ownedCache = NewTTLCache[*Response](
			WithSweepInterval(c.sweepInterval),
			WithCacheClock(c.now),
		)
		c.cache = c.ownedCache
	}

	if c.coalescing {
		c.coalesce = singleflight.New[*Response]()
	}
}

// Get performs a GET. Responses may be served from and written to the cache
// according to the client's cache policy and opts.Cache.
func (c *Client) Get(ctx context.Context, path string, opts *RequestOptions) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, opts)
}

// Post performs a POST. Writes always bypass the response cache.
func (c *Client) Post(ctx context.Context, path string, opts *RequestOptions) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, opts)
}

// Put performs a PUT.
func (c *Client) Put(ctx context.Context, path string, opts *RequestOptions) (*Response, error) {
	return c.do(ctx, http.MethodPut, path, opts)
}

// Delete performs a DELETE.
func (c *Client) Delete(ctx context.Context, path string, opts *RequestOptions) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, opts)
}

// GetResource performs a GET whose cache lifetime comes from the per-resource
// TTL table: a configured value wins, zero disables caching for the resource,
// and an unconfigured resource falls back to the client default. An explicit
// opts.Cache override still takes precedence.
func (c *Client) GetResource(ctx context.Context, resource, path string, opts *RequestOptions) (*Response, error) {
	merged := RequestOptions{}
	if opts != nil {
		merged = *opts
	}
	if merged.Cache == nil {
		ttl := c.defaultTTL
		if configured, ok := c.resourceTTL[resource]; ok {
			ttl = configured
		}
		merged.Cache = &CacheControl{TTL: ttl, Disable: ttl <= 0}
	}
	return c.do(ctx, http.MethodGet, path, &merged)
}

// GetJSON performs a GET and unmarshals the response body into out.
func (c *Client) GetJSON(ctx context.Context, path string, opts *RequestOptions, out any) error {
	resp, err := c.Get(ctx, path, opts)
	if err != nil {
		return err
	}
	return decodeInto(resp, out)
}

// PostJSON performs a POST with body marshaled as JSON and unmarshals the
// response into out when out is non-nil.
func (c *Client) PostJSON(ctx context.Context, path string, body any, out any) error {
	resp, err := c.Post(ctx, path, &RequestOptions{Body: body})
	if err != nil {
		return err
	}
	return decodeInto(resp, out)
}

// GetTyped performs a GET and returns the response body decoded as T.
func GetTyped[T any](ctx context.Context, c *Client, path string, opts *RequestOptions) (T, error) {
	var out T
	resp, err := c.Get(ctx, path, opts)
	if err != nil {
		return out, err
	}
	if err := decodeInto(resp, &out); err != nil {
		return out, err
	}
	return out, nil
}

func decodeInto(resp *Response, out any) error {
	if out == nil {
		return nil
	}
	if err := resp.JSON(out); err != nil {
		return &Error{
			Type:       ErrorTypeValidation,
			Message:    "decoding response body",
			StatusCode: resp.StatusCode,
			Cause:      err,
		}
	}
	return nil
}

// do runs one logical call: cache lookup, rate limit, then the retry loop
// around individual transport attempts, and finally cache write-back.
func (c *Client) do(ctx context.Context, method, path string, opts *RequestOptions) (*Response, error) {
	if c.validationError != nil {
		return nil, c.validationError
	}
	if opts == nil {
		opts = &RequestOptions{}
	}

	start := c.now()
	endpoint := endpointLabel(path)

	var requestID string
	if c.debug != nil && c.debug.Enabled && c.debug.RequestIDGen != nil {
		requestID = c.debug.RequestIDGen()
	}

	fullURL, err := c.buildURL(path, opts.Query)
	if err != nil {
		return nil, c.enrich(&Error{
			Type:    ErrorTypeValidation,
			Message: "invalid request URL",
			Cause:   err,
		}, requestID, method, path, endpoint, 0)
	}

	if c.debug != nil && c.debug.Enabled && c.debug.LogRequests && c.logger != nil {
		c.logger.Debug("Starting request", "requestID", requestID, "method", method, "url", fullURL, "endpoint", endpoint)
	}
	c.metrics.RecordRequestStart(method, endpoint)
	defer c.metrics.RecordRequestEnd(method, endpoint)

	cacheable, cacheKey, ttl := c.cachePlan(method, path, opts)
	if cacheable {
		if cached, ok := c.cache.Get(cacheKey); ok {
			if c.debug != nil && c.debug.Enabled && c.debug.LogCache && c.logger != nil {
				c.logger.Debug("Cache hit", "requestID", requestID, "cacheKey", cacheKey)
			}
			c.metrics.RecordCacheHit(method, endpoint)
			c.metrics.RecordRequest(method, endpoint, cached.StatusCode, c.now().Sub(start))
			return cached, nil
		}
		c.metrics.RecordCacheMiss(method, endpoint)
		if c.debug != nil && c.debug.Enabled && c.debug.LogCache && c.logger != nil {
			c.logger.Debug("Cache miss", "requestID", requestID, "cacheKey", cacheKey)
		}
	}

	if c.limiter != nil {
		if !c.limiter.Allow() {
			if c.debug != nil && c.debug.Enabled && c.debug.LogRateLimit && c.logger != nil {
				c.logger.Warn("Rate limit exceeded", "requestID", requestID, "endpoint", endpoint)
			}
			c.metrics.RecordError(ErrorTypeRateLimit, method, endpoint)
			return nil, c.enrich(&Error{
				Type:      ErrorTypeRateLimit,
				Message:   "rate limit exceeded",
				Retryable: true,
				Cause:     ErrRateLimited,
			}, requestID, method, fullURL, endpoint, c.now().Sub(start))
		}
		c.metrics.RecordRateLimiterTokens("default", c.limiter.Tokens())
	}

	payload, contentType, err := encodeBody(opts.Body)
	if err != nil {
		return nil, c.enrich(&Error{
			Type:    ErrorTypeValidation,
			Message: "encoding request body",
			Cause:   err,
		}, requestID, method, fullURL, endpoint, 0)
	}

	fetch := func() (*Response, error) {
		attempt := 0
		resp, err := Execute(ctx, c.executor, func(ctx context.Context) (*Response, error) {
			attempt++
			if attempt > 1 {
				c.metrics.RecordRetry(method, endpoint, attempt-1)
			}
			return c.attempt(ctx, method, fullURL, attempt, opts, payload, contentType)
		})
		if err != nil {
			return nil, err
		}
		if cacheable {
			c.cache.Set(cacheKey, resp, ttl)
			if provider, ok := c.cache.(StatsProvider); ok {
				c.metrics.RecordCacheSize("default", provider.Stats().Total)
			}
			if c.debug != nil && c.debug.Enabled && c.debug.LogCache && c.logger != nil {
				c.logger.Debug("Response cached", "requestID", requestID, "cacheKey", cacheKey, "ttl", ttl)
			}
		}
		return resp, nil
	}

	var resp *Response
	if cacheable && c.coalesce != nil {
		var shared bool
		resp, shared, err = c.coalesce.Do(ctx, cacheKey, fetch)
		if shared {
			c.metrics.RecordCoalescedRequest(method, endpoint)
			if c.debug != nil && c.debug.Enabled && c.debug.LogCache && c.logger != nil {
				c.logger.Debug("Joined in-flight request", "requestID", requestID, "cacheKey", cacheKey)
			}
		}
	} else {
		resp, err = fetch()
	}

	duration := c.now().Sub(start)
	if err != nil {
		apiErr := c.enrich(err, requestID, method, fullURL, endpoint, duration)
		c.metrics.RecordError(apiErr.Type, method, endpoint)
		c.metrics.RecordRequest(method, endpoint, apiErr.StatusCode, duration)
		if c.debug != nil && c.debug.Enabled && c.logger != nil {
			c.logger.Error("Request failed", "requestID", requestID, "method", method, "endpoint", endpoint, "type", apiErr.Type, "error", apiErr.Message, "duration", duration)
		}
		return nil, apiErr
	}

	c.metrics.RecordRequest(method, endpoint, resp.StatusCode, duration)
	if c.debug != nil && c.debug.Enabled && c.debug.LogResponses && c.logger != nil {
		c.logger.Debug("Request completed", "requestID", requestID, "statusCode", resp.StatusCode, "duration", duration)
	}
	return resp, nil
}

// attempt performs a single transport exchange bounded by the per-request
// timeout. It returns a typed error carrying the retryability decision.
func (c *Client) attempt(ctx context.Context, method, fullURL string, attempt int, opts *RequestOptions, payload []byte, contentType string) (*Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, &Error{
			Type:    ErrorTypeValidation,
			Message: "building request",
			Attempt: attempt,
			Cause:   err,
		}
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	if !opts.SkipAuth {
		if err := c.applyAuth(ctx, req); err != nil {
			var apiErr *Error
			if errors.As(err, &apiErr) {
				enriched := *apiErr
				enriched.Attempt = attempt
				return nil, &enriched
			}
			return nil, err
		}
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{
			Type:      ErrorTypeTransport,
			Message:   "request failed",
			Retryable: true,
			Attempt:   attempt,
			Timestamp: c.now(),
			Cause:     err,
		}
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, c.maxResponseBytes))
	if err != nil {
		return nil, &Error{
			Type:       ErrorTypeTransport,
			Message:    "reading response body",
			StatusCode: httpResp.StatusCode,
			Retryable:  true,
			Attempt:    attempt,
			Timestamp:  c.now(),
			Cause:      err,
		}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, c.httpError(httpResp, body, attempt)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

// applyAuth injects the credential for the configured auth mode.
func (c *Client) applyAuth(ctx context.Context, req *http.Request) error {
	if c.tokens == nil || c.tokens.Type() == AuthTypeNone {
		return nil
	}
	credential, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	if c.tokens.Type() == AuthTypeAPIKey {
		req.Header.Set("X-API-Key", credential)
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	return nil
}

// httpError converts a non-2xx response into a typed error. 5xx and 429 are
// marked retryable; a Retry-After header on 429/503 carries the server's
// preferred delay into the backoff.
func (c *Client) httpError(resp *http.Response, body []byte, attempt int) *Error {
	status := resp.StatusCode
	message := extractErrorMessage(body)
	if message == "" {
		message = fmt.Sprintf("unexpected status %d %s", status, http.StatusText(status))
	}
	var retryAfter time.Duration
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	capped := body
	if len(capped) > errorBodyCap {
		capped = capped[:errorBodyCap]
	}
	return &Error{
		Type:       ErrorTypeHTTP,
		Message:    message,
		StatusCode: status,
		Retryable:  retryableStatus(status),
		RetryAfter: retryAfter,
		Attempt:    attempt,
		Timestamp:  c.now(),
		Body:       capped,
	}
}

// enrich fills request context into the caller-facing error. It copies
// rather than mutates, since coalesced callers may share one underlying
// error value.
func (c *Client) enrich(err error, requestID, method, fullURL, endpoint string, duration time.Duration) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		enriched := *apiErr
		apiErr = &enriched
	} else {
		apiErr = &Error{
			Type:      ErrorTypeTransport,
			Message:   err.Error(),
			Retryable: IsRetryable(err),
			Cause:     err,
		}
	}
	if apiErr.RequestID == "" {
		apiErr.RequestID = requestID
	}
	if apiErr.Method == "" {
		apiErr.Method = method
	}
	if apiErr.URL == "" {
		apiErr.URL = fullURL
	}
	if apiErr.Endpoint == "" {
		apiErr.Endpoint = endpoint
	}
	if apiErr.MaxAttempts == 0 && c.executor != nil {
		apiErr.MaxAttempts = c.executor.MaxAttempts()
	}
	if apiErr.Duration == 0 {
		apiErr.Duration = duration
	}
	if apiErr.Timestamp.IsZero() {
		apiErr.Timestamp = c.now()
	}
	return apiErr
}

// cachePlan decides whether this call reads and writes the cache, and under
// which key and TTL.
func (c *Client) cachePlan(method, path string, opts *RequestOptions) (bool, string, time.Duration) {
	if method != http.MethodGet || c.cache == nil || !c.cacheEnabled {
		return false, "", 0
	}
	ttl := c.defaultTTL
	if opts.Cache != nil {
		if opts.Cache.Disable {
			return false, "", 0
		}
		if opts.Cache.TTL > 0 {
			ttl = opts.Cache.TTL
		}
	}
	if ttl <= 0 {
		return false, "", 0
	}
	return true, cacheKeyFor(method, path, opts), ttl
}

// cacheKeyFor derives the cache key: an explicit override wins, otherwise
// "METHOD:path:query" with the query serialized as sorted JSON so equivalent
// requests collide.
func cacheKeyFor(method, path string, opts *RequestOptions) string {
	if opts.Cache != nil && opts.Cache.Key != "" {
		return opts.Cache.Key
	}
	query := opts.Query
	if query == nil {
		query = map[string]string{}
	}
	encoded, _ := json.Marshal(query)
	return method + ":" + path + ":" + string(encoded)
}

// buildURL joins the base URL, path and encoded query parameters.
func (c *Client) buildURL(path string, query map[string]string) (string, error) {
	base := strings.TrimRight(c.baseURL, "/")
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	full := base + path
	if len(query) > 0 {
		values := url.Values{}
		for k, v := range query {
			values.Set(k, v)
		}
		full += "?" + values.Encode()
	}
	if _, err := url.Parse(full); err != nil {
		return "", err
	}
	return full, nil
}

// encodeBody serializes the request payload once so every retry attempt can
// replay it. Raw bytes and strings pass through; anything else is JSON.
func encodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return b, "", nil
	case string:
		return []byte(b), "", nil
	case json.RawMessage:
		return b, "application/json", nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, "", err
		}
		return data, "application/json", nil
	}
}

// extractErrorMessage pulls a human-readable message out of a JSON error
// body, trying the field names APIs commonly use.
func extractErrorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		Message          string `json:"message"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	switch {
	case payload.Message != "":
		return payload.Message
	case payload.ErrorDescription != "":
		return payload.ErrorDescription
	case payload.Error != "":
		return payload.Error
	}
	return ""
}

func endpointLabel(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

// InvalidateCache removes cached responses whose key starts with prefix; an
// empty prefix clears the whole cache.
func (c *Client) InvalidateCache(prefix string) {
	if c.cache == nil {
		return
	}
	if prefix == "" {
		c.cache.Clear()
	} else {
		c.cache.ClearPrefix(prefix)
	}
	if c.debug != nil && c.debug.Enabled && c.debug.LogCache && c.logger != nil {
		c.logger.Debug("Cache invalidated", "prefix", prefix)
	}
}

// CacheStats reports cache occupancy when the backend supports it.
func (c *Client) CacheStats() CacheStats {
	if provider, ok := c.cache.(StatsProvider); ok {
		return provider.Stats()
	}
	return CacheStats{}
}

// CircuitState returns the breaker's current state; a disabled breaker
// reports closed.
func (c *Client) CircuitState() CircuitState {
	if c.breaker == nil {
		return StateClosed
	}
	return c.breaker.State()
}

// ResetCircuit forces the breaker closed.
func (c *Client) ResetCircuit() {
	if c.breaker == nil {
		return
	}
	c.breaker.Reset()
	if c.debug != nil && c.debug.Enabled && c.debug.LogCircuit && c.logger != nil {
		c.logger.Info("Circuit breaker reset")
	}
}

// InvalidateToken discards the cached credential so the next call refreshes.
func (c *Client) InvalidateToken() {
	if c.tokens != nil {
		c.tokens.Invalidate()
	}
}

// TokenStore exposes the client's token store for direct inspection.
func (c *Client) TokenStore() *TokenStore {
	return c.tokens
}

// Close releases background resources. Only the cache the client created
// itself is stopped; injected backends stay under their owner's control.
func (c *Client) Close() {
	if c.ownedCache != nil {
		c.ownedCache.Stop()
	}
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}
