package tangguh

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tangguh-go/tangguh/internal/backoff"
)

// BackoffStrategy selects how retry delays grow between attempts.
type BackoffStrategy int

const (
	// BackoffExponential grows the delay by the configured multiplier per
	// attempt, capped at the maximum delay.
	BackoffExponential BackoffStrategy = iota
	// BackoffDecorrelated draws each delay uniformly between the initial
	// delay and an exponentially growing upper bound.
	BackoffDecorrelated
)

// RetryConfig tunes the retry loop. Zero fields take defaults.
type RetryConfig struct {
	// MaxAttempts is the total number of transport attempts per logical
	// call, including the first. Default 3.
	MaxAttempts int

	// InitialDelay seeds the backoff sequence. Default 100ms.
	InitialDelay time.Duration

	// MaxDelay caps computed delays. Default 10s.
	MaxDelay time.Duration

	// Multiplier scales the delay each attempt. Default 2.
	Multiplier float64

	// Jitter adds up to this fraction of random slack on top of each
	// delay. Default 0, keeping the sequence deterministic.
	Jitter float64

	// Strategy picks the delay curve. Default BackoffExponential.
	Strategy BackoffStrategy
}

// RetryExecutor drives attempts against one backend: it consults the shared
// circuit breaker before work starts, classifies each failure as retryable
// or fatal, sleeps between retries, and records the final outcome with the
// breaker.
type RetryExecutor struct {
	maxAttempts int
	params      backoff.Params
	strategy    backoff.Strategy
	classifier  RetryClassifier
	breaker     *CircuitBreaker

	sleep  func(ctx context.Context, d time.Duration) error
	logger Logger
	debug  *DebugConfig
}

// NewRetryExecutor builds an executor. A nil breaker disables circuit
// checks entirely.
func NewRetryExecutor(cfg RetryConfig, breaker *CircuitBreaker) *RetryExecutor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	var strategy backoff.Strategy = backoff.Exponential{}
	if cfg.Strategy == BackoffDecorrelated {
		strategy = backoff.Decorrelated{}
	}
	return &RetryExecutor{
		maxAttempts: cfg.MaxAttempts,
		params: backoff.Params{
			Initial:    cfg.InitialDelay,
			Max:        cfg.MaxDelay,
			Multiplier: cfg.Multiplier,
			Jitter:     cfg.Jitter,
		},
		strategy:   strategy,
		classifier: IsRetryable,
		breaker:    breaker,
		sleep:      sleepContext,
	}
}

// MaxAttempts returns the configured attempt budget.
func (e *RetryExecutor) MaxAttempts() int {
	return e.maxAttempts
}

// Execute runs fn under e's retry policy and returns its result. The breaker
// is consulted once before the first attempt; an open circuit rejects the
// call without invoking fn. Fatal errors propagate immediately. Retryable
// errors are re-attempted after a backoff delay until the attempt budget is
// spent, at which point a failure is recorded and the last error returned.
func Execute[T any](ctx context.Context, e *RetryExecutor, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if e.breaker != nil {
		if ok, wait := e.breaker.Allow(); !ok {
			return zero, newCircuitOpenError(wait)
		}
	}

	var lastErr error
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		val, err := fn(ctx)
		if err == nil {
			if e.breaker != nil {
				e.breaker.RecordSuccess()
			}
			return val, nil
		}
		lastErr = err

		if !e.classifier(err) {
			return zero, err
		}
		if attempt == e.maxAttempts-1 {
			break
		}

		delay := e.delayFor(attempt, err)
		if e.debug != nil && e.debug.Enabled && e.debug.LogRetries && e.logger != nil {
			e.logger.Debug("Retrying request", "attempt", attempt+1, "maxAttempts", e.maxAttempts, "delay", delay, "error", err)
		}
		if err := e.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	if e.breaker != nil {
		e.breaker.RecordFailure()
	}
	return zero, lastErr
}

// delayFor computes the sleep before the next attempt. A server-provided
// Retry-After wins over the computed backoff.
func (e *RetryExecutor) delayFor(attempt int, err error) time.Duration {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}
	return e.strategy.Delay(attempt, e.params)
}

func newCircuitOpenError(wait time.Duration) *Error {
	return &Error{
		Type:       ErrorTypeCircuitOpen,
		Message:    "circuit breaker is open, retry in " + wait.Round(time.Millisecond).String(),
		Retryable:  true,
		RetryAfter: wait,
		Timestamp:  time.Now(),
		Cause:      ErrCircuitOpen,
	}
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// parseRetryAfter reads a Retry-After header in either delay-seconds or
// HTTP-date form. Values beyond an hour are capped; unparseable values
// report zero so the normal backoff applies.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds <= 0 {
			return 0
		}
		delay := time.Duration(seconds) * time.Second
		if delay > time.Hour {
			delay = time.Hour
		}
		return delay
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}
