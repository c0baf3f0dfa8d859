package tangguh

import (
	"sync/atomic"
	"time"
)

// RateLimiter is a lock-free token bucket. The bucket starts full with
// maxTokens and gains one token per refill interval up to the cap.
type RateLimiter struct {
	maxTokens  int64
	tokens     int64
	refillRate time.Duration
	lastRefill int64

	now func() time.Time
}

// NewRateLimiter creates a bucket holding maxTokens that refills one token
// every refillRate.
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	return &RateLimiter{
		maxTokens:  int64(maxTokens),
		tokens:     int64(maxTokens),
		refillRate: refillRate,
		lastRefill: time.Now().UnixNano(),
		now:        time.Now,
	}
}

// Allow consumes a token if one is available.
func (rl *RateLimiter) Allow() bool {
	rl.refillTokens()
	return rl.consumeToken()
}

// Tokens returns the tokens currently available.
func (rl *RateLimiter) Tokens() int {
	rl.refillTokens()
	return int(atomic.LoadInt64(&rl.tokens))
}

func (rl *RateLimiter) refillTokens() {
	now := rl.now().UnixNano()

	for {
		currentTokens := atomic.LoadInt64(&rl.tokens)
		lastRefill := atomic.LoadInt64(&rl.lastRefill)

		elapsed := now - lastRefill
		tokensToAdd := int64(0)
		if rl.refillRate > 0 {
			tokensToAdd = elapsed / int64(rl.refillRate)
		}
		if tokensToAdd == 0 {
			break
		}

		newTokens := currentTokens + tokensToAdd
		if newTokens > rl.maxTokens {
			newTokens = rl.maxTokens
		}

		// Advance lastRefill by whole intervals only, so fractional
		// elapsed time keeps accruing toward the next token.
		newLastRefill := lastRefill + tokensToAdd*int64(rl.refillRate)
		if !atomic.CompareAndSwapInt64(&rl.lastRefill, lastRefill, newLastRefill) {
			continue
		}

		atomic.StoreInt64(&rl.tokens, newTokens)
		break
	}
}

func (rl *RateLimiter) consumeToken() bool {
	for {
		currentTokens := atomic.LoadInt64(&rl.tokens)
		if currentTokens <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&rl.tokens, currentTokens, currentTokens-1) {
			return true
		}
	}
}
