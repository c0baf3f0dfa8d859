// Package backoff computes retry delays. The calculation is pure: a strategy
// maps (attempt, params) to a duration and performs no waiting itself, so the
// retry loop that consumes it can be tested with an injected sleep.
package backoff

import (
	"math/rand"
	"time"
)

// Params bundles the knobs shared by every strategy.
type Params struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Multiplier grows the delay per attempt (exponential strategy only).
	Multiplier float64
	// Jitter in [0,1] adds up to Jitter*delay of random slack.
	Jitter float64
}

// Strategy maps an attempt number to a delay.
type Strategy interface {
	// Delay returns the pause before retrying attempt n (0-based: the delay
	// after the first failed attempt is Delay(0, p)).
	Delay(attempt int, p Params) time.Duration
}

// Exponential implements capped exponential backoff with uniform jitter:
// min(initial * multiplier^attempt, max), plus up to jitter*delay of slack.
type Exponential struct{}

func (Exponential) Delay(attempt int, p Params) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Beyond 30 doublings the cap has long since won; avoid overflow.
	if attempt > 30 {
		attempt = 30
	}

	d := time.Duration(float64(p.Initial) * pow(p.Multiplier, attempt))
	if d < 0 || d > p.Max {
		d = p.Max
	}

	jitter := clampJitter(p.Jitter)
	if jitter > 0 {
		slack := time.Duration(float64(d) * jitter * rand.Float64())
		if d+slack > p.Max {
			d = p.Max
		} else {
			d += slack
		}
	}
	return d
}

// Decorrelated implements AWS-style decorrelated jitter:
// random_between(initial, min(max, initial*3^attempt)).
// It spreads concurrent retriers more evenly than exponential jitter.
type Decorrelated struct{}

func (Decorrelated) Delay(attempt int, p Params) time.Duration {
	if attempt <= 0 {
		return p.Initial
	}
	if attempt > 10 {
		attempt = 10
	}

	base := float64(p.Initial)
	upper := base * pow(3.0, attempt)
	if upper > float64(p.Max) || upper < 0 {
		upper = float64(p.Max)
	}
	if upper < base {
		upper = base
	}

	d := time.Duration(base + rand.Float64()*(upper-base))
	if d < 0 || d > p.Max {
		d = p.Max
	}
	return d
}

func clampJitter(j float64) float64 {
	if j < 0 {
		return 0
	}
	if j > 1 {
		return 1
	}
	return j
}

// pow is integer exponentiation; math.Pow's float behavior is not needed and
// this keeps attempt 0 exactly equal to Initial.
func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
