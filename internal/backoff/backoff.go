// Package backoff computes retry delays for the queue's retry policy.
// It is a pure function of its inputs: no store access, no wall-clock reads
// beyond what a caller passes in, so it can be exercised deterministically
// in tests.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Config mirrors the wire RetryConfig fields the delay formula needs,
// duplicated here (rather than importing the root package) to keep this
// package leaf-level and import-cycle free.
type Config struct {
	BaseDelaySeconds int
	Exponential      bool
	MaxDelaySeconds  int
}

// Delay returns the backoff duration for the given 1-indexed attempt count:
//
//	delay = min(max_delay, base_delay * (exponential ? 2^(attempts-1) : 1))
//
// with up to ±20% jitter applied when jitter is true. rng may be nil, in
// which case the shared package-level source is used; tests that need
// reproducibility should pass their own *rand.Rand.
func Delay(attempts int, cfg Config, jitter bool, rng *rand.Rand) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	base := float64(cfg.BaseDelaySeconds)
	factor := 1.0
	if cfg.Exponential {
		factor = math.Pow(2, float64(attempts-1))
	}
	delay := base * factor
	if cfg.MaxDelaySeconds > 0 && delay > float64(cfg.MaxDelaySeconds) {
		delay = float64(cfg.MaxDelaySeconds)
	}
	if jitter {
		r := rng
		if r == nil {
			r = defaultRand
		}
		// uniform in [-0.2, 0.2]
		spread := (r.Float64()*2 - 1) * 0.2
		delay = delay * (1 + spread)
		if delay < 0 {
			delay = 0
		}
	}
	return time.Duration(delay * float64(time.Second))
}

// NextAt returns the absolute time at which a retried task becomes eligible
// again, i.e. now + Delay(...).
func NextAt(now time.Time, attempts int, cfg Config, jitter bool, rng *rand.Rand) time.Time {
	return now.Add(Delay(attempts, cfg, jitter, rng))
}

var defaultRand = rand.New(rand.NewSource(time.Now().UnixNano()))
