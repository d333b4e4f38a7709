package worker

import (
	"math"
	"time"

	"fixturesync/internal/config"
)

const (
	defaultRetryDelay    = time.Second
	defaultBackoffFactor = 2
)

// RetryPolicy is the backoff applied to a single chunk. Each fetch attempt
// gets its own timeout; a failed attempt is retried after NextDelay until
// MaxRetries extra attempts are spent, after which the chunk is recorded as
// a chunk error and the job moves on. The counter restarts for every chunk.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

func RetryPolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries:    cfg.MaxRetries,
		InitialDelay:  cfg.InitialDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
	}
}

// Attempts is the total number of fetches a chunk may get.
func (r RetryPolicy) Attempts() int {
	if r.MaxRetries < 0 {
		return 1
	}
	return r.MaxRetries + 1
}

// CanRetry reports whether a chunk that just failed its attempt-th fetch
// (1-based) gets another one.
func (r RetryPolicy) CanRetry(attempt int) bool {
	return attempt < r.Attempts()
}

// NextDelay is the wait after the attempt-th failed fetch: InitialDelay
// growing by BackoffFactor per attempt, capped at MaxDelay.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := r.InitialDelay
	if base <= 0 {
		base = defaultRetryDelay
	}
	factor := r.BackoffFactor
	if factor <= 0 {
		factor = defaultBackoffFactor
	}

	delay := float64(base) * math.Pow(factor, float64(attempt-1))
	if r.MaxDelay > 0 && delay >= float64(r.MaxDelay) {
		return r.MaxDelay
	}
	if delay >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
