package worker

import (
	"time"

	"ridebook/internal/config"
)

// RetryPolicy spaces out ledger retries. The first retry waits InitialDelay, every
// further one BackoffFactor times longer, capped at MaxDelay. After MaxRetries failed
// attempts the task goes to the dead letter.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// RetryPolicyFromConfig reads google.retry; unset fields fall back to the defaults.
func RetryPolicyFromConfig(cfg config.GoogleRetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries:    cfg.MaxRetries,
		InitialDelay:  cfg.InitialDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
	}.withDefaults()
}

func (r RetryPolicy) withDefaults() RetryPolicy {
	if r.MaxRetries <= 0 {
		r.MaxRetries = 5
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = 2 * time.Second
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = time.Minute
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}
	return r
}

// Exhausted reports whether a task that has failed attempt times should stop retrying.
func (r RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= r.withDefaults().MaxRetries
}

// NextDelay returns the wait before retry number attempt (1-based).
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	r = r.withDefaults()
	d := r.InitialDelay
	for i := 1; i < attempt && d < r.MaxDelay; i++ {
		d = time.Duration(float64(d) * r.BackoffFactor)
	}
	return min(d, r.MaxDelay)
}
