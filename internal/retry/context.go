package retry

import (
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/errkind"
)

// RetryContext accumulates attempts for one logical operation. It is not safe
// for concurrent use; each operation invocation owns its context.
type RetryContext struct {
	TotalAttempts            int
	TotalElapsed             time.Duration
	ConsecutiveRateLimitHits int
	LastKind                 errkind.Kind
	MaxTotalAttempts         int
	MaxElapsedWindow         time.Duration

	hasLast bool
	started time.Time
}

// NewContext returns a context with the given ceilings.
func NewContext(maxAttempts int, window time.Duration) *RetryContext {
	return &RetryContext{MaxTotalAttempts: maxAttempts, MaxElapsedWindow: window, started: time.Now()}
}

// DefaultContext suits generic operations.
func DefaultContext() *RetryContext { return NewContext(10, 5*time.Minute) }

// APIContext suits marketplace calls, which tolerate longer storms.
func APIContext() *RetryContext { return NewContext(15, 10*time.Minute) }

// DatabaseContext suits persistence calls, which should fail fast.
func DatabaseContext() *RetryContext { return NewContext(5, 2*time.Minute) }

// Record notes one failed attempt of kind that took elapsed. TotalElapsed
// becomes the wall time since the context started or was reset, backoff
// included, and never less than the sum of recorded attempt durations.
func (c *RetryContext) Record(kind errkind.Kind, elapsed time.Duration) {
	if c.started.IsZero() {
		c.started = time.Now().Add(-elapsed)
	}
	c.TotalAttempts++
	c.TotalElapsed = max(c.TotalElapsed+elapsed, c.Age())
	switch {
	case kind == errkind.RateLimit && c.hasLast && c.LastKind == errkind.RateLimit:
		c.ConsecutiveRateLimitHits++
	case kind == errkind.RateLimit:
		c.ConsecutiveRateLimitHits = 1
	default:
		c.ConsecutiveRateLimitHits = 0
	}
	c.LastKind = kind
	c.hasLast = true
}

// ShouldContinue reports whether the global ceilings still allow a retry.
func (c *RetryContext) ShouldContinue() bool {
	if c.MaxTotalAttempts > 0 && c.TotalAttempts >= c.MaxTotalAttempts {
		return false
	}
	if c.MaxElapsedWindow > 0 && c.TotalElapsed >= c.MaxElapsedWindow {
		return false
	}
	return true
}

// RateLimitStorm reports more than three consecutive rate-limit failures.
func (c *RetryContext) RateLimitStorm() bool {
	return c.LastKind == errkind.RateLimit && c.ConsecutiveRateLimitHits > 3
}

// Reset clears counters but keeps the ceilings so the context can be reused.
func (c *RetryContext) Reset() {
	c.TotalAttempts = 0
	c.TotalElapsed = 0
	c.ConsecutiveRateLimitHits = 0
	c.LastKind = errkind.Unknown
	c.hasLast = false
	c.started = time.Now()
}

// Age is the wall time since the context was created or last reset.
func (c *RetryContext) Age() time.Duration {
	if c.started.IsZero() {
		return 0
	}
	return time.Since(c.started)
}
