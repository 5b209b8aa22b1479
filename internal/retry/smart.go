package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/errkind"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// RetriesExhaustedError is returned when Smart gives up on an operation,
// including kinds that were never retryable.
type RetriesExhaustedError struct {
	Operation string
	Kind      errkind.Kind
	Attempts  int
	Cause     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s) [%s]: %v", e.Operation, e.Attempts, e.Kind, e.Cause)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Cause
}

// Smart retries an operation according to the classified kind of each failure.
type Smart struct {
	sleeper crawler.Sleeper
	rand    Source
	logger  *zap.Logger
}

// NewSmart builds a Smart retryer.
func NewSmart(logger *zap.Logger, opts ...Option) *Smart {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := applyOptions(opts)
	return &Smart{sleeper: o.sleeper, rand: o.rand, logger: logger}
}

// Do runs op, classifying each failure and retrying while the kind's budget
// and the ceilings in rc allow. A nil rc uses DefaultContext.
func (s *Smart) Do(ctx context.Context, operation string, rc *RetryContext, op func(ctx context.Context) error) error {
	if rc == nil {
		rc = DefaultContext()
	}
	for attempt := 0; ; attempt++ {
		start := time.Now()
		err := op(ctx)
		if err == nil {
			rc.Reset()
			return nil
		}
		kind := errkind.ClassifyError(err)
		rc.Record(kind, time.Since(start))

		if ctx.Err() != nil {
			return fmt.Errorf("%s canceled: %w", operation, err)
		}
		if !s.grant(kind, attempt, rc) {
			return &RetriesExhaustedError{Operation: operation, Kind: kind, Attempts: attempt + 1, Cause: err}
		}

		delay := s.Delay(kind, attempt)
		metrics.ObserveRetry("smart", kind.String())
		s.logger.Warn("retrying operation",
			zap.String("operation", operation),
			zap.String("kind", kind.String()),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := s.sleeper.Sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s backoff interrupted: %w", operation, err)
		}
	}
}

func (s *Smart) grant(kind errkind.Kind, attempt int, rc *RetryContext) bool {
	if !kind.Retryable() || attempt >= kind.MaxRetries() {
		return false
	}
	if !rc.ShouldContinue() {
		return false
	}
	return !rc.RateLimitStorm()
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, s *Smart, operation string, rc *RetryContext, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := s.Do(ctx, operation, rc, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Delay returns the pause before retry number attempt+1 for kind.
func (s *Smart) Delay(kind errkind.Kind, attempt int) time.Duration {
	base := kind.BaseDelay()
	switch kind {
	case errkind.RateLimit:
		d := scale(base, min(attempt, 6)) + between(s.rand, time.Second, 5*time.Second)
		return min(d, 5*time.Minute)
	case errkind.NetworkTimeout, errkind.ConnectionTimeout, errkind.TaskTimeout:
		d := base + time.Duration(attempt)*2*time.Second + between(s.rand, 500*time.Millisecond, 2*time.Second)
		return min(d, time.Minute)
	case errkind.ServiceUnavailable, errkind.ServerError:
		return min(scale(base, attempt), 2*time.Minute)
	case errkind.DBConnection, errkind.DBTimeout, errkind.DBDeadlock:
		return base + between(s.rand, 500*time.Millisecond, 1500*time.Millisecond)
	case errkind.Memory, errkind.PoolExhausted:
		return base + between(s.rand, 5*time.Second, 15*time.Second)
	default:
		d := scale(base, min(attempt, 4)) + between(s.rand, 100*time.Millisecond, time.Second)
		return min(d, 30*time.Second)
	}
}

func scale(base time.Duration, exp int) time.Duration {
	return time.Duration(float64(base) * math.Pow(2, float64(exp)))
}
