// Package retry implements the two retry layers used by the crawler: a fixed
// transport policy around every outbound call and a classified "smart" policy
// around higher-level operations.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/errkind"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

const (
	defaultTransportAttempts = 3
	defaultTransportBase     = time.Second
	defaultTransportCeiling  = 5 * time.Minute
	minRateLimitBase         = 5 * time.Second
	maxExponent              = 10
)

// TransportConfig controls the transport layer.
type TransportConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Transport retries a single outbound call on network errors and on
// 429, 403 and 5xx responses.
type Transport struct {
	cfg     TransportConfig
	sleeper crawler.Sleeper
	rand    Source
	logger  *zap.Logger
}

// TransportExhaustedError is returned once every attempt has failed.
type TransportExhaustedError struct {
	Attempts int
	Cause    error
}

func (e *TransportExhaustedError) Error() string {
	return fmt.Sprintf("transport retries exhausted after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *TransportExhaustedError) Unwrap() error {
	return e.Cause
}

// NewTransport builds a Transport. Zero config fields take defaults.
func NewTransport(cfg TransportConfig, logger *zap.Logger, opts ...Option) *Transport {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultTransportAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultTransportBase
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultTransportCeiling
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := applyOptions(opts)
	return &Transport{cfg: cfg, sleeper: o.sleeper, rand: o.rand, logger: logger}
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent.
func (t *Transport) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < t.cfg.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return fmt.Errorf("transport attempt canceled: %w", err)
		}
		if !Retryable(err) {
			return err
		}
		if attempt == t.cfg.MaxAttempts-1 {
			break
		}
		delay := t.Backoff(attempt, errkind.StatusOf(err))
		kind := errkind.ClassifyError(err)
		metrics.ObserveRetry("transport", kind.String())
		t.logger.Warn("transport retry",
			zap.Int("attempt", attempt+1),
			zap.String("kind", kind.String()),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := t.sleeper.Sleep(ctx, delay); err != nil {
			return fmt.Errorf("transport backoff interrupted: %w", err)
		}
	}
	return &TransportExhaustedError{Attempts: t.cfg.MaxAttempts, Cause: lastErr}
}

// Backoff returns the jittered delay before retry number attempt+1.
func (t *Transport) Backoff(attempt int, status int) time.Duration {
	base := t.cfg.BaseDelay
	if status == http.StatusTooManyRequests {
		base *= 2
		if base < minRateLimitBase {
			base = minRateLimitBase
		}
	}
	exp := attempt
	if exp > maxExponent {
		exp = maxExponent
	}
	delay := float64(base) * math.Pow(2, float64(exp))
	delay *= 0.75 + t.rand.Float64()*0.5
	if delay > float64(t.cfg.MaxDelay) {
		return t.cfg.MaxDelay
	}
	return time.Duration(delay)
}

// Retryable reports whether the transport layer should repeat a call that
// failed with err.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if status := errkind.StatusOf(err); status > 0 {
		return status == http.StatusTooManyRequests ||
			status == http.StatusForbidden ||
			(status >= 500 && status < 600)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	switch errkind.ClassifyError(err) {
	case errkind.NetworkTimeout, errkind.ConnectionRefused, errkind.ConnectionTimeout,
		errkind.DNSResolution, errkind.NetworkUnreachable:
		return true
	}
	return false
}
