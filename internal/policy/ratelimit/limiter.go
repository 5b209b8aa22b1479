// Package ratelimit paces outbound calls per endpoint, widening the interval
// on rate-limit and server errors and narrowing it on fast successes.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	MinInterval       time.Duration
	MaxInterval       time.Duration
	DefaultInterval   time.Duration
	FastThreshold     time.Duration
	DecayFactor       float64
	RateLimitFactor   float64
	ServerErrorFactor float64
	ErrorThreshold    int
	// GlobalRPS caps requests per second across every endpoint. Zero disables it.
	GlobalRPS float64
}

// DefaultConfig returns the production pacing defaults.
func DefaultConfig() Config {
	return Config{
		MinInterval:       3 * time.Second,
		MaxInterval:       60 * time.Second,
		DefaultInterval:   5 * time.Second,
		FastThreshold:     3 * time.Second,
		DecayFactor:       0.95,
		RateLimitFactor:   3,
		ServerErrorFactor: 2,
		ErrorThreshold:    5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinInterval <= 0 {
		c.MinInterval = d.MinInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = d.DefaultInterval
	}
	if c.FastThreshold <= 0 {
		c.FastThreshold = d.FastThreshold
	}
	if c.DecayFactor <= 0 || c.DecayFactor >= 1 {
		c.DecayFactor = d.DecayFactor
	}
	if c.RateLimitFactor <= 1 {
		c.RateLimitFactor = d.RateLimitFactor
	}
	if c.ServerErrorFactor <= 1 {
		c.ServerErrorFactor = d.ServerErrorFactor
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = d.ErrorThreshold
	}
	return c
}

// Outcome is the result of one paced call.
type Outcome struct {
	Success bool
	Status  int
	Latency time.Duration
}

// EndpointRateState is a snapshot of one endpoint's pacing.
type EndpointRateState struct {
	Endpoint           string        `json:"endpoint"`
	CurrentInterval    time.Duration `json:"current_interval"`
	LastRequestAt      time.Time     `json:"last_request_at"`
	ConsecutiveErrors  int           `json:"consecutive_errors"`
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	SuccessRate        float64       `json:"success_rate"`
}

type endpointState struct {
	mu                sync.Mutex
	interval          time.Duration
	lastRequest       time.Time
	consecutiveErrors int
	total             int64
	successful        int64
}

// Limiter manages per-endpoint adaptive intervals.
type Limiter struct {
	cfg     Config
	clock   crawler.Clock
	sleeper crawler.Sleeper
	global  *rate.Limiter

	mu        sync.Mutex
	endpoints map[string]*endpointState
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock.
func WithClock(c crawler.Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithSleeper replaces the timer-based sleeper.
func WithSleeper(s crawler.Sleeper) Option {
	return func(l *Limiter) {
		if s != nil {
			l.sleeper = s
		}
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// New creates a new Limiter.
func New(cfg Config, opts ...Option) *Limiter {
	cfg = cfg.withDefaults()
	l := &Limiter{
		cfg:       cfg,
		clock:     wallClock{},
		sleeper:   crawler.TimerSleeper{},
		endpoints: make(map[string]*endpointState),
	}
	if cfg.GlobalRPS > 0 {
		l.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), 1)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

func (l *Limiter) state(endpoint string) *endpointState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.endpoints[endpoint]
	if !ok {
		st = &endpointState{interval: l.cfg.DefaultInterval}
		l.endpoints[endpoint] = st
		metrics.SetRateLimitInterval(endpoint, st.interval)
	}
	return st
}

// Acquire blocks until a call to endpoint is allowed. Concurrent callers of
// the same endpoint are handed consecutive slots one interval apart. A wait
// abandoned through ctx hands its slot back unless a later caller already
// queued behind it.
func (l *Limiter) Acquire(ctx context.Context, endpoint string) error {
	st := l.state(endpoint)

	st.mu.Lock()
	now := l.clock.Now()
	slot := now
	if !st.lastRequest.IsZero() {
		if next := st.lastRequest.Add(st.interval); next.After(now) {
			slot = next
		}
	}
	prev := st.lastRequest
	st.lastRequest = slot
	st.mu.Unlock()

	if wait := slot.Sub(now); wait > 0 {
		if err := l.sleeper.Sleep(ctx, wait); err != nil {
			st.mu.Lock()
			if st.lastRequest.Equal(slot) {
				st.lastRequest = prev
			}
			st.mu.Unlock()
			return fmt.Errorf("rate limit wait: %w", err)
		}
		metrics.ObserveRateLimitDelay(endpoint, wait)
	}
	if l.global != nil {
		if err := l.global.Wait(ctx); err != nil {
			return fmt.Errorf("global rate limit wait: %w", err)
		}
	}
	return nil
}

// Report feeds the result of a call back into the endpoint's interval.
func (l *Limiter) Report(endpoint string, out Outcome) {
	st := l.state(endpoint)

	st.mu.Lock()
	st.total++
	if out.Success {
		st.successful++
		st.consecutiveErrors = 0
		if out.Latency < l.cfg.FastThreshold {
			st.interval = l.clamp(time.Duration(float64(st.interval) * l.cfg.DecayFactor))
		}
	} else {
		st.consecutiveErrors++
		switch {
		case out.Status == http.StatusTooManyRequests:
			st.interval = l.clamp(time.Duration(float64(st.interval) * l.cfg.RateLimitFactor))
		case out.Status >= 500 && out.Status < 600:
			st.interval = l.clamp(time.Duration(float64(st.interval) * l.cfg.ServerErrorFactor))
		case st.consecutiveErrors > l.cfg.ErrorThreshold:
			st.interval = l.clamp(time.Duration(float64(st.interval) * l.cfg.ServerErrorFactor))
		}
	}
	interval := st.interval
	st.mu.Unlock()

	metrics.SetRateLimitInterval(endpoint, interval)
}

func (l *Limiter) clamp(d time.Duration) time.Duration {
	if d < l.cfg.MinInterval {
		return l.cfg.MinInterval
	}
	if d > l.cfg.MaxInterval {
		return l.cfg.MaxInterval
	}
	return d
}

// Stats returns the snapshot for endpoint, or false if it was never used.
func (l *Limiter) Stats(endpoint string) (EndpointRateState, bool) {
	l.mu.Lock()
	st, ok := l.endpoints[endpoint]
	l.mu.Unlock()
	if !ok {
		return EndpointRateState{}, false
	}
	return st.snapshot(endpoint), true
}

// AllStats returns every endpoint snapshot ordered by endpoint.
func (l *Limiter) AllStats() []EndpointRateState {
	l.mu.Lock()
	names := make([]string, 0, len(l.endpoints))
	states := make(map[string]*endpointState, len(l.endpoints))
	for name, st := range l.endpoints {
		names = append(names, name)
		states[name] = st
	}
	l.mu.Unlock()

	sort.Strings(names)
	out := make([]EndpointRateState, 0, len(names))
	for _, name := range names {
		out = append(out, states[name].snapshot(name))
	}
	return out
}

func (st *endpointState) snapshot(endpoint string) EndpointRateState {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := EndpointRateState{
		Endpoint:           endpoint,
		CurrentInterval:    st.interval,
		LastRequestAt:      st.lastRequest,
		ConsecutiveErrors:  st.consecutiveErrors,
		TotalRequests:      st.total,
		SuccessfulRequests: st.successful,
	}
	if st.total > 0 {
		s.SuccessRate = float64(st.successful) / float64(st.total)
	}
	return s
}

// Reset returns endpoint to the default interval and clears its counters.
func (l *Limiter) Reset(endpoint string) {
	st := l.state(endpoint)
	st.mu.Lock()
	st.interval = l.cfg.DefaultInterval
	st.lastRequest = time.Time{}
	st.consecutiveErrors = 0
	st.total = 0
	st.successful = 0
	st.mu.Unlock()
	metrics.SetRateLimitInterval(endpoint, l.cfg.DefaultInterval)
}

// ResetAll resets every known endpoint.
func (l *Limiter) ResetAll() {
	for _, s := range l.AllStats() {
		l.Reset(s.Endpoint)
	}
}

// ForceInterval pins endpoint's interval; it must lie within [Min, Max].
func (l *Limiter) ForceInterval(endpoint string, d time.Duration) error {
	if d < l.cfg.MinInterval || d > l.cfg.MaxInterval {
		return fmt.Errorf("interval %s outside [%s, %s]", d, l.cfg.MinInterval, l.cfg.MaxInterval)
	}
	st := l.state(endpoint)
	st.mu.Lock()
	st.interval = d
	st.mu.Unlock()
	metrics.SetRateLimitInterval(endpoint, d)
	return nil
}
