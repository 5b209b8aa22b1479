package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTime is both clock and sleeper: sleeping advances the clock.
type fakeTime struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeTime() *fakeTime {
	return &fakeTime{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTime) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	return nil
}

func (f *fakeTime) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeTime) recorded() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

func newTestLimiter(ft *fakeTime) *Limiter {
	return New(DefaultConfig(), WithClock(ft), WithSleeper(ft))
}

func TestAcquireSpacesCalls(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	l := newTestLimiter(ft)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "/catalog/products"))
	require.Empty(t, ft.recorded())

	ft.advance(2 * time.Second)
	require.NoError(t, l.Acquire(ctx, "/catalog/products"))
	require.Equal(t, []time.Duration{3 * time.Second}, ft.recorded())

	ft.advance(10 * time.Second)
	require.NoError(t, l.Acquire(ctx, "/catalog/products"))
	require.Len(t, ft.recorded(), 1)
}

func TestAcquireCanceled(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	l := newTestLimiter(ft)
	require.NoError(t, l.Acquire(context.Background(), "/x"))

	first, ok := l.Stats("/x")
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, l.Acquire(ctx, "/x"), context.Canceled)

	// The abandoned slot is released, so the next caller waits one interval, not two.
	st, _ := l.Stats("/x")
	require.Equal(t, first.LastRequestAt, st.LastRequestAt)
	require.NoError(t, l.Acquire(context.Background(), "/x"))
	require.Equal(t, []time.Duration{5 * time.Second}, ft.recorded())
}

func TestConcurrentAcquireGetsDistinctSlots(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	l := New(DefaultConfig(), WithClock(ft), WithSleeper(noSleep{}))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Acquire(context.Background(), "/catalog/products"))
		}()
	}
	wg.Wait()

	st, ok := l.Stats("/catalog/products")
	require.True(t, ok)
	// Three callers at the same instant occupy slots 0s, 5s and 10s.
	require.Equal(t, ft.Now().Add(10*time.Second), st.LastRequestAt)
}

type noSleep struct{}

func (noSleep) Sleep(context.Context, time.Duration) error { return nil }

func TestReportAdjustsInterval(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(newFakeTime())
	const ep = "/catalog/products"

	l.Report(ep, Outcome{Success: false, Status: 429})
	requireInterval(t, l, ep, 15*time.Second)

	l.Report(ep, Outcome{Success: false, Status: 429})
	l.Report(ep, Outcome{Success: false, Status: 429})
	requireInterval(t, l, ep, 60*time.Second)

	l.Report(ep, Outcome{Success: true, Latency: 5 * time.Second})
	requireInterval(t, l, ep, 60*time.Second)

	l.Report(ep, Outcome{Success: true, Latency: time.Second})
	requireInterval(t, l, ep, 57*time.Second)

	st, _ := l.Stats(ep)
	require.Equal(t, int64(5), st.TotalRequests)
	require.Equal(t, int64(2), st.SuccessfulRequests)
	require.InDelta(t, 0.4, st.SuccessRate, 1e-9)
	require.Zero(t, st.ConsecutiveErrors)
}

func TestReportServerErrorAndFloor(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(newFakeTime())
	const ep = "/catalog/facets"

	l.Report(ep, Outcome{Status: 503})
	requireInterval(t, l, ep, 10*time.Second)

	for i := 0; i < 100; i++ {
		l.Report(ep, Outcome{Success: true, Latency: 100 * time.Millisecond})
	}
	requireInterval(t, l, ep, 3*time.Second)
}

func TestReportErrorThreshold(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(newFakeTime())
	const ep = "/catalog/tree"

	for i := 0; i < 5; i++ {
		l.Report(ep, Outcome{})
	}
	requireInterval(t, l, ep, 5*time.Second)

	l.Report(ep, Outcome{})
	requireInterval(t, l, ep, 10*time.Second)
}

func TestEndpointsAreIndependent(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(newFakeTime())
	l.Report("/hot", Outcome{Status: 429})
	l.Report("/cold", Outcome{Success: true, Latency: 5 * time.Second})

	requireInterval(t, l, "/hot", 15*time.Second)
	requireInterval(t, l, "/cold", 5*time.Second)

	all := l.AllStats()
	require.Len(t, all, 2)
	require.True(t, sort.SliceIsSorted(all, func(i, j int) bool { return all[i].Endpoint < all[j].Endpoint }))
}

func TestResetAndForce(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(newFakeTime())
	l.Report("/a", Outcome{Status: 429})
	l.Report("/b", Outcome{Status: 500})

	l.Reset("/a")
	requireInterval(t, l, "/a", 5*time.Second)
	requireInterval(t, l, "/b", 10*time.Second)

	l.ResetAll()
	requireInterval(t, l, "/b", 5*time.Second)
	st, _ := l.Stats("/b")
	require.Zero(t, st.TotalRequests)

	require.NoError(t, l.ForceInterval("/a", 20*time.Second))
	requireInterval(t, l, "/a", 20*time.Second)
	require.Error(t, l.ForceInterval("/a", time.Second))
	require.Error(t, l.ForceInterval("/a", 2*time.Minute))

	_, ok := l.Stats("/never")
	require.False(t, ok)
}

func TestGlobalRPS(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.GlobalRPS = 10
	l := New(cfg, WithSleeper(noSleep{}))

	require.NoError(t, l.Acquire(context.Background(), "/a"))
	start := time.Now()
	require.NoError(t, l.Acquire(context.Background(), "/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func requireInterval(t *testing.T, l *Limiter, endpoint string, want time.Duration) {
	t.Helper()
	st, ok := l.Stats(endpoint)
	require.True(t, ok)
	require.Equal(t, want, st.CurrentInterval)
}
