package crawler

import (
	"context"
	"time"
)

// Sleeper abstracts how components wait between attempts or polls.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// TimerSleeper waits on a timer and returns early when ctx is done.
type TimerSleeper struct{}

// Sleep pauses for d or until ctx finishes, whichever comes first.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
