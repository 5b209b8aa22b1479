// Package system provides the wall clock used outside of tests.
package system

import (
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Clock reports UTC wall time and waits on real timers. It satisfies both
// crawler.Clock and crawler.Sleeper.
type Clock struct {
	crawler.TimerSleeper
}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since returns the time elapsed since t.
func (c Clock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}
