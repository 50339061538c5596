// Package refresh runs the auto-refresh scheduler: the periodic prices-only
// tick, suspend/resume on visibility changes, and the manual refresh that
// combines a forced batch refetch with a prices fetch.
package refresh

import (
	"sync"
	"time"
)

// Clock abstracts time for the scheduler so interval behavior can be tested
// without sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// realClock delegates to the time package.
type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewClock returns the wall clock.
func NewClock() Clock { return realClock{} }

type manualTimer struct {
	deadline time.Time
	ch       chan time.Time
}

// ManualClock is a Clock driven by explicit Advance calls. Timers fire when
// Advance moves the clock past their deadline.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*manualTimer
	created int
}

// NewManualClock creates a manual clock starting at the given instant.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the clock's current instant.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that fires once the clock is advanced past now+d.
// A non-positive duration fires immediately.
func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	c.created++
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.timers = append(c.timers, &manualTimer{deadline: c.now.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward and fires every timer whose deadline has
// been reached.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	remaining := c.timers[:0]
	for _, t := range c.timers {
		if t.deadline.After(c.now) {
			remaining = append(remaining, t)
			continue
		}
		t.ch <- c.now
	}
	c.timers = remaining
}

// TimersCreated returns the cumulative number of After calls. Tests use it to
// wait until the scheduler is parked on a timer before advancing.
func (c *ManualClock) TimersCreated() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created
}
