// Package clock provides a controllable notion of time for hub components.
package clock

import (
	"sync"
	"time"
)

// Clock supplies wall time and timer channels to components that wait.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock delegates to the process wall clock.
type SystemClock struct{}

// Now returns the current wall time.
func (SystemClock) Now() time.Time { return time.Now() }

// After returns a channel that receives after the wall-clock duration elapses.
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// ManualClock is an in-memory clock advanced explicitly, used for deterministic tests.
type ManualClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewManualClock initialises a clock starting at the provided timestamp.
func NewManualClock(start time.Time) *ManualClock {
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	return &ManualClock{current: start}
}

// Now returns the current simulated time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by the specified duration.
func (c *ManualClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}

// AdvanceTo moves the clock to the supplied timestamp if it is in the future.
func (c *ManualClock) AdvanceTo(ts time.Time) {
	c.mu.Lock()
	if ts.After(c.current) {
		c.current = ts
	}
	c.mu.Unlock()
}

// After returns a channel that receives once the clock advances past the duration.
func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	go func() {
		target := c.Now().Add(d)
		for {
			c.mu.Lock()
			current := c.current
			c.mu.Unlock()
			if !current.Before(target) {
				ch <- current
				close(ch)
				return
			}
			time.Sleep(1 * time.Millisecond)
		}
	}()
	return ch
}
