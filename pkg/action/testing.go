package action

import "time"

// FakeClock is a virtual clock for tests. Sleep advances Now instantly.
// Like the primitives it drives, it is used from one goroutine and is not
// safe for concurrent use.
type FakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

// NewFakeClock creates a fake clock starting at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the virtual time.
func (c *FakeClock) Now() time.Time { return c.now }

// Sleep advances the virtual time by d and records it.
func (c *FakeClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	if d > 0 {
		c.now = c.now.Add(d)
	}
}

// Advance moves the virtual time forward without recording a sleep.
func (c *FakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// Sleeps returns every duration passed to Sleep, in order.
func (c *FakeClock) Sleeps() []time.Duration {
	return append([]time.Duration(nil), c.sleeps...)
}

// Slept returns the total virtual time spent sleeping.
func (c *FakeClock) Slept() time.Duration {
	var total time.Duration
	for _, d := range c.sleeps {
		total += d
	}
	return total
}
