package clock

import (
	"sync"
	"time"
)

// VirtualClock is a controllable clock for deterministic tests. Time only
// moves when Advance or Set is called, so window expiry and retention
// checks can be tested instantly instead of sleeping.
//
// Thread-safe for concurrent use.
type VirtualClock struct {
	mu      sync.RWMutex
	current time.Time
	timers  []*virtualTimer
}

type virtualTimer struct {
	fireAt time.Time
	ch     chan time.Time
}

// NewVirtualClock creates a VirtualClock starting at the given time.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{current: start}
}

// Now returns the current virtual time.
func (c *VirtualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Since returns the virtual duration elapsed since t.
func (c *VirtualClock) Since(t time.Time) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.Sub(t)
}

// Until returns the virtual duration remaining until t.
func (c *VirtualClock) Until(t time.Time) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return t.Sub(c.current)
}

// After returns a channel that fires once the virtual clock has advanced
// past the current time plus d. A non-positive d fires immediately.
func (c *VirtualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	c.timers = append(c.timers, &virtualTimer{
		fireAt: c.current.Add(d),
		ch:     ch,
	})
	return ch
}

// Advance moves the virtual clock forward by d, firing any timers whose
// deadline has been reached. Panics if d is negative.
func (c *VirtualClock) Advance(d time.Duration) {
	if d < 0 {
		panic("clock: cannot advance by negative duration")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	c.fireDue()
}

// Set jumps the virtual clock to an exact time. Panics if t is before the
// current time.
func (c *VirtualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Before(c.current) {
		panic("clock: cannot set time to the past")
	}
	c.current = t
	c.fireDue()
}

// fireDue delivers to every timer whose deadline is at or before the
// current time. Must be called with c.mu held.
func (c *VirtualClock) fireDue() {
	pending := c.timers[:0]
	for _, t := range c.timers {
		if t.fireAt.After(c.current) {
			pending = append(pending, t)
			continue
		}
		t.ch <- c.current
	}
	c.timers = pending
}
