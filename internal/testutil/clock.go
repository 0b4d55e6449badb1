// Package testutil provides deterministic doubles for the sync engine's
// collaborators: a stepping clock, fixed id generators, and a scriptable
// recording transport.
package testutil

import (
	"sync"
	"time"
)

// SteppingClock is a deterministic wall clock for tests.
//
// Every call to Now returns the current instant and then advances it by the
// configured step, so successive store writes get distinct, predictable
// inserted_at stamps and golden traces stay byte-identical across runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type SteppingClock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
	step  time.Duration
}

// NewSteppingClock creates a clock that starts at start and advances by step.
//
// A zero step yields a frozen clock.
func NewSteppingClock(start time.Time, step time.Duration) *SteppingClock {
	return &SteppingClock{start: start, now: start, step: step}
}

// Now returns the current instant and advances the clock.
func (c *SteppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the instant the next Now call will return.
func (c *SteppingClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Reset rewinds the clock to its start.
func (c *SteppingClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
