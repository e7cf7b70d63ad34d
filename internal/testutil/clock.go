package testutil

import (
	"sync"
	"time"
)

// StepClock is a thread-safe fake wall clock for tests.
//
// Every call to Now advances the clock by a fixed step, so phase durations
// measured with it are deterministic: n calls after construction return
// base + n*step.
type StepClock struct {
	mu   sync.Mutex
	base time.Time
	step time.Duration
	n    int64
}

// NewStepClock creates a clock starting at base that advances by step on
// every read.
func NewStepClock(base time.Time, step time.Duration) *StepClock {
	return &StepClock{base: base, step: step}
}

// Now returns the current time and advances the clock.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.base.Add(time.Duration(c.n) * c.step)
	c.n++
	return t
}

// Reads returns how many times Now has been called.
func (c *StepClock) Reads() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Reset rewinds the clock to base.
func (c *StepClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = 0
}
