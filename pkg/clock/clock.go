// Package clock separates logical time from wall-clock time so that paper
// runs and backtests can be driven deterministically.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

// Wall reads the system clock.
type Wall struct{}

func (Wall) Now() time.Time { return time.Now().UTC() }

// SimulationClock only moves when told to. It never goes backwards.
type SimulationClock struct {
	mu  sync.RWMutex
	now time.Time
}

func NewSimulationClock(start time.Time) *SimulationClock {
	return &SimulationClock{now: start.UTC()}
}

func (c *SimulationClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time. Negative
// durations are ignored.
func (c *SimulationClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return c.now
}

// AdvanceTo moves the clock to t if t is later than the current time.
func (c *SimulationClock) AdvanceTo(t time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t.UTC()
	}
	return c.now
}
