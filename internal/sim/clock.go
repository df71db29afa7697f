package sim

import (
	"sync"
	"time"
)

// Clock is the virtual time source of a run. Every timestamp the queues
// take during a simulation goes through it, so a run models seconds of
// scheduling in milliseconds of wall time and two runs of the same
// workload read the same clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward and returns the new time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
