package replay

import "sync/atomic"

// SimClock is the run's single source of time, in epoch milliseconds.
// Only the scheduler advances it; everything else reads it through the
// exchange.Clock interface.
type SimClock struct {
	now atomic.Int64
}

// NewSimClock starts the clock at start ms
func NewSimClock(start int64) *SimClock {
	c := &SimClock{}
	c.now.Store(start)
	return c
}

// Now returns the current simulation time in ms
func (c *SimClock) Now() int64 {
	return c.now.Load()
}

// advance moves the clock forward to t. Moving backwards is a no-op: the
// merged feed already guarantees non-decreasing timestamps, and the clock
// must never regress under any input.
func (c *SimClock) advance(t int64) {
	for {
		cur := c.now.Load()
		if t <= cur {
			return
		}
		if c.now.CompareAndSwap(cur, t) {
			return
		}
	}
}
