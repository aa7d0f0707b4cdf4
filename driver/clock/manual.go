package clock

import (
	"sync"
	"time"

	"example.com/multiserversync/base/timebase"
	"example.com/multiserversync/base/timemath"
)

// ManualClock is a LocalClock that only moves when told to.
type ManualClock struct {
	mu          sync.Mutex
	now         time.Time
	maxDriftPPM float64
}

var _ timebase.LocalClock = (*ManualClock)(nil)

func NewManualClock(t time.Time, maxDriftPPM float64) *ManualClock {
	return &ManualClock{now: t, maxDriftPPM: maxDriftPPM}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) MaxDrift(duration time.Duration) time.Duration {
	return timemath.Scale(duration, c.maxDriftPPM*1e-6)
}

func (c *ManualClock) Advance(d time.Duration) time.Time {
	if d < 0 {
		panic("manual clock must not go backwards")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
