//go:build !linux

package clock

import (
	"time"

	"go.uber.org/zap"

	"example.com/multiserversync/base/timebase"
	"example.com/multiserversync/base/timemath"
)

type SystemClock struct {
	log         *zap.Logger
	maxDriftPPM float64
	base        time.Time
}

var _ timebase.LocalClock = (*SystemClock)(nil)

func NewSystemClock(log *zap.Logger, maxDriftPPM float64) *SystemClock {
	if maxDriftPPM < 0 {
		panic("invalid max drift")
	}
	return &SystemClock{
		log:         log,
		maxDriftPPM: maxDriftPPM,
		base:        time.Now(),
	}
}

func (c *SystemClock) Now() time.Time {
	// time.Since uses the monotonic reading carried by c.base.
	return c.base.Round(0).UTC().Add(time.Since(c.base))
}

func (c *SystemClock) MaxDrift(duration time.Duration) time.Duration {
	return timemath.Scale(duration, c.maxDriftPPM*1e-6)
}
