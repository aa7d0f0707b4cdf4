//go:build linux

package clock

import (
	"time"

	"go.uber.org/zap"

	"golang.org/x/sys/unix"

	"example.com/multiserversync/base/timebase"
	"example.com/multiserversync/base/timemath"
)

// SystemClock reports wall-clock time as read once at construction and
// advanced by CLOCK_MONOTONIC afterwards. Steps or slews of the system
// clock after construction do not affect its readings.
type SystemClock struct {
	log         *zap.Logger
	maxDriftPPM float64
	base        time.Time
	mono0       time.Duration
}

var _ timebase.LocalClock = (*SystemClock)(nil)

func clockGettime(log *zap.Logger, clockid int32) time.Duration {
	var ts unix.Timespec
	err := unix.ClockGettime(clockid, &ts)
	if err != nil {
		log.Fatal("unix.ClockGettime failed", zap.Int32("clockid", clockid), zap.Error(err))
	}
	return time.Duration(ts.Nano())
}

func NewSystemClock(log *zap.Logger, maxDriftPPM float64) *SystemClock {
	if maxDriftPPM < 0 {
		panic("invalid max drift")
	}
	mono0 := clockGettime(log, unix.CLOCK_MONOTONIC)
	base := time.Unix(0, int64(clockGettime(log, unix.CLOCK_REALTIME))).UTC()
	return &SystemClock{
		log:         log,
		maxDriftPPM: maxDriftPPM,
		base:        base,
		mono0:       mono0,
	}
}

func (c *SystemClock) Now() time.Time {
	return c.base.Add(clockGettime(c.log, unix.CLOCK_MONOTONIC) - c.mono0)
}

func (c *SystemClock) MaxDrift(duration time.Duration) time.Duration {
	return timemath.Scale(duration, c.maxDriftPPM*1e-6)
}
