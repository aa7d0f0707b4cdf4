package timebase

import (
	"time"
)

// LocalClock is the process-local time source. Readings must never go
// backwards.
type LocalClock interface {
	Now() time.Time
	MaxDrift(duration time.Duration) time.Duration
}
