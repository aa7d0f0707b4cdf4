package clock_test

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"example.com/multiserversync/driver/clock"
)

func TestSystemClockMonotonic(t *testing.T) {
	c := clock.NewSystemClock(zap.NewNop(), 500)
	prev := c.Now()
	for i := 0; i < 1000; i++ {
		now := c.Now()
		if now.Before(prev) {
			t.Fatalf("SystemClock.Now() = %v, went backwards from %v", now, prev)
		}
		prev = now
	}
	if d := c.Now().Sub(time.Now()); d.Abs() > time.Minute {
		t.Errorf("SystemClock.Now() differs from time.Now() by %v", d)
	}
}

func TestSystemClockMaxDrift(t *testing.T) {
	c := clock.NewSystemClock(zap.NewNop(), 500)
	got := c.MaxDrift(10 * time.Second)
	want := 5 * time.Millisecond
	if got != want {
		t.Errorf("SystemClock.MaxDrift(10s) = %v, want %v", got, want)
	}
}

func TestManualClock(t *testing.T) {
	t0 := time.Unix(1000, 0)
	c := clock.NewManualClock(t0, 100)
	if got := c.Now(); !got.Equal(t0) {
		t.Errorf("ManualClock.Now() = %v, want %v", got, t0)
	}
	if got, want := c.MaxDrift(10*time.Second), time.Millisecond; got != want {
		t.Errorf("ManualClock.MaxDrift(10s) = %v, want %v", got, want)
	}
	c.Advance(time.Second)
	if got, want := c.Now(), t0.Add(time.Second); !got.Equal(want) {
		t.Errorf("ManualClock.Now() = %v, want %v", got, want)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Errorf("ManualClock.Advance(-1s), did not panic")
		}
	}()
	c.Advance(-time.Second)
}
