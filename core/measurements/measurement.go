package measurements

import (
	"cmp"
	"slices"
	"time"

	"example.com/multiserversync/net/syncpkt"
)

// Measurement is the result of one probe exchange taken at Timestamp.
type Measurement struct {
	Timestamp time.Time
	Offset    time.Duration
	Delay     time.Duration
}

// FromExchange derives a measurement from the four timestamps of a probe
// exchange; t0 and t3 are local clock readings.
func FromExchange(t0, t1, t2, t3 time.Time) Measurement {
	return Measurement{
		Timestamp: t3,
		Offset:    syncpkt.ClockOffset(t0, t1, t2, t3),
		Delay:     syncpkt.RoundTripDelay(t0, t1, t2, t3),
	}
}

func midpoint(x, y Measurement) Measurement {
	var m Measurement
	m.Offset = x.Offset + (y.Offset-x.Offset)/2
	m.Delay = x.Delay + (y.Delay-x.Delay)/2
	if !x.Timestamp.After(y.Timestamp) {
		m.Timestamp = x.Timestamp.Add(y.Timestamp.Sub(x.Timestamp) / 2)
	} else {
		m.Timestamp = y.Timestamp.Add(x.Timestamp.Sub(y.Timestamp) / 2)
	}
	return m
}

func sortedByOffset(ms []Measurement) []Measurement {
	s := slices.Clone(ms)
	slices.SortFunc(s, func(a, b Measurement) int {
		return cmp.Compare(a.Offset, b.Offset)
	})
	return s
}

// Median returns the measurement with the median offset. ms is not
// reordered.
func Median(ms []Measurement) Measurement {
	n := len(ms)
	if n == 0 {
		panic("unexpected number of values")
	}
	s := sortedByOffset(ms)
	i := n / 2
	if n%2 != 0 {
		return s[i]
	}
	return midpoint(s[i-1], s[i])
}

// FaultTolerantMidpoint discards the (n-1)/3 lowest and highest offsets
// and returns the midpoint of the remaining extremes.
func FaultTolerantMidpoint(ms []Measurement) Measurement {
	n := len(ms)
	if n == 0 {
		panic("unexpected number of values")
	}
	s := sortedByOffset(ms)
	f := (n - 1) / 3
	return midpoint(s[f], s[n-1-f])
}

// MinDelay returns the measurement with the lowest round-trip delay.
func MinDelay(ms []Measurement) Measurement {
	if len(ms) == 0 {
		panic("unexpected number of values")
	}
	return slices.MinFunc(ms, func(a, b Measurement) int {
		return cmp.Compare(a.Delay, b.Delay)
	})
}
