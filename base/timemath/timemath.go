package timemath

import (
	"math"
	"slices"
	"time"
)

// Duration converts seconds to a duration, rounding to the nearest
// nanosecond.
func Duration(seconds float64) time.Duration {
	return time.Duration(math.Round(seconds * float64(time.Second)))
}

func Seconds(d time.Duration) float64 {
	return float64(d) / float64(time.Second)
}

func Sign(d time.Duration) int {
	switch {
	case d < 0:
		return -1
	case d > 0:
		return 1
	default:
		return 0
	}
}

func Abs(d time.Duration) time.Duration {
	if d == math.MinInt64 {
		panic("unexpected duration value")
	}
	if d < 0 {
		return -d
	}
	return d
}

func Midpoint(x, y time.Duration) time.Duration {
	return x + (y-x)/2
}

// Median returns the median of ds without reordering ds.
func Median(ds []time.Duration) time.Duration {
	n := len(ds)
	if n == 0 {
		panic("unexpected number of values")
	}
	s := slices.Clone(ds)
	slices.Sort(s)
	i := n / 2
	if n%2 != 0 {
		return s[i]
	}
	return Midpoint(s[i-1], s[i])
}

func Clamp(d, lo, hi time.Duration) time.Duration {
	if lo > hi {
		panic("invalid clamp bounds")
	}
	return max(lo, min(d, hi))
}

// Scale multiplies d by f, rounding to the nearest nanosecond and
// saturating at the limits of time.Duration.
func Scale(d time.Duration, f float64) time.Duration {
	x := float64(d) * f
	switch {
	case x >= math.MaxInt64:
		return math.MaxInt64
	case x <= math.MinInt64+1:
		return math.MinInt64 + 1
	default:
		return time.Duration(math.Round(x))
	}
}
