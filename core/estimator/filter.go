package estimator

// Delay outlier filter in the spirit of a lucky packet filter: the round-trip
// delays of recent exchanges are kept in a FIFO window and a sample is only
// trusted if its delay is not much worse than the window's median. Queueing
// in the network inflates delay and skews the offset of the same exchange,
// so such samples are dropped rather than averaged in.

import (
	"time"

	"example.com/multiserversync/base/timemath"
)

type delayFilter struct {
	factor    float64
	minWindow int
	delays    []time.Duration
	variance  float64
}

func newDelayFilter(window, minWindow int, factor float64) *delayFilter {
	if window <= 0 {
		panic("window must be greater than 0")
	}
	if minWindow <= 0 || minWindow > window {
		panic("invalid minimum window")
	}
	if factor <= 1 {
		panic("outlier factor must be greater than 1")
	}
	return &delayFilter{
		factor:    factor,
		minWindow: minWindow,
		delays:    make([]time.Duration, 0, window),
	}
}

// accept records delay and reports whether the exchange it belongs to may
// be used.
func (f *delayFilter) accept(delay time.Duration) bool {
	if len(f.delays) == cap(f.delays) {
		copy(f.delays, f.delays[1:])
		f.delays = f.delays[:len(f.delays)-1]
	}
	f.delays = append(f.delays, delay)
	if len(f.delays) < f.minWindow {
		return true
	}
	limit := timemath.Scale(timemath.Median(f.delays), f.factor)
	return delay <= limit
}

func (f *delayFilter) reset() {
	f.delays = f.delays[:0]
	f.variance = 0
}
