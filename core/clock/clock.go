package clock

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"example.com/multiserversync/base/metrics"
	"example.com/multiserversync/base/timebase"
	"example.com/multiserversync/base/timemath"

	"example.com/multiserversync/core/peer"
)

// minUncertainty keeps inverse-variance weights finite.
const minUncertainty = time.Microsecond

var ErrUnsynchronized = errors.New("clock not synchronized")

type Params struct {
	SyncUncertainty time.Duration
	MaxSlewRate     float64
	StepThreshold   time.Duration
}

type snapshot struct {
	synced       bool
	anchorLocal  time.Time
	anchorOffset time.Duration
	targetOffset time.Duration
	uncertainty  time.Duration
	recalibrated time.Time
	contributors int
}

// offsetAt returns the offset in effect at local time t: the anchor offset
// moved toward the target by at most rate seconds per second.
func (s *snapshot) offsetAt(t time.Time, rate float64) time.Duration {
	elapsed := t.Sub(s.anchorLocal)
	if elapsed <= 0 {
		return s.anchorOffset
	}
	diff := s.targetOffset - s.anchorOffset
	corr := timemath.Scale(elapsed, rate)
	if timemath.Abs(diff) <= corr {
		return s.targetOffset
	}
	return s.anchorOffset + time.Duration(timemath.Sign(diff))*corr
}

type clockMetrics struct {
	offset      prometheus.Gauge
	uncertainty prometheus.Gauge
	steps       prometheus.Counter
	synced      prometheus.Gauge
}

// Clock is the cluster-wide synchronized clock. Reads are lock-free; the
// estimate is replaced as a whole on every recalibration.
type Clock struct {
	log     *zap.Logger
	lclk    timebase.LocalClock
	params  Params
	metrics *clockMetrics

	mu    sync.Mutex
	state atomic.Pointer[snapshot]
	last  atomic.Int64
}

func New(log *zap.Logger, lclk timebase.LocalClock, params Params, reg prometheus.Registerer) *Clock {
	if params.SyncUncertainty <= 0 {
		panic("invalid sync uncertainty")
	}
	if params.MaxSlewRate <= 0 || params.MaxSlewRate >= 1 {
		panic("invalid max slew rate")
	}
	if params.StepThreshold < 0 {
		panic("invalid step threshold")
	}
	f := promauto.With(reg)
	return &Clock{
		log:    log,
		lclk:   lclk,
		params: params,
		metrics: &clockMetrics{
			offset: f.NewGauge(prometheus.GaugeOpts{
				Name: metrics.ClockOffsetN,
				Help: metrics.ClockOffsetH,
			}),
			uncertainty: f.NewGauge(prometheus.GaugeOpts{
				Name: metrics.ClockUncertaintyN,
				Help: metrics.ClockUncertaintyH,
			}),
			steps: f.NewCounter(prometheus.CounterOpts{
				Name: metrics.ClockStepsN,
				Help: metrics.ClockStepsH,
			}),
			synced: f.NewGauge(prometheus.GaugeOpts{
				Name: metrics.ClockSyncedN,
				Help: metrics.ClockSyncedH,
			}),
		},
	}
}

// Now returns the synchronized time. It fails until the clock has been
// synchronized once; afterwards it keeps running on the last estimate even
// if all peers are lost. Successive results never decrease.
func (c *Clock) Now() (time.Time, error) {
	s := c.state.Load()
	if s == nil {
		return time.Time{}, ErrUnsynchronized
	}
	local := c.lclk.Now()
	t := local.Add(s.offsetAt(local, c.params.MaxSlewRate)).UnixNano()
	for {
		last := c.last.Load()
		if t <= last {
			return time.Unix(0, last).UTC(), nil
		}
		if c.last.CompareAndSwap(last, t) {
			return time.Unix(0, t).UTC(), nil
		}
	}
}

// Synced reports whether at least one Active peer currently meets the
// sync uncertainty bound.
func (c *Clock) Synced() bool {
	s := c.state.Load()
	return s != nil && s.synced
}

// Offset returns the offset from the local clock currently in effect.
func (c *Clock) Offset() (time.Duration, bool) {
	s := c.state.Load()
	if s == nil {
		return 0, false
	}
	return s.offsetAt(c.lclk.Now(), c.params.MaxSlewRate), true
}

// Uncertainty returns the aggregate uncertainty of the last recalibration.
func (c *Clock) Uncertainty() (time.Duration, bool) {
	s := c.state.Load()
	if s == nil {
		return 0, false
	}
	return s.uncertainty, true
}

// Recalibrate recomputes the target offset from the given peer states.
// Only Active peers contribute. The local clock takes part with offset zero
// and the mean uncertainty of the contributing peers.
func (c *Clock) Recalibrate(states []peer.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.lclk.Now()
	var (
		sumW, sumWO, sumU float64
		n                 int
		synced            bool
	)
	for i := range states {
		s := &states[i]
		if s.Status != peer.Active {
			continue
		}
		u := max(s.UncertaintyAt(now, c.lclk), minUncertainty)
		if u <= c.params.SyncUncertainty {
			synced = true
		}
		w := 1 / (timemath.Seconds(u) * timemath.Seconds(u))
		sumW += w
		sumWO += w * timemath.Seconds(s.PredictedOffset(now))
		sumU += timemath.Seconds(u)
		n++
	}

	old := c.state.Load()
	if !synced {
		if old != nil && old.synced {
			next := *old
			next.synced = false
			c.state.Store(&next)
			c.metrics.synced.Set(0)
			c.log.Info("lost synchronization", zap.Int("active", n))
		}
		return
	}

	selfU := sumU / float64(n)
	selfW := 1 / (selfU * selfU)
	target := timemath.Duration(sumWO / (sumW + selfW))
	uncertainty := timemath.Duration(1 / math.Sqrt(sumW+selfW))

	next := &snapshot{
		synced:       true,
		anchorLocal:  now,
		targetOffset: target,
		uncertainty:  uncertainty,
		recalibrated: now,
		contributors: n,
	}
	if old == nil {
		next.anchorOffset = target
		c.log.Info("synchronized", zap.Duration("offset", target), zap.Duration("uncertainty", uncertainty))
	} else {
		current := old.offsetAt(now, c.params.MaxSlewRate)
		next.anchorOffset = current
		if target-current > c.params.StepThreshold {
			next.anchorOffset = target
			c.metrics.steps.Inc()
			c.log.Info("stepped synchronized clock forward",
				zap.Duration("from", current), zap.Duration("to", target))
		}
		if !old.synced {
			c.log.Info("regained synchronization", zap.Duration("offset", target))
		}
	}
	c.state.Store(next)
	c.metrics.offset.Set(timemath.Seconds(target))
	c.metrics.uncertainty.Set(timemath.Seconds(uncertainty))
	c.metrics.synced.Set(1)
	c.log.Debug("recalibrated",
		zap.Int("contributors", n),
		zap.Duration("target", target),
		zap.Duration("offset", next.anchorOffset),
		zap.Duration("uncertainty", uncertainty),
	)
}

// FrameNumber maps a synchronized time to a frame counter that every node
// computes identically for the same fps.
func FrameNumber(t time.Time, fps float64) int64 {
	if fps <= 0 {
		panic("invalid frame rate")
	}
	sec, nsec := float64(t.Unix()), float64(t.Nanosecond())
	return int64(math.Floor(sec*fps + nsec*fps/1e9))
}

func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Store(nil)
	c.metrics.synced.Set(0)
}
