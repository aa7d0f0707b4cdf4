package estimator

import (
	"math"
	"net/netip"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"example.com/multiserversync/base/metrics"
	"example.com/multiserversync/base/timebase"
	"example.com/multiserversync/base/timemath"

	"example.com/multiserversync/core/peer"

	"example.com/multiserversync/net/syncpkt"
)

const maxDrift = 1e-3

type Params struct {
	Window              int
	MinWindow           int
	OutlierFactor       float64
	OffsetGain          float64
	DriftGain           float64
	DegradedUncertainty time.Duration
	MaxTimeouts         int
}

// Sample is one completed probe exchange. T0 and T3 are local clock
// readings, T1 and T2 are readings of the peer's clock.
type Sample struct {
	Peer           netip.AddrPort
	T0, T1, T2, T3 time.Time
}

// Outcome describes the effect of one estimator input on a peer.
type Outcome struct {
	Found    bool
	Accepted bool
	Delay    time.Duration
	Offset   time.Duration
	Before   peer.State
	After    peer.State
}

func (o Outcome) Transitioned() bool {
	return o.Found && o.Before.Status != o.After.Status
}

type estimatorMetrics struct {
	samplesAccepted prometheus.Counter
	samplesRejected prometheus.Counter
	timeouts        prometheus.Counter
}

// Estimator turns probe exchanges and timeouts into per-peer offset, drift
// and uncertainty estimates and drives peer status transitions.
type Estimator struct {
	log      *zap.Logger
	lclk     timebase.LocalClock
	registry *peer.Registry
	params   Params
	metrics  *estimatorMetrics

	mu      sync.Mutex
	filters map[netip.AddrPort]*delayFilter
}

func New(log *zap.Logger, lclk timebase.LocalClock, registry *peer.Registry,
	params Params, reg prometheus.Registerer) *Estimator {
	if params.OffsetGain <= 0 || params.OffsetGain > 1 {
		panic("invalid offset gain")
	}
	if params.DriftGain < 0 || params.DriftGain > 1 {
		panic("invalid drift gain")
	}
	if params.DegradedUncertainty <= 0 {
		panic("invalid degraded uncertainty")
	}
	if params.MaxTimeouts <= 0 {
		panic("invalid max timeouts")
	}
	if params.Window <= 0 || params.MinWindow <= 0 || params.MinWindow > params.Window {
		panic("invalid sample window")
	}
	if params.OutlierFactor <= 1 {
		panic("invalid outlier factor")
	}
	f := promauto.With(reg)
	return &Estimator{
		log:      log,
		lclk:     lclk,
		registry: registry,
		params:   params,
		metrics: &estimatorMetrics{
			samplesAccepted: f.NewCounter(prometheus.CounterOpts{
				Name: metrics.EstimatorSamplesAcceptedN,
				Help: metrics.EstimatorSamplesAcceptedH,
			}),
			samplesRejected: f.NewCounter(prometheus.CounterOpts{
				Name: metrics.EstimatorSamplesRejectedN,
				Help: metrics.EstimatorSamplesRejectedH,
			}),
			timeouts: f.NewCounter(prometheus.CounterOpts{
				Name: metrics.EstimatorTimeoutsN,
				Help: metrics.EstimatorTimeoutsH,
			}),
		},
		filters: make(map[netip.AddrPort]*delayFilter),
	}
}

func (e *Estimator) filter(addr netip.AddrPort) *delayFilter {
	f, ok := e.filters[addr]
	if !ok {
		f = newDelayFilter(e.params.Window, e.params.MinWindow, e.params.OutlierFactor)
		e.filters[addr] = f
	}
	return f
}

// Forget drops the filter history of addr, e.g. after the peer restarted.
func (e *Estimator) Forget(addr netip.AddrPort) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.filters, addr)
}

func (e *Estimator) status(s *peer.State, now time.Time) peer.Status {
	if s.UncertaintyAt(now, e.lclk) <= e.params.DegradedUncertainty {
		return peer.Active
	}
	return peer.Degraded
}

// Ingest folds a completed exchange into the state of its peer.
func (e *Estimator) Ingest(s Sample) Outcome {
	delay := max(syncpkt.RoundTripDelay(s.T0, s.T1, s.T2, s.T3), 0)
	offset := syncpkt.ClockOffset(s.T0, s.T1, s.T2, s.T3)
	now := s.T3

	e.mu.Lock()
	defer e.mu.Unlock()

	f := e.filter(s.Peer)
	accepted := f.accept(delay)
	if !accepted {
		e.metrics.samplesRejected.Inc()
		e.log.Debug("rejected delay outlier",
			zap.Stringer("peer", s.Peer),
			zap.Duration("delay", delay),
			zap.Duration("offset", offset),
		)
		before, after, ok := e.registry.Update(s.Peer, func(st *peer.State) {
			st.LastSeen = now
			st.ConsecutiveTimeouts = 0
		})
		return Outcome{Found: ok, Delay: delay, Offset: offset, Before: before, After: after}
	}

	before, after, ok := e.registry.Update(s.Peer, func(st *peer.State) {
		grown := st.UncertaintyAt(now, e.lclk)
		if st.Samples == 0 {
			st.Offset = offset
			st.Drift = 0
			f.variance = 0
		} else {
			dt := now.Sub(st.LastSample)
			predicted := st.PredictedOffset(now)
			resid := timemath.Seconds(offset - predicted)
			if dt > 0 {
				observed := timemath.Seconds(offset-st.Offset) / timemath.Seconds(dt)
				st.Drift += e.params.DriftGain * (observed - st.Drift)
				st.Drift = math.Max(-maxDrift, math.Min(st.Drift, maxDrift))
			}
			g := e.params.OffsetGain
			st.Offset = predicted + timemath.Duration(g*resid)
			f.variance = (1 - g) * (f.variance + g*resid*resid)
		}
		candidate := timemath.Duration(math.Sqrt(f.variance)) + delay/2
		st.Uncertainty = min(candidate, grown)
		st.LastSample = now
		st.LastSeen = now
		st.Samples++
		st.ConsecutiveTimeouts = 0
		st.Status = e.status(st, now)
	})
	if ok {
		e.metrics.samplesAccepted.Inc()
		e.log.Debug("accepted sample",
			zap.Stringer("peer", s.Peer),
			zap.Duration("delay", delay),
			zap.Duration("offset", offset),
			zap.Duration("estimate", after.Offset),
			zap.Float64("drift", after.Drift),
			zap.Duration("uncertainty", after.Uncertainty),
		)
	}
	return Outcome{Found: ok, Accepted: ok, Delay: delay, Offset: offset, Before: before, After: after}
}

// Timeout records a probe to addr that went unanswered.
func (e *Estimator) Timeout(addr netip.AddrPort, now time.Time) Outcome {
	before, after, ok := e.registry.Update(addr, func(st *peer.State) {
		st.ConsecutiveTimeouts++
		switch {
		case st.ConsecutiveTimeouts >= e.params.MaxTimeouts:
			st.Status = peer.Unreachable
		case st.Status == peer.Active:
			st.Status = e.status(st, now)
		}
	})
	if ok {
		e.metrics.timeouts.Inc()
		if before.Status != after.Status {
			e.log.Info("peer status changed",
				zap.Object("peer", after.ID),
				zap.Stringer("from", before.Status),
				zap.Stringer("to", after.Status),
				zap.Int("timeouts", after.ConsecutiveTimeouts),
			)
		}
	}
	return Outcome{Found: ok, Before: before, After: after}
}

// Refresh demotes Active peers whose uncertainty has grown past the bound
// and returns the resulting transitions.
func (e *Estimator) Refresh(now time.Time) []Outcome {
	var outcomes []Outcome
	for _, s := range e.registry.Active() {
		if s.UncertaintyAt(now, e.lclk) <= e.params.DegradedUncertainty {
			continue
		}
		before, after, ok := e.registry.Update(s.ID.Addr, func(st *peer.State) {
			if st.Status == peer.Active {
				st.Status = e.status(st, now)
			}
		})
		o := Outcome{Found: ok, Before: before, After: after}
		if o.Transitioned() {
			outcomes = append(outcomes, o)
		}
	}
	return outcomes
}
