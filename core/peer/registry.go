package peer

import (
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"example.com/multiserversync/base/metrics"
)

type registryMetrics struct {
	active      prometheus.Gauge
	degraded    prometheus.Gauge
	unreachable prometheus.Gauge
	dropped     prometheus.Counter
}

func newRegistryMetrics(reg prometheus.Registerer) *registryMetrics {
	f := promauto.With(reg)
	return &registryMetrics{
		active: f.NewGauge(prometheus.GaugeOpts{
			Name: metrics.PeerActiveN,
			Help: metrics.PeerActiveH,
		}),
		degraded: f.NewGauge(prometheus.GaugeOpts{
			Name: metrics.PeerDegradedN,
			Help: metrics.PeerDegradedH,
		}),
		unreachable: f.NewGauge(prometheus.GaugeOpts{
			Name: metrics.PeerUnreachableN,
			Help: metrics.PeerUnreachableH,
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: metrics.PeerDroppedN,
			Help: metrics.PeerDroppedH,
		}),
	}
}

// Registry is the table of known peers, keyed by transport address.
type Registry struct {
	log                *zap.Logger
	initialUncertainty time.Duration
	metrics            *registryMetrics

	mu    sync.RWMutex
	peers map[netip.AddrPort]*State
}

func NewRegistry(log *zap.Logger, initialUncertainty time.Duration, reg prometheus.Registerer) *Registry {
	if initialUncertainty <= 0 {
		panic("invalid initial uncertainty")
	}
	return &Registry{
		log:                log,
		initialUncertainty: initialUncertainty,
		metrics:            newRegistryMetrics(reg),
		peers:              make(map[netip.AddrPort]*State),
	}
}

func (r *Registry) newState(id ID, static bool, now time.Time) *State {
	return &State{
		ID:          id,
		Static:      static,
		Uncertainty: r.initialUncertainty,
		LastSample:  now,
		LastSeen:    now,
		Status:      Degraded,
	}
}

// Register adds a peer known only by address. It is a no-op for addresses
// already present and reports whether a new entry was created.
func (r *Registry) Register(addr netip.AddrPort, static bool, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.peers[addr]; ok {
		s.Static = s.Static || static
		return false
	}
	r.peers[addr] = r.newState(ID{Addr: addr}, static, now)
	r.log.Info("registered peer", zap.Stringer("addr", addr), zap.Bool("static", static))
	r.updateGauges()
	return true
}

// Observe records that a packet from id arrived at now and registers the
// peer if necessary. If a different instance was known at the same address
// the peer has restarted: its state is reset and the previous state is
// returned.
func (r *Registry) Observe(id ID, now time.Time) (replaced *State, created bool) {
	if id.Instance == uuid.Nil {
		panic("unexpected peer instance")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.peers[id.Addr]
	if !ok {
		r.peers[id.Addr] = r.newState(id, false, now)
		r.log.Info("registered peer", zap.Object("peer", id))
		r.updateGauges()
		return nil, true
	}
	if s.ID.Instance == uuid.Nil {
		s.ID.Instance = id.Instance
	} else if s.ID.Instance != id.Instance {
		old := *s
		r.peers[id.Addr] = r.newState(id, old.Static, now)
		r.log.Info("peer restarted", zap.Object("old", old.ID), zap.Object("new", id))
		r.metrics.dropped.Inc()
		r.updateGauges()
		return &old, false
	}
	s.LastSeen = now
	return nil, false
}

// ObserveTimestamp raises the highest synchronized timestamp seen from the
// peer at addr.
func (r *Registry) ObserveTimestamp(addr netip.AddrPort, t time.Time) {
	if t.IsZero() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.peers[addr]; ok && t.After(s.Observed) {
		s.Observed = t
	}
}

// Update applies fn to the state of the peer at addr while holding the
// registry lock. It returns the state before and after fn.
func (r *Registry) Update(addr netip.AddrPort, fn func(s *State)) (before, after State, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.peers[addr]
	if !ok {
		return State{}, State{}, false
	}
	before = *s
	fn(s)
	if s.Status != before.Status {
		r.updateGauges()
	}
	return before, *s, true
}

func (r *Registry) Get(addr netip.AddrPort) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.peers[addr]
	if !ok {
		return State{}, false
	}
	return *s, true
}

func (r *Registry) collect(pred func(*State) bool) []State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make([]State, 0, len(r.peers))
	for _, s := range r.peers {
		if pred(s) {
			states = append(states, *s)
		}
	}
	slices.SortFunc(states, func(a, b State) int { return a.ID.Addr.Compare(b.ID.Addr) })
	return states
}

// Peers returns copies of all peer states ordered by address.
func (r *Registry) Peers() []State {
	return r.collect(func(*State) bool { return true })
}

func (r *Registry) Active() []State {
	return r.collect(func(s *State) bool { return s.Status == Active })
}

func (r *Registry) Addrs() []netip.AddrPort {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addrs := make([]netip.AddrPort, 0, len(r.peers))
	for a := range r.peers {
		addrs = append(addrs, a)
	}
	slices.SortFunc(addrs, netip.AddrPort.Compare)
	return addrs
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Registry) Remove(addr netip.AddrPort) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.peers[addr]
	if !ok {
		return State{}, false
	}
	delete(r.peers, addr)
	r.metrics.dropped.Inc()
	r.updateGauges()
	return *s, true
}

// SweepSilent removes every peer not heard from for longer than timeout and
// returns the removed states. Static peers are re-registered with fresh
// state so that they keep being probed.
func (r *Registry) SweepSilent(now time.Time, timeout time.Duration) []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []State
	for addr, s := range r.peers {
		if now.Sub(s.LastSeen) <= timeout {
			continue
		}
		removed = append(removed, *s)
		if s.Static {
			r.peers[addr] = r.newState(ID{Addr: addr}, true, now)
		} else {
			delete(r.peers, addr)
		}
		r.metrics.dropped.Inc()
		r.log.Info("dropped silent peer", zap.Object("peer", s.ID), zap.Duration("silence", now.Sub(s.LastSeen)))
	}
	if len(removed) != 0 {
		r.updateGauges()
	}
	slices.SortFunc(removed, func(a, b State) int { return a.ID.Addr.Compare(b.ID.Addr) })
	return removed
}

func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.peers)
	r.updateGauges()
}

func (r *Registry) updateGauges() {
	var active, degraded, unreachable int
	for _, s := range r.peers {
		switch s.Status {
		case Active:
			active++
		case Degraded:
			degraded++
		case Unreachable:
			unreachable++
		}
	}
	r.metrics.active.Set(float64(active))
	r.metrics.degraded.Set(float64(degraded))
	r.metrics.unreachable.Set(float64(unreachable))
}
