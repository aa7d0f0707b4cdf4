package ordering

import (
	"bytes"
	"container/heap"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"example.com/multiserversync/base/metrics"
	"example.com/multiserversync/base/timebase"

	"example.com/multiserversync/core/peer"
)

var (
	ErrNoWatermark = errors.New("watermark not yet known")
	errPayloadSize = errors.New("payload too large")
)

// Clock is the synchronized time source used to stamp local events.
type Clock interface {
	Now() (time.Time, error)
}

type eventKey struct {
	origin uuid.UUID
	seq    uint64
}

type gateMetrics struct {
	pending    prometheus.Gauge
	released   prometheus.Counter
	late       prometheus.Counter
	duplicates prometheus.Counter
	flushed    prometheus.Counter
}

// Gate buffers events from all origins and releases them in one total
// order once no earlier event can still arrive from any Active peer.
type Gate struct {
	log            *zap.Logger
	lclk           timebase.LocalClock
	clk            Clock
	self           peer.ID
	maxPayloadSize int
	metrics        *gateMetrics

	mu       sync.Mutex
	queue    eventQueue
	pending  map[eventKey]struct{}
	released map[uuid.UUID]*seqTracker
	last     *Event
	late     []Event
	seq      uint64
}

func NewGate(log *zap.Logger, lclk timebase.LocalClock, clk Clock, self peer.ID,
	maxPayloadSize int, reg prometheus.Registerer) *Gate {
	if self.Instance == uuid.Nil {
		panic("local instance must not be nil")
	}
	f := promauto.With(reg)
	return &Gate{
		log:            log,
		lclk:           lclk,
		clk:            clk,
		self:           self,
		maxPayloadSize: maxPayloadSize,
		metrics: &gateMetrics{
			pending: f.NewGauge(prometheus.GaugeOpts{
				Name: metrics.OrderingPendingN,
				Help: metrics.OrderingPendingH,
			}),
			released: f.NewCounter(prometheus.CounterOpts{
				Name: metrics.OrderingReleasedN,
				Help: metrics.OrderingReleasedH,
			}),
			late: f.NewCounter(prometheus.CounterOpts{
				Name: metrics.OrderingLateN,
				Help: metrics.OrderingLateH,
			}),
			duplicates: f.NewCounter(prometheus.CounterOpts{
				Name: metrics.OrderingDuplicatesN,
				Help: metrics.OrderingDuplicatesH,
			}),
			flushed: f.NewCounter(prometheus.CounterOpts{
				Name: metrics.OrderingFlushedN,
				Help: metrics.OrderingFlushedH,
			}),
		},
		pending:  make(map[eventKey]struct{}),
		released: make(map[uuid.UUID]*seqTracker),
	}
}

// SubmitLocal stamps payload with the synchronized time and the next local
// sequence number and buffers it. The returned event is what has to be
// broadcast to the peers.
func (g *Gate) SubmitLocal(payload []byte) (Event, error) {
	if g.maxPayloadSize > 0 && len(payload) > g.maxPayloadSize {
		return Event{}, errPayloadSize
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now, err := g.clk.Now()
	if err != nil {
		return Event{}, err
	}
	g.seq++
	ev := Event{
		Origin:    g.self,
		Timestamp: now,
		Seq:       g.seq,
		Payload:   bytes.Clone(payload),
	}
	g.push(ev)
	return ev, nil
}

// SubmitRemote buffers an event received from a peer. It reports false for
// duplicates, which are dropped.
func (g *Gate) SubmitRemote(ev Event) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := eventKey{ev.Origin.Instance, ev.Seq}
	if _, ok := g.pending[key]; ok || g.tracker(ev.Origin.Instance).seen(ev.Seq) {
		g.metrics.duplicates.Inc()
		return false
	}
	if g.last != nil && ev.Compare(g.last) < 0 {
		ev.Late = true
		g.metrics.late.Inc()
		g.log.Info("received late event", zap.Object("event", ev), zap.Time("released", g.last.Timestamp))
		g.tracker(ev.Origin.Instance).mark(ev.Seq)
		g.late = append(g.late, ev)
		return true
	}
	g.push(ev)
	return true
}

func (g *Gate) push(ev Event) {
	g.pending[eventKey{ev.Origin.Instance, ev.Seq}] = struct{}{}
	heap.Push(&g.queue, &ev)
	g.metrics.pending.Set(float64(len(g.queue)))
}

func (g *Gate) tracker(origin uuid.UUID) *seqTracker {
	t, ok := g.released[origin]
	if !ok {
		t = newSeqTracker()
		g.released[origin] = t
	}
	return t
}

// Watermark returns the synchronized time below which no further event is
// expected: the minimum over the Active peers of the highest timestamp
// observed from the peer minus its uncertainty, capped by the local
// synchronized time.
func (g *Gate) Watermark(active []peer.State) (time.Time, error) {
	wm, err := g.clk.Now()
	if err != nil {
		return time.Time{}, err
	}
	local := g.lclk.Now()
	for i := range active {
		s := &active[i]
		if s.Status != peer.Active {
			continue
		}
		if s.Observed.IsZero() {
			return time.Time{}, ErrNoWatermark
		}
		t := s.Observed.Add(-s.UncertaintyAt(local, g.lclk))
		if t.Before(wm) {
			wm = t
		}
	}
	return wm, nil
}

// Drain releases late events first and then, in order, every buffered
// event strictly below watermark.
func (g *Gate) Drain(watermark time.Time) []Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	evs := g.late
	g.late = nil
	for len(g.queue) != 0 && g.queue[0].Timestamp.Before(watermark) {
		ev := heap.Pop(&g.queue).(*Event)
		g.release(ev)
		g.last = ev
		evs = append(evs, *ev)
	}
	g.metrics.released.Add(float64(len(evs)))
	g.metrics.pending.Set(float64(len(g.queue)))
	return evs
}

func (g *Gate) release(ev *Event) {
	delete(g.pending, eventKey{ev.Origin.Instance, ev.Seq})
	g.tracker(ev.Origin.Instance).mark(ev.Seq)
}

// Flush releases all buffered events of origin in their relative order,
// regardless of the watermark. It is used when a peer is dropped or becomes
// unreachable.
func (g *Gate) Flush(origin uuid.UUID) []Event {
	if origin == uuid.Nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	var flushed []*Event
	kept := g.queue[:0]
	for _, ev := range g.queue {
		if ev.Origin.Instance == origin {
			flushed = append(flushed, ev)
		} else {
			kept = append(kept, ev)
		}
	}
	if len(flushed) == 0 {
		return nil
	}
	clear(g.queue[len(kept):])
	g.queue = kept
	heap.Init(&g.queue)
	slices.SortFunc(flushed, func(a, b *Event) int { return a.Compare(b) })
	evs := make([]Event, len(flushed))
	for i, ev := range flushed {
		g.release(ev)
		evs[i] = *ev
	}
	g.metrics.flushed.Add(float64(len(evs)))
	g.metrics.released.Add(float64(len(evs)))
	g.metrics.pending.Set(float64(len(g.queue)))
	g.log.Info("flushed events of dropped peer", zap.Stringer("origin", origin), zap.Int("count", len(evs)))
	return evs
}

func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue) + len(g.late)
}

func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	clear(g.queue)
	g.queue = g.queue[:0]
	clear(g.pending)
	clear(g.released)
	g.late = nil
	g.last = nil
	g.metrics.pending.Set(0)
}
