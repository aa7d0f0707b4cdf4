package engine

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"example.com/multiserversync/base/crypto"
	"example.com/multiserversync/base/timebase"

	"example.com/multiserversync/core/clock"
	"example.com/multiserversync/core/config"
	"example.com/multiserversync/core/discovery"
	"example.com/multiserversync/core/estimator"
	"example.com/multiserversync/core/ordering"
	"example.com/multiserversync/core/peer"
	"example.com/multiserversync/core/peerstore"
	"example.com/multiserversync/core/stats"
	"example.com/multiserversync/core/transport"

	"example.com/multiserversync/net/syncpkt"
)

const (
	notificationQueueLen = 64
	foundQueueLen        = 16
)

var errAlreadyRunning = errors.New("engine already running")

// Engine owns all components of one synchronization node and drives them
// from a single control loop.
type Engine struct {
	log  *zap.Logger
	lclk timebase.LocalClock
	cfg  config.Config
	self peer.ID

	registry  *peer.Registry
	estimator *estimator.Estimator
	clock     *clock.Clock
	gate      *ordering.Gate
	transport *transport.Transport
	stats     *stats.Tracker
	store     *peerstore.Store
	discovery *discovery.Service

	found         chan netip.AddrPort
	events        chan ordering.Event
	notifications chan Notification

	outMu    sync.Mutex
	out      []ordering.Event
	outReady chan struct{}

	// owned by the control loop
	levels map[netip.AddrPort]stats.Level

	running   sync.Mutex
	closeOnce sync.Once
}

// New creates an engine for cfg and binds its sync sockets. Configured
// peers and peers from the peer store are registered immediately.
func New(log *zap.Logger, lclk timebase.LocalClock, cfg config.Config, reg prometheus.Registerer) (*Engine, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	local, err := cfg.LocalAddrPort()
	if err != nil {
		return nil, fmt.Errorf("invalid local address: %w", err)
	}
	peers, err := cfg.PeerAddrs()
	if err != nil {
		return nil, err
	}
	project, err := cfg.Project()
	if err != nil {
		return nil, fmt.Errorf("invalid project id: %w", err)
	}
	instance := uuid.New()

	e := &Engine{
		log:           log,
		lclk:          lclk,
		cfg:           cfg,
		stats:         stats.NewTracker(),
		found:         make(chan netip.AddrPort, foundQueueLen),
		events:        make(chan ordering.Event, cfg.EventBuffer),
		notifications: make(chan Notification, notificationQueueLen),
		outReady:      make(chan struct{}, 1),
		levels:        make(map[netip.AddrPort]stats.Level),
	}
	e.registry = peer.NewRegistry(log, cfg.InitialUncertainty.Duration, reg)
	e.estimator = estimator.New(log, lclk, e.registry, estimator.Params{
		Window:              cfg.SampleWindow,
		MinWindow:           cfg.MinWindow,
		OutlierFactor:       cfg.OutlierFactor,
		OffsetGain:          cfg.OffsetGain,
		DriftGain:           cfg.DriftGain,
		DegradedUncertainty: cfg.DegradedUncertainty.Duration,
		MaxTimeouts:         cfg.MaxTimeouts,
	}, reg)
	e.clock = clock.New(log, lclk, clock.Params{
		SyncUncertainty: cfg.SyncUncertainty.Duration,
		MaxSlewRate:     cfg.MaxSlewRate,
		StepThreshold:   cfg.StepThreshold.Duration,
	}, reg)
	e.transport = transport.New(log, lclk, instance, transport.Params{
		LocalAddr:    local,
		NumReceivers: cfg.NumReceivers,
		DSCP:         cfg.DSCP,
		ProbeTimeout: cfg.ProbeTimeout.Duration,
		QueueLen:     cfg.EventBuffer,
	}, e.heartbeat, reg)
	err = e.transport.Listen()
	if err != nil {
		return nil, err
	}
	e.self = peer.ID{Addr: e.transport.LocalAddr(), Instance: instance}
	e.gate = ordering.NewGate(log, lclk, e.clock, e.self, syncpkt.MaxDataLen, reg)

	now := lclk.Now()
	for _, addr := range peers {
		if addr == e.self.Addr {
			continue
		}
		e.registry.Register(addr, true, now)
	}
	if cfg.PeerStore != "" {
		e.store, err = peerstore.Open(cfg.PeerStore)
		if err != nil {
			e.transport.Close()
			return nil, err
		}
		rs, err := e.store.Records()
		if err != nil {
			e.log.Info("failed to read peer store", zap.Error(err))
		}
		for _, r := range rs {
			if r.Addr != e.self.Addr {
				e.registry.Register(r.Addr, false, now)
			}
		}
	}
	if cfg.MDNS {
		e.discovery = discovery.New(log, discovery.Params{
			Name:     cfg.MDNSName,
			Port:     e.self.Addr.Port(),
			Project:  project,
			Instance: instance,
		})
	}
	log.Info("engine created", zap.Object("self", e.self), zap.Int("peers", e.registry.Len()))
	return e, nil
}

func (e *Engine) heartbeat() time.Time {
	t, err := e.clock.Now()
	if err != nil {
		return time.Time{}
	}
	return t
}

func (e *Engine) Self() peer.ID {
	return e.self
}

// Run serves the engine until ctx is done. The peer registry and the
// ordering gate are cleared on return.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.TryLock() {
		return errAlreadyRunning
	}
	defer e.running.Unlock()
	defer func() {
		e.registry.Clear()
		e.gate.Reset()
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.transport.Run(ctx)
	})
	g.Go(func() error {
		return e.control(ctx)
	})
	g.Go(func() error {
		return e.forward(ctx)
	})
	if e.discovery != nil {
		g.Go(func() error {
			return e.discovery.Run(ctx, func(addr netip.AddrPort) {
				select {
				case e.found <- addr:
				case <-ctx.Done():
				}
			})
		})
	}
	return g.Wait()
}

// Close releases the sockets and the peer store.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.transport.Close()
		if e.store != nil {
			err = e.store.Close()
		}
	})
	return err
}

func (e *Engine) control(ctx context.Context) error {
	// spread the probes of nodes started at the same time
	jitter, err := crypto.RandDuration(ctx, e.cfg.ProbeInterval.Duration)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(jitter):
	}

	probeTicker := time.NewTicker(e.cfg.ProbeInterval.Duration)
	defer probeTicker.Stop()
	recalTicker := time.NewTicker(e.cfg.RecalibrateInterval.Duration)
	defer recalTicker.Stop()
	sweepTicker := time.NewTicker(e.cfg.SweepInterval.Duration)
	defer sweepTicker.Stop()

	e.probe(e.lclk.Now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt := <-e.transport.Incoming():
			e.handle(pkt)
		case <-probeTicker.C:
			e.probe(e.lclk.Now())
		case <-recalTicker.C:
			e.recalibrate(e.lclk.Now())
		case <-sweepTicker.C:
			e.sweep(e.lclk.Now())
		case addr := <-e.found:
			if addr != e.self.Addr {
				e.registry.Register(addr, false, e.lclk.Now())
			}
		}
	}
}

// forward hands released events to the host in release order.
func (e *Engine) forward(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.outReady:
		}
		e.outMu.Lock()
		evs := e.out
		e.out = nil
		e.outMu.Unlock()
		for _, ev := range evs {
			select {
			case e.events <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (e *Engine) deliver(evs []ordering.Event) {
	if len(evs) == 0 {
		return
	}
	e.outMu.Lock()
	e.out = append(e.out, evs...)
	e.outMu.Unlock()
	select {
	case e.outReady <- struct{}{}:
	default:
	}
}

func (e *Engine) notify(n Notification) {
	select {
	case e.notifications <- n:
	default:
		e.log.Debug("dropped notification", zap.Stringer("kind", n.Kind), zap.Object("peer", n.Peer))
	}
}

func (e *Engine) handle(pkt transport.Packet) {
	id := peer.ID{Addr: pkt.Src, Instance: pkt.Pkt.Instance}
	replaced, created := e.registry.Observe(id, pkt.RxTime)
	if replaced != nil {
		e.estimator.Forget(pkt.Src)
		e.stats.Forget(pkt.Src)
		delete(e.levels, pkt.Src)
		e.dropped(*replaced, pkt.RxTime)
		e.remember(id, pkt.RxTime)
	} else if created {
		e.remember(id, pkt.RxTime)
	}

	switch pkt.Pkt.Magic {
	case syncpkt.MagicProbe:
		e.registry.ObserveTimestamp(pkt.Src, pkt.Pkt.Heartbeat)
	case syncpkt.MagicReply:
		e.registry.ObserveTimestamp(pkt.Src, pkt.Pkt.Heartbeat)
		o := e.estimator.Ingest(estimator.Sample{
			Peer: pkt.Src,
			T0:   pkt.Pkt.OriginTime,
			T1:   pkt.Pkt.ReceiveTime,
			T2:   pkt.Pkt.TransmitTime,
			T3:   pkt.RxTime,
		})
		e.stats.RecordRTT(pkt.Src, o.Delay)
		e.assess(id, pkt.RxTime)
		e.transitioned(o, pkt.RxTime)
		if o.Accepted {
			e.recalibrate(pkt.RxTime)
		}
	case syncpkt.MagicEvent:
		e.registry.ObserveTimestamp(pkt.Src, pkt.Pkt.EventTime)
		e.gate.SubmitRemote(ordering.Event{
			Origin:    id,
			Timestamp: pkt.Pkt.EventTime,
			Seq:       pkt.Pkt.Seq,
			Payload:   pkt.Pkt.Data,
		})
	}
}

func (e *Engine) remember(id peer.ID, now time.Time) {
	if e.store == nil {
		return
	}
	err := e.store.Put(peerstore.Record{Addr: id.Addr, Instance: id.Instance, LastSeen: now})
	if err != nil {
		e.log.Info("failed to store peer", zap.Object("peer", id), zap.Error(err))
	}
}

// assess updates the link quality level of a peer and reports changes.
func (e *Engine) assess(id peer.ID, now time.Time) {
	l, ok := e.stats.Latency(id.Addr)
	if !ok {
		return
	}
	prev, known := e.levels[id.Addr]
	e.levels[id.Addr] = l.Quality.Level
	if !known || prev == l.Quality.Level {
		return
	}
	kind := QualityImproved
	if l.Quality.Level < prev {
		kind = QualityDegraded
	}
	e.log.Info("link quality changed",
		zap.Object("peer", id),
		zap.Stringer("from", prev),
		zap.Stringer("to", l.Quality.Level),
		zap.Int("score", l.Quality.Score),
	)
	e.notify(Notification{Kind: kind, Peer: id, Time: now, Quality: l.Quality})
}

func (e *Engine) transitioned(o estimator.Outcome, now time.Time) {
	if !o.Transitioned() {
		return
	}
	switch {
	case o.After.Status == peer.Unreachable:
		e.notify(Notification{Kind: ConnectionLost, Peer: o.After.ID, Time: now})
		e.deliver(e.gate.Flush(o.After.ID.Instance))
	case o.Before.Status == peer.Unreachable:
		e.notify(Notification{Kind: ConnectionRestored, Peer: o.After.ID, Time: now})
	}
}

func (e *Engine) dropped(s peer.State, now time.Time) {
	e.deliver(e.gate.Flush(s.ID.Instance))
	e.notify(Notification{Kind: DroppedPeer, Peer: s.ID, Time: now})
}

// probe counts expired probes as timeouts and sends a new probe to every
// peer without one outstanding.
func (e *Engine) probe(now time.Time) {
	var changed bool
	for _, addr := range e.transport.ExpireProbes(now) {
		e.stats.RecordLoss(addr)
		o := e.estimator.Timeout(addr, now)
		if !o.Found {
			continue
		}
		e.assess(o.After.ID, now)
		e.transitioned(o, now)
		changed = changed || o.Transitioned()
	}
	if changed {
		e.recalibrate(now)
	}
	for _, addr := range e.registry.Addrs() {
		if e.transport.Outstanding(addr) {
			continue
		}
		err := e.transport.SendProbe(addr)
		if err != nil {
			e.log.Debug("failed to send probe", zap.Error(err))
		}
	}
}

// recalibrate refreshes peer status, recomputes the synchronized clock and
// releases every event below the new watermark.
func (e *Engine) recalibrate(now time.Time) {
	for _, o := range e.estimator.Refresh(now) {
		e.transitioned(o, now)
	}
	e.clock.Recalibrate(e.registry.Peers())
	wm, err := e.gate.Watermark(e.registry.Active())
	if err != nil {
		// late events are released regardless of the watermark
		wm = time.Time{}
	}
	e.deliver(e.gate.Drain(wm))
}

func (e *Engine) sweep(now time.Time) {
	removed := e.registry.SweepSilent(now, e.cfg.SilenceTimeout.Duration)
	for _, s := range removed {
		addr := s.ID.Addr
		e.estimator.Forget(addr)
		e.stats.Forget(addr)
		e.transport.Forget(addr)
		delete(e.levels, addr)
		e.dropped(s, now)
		if e.store != nil && !s.Static {
			err := e.store.Delete(addr)
			if err != nil {
				e.log.Info("failed to delete peer from store", zap.Stringer("addr", addr), zap.Error(err))
			}
		}
	}
	if len(removed) != 0 {
		e.recalibrate(now)
	}
}

// Now returns the synchronized time. After the last confident peer is
// lost the clock keeps running on its last offset; Synced reports false
// from then on.
func (e *Engine) Now() (time.Time, error) {
	return e.clock.Now()
}

// Synced reports whether an Active peer currently backs the synchronized
// clock with sufficient confidence.
func (e *Engine) Synced() bool {
	return e.clock.Synced()
}

// FrameNumber returns the frame counter for the current synchronized time
// at the configured target frame rate.
func (e *Engine) FrameNumber() (int64, error) {
	t, err := e.clock.Now()
	if err != nil {
		return 0, err
	}
	return clock.FrameNumber(t, e.cfg.TargetFrameRate), nil
}

// Submit stamps payload with the synchronized time, queues it for ordered
// release and broadcasts it to all known peers.
func (e *Engine) Submit(payload []byte) (ordering.Event, error) {
	ev, err := e.gate.SubmitLocal(payload)
	if err != nil {
		return ordering.Event{}, err
	}
	err = e.transport.Broadcast(ev.Timestamp, ev.Seq, ev.Payload, e.registry.Addrs())
	if err != nil {
		e.log.Info("failed to broadcast event", zap.Object("event", ev), zap.Error(err))
	}
	return ev, nil
}

// Events delivers released events in the cluster-wide order.
func (e *Engine) Events() <-chan ordering.Event {
	return e.events
}

func (e *Engine) Notifications() <-chan Notification {
	return e.notifications
}
