package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/uuid"
	"github.com/libp2p/go-reuseport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"example.com/multiserversync/base/metrics"
	"example.com/multiserversync/base/timebase"

	"example.com/multiserversync/net/syncpkt"
	"example.com/multiserversync/net/udp"
)

const (
	readBufLen = 2048
)

var errNotListening = errors.New("transport not listening")

type Params struct {
	LocalAddr    netip.AddrPort
	NumReceivers int
	DSCP         uint8
	ProbeTimeout time.Duration
	QueueLen     int
}

// Packet is a validated packet received from Src at local time RxTime.
// For replies, the matching outstanding probe has already been consumed.
type Packet struct {
	Src    netip.AddrPort
	RxTime time.Time
	Pkt    syncpkt.Packet
}

type probe struct {
	t0       time.Time
	deadline time.Time
}

type transportMetrics struct {
	pktsReceived   prometheus.Counter
	pktsMalformed  prometheus.Counter
	probesSent     prometheus.Counter
	probesAnswered prometheus.Counter
	repliesLate    prometheus.Counter
	eventsSent     prometheus.Counter
}

func newTransportMetrics(reg prometheus.Registerer) *transportMetrics {
	f := promauto.With(reg)
	return &transportMetrics{
		pktsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: metrics.TransportPktsReceivedN,
			Help: metrics.TransportPktsReceivedH,
		}),
		pktsMalformed: f.NewCounter(prometheus.CounterOpts{
			Name: metrics.TransportPktsMalformedN,
			Help: metrics.TransportPktsMalformedH,
		}),
		probesSent: f.NewCounter(prometheus.CounterOpts{
			Name: metrics.TransportProbesSentN,
			Help: metrics.TransportProbesSentH,
		}),
		probesAnswered: f.NewCounter(prometheus.CounterOpts{
			Name: metrics.TransportProbesAnsweredN,
			Help: metrics.TransportProbesAnsweredH,
		}),
		repliesLate: f.NewCounter(prometheus.CounterOpts{
			Name: metrics.TransportRepliesLateN,
			Help: metrics.TransportRepliesLateH,
		}),
		eventsSent: f.NewCounter(prometheus.CounterOpts{
			Name: metrics.TransportEventsSentN,
			Help: metrics.TransportEventsSentH,
		}),
	}
}

// Transport exchanges probes, replies and events with peers over UDP.
// Incoming probes are answered directly from the receive loop so that the
// reply timestamps are taken as close to the wire as possible.
type Transport struct {
	log       *zap.Logger
	lclk      timebase.LocalClock
	instance  uuid.UUID
	params    Params
	heartbeat func() time.Time
	member    bool
	metrics   *transportMetrics

	conns    []*net.UDPConn
	incoming chan Packet

	mu          sync.Mutex
	outstanding map[netip.AddrPort]probe
}

// New creates a transport for the local instance. heartbeat returns the
// current synchronized time, or the zero time while unsynchronized. A
// transport without heartbeat is not a cluster member: it sends queries,
// which peers answer without registering the sender.
func New(log *zap.Logger, lclk timebase.LocalClock, instance uuid.UUID, params Params,
	heartbeat func() time.Time, reg prometheus.Registerer) *Transport {
	if params.NumReceivers <= 0 {
		panic("invalid number of receivers")
	}
	if params.ProbeTimeout <= 0 {
		panic("invalid probe timeout")
	}
	if params.QueueLen <= 0 {
		params.QueueLen = 1024
	}
	member := heartbeat != nil
	if !member {
		heartbeat = func() time.Time { return time.Time{} }
	}
	return &Transport{
		log:         log,
		lclk:        lclk,
		instance:    instance,
		params:      params,
		heartbeat:   heartbeat,
		member:      member,
		metrics:     newTransportMetrics(reg),
		incoming:    make(chan Packet, params.QueueLen),
		outstanding: make(map[netip.AddrPort]probe),
	}
}

func (t *Transport) listen(addr netip.AddrPort) (*net.UDPConn, error) {
	if t.params.NumReceivers == 1 {
		return net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	}
	conn, err := reuseport.ListenPacket("udp", addr.String())
	if err != nil {
		return nil, err
	}
	return conn.(*net.UDPConn), nil
}

// Listen opens the receive sockets. With more than one receiver all
// sockets share the local port via SO_REUSEPORT.
func (t *Transport) Listen() error {
	addr := t.params.LocalAddr
	for i := 0; i != t.params.NumReceivers; i++ {
		conn, err := t.listen(addr)
		if err != nil {
			t.Close()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		err = udp.SetDSCP(conn, t.params.DSCP)
		if err != nil {
			t.log.Info("failed to set DSCP", zap.Error(err))
		}
		if i == 0 {
			addr = netip.AddrPortFrom(addr.Addr(), conn.LocalAddr().(*net.UDPAddr).AddrPort().Port())
		}
		t.conns = append(t.conns, conn)
	}
	t.log.Info("listening", zap.Stringer("addr", addr), zap.Int("receivers", len(t.conns)))
	return nil
}

func (t *Transport) LocalAddr() netip.AddrPort {
	if len(t.conns) == 0 {
		return netip.AddrPort{}
	}
	return t.conns[0].LocalAddr().(*net.UDPAddr).AddrPort()
}

// Run serves all receive sockets until ctx is done and closes them.
func (t *Transport) Run(ctx context.Context) error {
	if len(t.conns) == 0 {
		return errNotListening
	}
	var wg sync.WaitGroup
	for _, conn := range t.conns {
		wg.Add(1)
		go func(conn *net.UDPConn) {
			defer wg.Done()
			t.receive(ctx, conn)
		}(conn)
	}
	<-ctx.Done()
	t.Close()
	wg.Wait()
	return nil
}

func (t *Transport) Close() {
	for _, conn := range t.conns {
		_ = conn.Close()
	}
}

func (t *Transport) receive(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, readBufLen)
	for {
		buf = buf[:cap(buf)]
		n, srcAddr, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Error("failed to read packet", zap.Error(err))
			continue
		}
		rxt := t.lclk.Now()
		buf = buf[:n]
		t.metrics.pktsReceived.Inc()

		var pkt syncpkt.Packet
		err = syncpkt.DecodePacket(&pkt, buf)
		if err != nil {
			t.metrics.pktsMalformed.Inc()
			t.log.Debug("failed to decode packet", zap.Stringer("from", srcAddr), zap.Error(err))
			continue
		}
		if pkt.Instance == t.instance || pkt.Instance == uuid.Nil {
			continue
		}
		src := udp.AddrPort(srcAddr)

		switch pkt.Magic {
		case syncpkt.MagicProbe:
			err = syncpkt.ValidateProbe(&pkt)
			if err == nil {
				t.answer(conn, srcAddr, &pkt, rxt)
			}
		case syncpkt.MagicQuery:
			err = syncpkt.ValidateProbe(&pkt)
			if err == nil {
				t.answer(conn, srcAddr, &pkt, rxt)
				continue
			}
		case syncpkt.MagicReply:
			err = syncpkt.ValidateReply(&pkt)
			if err == nil && !t.matchReply(src, &pkt) {
				t.metrics.repliesLate.Inc()
				t.log.Debug("ignored late reply", zap.Stringer("from", src))
				continue
			}
		case syncpkt.MagicEvent:
			err = syncpkt.ValidateEvent(&pkt)
		}
		if err != nil {
			t.metrics.pktsMalformed.Inc()
			t.log.Debug("dropped invalid packet", zap.Stringer("from", src),
				zap.Object("pkt", syncpkt.PacketMarshaler{Pkt: &pkt}), zap.Error(err))
			continue
		}
		pkt.BaseLayer = syncpkt.BaseLayer{}

		select {
		case t.incoming <- Packet{Src: src, RxTime: rxt, Pkt: pkt}:
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) answer(conn *net.UDPConn, dst netip.AddrPort, req *syncpkt.Packet, rxt time.Time) {
	resp := syncpkt.Packet{
		Magic:       syncpkt.MagicReply,
		Instance:    t.instance,
		OriginTime:  req.OriginTime,
		ReceiveTime: rxt,
		Heartbeat:   t.heartbeat(),
	}
	resp.TransmitTime = t.lclk.Now()
	b, err := syncpkt.EncodePacket(gopacket.NewSerializeBuffer(), &resp)
	if err != nil {
		t.log.Error("failed to encode reply", zap.Error(err))
		return
	}
	_, err = conn.WriteToUDPAddrPort(b, dst)
	if err != nil {
		t.log.Info("failed to send reply", zap.Stringer("to", dst), zap.Error(err))
		return
	}
	t.metrics.probesAnswered.Inc()
}

func (t *Transport) matchReply(src netip.AddrPort, pkt *syncpkt.Packet) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.outstanding[src]
	if !ok || !p.t0.Equal(pkt.OriginTime) {
		return false
	}
	delete(t.outstanding, src)
	return true
}

func (t *Transport) send(dst netip.AddrPort, pkt *syncpkt.Packet) error {
	if len(t.conns) == 0 {
		return errNotListening
	}
	b, err := syncpkt.EncodePacket(gopacket.NewSerializeBuffer(), pkt)
	if err != nil {
		return err
	}
	_, err = t.conns[0].WriteToUDPAddrPort(b, dst)
	return err
}

// SendProbe sends a probe to dst and records it as outstanding until a
// matching reply arrives or ExpireProbes reports it.
func (t *Transport) SendProbe(dst netip.AddrPort) error {
	pkt := syncpkt.Packet{
		Magic:     syncpkt.MagicProbe,
		Instance:  t.instance,
		Heartbeat: t.heartbeat(),
	}
	if !t.member {
		pkt.Magic = syncpkt.MagicQuery
	}
	t.mu.Lock()
	pkt.OriginTime = t.lclk.Now()
	t.outstanding[dst] = probe{
		t0:       pkt.OriginTime,
		deadline: pkt.OriginTime.Add(t.params.ProbeTimeout),
	}
	t.mu.Unlock()
	err := t.send(dst, &pkt)
	if err != nil {
		return fmt.Errorf("failed to send probe to %s: %w", dst, err)
	}
	t.metrics.probesSent.Inc()
	return nil
}

func (t *Transport) Outstanding(dst netip.AddrPort) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.outstanding[dst]
	return ok
}

// ExpireProbes removes and returns the destinations of all outstanding
// probes whose deadline passed. Replies to them are ignored afterwards.
func (t *Transport) ExpireProbes(now time.Time) []netip.AddrPort {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []netip.AddrPort
	for dst, p := range t.outstanding {
		if now.After(p.deadline) {
			expired = append(expired, dst)
			delete(t.outstanding, dst)
		}
	}
	return expired
}

func (t *Transport) Forget(dst netip.AddrPort) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.outstanding, dst)
}

// Broadcast sends one event packet to each destination.
func (t *Transport) Broadcast(ts time.Time, seq uint64, data []byte, dsts []netip.AddrPort) error {
	pkt := syncpkt.Packet{
		Magic:     syncpkt.MagicEvent,
		Instance:  t.instance,
		EventTime: ts,
		Seq:       seq,
		Data:      data,
	}
	var errs []error
	for _, dst := range dsts {
		err := t.send(dst, &pkt)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to send event to %s: %w", dst, err))
			continue
		}
		t.metrics.eventsSent.Inc()
	}
	return errors.Join(errs...)
}

func (t *Transport) Incoming() <-chan Packet {
	return t.incoming
}

// PollIncoming returns all packets received so far without blocking.
func (t *Transport) PollIncoming() []Packet {
	var pkts []Packet
	for {
		select {
		case p := <-t.incoming:
			pkts = append(pkts, p)
		default:
			return pkts
		}
	}
}
