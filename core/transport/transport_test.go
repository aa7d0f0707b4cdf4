package transport_test

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"example.com/multiserversync/core/transport"
	"example.com/multiserversync/driver/clock"
	"example.com/multiserversync/net/syncpkt"
)

var loopback = netip.MustParseAddrPort("127.0.0.1:0")

func start(t *testing.T, lclk *clock.ManualClock, receivers int, hb time.Time) (*transport.Transport, uuid.UUID) {
	t.Helper()
	id := uuid.New()
	tr := transport.New(zaptest.NewLogger(t), lclk, id, transport.Params{
		LocalAddr:    loopback,
		NumReceivers: receivers,
		ProbeTimeout: time.Second,
	}, func() time.Time { return hb }, nil)
	require.NoError(t, tr.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return tr, id
}

func receive(t *testing.T, tr *transport.Transport) transport.Packet {
	t.Helper()
	select {
	case p := <-tr.Incoming():
		return p
	case <-time.After(5 * time.Second):
		t.Fatalf("no packet received")
		return transport.Packet{}
	}
}

func TestProbeReplyExchange(t *testing.T) {
	lclk := clock.NewManualClock(time.Unix(1700000000, 0), 0)
	hb := time.Unix(1700000000, 5).UTC()
	a, idA := start(t, lclk, 1, time.Time{})
	b, idB := start(t, lclk, 2, hb)

	require.NoError(t, a.SendProbe(b.LocalAddr()))
	assert.True(t, a.Outstanding(b.LocalAddr()))

	probe := receive(t, b)
	assert.Equal(t, syncpkt.MagicProbe, probe.Pkt.Magic)
	assert.Equal(t, idA, probe.Pkt.Instance)
	assert.Equal(t, a.LocalAddr(), probe.Src)

	reply := receive(t, a)
	assert.Equal(t, syncpkt.MagicReply, reply.Pkt.Magic)
	assert.Equal(t, idB, reply.Pkt.Instance)
	assert.Equal(t, b.LocalAddr(), reply.Src)
	assert.True(t, reply.Pkt.OriginTime.Equal(lclk.Now()))
	assert.True(t, reply.Pkt.Heartbeat.Equal(hb))
	assert.False(t, a.Outstanding(b.LocalAddr()))
}

func TestExpireProbes(t *testing.T) {
	lclk := clock.NewManualClock(time.Unix(1700000000, 0), 0)
	a, _ := start(t, lclk, 1, time.Time{})

	silent, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(loopback))
	require.NoError(t, err)
	defer silent.Close()
	dst := silent.LocalAddr().(*net.UDPAddr).AddrPort()

	require.NoError(t, a.SendProbe(dst))
	assert.Empty(t, a.ExpireProbes(lclk.Now().Add(time.Second)))
	assert.Equal(t, []netip.AddrPort{dst}, a.ExpireProbes(lclk.Now().Add(time.Second+1)))
	assert.False(t, a.Outstanding(dst))
	assert.Empty(t, a.ExpireProbes(lclk.Now().Add(time.Hour)))
}

func TestLateAndMalformedPacketsAreDropped(t *testing.T) {
	lclk := clock.NewManualClock(time.Unix(1700000000, 0), 0)
	a, _ := start(t, lclk, 1, time.Time{})

	raw, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(loopback))
	require.NoError(t, err)
	defer raw.Close()
	rawAddr := raw.LocalAddr().(*net.UDPAddr).AddrPort()

	require.NoError(t, a.SendProbe(rawAddr))
	a.ExpireProbes(lclk.Now().Add(time.Hour))

	send := func(pkt *syncpkt.Packet) {
		b, err := syncpkt.EncodePacket(gopacket.NewSerializeBuffer(), pkt)
		require.NoError(t, err)
		_, err = raw.WriteToUDPAddrPort(b, a.LocalAddr())
		require.NoError(t, err)
	}
	now := lclk.Now()
	send(&syncpkt.Packet{
		Magic:        syncpkt.MagicReply,
		Instance:     uuid.New(),
		OriginTime:   now,
		ReceiveTime:  now,
		TransmitTime: now,
	})
	_, err = raw.WriteToUDPAddrPort([]byte("garbage"), a.LocalAddr())
	require.NoError(t, err)
	send(&syncpkt.Packet{
		Magic:     syncpkt.MagicEvent,
		Instance:  uuid.New(),
		EventTime: now,
		Seq:       1,
		Data:      []byte("hello"),
	})

	p := receive(t, a)
	assert.Equal(t, syncpkt.MagicEvent, p.Pkt.Magic, "late reply and garbage must be skipped")
	assert.Equal(t, []byte("hello"), p.Pkt.Data)
	assert.Empty(t, a.PollIncoming())
}

func TestBroadcast(t *testing.T) {
	lclk := clock.NewManualClock(time.Unix(1700000000, 0), 0)
	a, idA := start(t, lclk, 1, time.Time{})
	b, _ := start(t, lclk, 1, time.Time{})
	c, _ := start(t, lclk, 1, time.Time{})

	ts := time.Unix(1700000001, 0).UTC()
	require.NoError(t, a.Broadcast(ts, 42, []byte("spawn"), []netip.AddrPort{b.LocalAddr(), c.LocalAddr()}))
	for _, tr := range []*transport.Transport{b, c} {
		p := receive(t, tr)
		assert.Equal(t, idA, p.Pkt.Instance)
		assert.Equal(t, uint64(42), p.Pkt.Seq)
		assert.True(t, p.Pkt.EventTime.Equal(ts))
	}
}

func TestBroadcastTriesAllDestinations(t *testing.T) {
	lclk := clock.NewManualClock(time.Unix(1700000000, 0), 0)
	a, _ := start(t, lclk, 1, time.Time{})
	b, _ := start(t, lclk, 1, time.Time{})

	ts := time.Unix(1700000001, 0).UTC()
	err := a.Broadcast(ts, 1, []byte("spawn"), []netip.AddrPort{{}, b.LocalAddr()})
	assert.Error(t, err)
	p := receive(t, b)
	assert.Equal(t, uint64(1), p.Pkt.Seq)
}

func TestQueriesAreAnsweredButNotDelivered(t *testing.T) {
	lclk := clock.NewManualClock(time.Unix(1700000000, 0), 0)
	hb := time.Unix(1700000000, 5).UTC()
	member, idMember := start(t, lclk, 1, hb)

	tool := transport.New(zaptest.NewLogger(t), lclk, uuid.New(), transport.Params{
		LocalAddr:    loopback,
		NumReceivers: 1,
		ProbeTimeout: time.Second,
	}, nil, nil)
	require.NoError(t, tool.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tool.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, tool.SendProbe(member.LocalAddr()))
	reply := receive(t, tool)
	assert.Equal(t, syncpkt.MagicReply, reply.Pkt.Magic)
	assert.Equal(t, idMember, reply.Pkt.Instance)
	assert.True(t, reply.Pkt.Heartbeat.Equal(hb))
	assert.Empty(t, member.PollIncoming())
}

func TestSendWithoutListen(t *testing.T) {
	lclk := clock.NewManualClock(time.Unix(1700000000, 0), 0)
	tr := transport.New(zap.NewNop(), lclk, uuid.New(), transport.Params{
		LocalAddr:    loopback,
		NumReceivers: 1,
		ProbeTimeout: time.Second,
	}, nil, nil)
	assert.Error(t, tr.SendProbe(netip.MustParseAddrPort("127.0.0.1:9")))
	assert.Error(t, tr.Run(context.Background()))
}
