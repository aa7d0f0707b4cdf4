package ordering_test

import (
	"errors"
	"math/rand"
	"net/netip"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"example.com/multiserversync/core/clock"
	"example.com/multiserversync/core/ordering"
	"example.com/multiserversync/core/peer"
	dclock "example.com/multiserversync/driver/clock"
)

var t0 = time.Unix(1700000000, 0)

type fakeClock struct {
	now time.Time
	err error
}

func (c *fakeClock) Now() (time.Time, error) {
	return c.now, c.err
}

func newID(n byte, port uint16) peer.ID {
	return peer.ID{
		Addr:     netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, n}), port),
		Instance: uuid.UUID{n},
	}
}

var (
	self  = newID(1, 7000)
	peerB = newID(2, 7000)
	peerC = newID(3, 7000)
)

func setup(t *testing.T) (*ordering.Gate, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: t0}
	lclk := dclock.NewManualClock(t0, 0)
	return ordering.NewGate(zap.NewNop(), lclk, clk, self, 1024, nil), clk
}

func ev(origin peer.ID, offset time.Duration, seq uint64) ordering.Event {
	return ordering.Event{Origin: origin, Timestamp: t0.Add(offset), Seq: seq}
}

func keys(evs []ordering.Event) []string {
	var ks []string
	for _, e := range evs {
		ks = append(ks, e.Origin.Instance.String()[:2]+"/"+e.Timestamp.Sub(t0).String())
	}
	return ks
}

func TestSubmitLocalRequiresSync(t *testing.T) {
	g, clk := setup(t)
	clk.err = clock.ErrUnsynchronized
	_, err := g.SubmitLocal([]byte("x"))
	assert.True(t, errors.Is(err, clock.ErrUnsynchronized))
	assert.Zero(t, g.Pending())
}

func TestSubmitLocalStampsAndSequences(t *testing.T) {
	g, clk := setup(t)
	a, err := g.SubmitLocal([]byte("a"))
	require.NoError(t, err)
	clk.now = t0.Add(time.Millisecond)
	b, err := g.SubmitLocal([]byte("b"))
	require.NoError(t, err)

	assert.Equal(t, self, a.Origin)
	assert.Equal(t, uint64(1), a.Seq)
	assert.Equal(t, uint64(2), b.Seq)
	assert.Equal(t, t0.Add(time.Millisecond), b.Timestamp)

	_, err = g.SubmitLocal(make([]byte, 2048))
	assert.Error(t, err)
}

func TestDrainReleasesInTotalOrder(t *testing.T) {
	g, _ := setup(t)
	evs := []ordering.Event{
		ev(peerB, 3*time.Millisecond, 1),
		ev(peerC, 1*time.Millisecond, 1),
		ev(peerB, 1*time.Millisecond, 2),
		ev(peerC, 1*time.Millisecond, 2),
		ev(self, 2*time.Millisecond, 1),
		ev(peerB, 5*time.Millisecond, 3),
	}
	want := slices.Clone(evs)
	slices.SortFunc(want, func(a, b ordering.Event) int { return a.Compare(&b) })

	rnd := rand.New(rand.NewSource(1))
	rnd.Shuffle(len(evs), func(i, j int) { evs[i], evs[j] = evs[j], evs[i] })
	for _, e := range evs {
		require.True(t, g.SubmitRemote(e))
	}

	got := g.Drain(t0.Add(time.Hour))
	require.Len(t, got, len(want))
	assert.Equal(t, keys(want), keys(got))
	for i := 1; i < len(got); i++ {
		assert.Negative(t, got[i-1].Compare(&got[i]))
	}
	assert.Zero(t, g.Pending())
}

func TestCompareIgnoresAddress(t *testing.T) {
	a := ev(peerB, 0, 1)
	b := a
	b.Origin.Addr = netip.MustParseAddrPort("192.168.1.1:9000")
	assert.Zero(t, a.Compare(&b))

	c := ev(peerC, 0, 1)
	assert.Negative(t, a.Compare(&c))
	d := ev(peerB, 0, 2)
	assert.Negative(t, a.Compare(&d))
}

func TestDrainRespectsWatermark(t *testing.T) {
	g, _ := setup(t)
	g.SubmitRemote(ev(peerB, 1*time.Millisecond, 1))
	g.SubmitRemote(ev(peerB, 2*time.Millisecond, 2))
	g.SubmitRemote(ev(peerC, 3*time.Millisecond, 1))

	got := g.Drain(t0.Add(2 * time.Millisecond))
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, 2, g.Pending())

	got = g.Drain(t0.Add(2*time.Millisecond + 1))
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].Seq)
}

func TestWatermark(t *testing.T) {
	g, clk := setup(t)
	clk.now = t0.Add(time.Second)

	wm, err := g.Watermark(nil)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Second), wm, "no active peers: local synchronized time")

	states := []peer.State{
		{ID: peerB, Status: peer.Active, Observed: t0.Add(500 * time.Millisecond), Uncertainty: 10 * time.Millisecond, LastSample: t0},
		{ID: peerC, Status: peer.Active, Observed: t0.Add(900 * time.Millisecond), Uncertainty: time.Millisecond, LastSample: t0},
		{ID: newID(4, 7000), Status: peer.Degraded},
	}
	wm, err = g.Watermark(states)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(490*time.Millisecond), wm)

	states[1].Observed = time.Time{}
	_, err = g.Watermark(states)
	assert.True(t, errors.Is(err, ordering.ErrNoWatermark))

	clk.err = clock.ErrUnsynchronized
	_, err = g.Watermark(nil)
	assert.Error(t, err)
}

func TestDuplicatesAreDropped(t *testing.T) {
	g, _ := setup(t)
	e := ev(peerB, time.Millisecond, 1)
	assert.True(t, g.SubmitRemote(e))
	assert.False(t, g.SubmitRemote(e), "duplicate of pending event")

	require.Len(t, g.Drain(t0.Add(time.Second)), 1)
	assert.False(t, g.SubmitRemote(e), "duplicate of released event")
	assert.Zero(t, g.Pending())
}

func TestLateEventsAreFlagged(t *testing.T) {
	g, _ := setup(t)
	g.SubmitRemote(ev(peerB, 10*time.Millisecond, 1))
	require.Len(t, g.Drain(t0.Add(20*time.Millisecond)), 1)

	require.True(t, g.SubmitRemote(ev(peerC, 5*time.Millisecond, 1)))
	g.SubmitRemote(ev(peerC, 30*time.Millisecond, 2))

	got := g.Drain(t0.Add(20 * time.Millisecond))
	require.Len(t, got, 1)
	assert.True(t, got[0].Late)
	assert.Equal(t, peerC.Instance, got[0].Origin.Instance)

	got = g.Drain(t0.Add(time.Second))
	require.Len(t, got, 1)
	assert.False(t, got[0].Late)
}

func TestFlushReleasesDroppedPeerEvents(t *testing.T) {
	g, _ := setup(t)
	g.SubmitRemote(ev(peerB, 3*time.Millisecond, 2))
	g.SubmitRemote(ev(peerC, 1*time.Millisecond, 1))
	g.SubmitRemote(ev(peerB, 2*time.Millisecond, 1))
	g.SubmitRemote(ev(peerC, 4*time.Millisecond, 2))

	flushed := g.Flush(peerB.Instance)
	require.Len(t, flushed, 2)
	assert.Equal(t, uint64(1), flushed[0].Seq)
	assert.Equal(t, uint64(2), flushed[1].Seq)
	assert.Equal(t, 2, g.Pending())
	assert.Nil(t, g.Flush(peerB.Instance))
	assert.False(t, g.SubmitRemote(ev(peerB, 2*time.Millisecond, 1)))

	got := g.Drain(t0.Add(time.Second))
	require.Len(t, got, 2)
	assert.Equal(t, peerC.Instance, got[0].Origin.Instance)
	assert.True(t, got[0].Timestamp.Before(got[1].Timestamp))
}

func TestReset(t *testing.T) {
	g, _ := setup(t)
	g.SubmitRemote(ev(peerB, time.Millisecond, 1))
	g.Reset()
	assert.Zero(t, g.Pending())
	assert.Empty(t, g.Drain(t0.Add(time.Hour)))
}
