package clock_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"example.com/multiserversync/core/clock"
	"example.com/multiserversync/core/peer"
	dclock "example.com/multiserversync/driver/clock"
)

var t0 = time.Unix(1700000000, 0)

func setup(t *testing.T) (*clock.Clock, *dclock.ManualClock) {
	t.Helper()
	lclk := dclock.NewManualClock(t0, 500)
	c := clock.New(zap.NewNop(), lclk, clock.Params{
		SyncUncertainty: 50 * time.Millisecond,
		MaxSlewRate:     0.05,
		StepThreshold:   100 * time.Millisecond,
	}, nil)
	return c, lclk
}

func active(now time.Time, offset, uncertainty time.Duration) peer.State {
	return peer.State{
		Status:      peer.Active,
		Offset:      offset,
		Uncertainty: uncertainty,
		LastSample:  now,
		Samples:     1,
	}
}

const tolerance = float64(time.Microsecond)

func TestUnsynchronizedUntilActivePeer(t *testing.T) {
	c, lclk := setup(t)
	_, err := c.Now()
	assert.True(t, errors.Is(err, clock.ErrUnsynchronized))

	c.Recalibrate(nil)
	_, err = c.Now()
	assert.True(t, errors.Is(err, clock.ErrUnsynchronized))

	degraded := active(lclk.Now(), time.Millisecond, time.Millisecond)
	degraded.Status = peer.Degraded
	c.Recalibrate([]peer.State{degraded})
	_, err = c.Now()
	assert.True(t, errors.Is(err, clock.ErrUnsynchronized))

	c.Recalibrate([]peer.State{active(lclk.Now(), time.Millisecond, 80*time.Millisecond)})
	_, err = c.Now()
	assert.True(t, errors.Is(err, clock.ErrUnsynchronized), "uncertainty above the sync bound")
	assert.False(t, c.Synced())
}

func TestFirstSyncSteps(t *testing.T) {
	c, lclk := setup(t)
	c.Recalibrate([]peer.State{active(lclk.Now(), 10*time.Millisecond, time.Millisecond)})
	require.True(t, c.Synced())

	now, err := c.Now()
	require.NoError(t, err)
	assert.InDelta(t, float64(lclk.Now().Add(5*time.Millisecond).UnixNano()), float64(now.UnixNano()), tolerance)

	u, ok := c.Uncertainty()
	require.True(t, ok)
	assert.InDelta(t, float64(707107*time.Nanosecond), float64(u), tolerance)
}

func TestWeightsFollowUncertainty(t *testing.T) {
	c, lclk := setup(t)
	now := lclk.Now()
	c.Recalibrate([]peer.State{
		active(now, 30*time.Millisecond, time.Millisecond),
		active(now, 30*time.Millisecond, time.Millisecond),
		active(now, -90*time.Millisecond, 10*time.Millisecond),
	})
	off, ok := c.Offset()
	require.True(t, ok)
	// Weights 1e6, 1e6, 1e4 and self (mean uncertainty 4ms) 62500.
	want := (1e6*0.03 + 1e6*0.03 + 1e4*-0.09) / (2e6 + 1e4 + 62500)
	assert.InDelta(t, want*float64(time.Second), float64(off), tolerance)
}

func TestBackwardCorrectionIsSlewed(t *testing.T) {
	c, lclk := setup(t)
	c.Recalibrate([]peer.State{active(lclk.Now(), 20*time.Millisecond, time.Millisecond)})
	off, _ := c.Offset()
	assert.InDelta(t, float64(10*time.Millisecond), float64(off), tolerance)

	c.Recalibrate([]peer.State{active(lclk.Now(), -20*time.Millisecond, time.Millisecond)})
	off, _ = c.Offset()
	assert.InDelta(t, float64(10*time.Millisecond), float64(off), tolerance, "no immediate jump")

	prev, err := c.Now()
	require.NoError(t, err)
	for i := 0; i < 1000; i++ {
		lclk.Advance(time.Millisecond)
		now, err := c.Now()
		require.NoError(t, err)
		assert.False(t, now.Before(prev), "synchronized time went backwards")
		assert.GreaterOrEqual(t, now.Sub(prev), 950*time.Microsecond)
		prev = now
	}
	off, _ = c.Offset()
	assert.InDelta(t, float64(-10*time.Millisecond), float64(off), tolerance)
}

func TestForwardCorrection(t *testing.T) {
	c, lclk := setup(t)
	c.Recalibrate([]peer.State{active(lclk.Now(), 0, time.Millisecond)})
	before, _ := c.Now()

	c.Recalibrate([]peer.State{active(lclk.Now(), 100*time.Millisecond, time.Millisecond)})
	off, _ := c.Offset()
	assert.InDelta(t, 0, float64(off), tolerance, "small forward corrections are slewed")

	c.Recalibrate([]peer.State{active(lclk.Now(), time.Second, time.Millisecond)})
	off, _ = c.Offset()
	assert.InDelta(t, float64(500*time.Millisecond), float64(off), tolerance, "large forward corrections are stepped")

	after, _ := c.Now()
	assert.True(t, after.After(before))
}

func TestLosingPeersKeepsClockRunning(t *testing.T) {
	c, lclk := setup(t)
	c.Recalibrate([]peer.State{active(lclk.Now(), 4*time.Millisecond, time.Millisecond)})
	require.True(t, c.Synced())

	c.Recalibrate(nil)
	assert.False(t, c.Synced())
	lclk.Advance(time.Second)
	now, err := c.Now()
	require.NoError(t, err)
	assert.InDelta(t, float64(lclk.Now().Add(2*time.Millisecond).UnixNano()), float64(now.UnixNano()), tolerance)
}

func TestFrameNumber(t *testing.T) {
	assert.Equal(t, int64(600), clock.FrameNumber(time.Unix(10, 0), 60))
	assert.Equal(t, int64(630), clock.FrameNumber(time.Unix(10, 500_000_000), 60))
	assert.Equal(t, int64(629), clock.FrameNumber(time.Unix(10, 499_999_999), 60))
}
