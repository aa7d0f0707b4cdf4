package engine

import (
	"time"

	"example.com/multiserversync/core/clock"
	"example.com/multiserversync/core/peer"
	"example.com/multiserversync/core/stats"
)

type PeerSnapshot struct {
	ID          peer.ID        `json:"id"`
	Static      bool           `json:"static"`
	Status      peer.Status    `json:"status"`
	Offset      time.Duration  `json:"offset"`
	Drift       float64        `json:"drift"`
	Uncertainty time.Duration  `json:"uncertainty"`
	Samples     int            `json:"samples"`
	Timeouts    int            `json:"timeouts"`
	LastSeen    time.Time      `json:"last_seen"`
	Latency     *stats.Latency `json:"latency,omitempty"`
}

// Snapshot is a point-in-time view of the node for status displays.
// Durations are in nanoseconds.
type Snapshot struct {
	Self        peer.ID        `json:"self"`
	Synced      bool           `json:"synced"`
	Time        time.Time      `json:"time"`
	Frame       int64          `json:"frame"`
	Offset      time.Duration  `json:"offset"`
	Uncertainty time.Duration  `json:"uncertainty"`
	Pending     int            `json:"pending"`
	Peers       []PeerSnapshot `json:"peers"`
}

func (e *Engine) Snapshot() Snapshot {
	now := e.lclk.Now()
	s := Snapshot{
		Self:    e.self,
		Synced:  e.clock.Synced(),
		Pending: e.gate.Pending(),
	}
	if t, err := e.clock.Now(); err == nil {
		s.Time = t
		s.Frame = clock.FrameNumber(t, e.cfg.TargetFrameRate)
	}
	s.Offset, _ = e.clock.Offset()
	s.Uncertainty, _ = e.clock.Uncertainty()

	states := e.registry.Peers()
	s.Peers = make([]PeerSnapshot, len(states))
	for i := range states {
		st := &states[i]
		s.Peers[i] = PeerSnapshot{
			ID:          st.ID,
			Static:      st.Static,
			Status:      st.Status,
			Offset:      st.PredictedOffset(now),
			Drift:       st.Drift,
			Uncertainty: st.UncertaintyAt(now, e.lclk),
			Samples:     st.Samples,
			Timeouts:    st.ConsecutiveTimeouts,
			LastSeen:    st.LastSeen,
		}
		if l, ok := e.stats.Latency(st.ID.Addr); ok {
			s.Peers[i].Latency = &l
		}
	}
	return s
}
