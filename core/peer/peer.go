package peer

import (
	"bytes"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"

	"example.com/multiserversync/base/timebase"
	"example.com/multiserversync/base/timemath"
)

type Status int

const (
	Degraded Status = iota
	Active
	Unreachable
)

func (s Status) String() string {
	switch s {
	case Degraded:
		return "degraded"
	case Active:
		return "active"
	case Unreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for _, v := range []Status{Degraded, Active, Unreachable} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown peer status %q", b)
}

// ID identifies one incarnation of a peer process. Instance is uuid.Nil
// until the first packet from Addr has been seen.
type ID struct {
	Addr     netip.AddrPort `json:"addr"`
	Instance uuid.UUID      `json:"instance"`
}

// Compare orders IDs by instance first so that every node agrees on the
// order regardless of how it reaches the peer.
func (id ID) Compare(other ID) int {
	c := bytes.Compare(id.Instance[:], other.Instance[:])
	if c != 0 {
		return c
	}
	return id.Addr.Compare(other.Addr)
}

func (id ID) String() string {
	return fmt.Sprintf("%s/%s", id.Addr, id.Instance)
}

func (id ID) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("addr", id.Addr.String())
	enc.AddString("instance", id.Instance.String())
	return nil
}

// State is the synchronization state of one peer. Offset and Uncertainty
// are valid at LastSample; Drift is in seconds per second.
type State struct {
	ID                  ID
	Static              bool
	Offset              time.Duration
	Drift               float64
	Uncertainty         time.Duration
	LastSample          time.Time
	LastSeen            time.Time
	Samples             int
	ConsecutiveTimeouts int
	Status              Status
	// Observed is the highest synchronized timestamp seen from the peer,
	// either as an event timestamp or as a heartbeat.
	Observed time.Time
}

// PredictedOffset extrapolates the offset estimate to now.
func (s *State) PredictedOffset(now time.Time) time.Duration {
	dt := now.Sub(s.LastSample)
	if dt <= 0 || s.Samples == 0 {
		return s.Offset
	}
	return s.Offset + timemath.Scale(dt, s.Drift)
}

// UncertaintyAt returns the uncertainty bound grown by the maximum drift of
// lclk since the last accepted sample.
func (s *State) UncertaintyAt(now time.Time, lclk timebase.LocalClock) time.Duration {
	dt := now.Sub(s.LastSample)
	if dt <= 0 {
		return s.Uncertainty
	}
	g := lclk.MaxDrift(dt)
	if s.Uncertainty > 1<<62 || g > 1<<62 {
		return 1 << 62
	}
	return s.Uncertainty + g
}
