package ordering

import (
	"bytes"
	"time"

	"go.uber.org/zap/zapcore"

	"example.com/multiserversync/core/peer"
)

// Event is a state-changing event stamped with synchronized time. Seq is
// assigned by the origin and starts at 1.
type Event struct {
	Origin    peer.ID
	Timestamp time.Time
	Seq       uint64
	Payload   []byte
	// Late is set on events released after an event that orders after them.
	Late bool
}

// Compare defines the release order: timestamp, then origin instance, then
// sequence number. Origin addresses are not part of the key because each
// node sees different addresses for the same peer.
func (e *Event) Compare(o *Event) int {
	if c := e.Timestamp.Compare(o.Timestamp); c != 0 {
		return c
	}
	if c := bytes.Compare(e.Origin.Instance[:], o.Origin.Instance[:]); c != 0 {
		return c
	}
	switch {
	case e.Seq < o.Seq:
		return -1
	case e.Seq > o.Seq:
		return 1
	default:
		return 0
	}
}

func (e Event) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	err := enc.AddObject("origin", e.Origin)
	if err != nil {
		return err
	}
	enc.AddTime("timestamp", e.Timestamp)
	enc.AddUint64("seq", e.Seq)
	enc.AddInt("len", len(e.Payload))
	enc.AddBool("late", e.Late)
	return nil
}
