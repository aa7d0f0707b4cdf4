package syncpkt

import (
	"errors"
	"time"
)

var (
	errUnexpectedProbe = errors.New("unexpected probe structure")
	errUnexpectedReply = errors.New("unexpected reply structure")
	errUnexpectedEvent = errors.New("unexpected event structure")
)

func ValidateProbe(pkt *Packet) error {
	if (pkt.Magic != MagicProbe && pkt.Magic != MagicQuery) || pkt.OriginTime.IsZero() {
		return errUnexpectedProbe
	}
	return nil
}

func ValidateReply(pkt *Packet) error {
	if pkt.Magic != MagicReply {
		return errUnexpectedReply
	}
	if pkt.OriginTime.IsZero() || pkt.ReceiveTime.IsZero() || pkt.TransmitTime.IsZero() {
		return errUnexpectedReply
	}
	return nil
}

func ValidateReplyTimestamps(t0, t1, t2, t3 time.Time) error {
	if t3.Before(t0) {
		return errUnexpectedReply
	}
	if t2.Before(t1) {
		return errUnexpectedReply
	}
	return nil
}

func ValidateEvent(pkt *Packet) error {
	if pkt.Magic != MagicEvent || pkt.EventTime.IsZero() || pkt.Seq == 0 {
		return errUnexpectedEvent
	}
	return nil
}
