package syncpkt

import (
	"go.uber.org/zap/zapcore"
)

type PacketMarshaler struct {
	Pkt *Packet
}

func (m PacketMarshaler) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint32("Magic", m.Pkt.Magic)
	enc.AddString("Instance", m.Pkt.Instance.String())
	switch m.Pkt.Magic {
	case MagicProbe, MagicQuery:
		enc.AddTime("OriginTime", m.Pkt.OriginTime)
		enc.AddTime("Heartbeat", m.Pkt.Heartbeat)
	case MagicReply:
		enc.AddTime("OriginTime", m.Pkt.OriginTime)
		enc.AddTime("ReceiveTime", m.Pkt.ReceiveTime)
		enc.AddTime("TransmitTime", m.Pkt.TransmitTime)
		enc.AddTime("Heartbeat", m.Pkt.Heartbeat)
	case MagicEvent:
		enc.AddTime("EventTime", m.Pkt.EventTime)
		enc.AddUint64("Seq", m.Pkt.Seq)
		enc.AddInt("DataLen", len(m.Pkt.Data))
	}
	return nil
}
