package syncpkt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"

	"github.com/google/gopacket"
	"github.com/google/uuid"
)

const (
	DefaultPort = 7000

	MagicProbe uint32 = 0x4d535350 // "MSSP"
	MagicReply uint32 = 0x4d535352 // "MSSR"
	MagicEvent uint32 = 0x4d535345 // "MSSE"
	MagicQuery uint32 = 0x4d535351 // "MSSQ"

	HeaderLen      = 20
	ProbeLen       = HeaderLen + 16
	ReplyLen       = HeaderLen + 32
	EventHeaderLen = HeaderLen + 18

	MaxDataLen = 1200
)

var LayerTypeSync = gopacket.RegisterLayerType(
	1700,
	gopacket.LayerTypeMetadata{
		Name:    "MultiServerSync",
		Decoder: gopacket.DecodeFunc(decodeSync),
	},
)

var (
	ErrUnexpectedPacketSize = errors.New("unexpected packet size")
	ErrUnknownMagic         = errors.New("unknown packet magic")
	errDataTooLarge         = errors.New("event data too large")
)

// BaseLayer implements the LayerContents and LayerPayload parts of
// gopacket.Layer without pulling in gopacket/layers.
type BaseLayer struct {
	Contents []byte
	Payload  []byte
}

func (b *BaseLayer) LayerContents() []byte { return b.Contents }

func (b *BaseLayer) LayerPayload() []byte { return b.Payload }

// Packet is the union of all sync packet kinds, discriminated by Magic.
// Queries are probes sent by measurement tools outside the cluster; they
// share the probe layout and are answered like probes.
// Probes carry OriginTime and Heartbeat, replies additionally ReceiveTime
// and TransmitTime, events carry EventTime, Seq and Data.
type Packet struct {
	BaseLayer
	Magic        uint32
	Instance     uuid.UUID
	OriginTime   time.Time
	ReceiveTime  time.Time
	TransmitTime time.Time
	Heartbeat    time.Time
	EventTime    time.Time
	Seq          uint64
	Data         []byte
}

func ClockOffset(t0, t1, t2, t3 time.Time) time.Duration {
	return (t1.Sub(t0) + t2.Sub(t3)) / 2
}

func RoundTripDelay(t0, t1, t2, t3 time.Time) time.Duration {
	return t3.Sub(t0) - t2.Sub(t1)
}

func putTime(b []byte, t time.Time) {
	var ns int64
	if !t.IsZero() {
		ns = t.UnixNano()
	}
	binary.BigEndian.PutUint64(b, uint64(ns))
}

func getTime(b []byte) time.Time {
	ns := int64(binary.BigEndian.Uint64(b))
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func (p *Packet) encodedLen() (int, error) {
	switch p.Magic {
	case MagicProbe, MagicQuery:
		return ProbeLen, nil
	case MagicReply:
		return ReplyLen, nil
	case MagicEvent:
		if len(p.Data) > MaxDataLen {
			return 0, errDataTooLarge
		}
		return EventHeaderLen + len(p.Data), nil
	default:
		return 0, ErrUnknownMagic
	}
}

func (p *Packet) LayerType() gopacket.LayerType {
	return LayerTypeSync
}

func (p *Packet) CanDecode() gopacket.LayerClass {
	return LayerTypeSync
}

func (p *Packet) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypeZero
}

func (p *Packet) Payload() []byte {
	return p.Data
}

func decodeSync(data []byte, pb gopacket.PacketBuilder) error {
	p := &Packet{}
	err := p.DecodeFromBytes(data, pb)
	if err != nil {
		return err
	}
	pb.AddLayer(p)
	pb.SetApplicationLayer(p)
	return nil
}

func (p *Packet) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	n, err := p.encodedLen()
	if err != nil {
		return err
	}
	data, err := b.PrependBytes(n)
	if err != nil {
		return err
	}

	binary.BigEndian.PutUint32(data[0:], p.Magic)
	copy(data[4:HeaderLen], p.Instance[:])
	switch p.Magic {
	case MagicProbe, MagicQuery:
		putTime(data[20:], p.OriginTime)
		putTime(data[28:], p.Heartbeat)
	case MagicReply:
		putTime(data[20:], p.OriginTime)
		putTime(data[28:], p.ReceiveTime)
		putTime(data[36:], p.TransmitTime)
		putTime(data[44:], p.Heartbeat)
	case MagicEvent:
		putTime(data[20:], p.EventTime)
		binary.BigEndian.PutUint64(data[28:], p.Seq)
		binary.BigEndian.PutUint16(data[36:], uint16(len(p.Data)))
		copy(data[EventHeaderLen:], p.Data)
	}
	return nil
}

// DecodeFromBytes decodes data into p. Event data is copied, so data may be
// reused by the caller afterwards.
func (p *Packet) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < HeaderLen {
		df.SetTruncated()
		return ErrUnexpectedPacketSize
	}

	*p = Packet{BaseLayer: BaseLayer{Contents: data}}
	p.Magic = binary.BigEndian.Uint32(data[0:])
	copy(p.Instance[:], data[4:HeaderLen])

	switch p.Magic {
	case MagicProbe, MagicQuery:
		if len(data) != ProbeLen {
			return ErrUnexpectedPacketSize
		}
		p.OriginTime = getTime(data[20:])
		p.Heartbeat = getTime(data[28:])
	case MagicReply:
		if len(data) != ReplyLen {
			return ErrUnexpectedPacketSize
		}
		p.OriginTime = getTime(data[20:])
		p.ReceiveTime = getTime(data[28:])
		p.TransmitTime = getTime(data[36:])
		p.Heartbeat = getTime(data[44:])
	case MagicEvent:
		if len(data) < EventHeaderLen {
			df.SetTruncated()
			return ErrUnexpectedPacketSize
		}
		p.EventTime = getTime(data[20:])
		p.Seq = binary.BigEndian.Uint64(data[28:])
		n := int(binary.BigEndian.Uint16(data[36:]))
		if n > MaxDataLen || len(data) != EventHeaderLen+n {
			return ErrUnexpectedPacketSize
		}
		p.Data = bytes.Clone(data[EventHeaderLen:])
	default:
		return ErrUnknownMagic
	}
	return nil
}

func EncodePacket(buf gopacket.SerializeBuffer, pkt *Packet) ([]byte, error) {
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, pkt)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodePacket(pkt *Packet, b []byte) error {
	return pkt.DecodeFromBytes(b, gopacket.NilDecodeFeedback)
}
