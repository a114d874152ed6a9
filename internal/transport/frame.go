package transport

import (
	"marlin-relay/internal/buffer"
)

// FrameType is the single-byte tag at the start of every stream-transport
// wire frame.
type FrameType uint8

const (
	FrameDial      FrameType = 0
	FrameDialRsp   FrameType = 1
	FrameAck       FrameType = 2
	FrameData      FrameType = 3
	FrameRst       FrameType = 4
	FrameClose     FrameType = 5
	FrameKeepalive FrameType = 6
)

// headerLen is the size of the common {type, src_conn_id, dst_conn_id} prefix.
const headerLen = 1 + 4 + 4

// DialFrame is sent by the dialer to start a handshake.
type DialFrame struct {
	SrcConnID uint32
	DstConnID uint32
	Version   uint16
}

func (f DialFrame) Encode() []byte {
	b := buffer.New(headerLen + 2)
	b.WriteUint8(0, uint8(FrameDial))
	b.WriteUint32Le(1, f.SrcConnID)
	b.WriteUint32Le(5, f.DstConnID)
	b.WriteUint16Le(9, f.Version)
	return b.Data()
}

func decodeDialFrame(b *buffer.WeakBuffer) (DialFrame, bool) {
	src, ok1 := b.ReadUint32Le(1)
	dst, ok2 := b.ReadUint32Le(5)
	ver, ok3 := b.ReadUint16Le(9)
	if !ok1 || !ok2 || !ok3 {
		return DialFrame{}, false
	}
	return DialFrame{SrcConnID: src, DstConnID: dst, Version: ver}, true
}

// DialRspFrame replies to a DialFrame.
type DialRspFrame struct {
	SrcConnID      uint32
	DstConnID      uint32
	Version        uint16
	ChosenVersion  uint16
}

func (f DialRspFrame) Encode() []byte {
	b := buffer.New(headerLen + 4)
	b.WriteUint8(0, uint8(FrameDialRsp))
	b.WriteUint32Le(1, f.SrcConnID)
	b.WriteUint32Le(5, f.DstConnID)
	b.WriteUint16Le(9, f.Version)
	b.WriteUint16Le(11, f.ChosenVersion)
	return b.Data()
}

func decodeDialRspFrame(b *buffer.WeakBuffer) (DialRspFrame, bool) {
	src, ok1 := b.ReadUint32Le(1)
	dst, ok2 := b.ReadUint32Le(5)
	ver, ok3 := b.ReadUint16Le(9)
	chosen, ok4 := b.ReadUint16Le(11)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return DialRspFrame{}, false
	}
	return DialRspFrame{SrcConnID: src, DstConnID: dst, Version: ver, ChosenVersion: chosen}, true
}

// DataFrame carries a segment of the reliable stream.
type DataFrame struct {
	SrcConnID     uint32
	DstConnID     uint32
	PacketNumber  uint64
	StreamOffset  uint64
	Payload       []byte
}

func (f DataFrame) Encode() []byte {
	n := headerLen + 8 + 8 + 2 + len(f.Payload)
	b := buffer.New(n)
	b.WriteUint8(0, uint8(FrameData))
	b.WriteUint32Le(1, f.SrcConnID)
	b.WriteUint32Le(5, f.DstConnID)
	b.WriteUint64Le(9, f.PacketNumber)
	b.WriteUint64Le(17, f.StreamOffset)
	b.WriteUint16Le(25, uint16(len(f.Payload)))
	b.Write(27, f.Payload)
	return b.Data()
}

func decodeDataFrame(b *buffer.WeakBuffer) (DataFrame, bool) {
	src, ok1 := b.ReadUint32Le(1)
	dst, ok2 := b.ReadUint32Le(5)
	pn, ok3 := b.ReadUint64Le(9)
	off, ok4 := b.ReadUint64Le(17)
	plen, ok5 := b.ReadUint16Le(25)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return DataFrame{}, false
	}
	data := b.Data()
	start := 27
	if start+int(plen) > len(data) {
		return DataFrame{}, false
	}
	payload := make([]byte, plen)
	copy(payload, data[start:start+int(plen)])
	return DataFrame{SrcConnID: src, DstConnID: dst, PacketNumber: pn, StreamOffset: off, Payload: payload}, true
}

// AckRange is one run of contiguously-acknowledged packet numbers,
// [Low, High] inclusive, used to keep an AckFrame compact under reordering.
type AckRange struct {
	Low  uint64
	High uint64
}

// AckFrame acknowledges received DATA packets and advertises a receive
// window.
type AckFrame struct {
	SrcConnID     uint32
	DstConnID     uint32
	LargestAcked  uint64
	AckDelayTicks uint16
	Ranges        []AckRange
	RecvWindow    uint32
}

func (f AckFrame) Encode() []byte {
	n := headerLen + 8 + 2 + 2 + 4 + len(f.Ranges)*16
	b := buffer.New(n)
	b.WriteUint8(0, uint8(FrameAck))
	b.WriteUint32Le(1, f.SrcConnID)
	b.WriteUint32Le(5, f.DstConnID)
	b.WriteUint64Le(9, f.LargestAcked)
	b.WriteUint16Le(17, f.AckDelayTicks)
	b.WriteUint16Le(19, uint16(len(f.Ranges)))
	b.WriteUint32Le(21, f.RecvWindow)
	off := 25
	for _, r := range f.Ranges {
		b.WriteUint64Le(off, r.Low)
		b.WriteUint64Le(off+8, r.High)
		off += 16
	}
	return b.Data()
}

func decodeAckFrame(b *buffer.WeakBuffer) (AckFrame, bool) {
	src, ok1 := b.ReadUint32Le(1)
	dst, ok2 := b.ReadUint32Le(5)
	largest, ok3 := b.ReadUint64Le(9)
	delay, ok4 := b.ReadUint16Le(17)
	count, ok5 := b.ReadUint16Le(19)
	window, ok6 := b.ReadUint32Le(21)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 {
		return AckFrame{}, false
	}
	ranges := make([]AckRange, 0, count)
	off := 25
	for i := 0; i < int(count); i++ {
		lo, okLo := b.ReadUint64Le(off)
		hi, okHi := b.ReadUint64Le(off + 8)
		if !okLo || !okHi {
			return AckFrame{}, false
		}
		ranges = append(ranges, AckRange{Low: lo, High: hi})
		off += 16
	}
	return AckFrame{SrcConnID: src, DstConnID: dst, LargestAcked: largest, AckDelayTicks: delay, Ranges: ranges, RecvWindow: window}, true
}

// ConnFrame is the shared shape of RST/CLOSE/KEEPALIVE, which carry only the
// common header.
type ConnFrame struct {
	Type      FrameType
	SrcConnID uint32
	DstConnID uint32
}

func (f ConnFrame) Encode() []byte {
	b := buffer.New(headerLen)
	b.WriteUint8(0, uint8(f.Type))
	b.WriteUint32Le(1, f.SrcConnID)
	b.WriteUint32Le(5, f.DstConnID)
	return b.Data()
}

func decodeConnFrame(typ FrameType, b *buffer.WeakBuffer) (ConnFrame, bool) {
	src, ok1 := b.ReadUint32Le(1)
	dst, ok2 := b.ReadUint32Le(5)
	if !ok1 || !ok2 {
		return ConnFrame{}, false
	}
	return ConnFrame{Type: typ, SrcConnID: src, DstConnID: dst}, true
}

// Frame is the decoded union of all wire frame types.
type Frame struct {
	Type    FrameType
	Dial    DialFrame
	DialRsp DialRspFrame
	Data    DataFrame
	Ack     AckFrame
	Conn    ConnFrame
}

// DecodeFrame parses raw into a Frame, returning false on any malformed or
// truncated input. Callers treat a decode failure as a protocol violation
// and RST the connection.
func DecodeFrame(raw []byte) (Frame, bool) {
	if len(raw) < headerLen {
		return Frame{}, false
	}
	w := buffer.NewWeak(raw)
	typ, ok := w.ReadUint8(0)
	if !ok {
		return Frame{}, false
	}
	switch FrameType(typ) {
	case FrameDial:
		d, ok := decodeDialFrame(&w)
		return Frame{Type: FrameDial, Dial: d}, ok
	case FrameDialRsp:
		d, ok := decodeDialRspFrame(&w)
		return Frame{Type: FrameDialRsp, DialRsp: d}, ok
	case FrameData:
		d, ok := decodeDataFrame(&w)
		return Frame{Type: FrameData, Data: d}, ok
	case FrameAck:
		a, ok := decodeAckFrame(&w)
		return Frame{Type: FrameAck, Ack: a}, ok
	case FrameRst, FrameClose, FrameKeepalive:
		c, ok := decodeConnFrame(FrameType(typ), &w)
		return Frame{Type: FrameType(typ), Conn: c}, ok
	default:
		// unknown frame type: malformed or a future version's frame this
		// build doesn't understand either way, the caller RSTs.
		return Frame{}, false
	}
}
