package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDataFrameRoundTrip(t *testing.T) {
	f := DataFrame{SrcConnID: 1, DstConnID: 2, PacketNumber: 7, StreamOffset: 100, Payload: []byte("hello")}
	raw := f.Encode()
	decoded, ok := DecodeFrame(raw)
	assert.True(t, ok)
	assert.Equal(t, FrameData, decoded.Type)
	assert.Equal(t, f.SrcConnID, decoded.Data.SrcConnID)
	assert.Equal(t, f.PacketNumber, decoded.Data.PacketNumber)
	assert.Equal(t, f.StreamOffset, decoded.Data.StreamOffset)
	assert.Equal(t, f.Payload, decoded.Data.Payload)
}

func TestAckFrameRoundTrip(t *testing.T) {
	f := AckFrame{
		SrcConnID: 5, DstConnID: 6, LargestAcked: 10, AckDelayTicks: 3,
		Ranges: []AckRange{{Low: 0, High: 5}, {Low: 8, High: 10}}, RecvWindow: 1 << 16,
	}
	raw := f.Encode()
	decoded, ok := DecodeFrame(raw)
	assert.True(t, ok)
	assert.Equal(t, FrameAck, decoded.Type)
	assert.Equal(t, f.Ranges, decoded.Ack.Ranges)
	assert.Equal(t, f.RecvWindow, decoded.Ack.RecvWindow)
}

func TestDialDialRspRoundTrip(t *testing.T) {
	d := DialFrame{SrcConnID: 9, DstConnID: 0, Version: 3}
	decoded, ok := DecodeFrame(d.Encode())
	assert.True(t, ok)
	assert.Equal(t, FrameDial, decoded.Type)
	assert.Equal(t, d, decoded.Dial)

	r := DialRspFrame{SrcConnID: 11, DstConnID: 9, Version: 4, ChosenVersion: 3}
	decodedR, ok := DecodeFrame(r.Encode())
	assert.True(t, ok)
	assert.Equal(t, FrameDialRsp, decodedR.Type)
	assert.Equal(t, r, decodedR.DialRsp)
}

func TestDecodeTruncatedFrameFails(t *testing.T) {
	_, ok := DecodeFrame([]byte{0, 1, 2})
	assert.False(t, ok)
}

func TestDecodeUnknownTypeFails(t *testing.T) {
	f := ConnFrame{Type: 99, SrcConnID: 1, DstConnID: 2}
	_, ok := DecodeFrame(f.Encode())
	assert.False(t, ok)
}
