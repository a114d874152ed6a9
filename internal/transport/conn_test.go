package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"marlin-relay/internal/eventloop"
	"marlin-relay/internal/netutil"
)

// fakeCarrier is an in-memory datagramCarrier: Send appends to sent, Recv is
// never exercised by these tests (frames are relayed by hand by decoding
// sent and feeding HandleFrame directly), so it only needs to satisfy the
// interface.
type fakeCarrier struct {
	peer netutil.SocketAddress
	sent [][]byte
}

func (f *fakeCarrier) Send(payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeCarrier) Recv(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeCarrier) Peer() netutil.SocketAddress { return f.peer }

func (f *fakeCarrier) popFrame(t *testing.T) Frame {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatalf("no frame queued")
	}
	raw := f.sent[0]
	f.sent = f.sent[1:]
	fr, ok := DecodeFrame(raw)
	assert.True(t, ok)
	return fr
}

type recordingDelegate struct {
	recvd        [][]byte
	dialed       bool
	sent         int
	disconnected []DisconnectReason
}

func (d *recordingDelegate) DidRecv(s *Stream, data []byte)             { d.recvd = append(d.recvd, data) }
func (d *recordingDelegate) DidSend(s *Stream)                          { d.sent++ }
func (d *recordingDelegate) DidDial(s *Stream)                          { d.dialed = true }
func (d *recordingDelegate) DidDisconnect(s *Stream, r DisconnectReason) { d.disconnected = append(d.disconnected, r) }

func addr(t *testing.T, s string) netutil.SocketAddress {
	t.Helper()
	a, err := netutil.Parse(s)
	assert.NoError(t, err)
	return a
}

func acceptAll(netutil.SocketAddress) bool { return true }

func TestHandshakeAndDataDelivery(t *testing.T) {
	loopA, loopB := eventloop.New(), eventloop.New()
	carrierA := &fakeCarrier{peer: addr(t, "10.0.0.2:9000")}
	carrierB := &fakeCarrier{peer: addr(t, "10.0.0.1:9000")}
	delegateA, delegateB := &recordingDelegate{}, &recordingDelegate{}

	dialer := Dial(loopA, carrierA, delegateA, 3)
	assert.Equal(t, StateDialSent, dialer.State())

	dialFrame := carrierA.popFrame(t)
	assert.Equal(t, FrameDial, dialFrame.Type)

	listener := NewListener(loopB, carrierB, delegateB, 2)
	listener.HandleFrame(dialFrame, acceptAll)
	assert.Equal(t, StateDialRspRecv, listener.State())

	rspFrame := carrierB.popFrame(t)
	assert.Equal(t, FrameDialRsp, rspFrame.Type)
	assert.Equal(t, uint16(2), rspFrame.DialRsp.ChosenVersion)

	dialer.HandleFrame(rspFrame, nil)
	assert.Equal(t, StateEstablished, dialer.State())
	assert.True(t, delegateA.dialed)

	err := dialer.Send([]byte("hello"))
	assert.NoError(t, err)

	dataFrame := carrierA.popFrame(t)
	assert.Equal(t, FrameData, dataFrame.Type)
	assert.Equal(t, []byte("hello"), dataFrame.Data.Payload)

	listener.HandleFrame(dataFrame, acceptAll)
	assert.Equal(t, StateEstablished, listener.State())
	assert.Equal(t, [][]byte{[]byte("hello")}, delegateB.recvd)

	ackFrame := carrierB.popFrame(t)
	assert.Equal(t, FrameAck, ackFrame.Type)

	dialer.HandleFrame(ackFrame, nil)
	assert.Equal(t, 1, delegateA.sent)
}

func TestDroppedDataRetransmitsAfterTimeoutAndDeliversOnce(t *testing.T) {
	loopA, loopB := eventloop.New(), eventloop.New()
	carrierA := &fakeCarrier{peer: addr(t, "10.0.0.2:9000")}
	carrierB := &fakeCarrier{peer: addr(t, "10.0.0.1:9000")}
	delegateA, delegateB := &recordingDelegate{}, &recordingDelegate{}

	dialer := Dial(loopA, carrierA, delegateA, 1)
	dialFrame := carrierA.popFrame(t)
	listener := NewListener(loopB, carrierB, delegateB, 1)
	listener.HandleFrame(dialFrame, acceptAll)
	rspFrame := carrierB.popFrame(t)
	dialer.HandleFrame(rspFrame, nil)

	assert.NoError(t, dialer.Send([]byte("payload-0")))
	dropped := carrierA.popFrame(t) // the original DATA, packet_number 0, dropped in flight
	assert.Equal(t, FrameData, dropped.Type)
	assert.Equal(t, uint64(0), dropped.Data.PacketNumber)
	assert.Empty(t, carrierA.sent)

	// simulate the retransmit timer firing: nothing acked the first segment.
	dialer.onRetransmitTimeout()

	retransmitted := carrierA.popFrame(t)
	assert.Equal(t, FrameData, retransmitted.Type)
	assert.NotEqual(t, dropped.Data.PacketNumber, retransmitted.Data.PacketNumber)
	assert.Equal(t, dropped.Data.StreamOffset, retransmitted.Data.StreamOffset)
	assert.Equal(t, dropped.Data.Payload, retransmitted.Data.Payload)

	listener.HandleFrame(retransmitted, acceptAll)
	assert.Equal(t, [][]byte{[]byte("payload-0")}, delegateB.recvd)

	ackFrame := carrierB.popFrame(t)
	dialer.HandleFrame(ackFrame, nil)
	assert.Empty(t, dialer.inFlight)
}

func TestDialRetriesBeforeGivingUp(t *testing.T) {
	loop := eventloop.New()
	carrier := &fakeCarrier{peer: addr(t, "10.0.0.2:9000")}
	delegate := &recordingDelegate{}

	dialer := Dial(loop, carrier, delegate, 1)
	dialer.onDialTimeout() // well within DialGiveup: retries, does not give up.

	assert.Equal(t, StateDialSent, dialer.State())
	assert.Empty(t, delegate.disconnected)
	assert.Equal(t, 1, dialer.dialRetries)
}

func TestDialGivesUpAfterGiveupElapses(t *testing.T) {
	loop := eventloop.New()
	carrier := &fakeCarrier{peer: addr(t, "10.0.0.2:9000")}
	delegate := &recordingDelegate{}

	dialer := Dial(loop, carrier, delegate, 1)
	// Backdate the dial start past DialGiveup's ~10s wall-clock budget,
	// exactly as repeated exponential-backoff retries (1+2+4+8s, capped at
	// 64s per retry) would eventually do, without sleeping the test.
	dialer.dialStart = time.Now().Add(-DialGiveup - time.Second)
	dialer.onDialTimeout()

	assert.Equal(t, StateClosed, dialer.State())
	assert.Equal(t, []DisconnectReason{ReasonAbrupt}, delegate.disconnected)
}

func TestCloseSendsCloseFrameAndTransitions(t *testing.T) {
	loopA, loopB := eventloop.New(), eventloop.New()
	carrierA := &fakeCarrier{peer: addr(t, "10.0.0.2:9000")}
	carrierB := &fakeCarrier{peer: addr(t, "10.0.0.1:9000")}
	delegateA, delegateB := &recordingDelegate{}, &recordingDelegate{}

	dialer := Dial(loopA, carrierA, delegateA, 1)
	dialFrame := carrierA.popFrame(t)
	listener := NewListener(loopB, carrierB, delegateB, 1)
	listener.HandleFrame(dialFrame, acceptAll)
	rspFrame := carrierB.popFrame(t)
	dialer.HandleFrame(rspFrame, nil)

	dialer.Close()
	assert.Equal(t, StateClosing, dialer.State())

	closeFrame := carrierA.popFrame(t)
	assert.Equal(t, FrameClose, closeFrame.Type)

	listener.HandleFrame(closeFrame, acceptAll)
	assert.Equal(t, StateClosing, listener.State())
}

func TestResetTransitionsAbruptlyAndSendsRST(t *testing.T) {
	loop := eventloop.New()
	carrier := &fakeCarrier{peer: addr(t, "10.0.0.2:9000")}
	delegate := &recordingDelegate{}

	s := NewListener(loop, carrier, delegate, 1)
	s.state = StateEstablished
	s.Reset()

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, []DisconnectReason{ReasonAbrupt}, delegate.disconnected)

	rst := carrier.popFrame(t)
	assert.Equal(t, FrameRst, rst.Type)
}

func TestHandleDialRejectsWhenNotListening(t *testing.T) {
	loop := eventloop.New()
	carrier := &fakeCarrier{peer: addr(t, "10.0.0.2:9000")}
	delegate := &recordingDelegate{}

	s := NewListener(loop, carrier, delegate, 1)
	s.state = StateEstablished

	s.HandleFrame(Frame{Type: FrameDial, Dial: DialFrame{SrcConnID: 7, Version: 1}}, acceptAll)

	rst := carrier.popFrame(t)
	assert.Equal(t, FrameRst, rst.Type)
}
