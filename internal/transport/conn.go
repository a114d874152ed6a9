package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"marlin-relay/internal/eventloop"
	"marlin-relay/internal/netutil"
)

// ConnState is the stream transport's connection state machine, per
// Grounded on
// original_source/stream/include/marlin/stream/ConnSMFiber.hpp.
type ConnState int

const (
	StateListen ConnState = iota
	StateDialSent
	StateDialRspRecv
	StateEstablished
	StateClosing
	StateClosed
)

// Tuning constants.
const (
	MSS              = 1350
	ReorderCap       = 256
	DialRTX          = 1 * time.Second
	DialGiveup       = 10 * time.Second
	AckDelayMax      = 25 * time.Millisecond
	minRTO           = 200 * time.Millisecond
	maxRTO           = 60 * time.Second
	cwndInitSegments = 10
)

// DisconnectReason distinguishes a graceful close (0) from an abrupt RST (1),
// distinguishes a peer-initiated/graceful close from an RST.
type DisconnectReason int

const (
	ReasonGraceful DisconnectReason = 0
	ReasonAbrupt   DisconnectReason = 1
)

// Delegate is the upper-half contract a stream transport calls into,
// reworking the source's compile-time template delegate into an explicit
// Go interface.
type Delegate interface {
	DidRecv(s *Stream, data []byte)
	DidSend(s *Stream)
	DidDial(s *Stream)
	DidDisconnect(s *Stream, reason DisconnectReason)
}

// datagramCarrier is the lower-half contract a Stream needs from its
// unreliable datagram substrate. *DatagramTransport implements it; tests
// substitute an in-memory fake so the handshake/congestion/retransmit state
// machine can be exercised without a real QUIC socket.
type datagramCarrier interface {
	Send(payload []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Peer() netutil.SocketAddress
}

type outSegment struct {
	packetNumber uint64
	streamOffset uint64
	payload      []byte
	sentAt       time.Time
	acked        bool
}

// Stream is module E: a reliable ordered duplex byte stream over a single
// DatagramTransport. One Stream per peer; owned exclusively by a Manager
// (module C) and driven entirely from the owning eventloop.Loop goroutine.
type Stream struct {
	mu sync.Mutex

	loop     *eventloop.Loop
	datagram datagramCarrier
	delegate Delegate
	peer     netutil.SocketAddress

	state      ConnState
	srcConnID  uint32
	dstConnID  uint32
	isDialer   bool
	version    uint16
	wantVer    uint16

	// send side
	sendOffset    uint64 // next offset to assign to newly queued bytes
	sendQueue     [][]byte
	inFlight      map[uint64]*outSegment // keyed by packet number
	nextPktNum    uint64
	cwnd          float64
	ssthresh      float64
	dupAckCount   map[uint64]int
	flowWindow    uint32
	peerRecvWin   uint32

	// RTO estimation (Jacobson/Karels)
	srtt    time.Duration
	rttvar  time.Duration
	haveRTT bool
	rto     time.Duration
	rtoRetx int

	// receive side
	recvBuf      map[uint64][]byte // offset -> payload, gaps permitted up to ReorderCap
	nextExpected uint64
	highestRecv  uint64
	pendingAcked []AckRange
	ackScheduled bool

	dialRetries   int
	dialStart     time.Time
	dialTimer     *eventloop.TimerHandle
	retransmitTmr *eventloop.TimerHandle
	keepaliveTmr  *eventloop.TimerHandle
	idleTmr       *eventloop.TimerHandle
	ackTmr        *eventloop.TimerHandle
	closeTmr      *eventloop.TimerHandle
}

func randConnID() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

// NewListener constructs a Stream in LISTEN state, awaiting an inbound DIAL.
func NewListener(loop *eventloop.Loop, dg datagramCarrier, delegate Delegate, localVersion uint16) *Stream {
	return &Stream{
		loop: loop, datagram: dg, delegate: delegate, peer: dg.Peer(),
		state: StateListen, version: localVersion,
		cwnd: cwndInitSegments * MSS, ssthresh: 1 << 30,
		inFlight: map[uint64]*outSegment{}, dupAckCount: map[uint64]int{},
		recvBuf: map[uint64][]byte{}, rto: minRTO, flowWindow: 1 << 20,
	}
}

// Dial constructs a Stream and begins the DIAL/DIALRSP handshake.
func Dial(loop *eventloop.Loop, dg datagramCarrier, delegate Delegate, localVersion uint16) *Stream {
	s := NewListener(loop, dg, delegate, localVersion)
	s.isDialer = true
	s.srcConnID = randConnID()
	s.state = StateDialSent
	s.wantVer = localVersion
	s.dialStart = time.Now()
	s.sendDial()
	s.armDialTimer()
	return s
}

func (s *Stream) sendDial() {
	f := DialFrame{SrcConnID: s.srcConnID, DstConnID: s.dstConnID, Version: s.wantVer}
	_ = s.datagram.Send(f.Encode())
}

func (s *Stream) armDialTimer() {
	backoff := DialRTX
	if s.dialRetries > 0 {
		backoff = DialRTX * time.Duration(1<<uint(s.dialRetries))
		if backoff > 64*time.Second {
			backoff = 64 * time.Second
		}
	}
	h := s.loop.Schedule(backoff, s.onDialTimeout)
	s.dialTimer = &h
}

func (s *Stream) onDialTimeout() {
	s.mu.Lock()
	if s.state != StateDialSent {
		s.mu.Unlock()
		return
	}
	elapsed := time.Since(s.dialStart)
	if elapsed >= DialGiveup {
		s.state = StateClosed
		s.mu.Unlock()
		s.delegate.DidDisconnect(s, ReasonAbrupt)
		return
	}
	s.dialRetries++
	s.sendDial()
	s.armDialTimer()
	s.mu.Unlock()
}

// ShouldAccept is consulted by the listener before replying to a DIAL; a
// real node wires this to access-control policy (blacklists, capacity).
type ShouldAccept func(addr netutil.SocketAddress) bool

// HandleFrame dispatches one decoded wire frame into the connection state
// machine. A DIAL received outside LISTEN triggers RST; every other frame
// arriving in an unexpected state is ignored without an RST, and connection
// ids are checked only on DIALRSP.
func (s *Stream) HandleFrame(f Frame, accept ShouldAccept) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch f.Type {
	case FrameDial:
		s.handleDial(f.Dial, accept)
	case FrameDialRsp:
		s.handleDialRsp(f.DialRsp)
	case FrameData:
		s.handleData(f.Data)
	case FrameAck:
		s.handleAck(f.Ack)
	case FrameRst:
		s.transitionClosed(ReasonAbrupt)
	case FrameClose:
		s.handleClose()
	case FrameKeepalive:
		s.resetIdleTimerLocked()
	}
}

func (s *Stream) handleDial(f DialFrame, accept ShouldAccept) {
	if s.state != StateListen {
		s.sendRSTLocked()
		return
	}
	if accept != nil && !accept(s.peer) {
		return
	}
	s.srcConnID = randConnID()
	s.dstConnID = f.SrcConnID
	chosen := f.Version
	if s.version < chosen {
		chosen = s.version
	}
	rsp := DialRspFrame{SrcConnID: s.srcConnID, DstConnID: s.dstConnID, Version: s.version, ChosenVersion: chosen}
	_ = s.datagram.Send(rsp.Encode())
	s.version = chosen
	s.state = StateDialRspRecv
	// listener moves to ESTABLISHED on first DATA, or on a timer after DIALRSP.
	h := s.loop.Schedule(2*s.rto, func() {
		s.mu.Lock()
		if s.state == StateDialRspRecv {
			s.state = StateEstablished
		}
		s.mu.Unlock()
	})
	s.dialTimer = &h
}

func (s *Stream) handleDialRsp(f DialRspFrame) {
	if s.state != StateDialSent || f.DstConnID != s.srcConnID {
		return
	}
	if s.dialTimer != nil {
		s.dialTimer.Cancel()
		s.dialTimer = nil
	}
	s.dstConnID = f.SrcConnID
	s.version = f.ChosenVersion
	s.state = StateEstablished
	s.mu.Unlock()
	s.delegate.DidDial(s)
	s.mu.Lock()
}

func (s *Stream) sendRSTLocked() {
	f := ConnFrame{Type: FrameRst, SrcConnID: s.srcConnID, DstConnID: s.dstConnID}
	_ = s.datagram.Send(f.Encode())
}

func (s *Stream) transitionClosed(reason DisconnectReason) {
	if s.state == StateClosed {
		return
	}
	s.cancelTimersLocked()
	s.state = StateClosed
	s.mu.Unlock()
	s.delegate.DidDisconnect(s, reason)
	s.mu.Lock()
}

func (s *Stream) cancelTimersLocked() {
	for _, h := range []*eventloop.TimerHandle{s.dialTimer, s.retransmitTmr, s.keepaliveTmr, s.idleTmr, s.ackTmr, s.closeTmr} {
		if h != nil {
			h.Cancel()
		}
	}
}

func (s *Stream) resetIdleTimerLocked() {
	if s.idleTmr != nil {
		s.idleTmr.Cancel()
	}
	h := s.loop.Schedule(2*time.Minute, func() {
		s.mu.Lock()
		s.transitionClosed(ReasonGraceful)
		s.mu.Unlock()
	})
	s.idleTmr = &h
}

// --- send path ---

// Send appends buf to the outbound stream, assigning it contiguous stream
// offsets and packetizing at MSS. Returns an error if the connection is not
// ESTABLISHED.
func (s *Stream) Send(buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return fmt.Errorf("transport: send on non-established stream (state=%d)", s.state)
	}
	for i := 0; i < len(buf); i += MSS {
		end := i + MSS
		if end > len(buf) {
			end = len(buf)
		}
		chunk := make([]byte, end-i)
		copy(chunk, buf[i:end])
		s.sendQueue = append(s.sendQueue, chunk)
	}
	s.pumpSendLocked()
	return nil
}

func (s *Stream) inFlightBytes() int {
	n := 0
	for _, seg := range s.inFlight {
		if !seg.acked {
			n += len(seg.payload)
		}
	}
	return n
}

func (s *Stream) pumpSendLocked() {
	for len(s.sendQueue) > 0 {
		if float64(s.inFlightBytes()) >= s.cwnd {
			return
		}
		if s.peerRecvWin != 0 && uint32(s.inFlightBytes()) >= s.peerRecvWin {
			return
		}
		payload := s.sendQueue[0]
		s.sendQueue = s.sendQueue[1:]
		offset := s.sendOffset
		s.sendOffset += uint64(len(payload))
		s.transmitSegmentLocked(offset, payload)
	}
}

func (s *Stream) transmitSegmentLocked(offset uint64, payload []byte) {
	pn := s.nextPktNum
	s.nextPktNum++
	seg := &outSegment{packetNumber: pn, streamOffset: offset, payload: payload, sentAt: time.Now()}
	s.inFlight[pn] = seg
	f := DataFrame{SrcConnID: s.srcConnID, DstConnID: s.dstConnID, PacketNumber: pn, StreamOffset: offset, Payload: payload}
	_ = s.datagram.Send(f.Encode())
	s.armRetransmitTimerLocked()
}

// retransmitLocked resends the given in-flight segment with a fresh packet
// number, reusing the original stream offset.
func (s *Stream) retransmitLocked(old *outSegment) {
	delete(s.inFlight, old.packetNumber)
	pn := s.nextPktNum
	s.nextPktNum++
	seg := &outSegment{packetNumber: pn, streamOffset: old.streamOffset, payload: old.payload, sentAt: time.Now()}
	s.inFlight[pn] = seg
	f := DataFrame{SrcConnID: s.srcConnID, DstConnID: s.dstConnID, PacketNumber: pn, StreamOffset: old.streamOffset, Payload: old.payload}
	_ = s.datagram.Send(f.Encode())
}

func (s *Stream) armRetransmitTimerLocked() {
	if s.retransmitTmr != nil {
		return
	}
	h := s.loop.Schedule(s.rto, s.onRetransmitTimeout)
	s.retransmitTmr = &h
}

func (s *Stream) onRetransmitTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retransmitTmr = nil
	if len(s.inFlight) == 0 {
		return
	}
	// retransmission timeout: cut ssthresh and collapse cwnd.
	s.ssthresh = s.cwnd / 2
	if s.ssthresh < 2*MSS {
		s.ssthresh = 2 * MSS
	}
	s.cwnd = MSS
	s.rtoRetx++
	s.rto *= 2
	if s.rto > maxRTO {
		s.rto = maxRTO
	}

	lowest := s.lowestUnackedLocked()
	if lowest != nil {
		s.retransmitLocked(lowest)
	}
	if len(s.inFlight) > 0 {
		h := s.loop.Schedule(s.rto, s.onRetransmitTimeout)
		s.retransmitTmr = &h
	}
}

func (s *Stream) lowestUnackedLocked() *outSegment {
	var lowest *outSegment
	for _, seg := range s.inFlight {
		if lowest == nil || seg.packetNumber < lowest.packetNumber {
			lowest = seg
		}
	}
	return lowest
}

func (s *Stream) handleAck(f AckFrame) {
	if s.state != StateEstablished && s.state != StateDialRspRecv {
		return
	}
	s.peerRecvWin = f.RecvWindow
	ackedAny := false
	for _, r := range f.Ranges {
		for pn := r.Low; pn <= r.High; pn++ {
			if seg, ok := s.inFlight[pn]; ok && !seg.acked {
				s.onSegmentAckedLocked(seg)
				delete(s.inFlight, pn)
				ackedAny = true
			} else {
				// duplicate ack bookkeeping for fast-retransmit
				s.dupAckCount[pn]++
				if s.dupAckCount[pn] == 3 {
					if target := s.lowestUnackedLocked(); target != nil {
						s.fastRetransmitLocked(target)
					}
				}
			}
		}
	}
	if ackedAny {
		if len(s.inFlight) == 0 && s.retransmitTmr != nil {
			s.retransmitTmr.Cancel()
			s.retransmitTmr = nil
		}
		s.mu.Unlock()
		s.delegate.DidSend(s)
		s.mu.Lock()
		s.pumpSendLocked()
	}
}

func (s *Stream) findByPacketNumberLocked(pn uint64) (*outSegment, bool) {
	seg, ok := s.inFlight[pn]
	return seg, ok
}

func (s *Stream) fastRetransmitLocked(seg *outSegment) {
	s.ssthresh = s.cwnd / 2
	if s.ssthresh < 2*MSS {
		s.ssthresh = 2 * MSS
	}
	s.cwnd = s.ssthresh
	s.retransmitLocked(seg)
}

func (s *Stream) onSegmentAckedLocked(seg *outSegment) {
	seg.acked = true
	rtt := time.Since(seg.sentAt)
	s.updateRTOLocked(rtt)

	// slow-start until ssthresh, then congestion avoidance.
	if s.cwnd < s.ssthresh {
		s.cwnd += MSS // slow start
	} else {
		s.cwnd += MSS * MSS / s.cwnd // congestion avoidance
	}
}

func (s *Stream) updateRTOLocked(sample time.Duration) {
	if !s.haveRTT {
		s.srtt = sample
		s.rttvar = sample / 2
		s.haveRTT = true
	} else {
		delta := s.srtt - sample
		if delta < 0 {
			delta = -delta
		}
		s.rttvar = (3*s.rttvar + delta) / 4
		s.srtt = (7*s.srtt + sample) / 8
	}
	rto := s.srtt + 4*s.rttvar
	if rto < minRTO {
		rto = minRTO
	}
	if rto > maxRTO {
		rto = maxRTO
	}
	s.rto = rto
	s.rtoRetx = 0
}

// --- receive path ---

func (s *Stream) handleData(f DataFrame) {
	if s.state == StateDialRspRecv {
		if s.dialTimer != nil {
			s.dialTimer.Cancel()
			s.dialTimer = nil
		}
		s.state = StateEstablished
	}
	if s.state != StateEstablished {
		return
	}
	if f.StreamOffset < s.nextExpected {
		// already delivered; ack again and drop.
		s.scheduleAckLocked(true)
		return
	}
	if f.StreamOffset > s.nextExpected {
		if uint64(len(s.recvBuf)) >= ReorderCap {
			// reorder buffer full: drop the earliest gap entry to bound memory,
			// overflow drops the earliest gap.
			s.dropEarliestGapLocked()
		}
	}
	s.recvBuf[f.StreamOffset] = f.Payload
	if f.StreamOffset+uint64(len(f.Payload)) > s.highestRecv {
		s.highestRecv = f.StreamOffset + uint64(len(f.Payload))
	}
	s.trackAckedLocked(f.PacketNumber)

	delivered := s.deliverContiguousLocked()
	gapDetected := f.StreamOffset > s.nextExpected
	s.scheduleAckLocked(gapDetected || delivered)
}

func (s *Stream) dropEarliestGapLocked() {
	var earliest uint64
	first := true
	for off := range s.recvBuf {
		if first || off < earliest {
			earliest = off
			first = false
		}
	}
	if !first {
		delete(s.recvBuf, earliest)
	}
}

func (s *Stream) deliverContiguousLocked() bool {
	delivered := false
	for {
		chunk, ok := s.recvBuf[s.nextExpected]
		if !ok {
			break
		}
		delete(s.recvBuf, s.nextExpected)
		s.nextExpected += uint64(len(chunk))
		delivered = true
		s.mu.Unlock()
		s.delegate.DidRecv(s, chunk)
		s.mu.Lock()
	}
	return delivered
}

func (s *Stream) trackAckedLocked(pn uint64) {
	for i := range s.pendingAcked {
		r := &s.pendingAcked[i]
		if pn+1 == r.Low {
			r.Low = pn
			return
		}
		if pn == r.High+1 {
			r.High = pn
			return
		}
		if pn >= r.Low && pn <= r.High {
			return
		}
	}
	s.pendingAcked = append(s.pendingAcked, AckRange{Low: pn, High: pn})
	sort.Slice(s.pendingAcked, func(i, j int) bool { return s.pendingAcked[i].Low < s.pendingAcked[j].Low })
}

func (s *Stream) scheduleAckLocked(immediate bool) {
	if immediate {
		if s.ackTmr != nil {
			s.ackTmr.Cancel()
			s.ackTmr = nil
		}
		s.sendAckLocked()
		return
	}
	if s.ackScheduled {
		return
	}
	s.ackScheduled = true
	h := s.loop.Schedule(AckDelayMax, func() {
		s.mu.Lock()
		s.ackScheduled = false
		s.sendAckLocked()
		s.mu.Unlock()
	})
	s.ackTmr = &h
}

func (s *Stream) sendAckLocked() {
	if len(s.pendingAcked) == 0 {
		return
	}
	largest := s.pendingAcked[len(s.pendingAcked)-1].High
	f := AckFrame{
		SrcConnID: s.srcConnID, DstConnID: s.dstConnID,
		LargestAcked: largest, AckDelayTicks: 0,
		Ranges: s.pendingAcked, RecvWindow: s.flowWindow,
	}
	_ = s.datagram.Send(f.Encode())
	s.pendingAcked = nil
}

func (s *Stream) handleClose() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosing
	wait := 2 * s.rto
	h := s.loop.Schedule(wait, func() {
		s.mu.Lock()
		s.transitionClosed(ReasonGraceful)
		s.mu.Unlock()
	})
	s.closeTmr = &h
}

// Close sends a CLOSE frame and drains pending ACKs for 2*RTO before
// erasing the connection.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateClosing {
		s.mu.Unlock()
		return
	}
	f := ConnFrame{Type: FrameClose, SrcConnID: s.srcConnID, DstConnID: s.dstConnID}
	_ = s.datagram.Send(f.Encode())
	s.state = StateClosing
	wait := 2 * s.rto
	s.mu.Unlock()
	h := s.loop.Schedule(wait, func() {
		s.mu.Lock()
		s.transitionClosed(ReasonGraceful)
		s.mu.Unlock()
	})
	s.mu.Lock()
	s.closeTmr = &h
	s.mu.Unlock()
}

// Reset tears the connection down immediately with an RST. Used both for
// caller-initiated aborts and to react to a protocol violation.
func (s *Stream) Reset() {
	s.mu.Lock()
	s.sendRSTLocked()
	s.transitionClosed(ReasonAbrupt)
	s.mu.Unlock()
}

// State returns the current connection state.
func (s *Stream) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the remote peer address.
func (s *Stream) Peer() netutil.SocketAddress { return s.peer }

// RunRecvLoop pumps inbound datagrams from the transport into HandleFrame
// until the context is done or the connection closes. Intended to be
// launched as a goroutine per Stream by the node wiring, posting each
// decoded frame back onto the owning Loop to preserve single-writer
// semantics.
func (s *Stream) RunRecvLoop(ctx context.Context, accept ShouldAccept) {
	for {
		raw, err := s.datagram.Recv(ctx)
		if err != nil {
			return
		}
		f, ok := DecodeFrame(raw)
		if !ok {
			s.loop.Post(func() { s.Reset() })
			continue
		}
		s.loop.Post(func() { s.HandleFrame(f, accept) })
	}
}
