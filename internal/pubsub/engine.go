// Package pubsub implements the channel subscription, forwarding,
// de-duplication and header-composition logic that sits above the framing
// and versioning fibers. Grounded on the single-owner dispatch shape of
// go-libp2p-pubsub's PubSub (one goroutine/owner driving all subscription
// and forwarding state, no locks on the hot path) but reworked around this
// project's cooperative event loop instead of channel-selects.
package pubsub

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"sync"

	"marlin-relay/internal/abci"
	"marlin-relay/internal/attest"
	"marlin-relay/internal/witness"
)

// DefaultSeenCap is the seen-set's FIFO eviction cap. An id evicted from
// the set may be re-accepted; this trades a small re-delivery risk for
// bounded memory.
const DefaultSeenCap = 1 << 20

// PeerHandle is what the pub/sub engine needs from a subscriber or
// publisher's transport to forward and receive on its behalf. A node wires
// this to a *transport.Stream that has already completed its handshake on
// behalf of one channel.
type PeerHandle interface {
	// Send transmits one already-framed-and-versioned unit. Returns an
	// error if the underlying stream is not established; the engine
	// treats that as "skip this subscriber", not a fatal error.
	Send(unit []byte) error
	// Key identifies the peer for heard-from bookkeeping and stable
	// ordering; typically the peer's socket address or connection id.
	Key() string
}

// Headers is the decoded witness+attestation header of a received message.
type Headers struct {
	Witness     witness.Header
	Attestation attest.Header
}

type channelState struct {
	subscribers []PeerHandle // stable insertion order
	subIndex    map[string]int
	publishers  map[string]PeerHandle
}

func newChannelState() *channelState {
	return &channelState{subIndex: map[string]int{}, publishers: map[string]PeerHandle{}}
}

// Engine is the pub/sub node state: module H.
type Engine struct {
	mu sync.Mutex // guards everything below; all calls are expected from the owning event loop, the mutex only protects against incidental cross-goroutine reads (e.g. metrics)

	selfKey    [32]byte // full node public key, consulted against incoming witnesses to break loops
	selfKeyTag uint64   // top 32 bits of every message_id this node originates
	counter    uint32

	channels map[string]*channelState

	seenCap  int
	seenList *list.List
	seenElem map[uint64]*list.Element

	heardFrom map[uint64]map[string]struct{}

	attester  attest.Attester
	witnesser witness.Witnesser
	adapter   abci.Adapter

	encode func(channel string, envelope []byte) []byte // wraps a channel's envelope for the wire (message-type/channel header, versioning, framing), set by the node wiring
}

// NewEngine constructs an Engine. selfKey is used to derive the
// message-id tag for messages this node originates. encode wraps a
// composed envelope, plus the channel it was sent on, for transmission
// (the node wiring's MSG header followed by the pipeline's EncodeOutbound).
func NewEngine(selfKey [32]byte, attester attest.Attester, witnesser witness.Witnesser, adapter abci.Adapter, encode func(channel string, envelope []byte) []byte) *Engine {
	return &Engine{
		selfKey:    selfKey,
		selfKeyTag: binary.LittleEndian.Uint64(selfKey[:8]),
		channels:   map[string]*channelState{},
		seenCap:    DefaultSeenCap,
		seenList:   list.New(),
		seenElem:   map[uint64]*list.Element{},
		heardFrom:  map[uint64]map[string]struct{}{},
		attester:   attester,
		witnesser:  witnesser,
		adapter:    adapter,
		encode:     encode,
	}
}

// RegisterChannel makes channel locally recognized so Subscribe can attach
// peers to it. Idempotent.
func (e *Engine) RegisterChannel(channel string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.channels[channel]; !ok {
		e.channels[channel] = newChannelState()
	}
}

// Subscribe adds peer to channel's subscriber set. Returns false if channel
// is not locally recognized. Idempotent.
func (e *Engine) Subscribe(peer PeerHandle, channel string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.channels[channel]
	if !ok {
		return false
	}
	if _, already := ch.subIndex[peer.Key()]; already {
		return true
	}
	ch.subIndex[peer.Key()] = len(ch.subscribers)
	ch.subscribers = append(ch.subscribers, peer)
	return true
}

// Unsubscribe removes peer from channel's subscriber set.
func (e *Engine) Unsubscribe(peer PeerHandle, channel string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.channels[channel]
	if !ok {
		return
	}
	idx, ok := ch.subIndex[peer.Key()]
	if !ok {
		return
	}
	delete(ch.subIndex, peer.Key())
	ch.subscribers = append(ch.subscribers[:idx], ch.subscribers[idx+1:]...)
	for k, i := range ch.subIndex {
		if i > idx {
			ch.subIndex[k] = i - 1
		}
	}
}

// RemovePeer drops peer from every channel's subscriber and publisher sets.
// Called on transport disconnect (§5 "the pub/sub engine drops all
// subscription entries for a peer on disconnect").
func (e *Engine) RemovePeer(peer PeerHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := peer.Key()
	for _, ch := range e.channels {
		if idx, ok := ch.subIndex[key]; ok {
			delete(ch.subIndex, key)
			ch.subscribers = append(ch.subscribers[:idx], ch.subscribers[idx+1:]...)
			for k, i := range ch.subIndex {
				if i > idx {
					ch.subIndex[k] = i - 1
				}
			}
		}
		delete(ch.publishers, key)
	}
}

// RegisterPublisher records peer as an authorized publisher on channel; the
// engine does not itself enforce publish authorization, this is bookkeeping
// for the node wiring's access-control policy.
func (e *Engine) RegisterPublisher(peer PeerHandle, channel string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.channels[channel]
	if !ok {
		return
	}
	ch.publishers[peer.Key()] = peer
}

func (e *Engine) nextMessageID() uint64 {
	e.counter++
	return e.selfKeyTag<<32 | uint64(e.counter)
}

// seenInsert records id as seen, evicting the oldest entry if the set is at
// capacity. Returns false if id was already seen.
func (e *Engine) seenInsert(id uint64) bool {
	if _, ok := e.seenElem[id]; ok {
		return false
	}
	if e.seenList.Len() >= e.seenCap {
		oldest := e.seenList.Front()
		if oldest != nil {
			e.seenList.Remove(oldest)
			oldestID := oldest.Value.(uint64)
			delete(e.seenElem, oldestID)
			delete(e.heardFrom, oldestID)
		}
	}
	e.seenElem[id] = e.seenList.PushBack(id)
	return true
}

// SendMessageOnChannel assigns a new message id, composes the witness and
// attestation header for the originating hop, and delivers to every
// subscriber of channel.
func (e *Engine) SendMessageOnChannel(channel string, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, ok := e.channels[channel]
	if !ok {
		return fmt.Errorf("pubsub: channel %q not recognized", channel)
	}

	id := e.nextMessageID()
	e.seenInsert(id)

	witnessBytes := e.witnesser.Witness(witness.Header{})
	attestBytes, _ := e.attester.Attest(attest.Header{})
	envelope := encodeEnvelope(id, witnessBytes, attestBytes, payload)
	unit := e.encode(channel, envelope)

	for _, sub := range ch.subscribers {
		_ = sub.Send(unit) // not ESTABLISHED: silently skipped, no retry queue at this layer
	}
	return nil
}

// DidRecvMessage processes an inbound message from peer on channel. If
// message_id has already been seen, it is dropped. Otherwise it is recorded,
// peer is marked as having reported it, forwarded to every subscriber that
// hasn't already reported it, and delivered to the local ABCI adapter.
func (e *Engine) DidRecvMessage(peer PeerHandle, channel string, messageID uint64, payload []byte, headers Headers) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, already := e.seenElem[messageID]; already {
		return
	}
	e.seenInsert(messageID)

	heard := e.heardFrom[messageID]
	if heard == nil {
		heard = map[string]struct{}{}
		e.heardFrom[messageID] = heard
	}
	heard[peer.Key()] = struct{}{}

	if !e.attester.Verify(headers.Attestation) {
		return
	}

	// Bloom loop-break (spec.md §4.5): if this node's own bits are already
	// set in the incoming witness filter, the message has already passed
	// through here on some earlier hop — suppress re-forwarding even though
	// the seen-set/heard-from bookkeeping above didn't catch it (e.g. the
	// seen-set entry for an earlier pass of this id was already evicted).
	loopBroken := e.witnesser.Contains(headers.Witness, e.selfKey[:])

	ch, ok := e.channels[channel]
	if ok && !loopBroken {
		witnessBytes := e.witnesser.Witness(headers.Witness)
		attestBytes, _ := e.attester.Attest(headers.Attestation)
		envelope := encodeEnvelope(messageID, witnessBytes, attestBytes, payload)
		unit := e.encode(channel, envelope)

		for _, sub := range ch.subscribers {
			if _, already := heard[sub.Key()]; already {
				continue
			}
			_ = sub.Send(unit)
		}
	}

	if e.adapter != nil {
		_, _ = e.adapter.AnalyzeBlock(payload, abci.BlockMeta{})
	}
}

// encodeEnvelope lays out message_id, the witness and attestation header
// fields (each self-length-prefixed with a 2-byte little-endian count), and
// the payload. This is this project's own wire shape for the composed
// header, not a requirement inherited from any external format.
func encodeEnvelope(id uint64, witnessBytes, attestBytes, payload []byte) []byte {
	out := make([]byte, 8+2+len(witnessBytes)+2+len(attestBytes)+len(payload))
	binary.LittleEndian.PutUint64(out[0:8], id)
	off := 8
	binary.LittleEndian.PutUint16(out[off:off+2], uint16(len(witnessBytes)))
	off += 2
	copy(out[off:], witnessBytes)
	off += len(witnessBytes)
	binary.LittleEndian.PutUint16(out[off:off+2], uint16(len(attestBytes)))
	off += 2
	copy(out[off:], attestBytes)
	off += len(attestBytes)
	copy(out[off:], payload)
	return out
}

// DecodeEnvelope is the dual of encodeEnvelope, used by the node wiring
// once a Pipeline has reassembled a complete unit.
func DecodeEnvelope(buf []byte) (id uint64, witnessBytes, attestBytes, payload []byte, ok bool) {
	if len(buf) < 8+2 {
		return 0, nil, nil, nil, false
	}
	id = binary.LittleEndian.Uint64(buf[0:8])
	off := 8
	wLen := int(binary.LittleEndian.Uint16(buf[off : off+2]))
	off += 2
	if len(buf) < off+wLen+2 {
		return 0, nil, nil, nil, false
	}
	witnessBytes = buf[off : off+wLen]
	off += wLen
	aLen := int(binary.LittleEndian.Uint16(buf[off : off+2]))
	off += 2
	if len(buf) < off+aLen {
		return 0, nil, nil, nil, false
	}
	attestBytes = buf[off : off+aLen]
	off += aLen
	payload = buf[off:]
	return id, witnessBytes, attestBytes, payload, true
}
