// Package node composes modules A-L into a running relay instance: the
// transport manager, stream transports, framing/versioning pipeline,
// pub/sub engine, discovery client and ABCI adapter. Grounded on the
// teacher's controller/server.go accept-loop shape and run.go's
// flag-parsed, WaitGroup-joined startup, generalized from "dispatch a TCP
// conn to a proxy mode" into "dispatch a pub/sub message frame to the
// engine".
package node

import (
	"encoding/binary"
	"fmt"

	"marlin-relay/internal/attest"
	"marlin-relay/internal/fiber"
	"marlin-relay/internal/transport"
	"marlin-relay/internal/witness"
)

// MessageType tags the pub/sub message frame per spec.md §6.
type MessageType uint8

const (
	MsgSub       MessageType = 0
	MsgUnsub     MessageType = 1
	MsgMessage   MessageType = 2
	MsgHeartbeat MessageType = 3
)

// streamSender is the slice of *transport.Stream a Peer needs to deliver
// outbound units; narrowed to an interface so tests can substitute a fake
// in place of a handshaked transport.
type streamSender interface {
	Send(buf []byte) error
}

// Peer adapts a handshaked *transport.Stream plus its framing/versioning
// Pipeline into a pubsub.PeerHandle, and is also the unit the node's
// accept/dial paths track per remote address.
type Peer struct {
	stream   streamSender
	pipeline *fiber.Pipeline
	addr     string
}

func newPeer(stream *transport.Stream, version uint16) *Peer {
	return &Peer{stream: stream, pipeline: &fiber.Pipeline{Version: version}, addr: stream.Peer().String()}
}

// Send implements pubsub.PeerHandle: unit is already version-tagged and
// length-prefixed by pubsub.Engine via the Pipeline's EncodeOutbound, so
// this is a direct pass to the stream transport's reliable Send.
func (p *Peer) Send(unit []byte) error { return p.stream.Send(unit) }

// Key implements pubsub.PeerHandle, identifying the peer by remote address.
func (p *Peer) Key() string { return p.addr }

// encodeControl builds the SUB/UNSUB/HEARTBEAT control message frames
// (spec.md §6): version tag (added by the Pipeline), message_type,
// channel_len, channel. These carry no message_id/witness/attestation.
func encodeControl(typ MessageType, channel string) []byte {
	ch := []byte(channel)
	out := make([]byte, 1+2+len(ch))
	out[0] = uint8(typ)
	binary.LittleEndian.PutUint16(out[1:3], uint16(len(ch)))
	copy(out[3:], ch)
	return out
}

// encodeMessage builds a MSG frame: message_type, channel_len, channel,
// followed by the pub/sub engine's own message_id+witness+attestation+
// payload envelope (pubsub.DecodeEnvelope's dual).
func encodeMessage(channel string, envelope []byte) []byte {
	ch := []byte(channel)
	out := make([]byte, 1+2+len(ch)+len(envelope))
	out[0] = uint8(MsgMessage)
	binary.LittleEndian.PutUint16(out[1:3], uint16(len(ch)))
	off := 3
	copy(out[off:], ch)
	off += len(ch)
	copy(out[off:], envelope)
	return out
}

// decodeUnit splits a decoded unit's message_type/channel
// prefix from its trailing bytes (empty for SUB/UNSUB/HEARTBEAT, an
// pubsub-engine envelope for MSG).
func decodeUnit(unit []byte) (typ MessageType, channel string, rest []byte, ok bool) {
	if len(unit) < 3 {
		return 0, "", nil, false
	}
	typ = MessageType(unit[0])
	chLen := int(binary.LittleEndian.Uint16(unit[1:3]))
	if len(unit) < 3+chLen {
		return 0, "", nil, false
	}
	channel = string(unit[3 : 3+chLen])
	rest = unit[3+chLen:]
	return typ, channel, rest, true
}

// BuildAttester and BuildWitnesser select a plug-in by the config-level
// name (spec.md §9 "Selection is configuration-driven at node startup").
func BuildAttester(kind string) (attest.Attester, error) {
	switch kind {
	case "legacy":
		return attest.Legacy{}, nil
	case "lpf":
		return attest.LPF{}, nil
	case "empty", "":
		return attest.Empty{}, nil
	default:
		return nil, fmt.Errorf("node: unknown attester kind %q", kind)
	}
}

func BuildWitnesser(kind string, publicKey [32]byte, secretKey [32]byte) (witness.Witnesser, error) {
	switch kind {
	case "bloom", "":
		return witness.Bloom{PublicKey: publicKey[:]}, nil
	case "chain":
		return witness.Chain{SecretKey: secretKey}, nil
	case "lpf":
		return witness.LPF{}, nil
	default:
		return nil, fmt.Errorf("node: unknown witnesser kind %q", kind)
	}
}
