// Package discovery implements the thin client-side half of the
// beacon/discovery protocol: periodic HELLO/PEERLIST exchange with a
// beacon address, delivering candidate peers grouped by protocol number
// upward. Reconnect backoff mirrors the stream transport's DIAL retry
// schedule; candidate de-duplication uses go-cache the way the teacher's
// accept loop rate-limits by IP.
package discovery

import (
	"context"
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/patrickmn/go-cache"

	"marlin-relay/internal/eventloop"
	"marlin-relay/internal/netutil"
)

// TBeacon is the steady-state HELLO re-exchange interval.
const TBeacon = 60 * time.Second

const (
	reconnectBase = 1 * time.Second
	reconnectCap  = 64 * time.Second
)

// PeerRecord is a discovery-known peer: last_seen is a monotonic tick from
// the owning event loop, key is the peer's 32-byte public key, address is
// its 20-byte identity hash.
type PeerRecord struct {
	LastSeen time.Duration
	Key      [32]byte
	Address  [20]byte
}

// beaconCarrier is the lower-half contract the client needs from its
// connection to the beacon; a *transport.DatagramTransport (or a test
// fake) satisfies it.
type beaconCarrier interface {
	Send(payload []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// Delegate receives each new candidate peer the beacon reports.
type Delegate interface {
	NewPeer(addr netutil.SocketAddress, protocol uint32, port uint16)
}

// Client maintains the discovery connection to one beacon address.
type Client struct {
	loop      *eventloop.Loop
	carrier   beaconCarrier
	selfKey   [32]byte
	protocols []uint32
	delegate  Delegate

	candidates *cache.Cache // dedup: addr string -> struct{}

	reconnectRetries int
	helloTimer       *eventloop.TimerHandle
}

// NewClient constructs a discovery Client. carrier is already connected (or
// connecting) to the beacon address.
func NewClient(loop *eventloop.Loop, carrier beaconCarrier, selfKey [32]byte, protocols []uint32, delegate Delegate) *Client {
	return &Client{
		loop:       loop,
		carrier:    carrier,
		selfKey:    selfKey,
		protocols:  protocols,
		delegate:   delegate,
		candidates: cache.New(10*time.Minute, 20*time.Minute),
	}
}

// Start sends the first HELLO and arms the steady-state re-exchange timer.
func (c *Client) Start() {
	c.sendHello()
	c.armHelloTimer(TBeacon)
}

func (c *Client) armHelloTimer(d time.Duration) {
	h := c.loop.Schedule(d, func() {
		c.sendHello()
		c.armHelloTimer(TBeacon)
	})
	c.helloTimer = &h
}

func (c *Client) sendHello() {
	msg := encodeHello(c.selfKey, c.protocols)
	if err := c.carrier.Send(msg); err != nil {
		c.scheduleReconnect()
	}
}

// scheduleReconnect arms a retry of the initial HELLO using the same
// exponential-backoff-capped-at-64s schedule the stream transport uses for
// its DIAL retries. Unlike a single stream dial, discovery never gives up:
// the beacon is a required dependency for the node to learn peers.
func (c *Client) scheduleReconnect() {
	backoff := reconnectBase * time.Duration(1<<uint(c.reconnectRetries))
	if backoff > reconnectCap {
		backoff = reconnectCap
	}
	c.reconnectRetries++
	c.loop.Schedule(backoff, c.sendHello)
}

// RunRecvLoop pumps inbound beacon datagrams and dispatches PEERLIST
// responses to the delegate. Intended to run as a goroutine, posting
// decoded peer lists back onto the owning Loop.
func (c *Client) RunRecvLoop(ctx context.Context) {
	for {
		raw, err := c.carrier.Recv(ctx)
		if err != nil {
			return
		}
		peers, ok := decodePeerList(raw)
		if !ok {
			continue
		}
		c.loop.Post(func() {
			c.reconnectRetries = 0
			for _, p := range peers {
				c.handleCandidate(p)
			}
		})
	}
}

type candidate struct {
	addr     netutil.SocketAddress
	protocol uint32
	port     uint16
}

func (c *Client) handleCandidate(p candidate) {
	key := p.addr.String()
	if _, found := c.candidates.Get(key); found {
		return
	}
	c.candidates.Set(key, struct{}{}, cache.DefaultExpiration)
	c.delegate.NewPeer(p.addr, p.protocol, p.port)
}

// Beacon message type tags, per spec.md §6.
const (
	beaconHello    uint8 = 0
	beaconPeerList uint8 = 1
)

// versionWildcardMin/Max are used when this client has no finer-grained
// per-protocol version range to advertise than "any" — the beacon wire
// format carries a range per protocol entry, but Client only tracks a flat
// list of supported protocol ids.
const (
	versionWildcardMin uint16 = 0
	versionWildcardMax uint16 = 0xFFFF
)

// encodeHello lays out the HELLO message of spec.md §6:
// type:u8(0) | key:[32] | proto_count:u8 | [proto_id:u32, version_min:u16,
// version_max:u16] × proto_count.
func encodeHello(key [32]byte, protocols []uint32) []byte {
	out := make([]byte, 1+32+1+8*len(protocols))
	out[0] = beaconHello
	copy(out[1:33], key[:])
	out[33] = uint8(len(protocols))
	off := 34
	for _, p := range protocols {
		binary.LittleEndian.PutUint32(out[off:off+4], p)
		binary.LittleEndian.PutUint16(out[off+4:off+6], versionWildcardMin)
		binary.LittleEndian.PutUint16(out[off+6:off+8], versionWildcardMax)
		off += 8
	}
	return out
}

// decodePeerList parses a PEERLIST message of spec.md §6:
// type:u8(1) | key:[32] | proto_count:u8 | [proto entry]×proto_count |
// [addr:18 bytes]×n, where each addr entry is a 16-byte IP address
// followed by a 2-byte little-endian port. The wire format carries no
// per-entry protocol tag, so every reported candidate is attributed to the
// first protocol id in the message's own proto list (0 if that list is
// empty) — see DESIGN.md's discovery wire-format note.
func decodePeerList(buf []byte) ([]candidate, bool) {
	if len(buf) < 1+32+1 || buf[0] != beaconPeerList {
		return nil, false
	}
	protoCount := int(buf[33])
	off := 34
	var firstProtocol uint32
	for i := 0; i < protoCount; i++ {
		if len(buf) < off+8 {
			return nil, false
		}
		if i == 0 {
			firstProtocol = binary.LittleEndian.Uint32(buf[off : off+4])
		}
		off += 8
	}

	const addrLen = 18
	remaining := len(buf) - off
	if remaining < 0 || remaining%addrLen != 0 {
		return nil, false
	}
	n := remaining / addrLen
	out := make([]candidate, 0, n)
	for i := 0; i < n; i++ {
		var ipBytes [16]byte
		copy(ipBytes[:], buf[off:off+16])
		port := binary.LittleEndian.Uint16(buf[off+16 : off+18])
		off += addrLen

		addr := netutil.New(netip.AddrFrom16(ipBytes).Unmap(), port)
		out = append(out, candidate{addr: addr, protocol: firstProtocol, port: port})
	}
	return out, true
}
