// Package witness implements the per-hop witness plug-ins the pub/sub
// engine uses to track and break forwarding loops.
package witness

import (
	"encoding/binary"

	"golang.org/x/crypto/curve25519"
)

// Header is the witness portion of a forwarded message's header, as
// carried over from the previous hop (or absent, on the originating hop).
type Header struct {
	Data []byte
	Size uint64
}

// Witnesser computes the outgoing witness field for one hop.
type Witnesser interface {
	// Witness returns the witness bytes to prepend for this hop, given the
	// previous hop's header.
	Witness(prev Header) []byte
	// Contains reports whether pubKey has already witnessed this path;
	// used to suppress a redundant re-forward and break loops. Only the
	// Bloom variant can answer this with any precision.
	Contains(prev Header, pubKey []byte) bool
}

// Bloom is a fixed 32-byte (256-bit) bloom filter. A peer's public key sets
// 8 bit positions, one per each of its first 8 key bytes used as a bit
// index; forwarding ORs the incoming filter with the forwarder's own bits.
type Bloom struct {
	PublicKey []byte
}

const bloomSize = 32

func setBit(bloom []byte, idx uint8) {
	bloom[idx/8] |= 1 << (idx % 8)
}

func testBit(bloom []byte, idx uint8) bool {
	return bloom[idx/8]&(1<<(idx%8)) != 0
}

func (b Bloom) Witness(prev Header) []byte {
	out := make([]byte, bloomSize)
	if prev.Data != nil {
		copy(out, prev.Data)
	}
	for i := 0; i < 8; i++ {
		setBit(out, b.PublicKey[i])
	}
	return out
}

func (b Bloom) Contains(prev Header, pubKey []byte) bool {
	if len(prev.Data) < bloomSize {
		return false
	}
	for i := 0; i < 8; i++ {
		if !testBit(prev.Data, pubKey[i]) {
			return false
		}
	}
	return true
}

// Chain appends g^sk (an X25519 base-point scalar multiply of the node's
// secret key) to a growing vector of per-hop public points, prefixed on the
// wire by a 2-byte big-endian size field. Each hop rewrites that size field
// to the new vector length, so it grows by 32 per hop.
type Chain struct {
	SecretKey [32]byte
}

func (c Chain) Witness(prev Header) []byte {
	var point [32]byte
	curve25519.ScalarBaseMult(&point, &c.SecretKey)

	var out []byte
	if prev.Size == 0 {
		prefix := make([]byte, 2)
		binary.BigEndian.PutUint16(prefix, 32)
		out = append(out, prefix...)
	} else {
		out = append(out, prev.Data...)
	}
	out = append(out, point[:]...)
	if len(out) >= 2 {
		binary.BigEndian.PutUint16(out[:2], uint16(len(out)-2))
	}
	return out
}

// Contains is meaningless for a chain witness; a growing vector of points
// can't be tested for bit membership the way a bloom filter can.
func (c Chain) Contains(Header, []byte) bool { return false }

// ParseChainSize reads the Chain witness's wire size field and returns the
// total witness field size including the 2-byte prefix itself.
func ParseChainSize(buf []byte) (uint64, bool) {
	if len(buf) < 2 {
		return 0, false
	}
	return uint64(binary.BigEndian.Uint16(buf[:2])) + 2, true
}

// LPF passes the previous hop's witness through unmodified, recording
// absence as a 2-byte zero size field.
type LPF struct{}

func (LPF) Witness(prev Header) []byte {
	if prev.Size != 0 {
		return prev.Data
	}
	return []byte{0, 0}
}

func (LPF) Contains(Header, []byte) bool { return false }
