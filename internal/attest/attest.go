// Package attest implements the per-message attestation plug-ins that the
// pub/sub engine attaches to a forwarded message's header.
package attest

import "encoding/binary"

// Header is the attestation portion of a forwarded message's header, as
// carried over from the previous hop (or absent, on the originating hop).
type Header struct {
	Data []byte
	Size uint64
}

// Attester computes and verifies a message's attestation field.
type Attester interface {
	// Attest returns the attestation bytes to prepend for this hop, given
	// the previous hop's header. passthrough is true when the previous
	// hop's attestation was simply copied forward unmodified.
	Attest(prev Header) (out []byte, passthrough bool)
	// Verify always returns true when no concrete signature scheme is
	// wired in; a real deployment hooks this to a key registry supplied
	// by the ABCI adapter.
	Verify(prev Header) bool
	// ParseSize reads the attestation size from the start of buf,
	// returning ok=false if the field can't be parsed.
	ParseSize(buf []byte) (size uint64, ok bool)
}

// Legacy attests with either a fixed 67-byte field (carried forward
// unmodified from a previous hop that already had one) or nothing. It never
// originates a signature itself — only secp256k1-recovery-backed nodes in a
// full deployment do that, outside this component's scope. The 67-or-0
// ambiguity in ParseSize (any size prefix other than exactly 67 collapses
// to 0, rather than rejecting the message) is inherited unchanged.
type Legacy struct{}

func (Legacy) Attest(prev Header) ([]byte, bool) {
	if prev.Size != 0 {
		return prev.Data, true
	}
	return nil, false
}

func (Legacy) Verify(Header) bool { return true }

func (Legacy) ParseSize(buf []byte) (uint64, bool) {
	if len(buf) < 2 {
		return 0, false
	}
	if binary.LittleEndian.Uint16(buf[:2]) == 67 {
		return 67, true
	}
	return 0, true
}

// LPF passes through whatever attestation the previous hop carried,
// recording absence as a 2-byte zero size field rather than omitting the
// field outright.
type LPF struct{}

func (LPF) Attest(prev Header) ([]byte, bool) {
	if prev.Size != 0 {
		return prev.Data, true
	}
	return []byte{0, 0}, false
}

func (LPF) Verify(Header) bool { return true }

func (LPF) ParseSize(buf []byte) (uint64, bool) {
	if len(buf) < 2 {
		return 0, false
	}
	return uint64(binary.LittleEndian.Uint16(buf[:2])), true
}

// Empty never attests; every message has a zero-length attestation field.
type Empty struct{}

func (Empty) Attest(Header) ([]byte, bool) { return nil, false }
func (Empty) Verify(Header) bool           { return true }
func (Empty) ParseSize([]byte) (uint64, bool) { return 0, true }
