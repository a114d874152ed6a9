// Package transport implements the keyed transport manager (module C), the
// quic-go-backed unreliable datagram substrate (module D), and the
// hand-rolled reliable ordered stream on top of it (module E).
package transport

import (
	"sync"

	"marlin-relay/internal/netutil"
)

// Manager, Token and friends are generic over the owned value type; the node
// instantiates Manager with its per-peer wrapper around a stream transport.

// Token is a non-owning (address, generation) handle into a Manager. A
// lookup after the owning entry has been erased and the address reused
// returns absent rather than resolving to the new occupant, since map
// rehashing can otherwise leave raw-pointer handles dangling or reused.
type Token[T any] struct {
	addr SocketAddressKey
	gen  uint64
}

// SocketAddressKey is the map key type; kept distinct from netutil.SocketAddress
// only to make the manager's generic parameter explicit at call sites.
type SocketAddressKey = netutil.SocketAddress

type entry[T any] struct {
	gen   uint64
	value T
}

// Manager owns values of type T keyed by peer address. It is the sole owner:
// callers that need to reach a value repeatedly must hold a Token and
// re-resolve with Get on each use, never cache the *T across callback
// boundaries.
type Manager[T any] struct {
	mu      sync.RWMutex
	entries map[SocketAddressKey]*entry[T]
	nextGen uint64
}

// NewManager constructs an empty Manager.
func NewManager[T any]() *Manager[T] {
	return &Manager[T]{entries: make(map[SocketAddressKey]*entry[T])}
}

// Get resolves a Token to its current value, or false if it has been erased
// or never existed.
func (m *Manager[T]) Get(tok Token[T]) (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[tok.addr]
	if !ok || e.gen != tok.gen {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Lookup resolves by address directly, returning the current token and
// value. Used by the transport manager's consumers that don't yet hold a
// token (e.g. a freshly received datagram keyed by source address).
func (m *Manager[T]) Lookup(addr SocketAddressKey) (Token[T], T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[addr]
	if !ok {
		var zero T
		return Token[T]{}, zero, false
	}
	return Token[T]{addr: addr, gen: e.gen}, e.value, true
}

// GetOrCreate returns the existing value for addr, or inserts value
// (produced by makeValue, called at most once) and returns created=true.
func (m *Manager[T]) GetOrCreate(addr SocketAddressKey, makeValue func() T) (Token[T], T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[addr]; ok {
		return Token[T]{addr: addr, gen: e.gen}, e.value, false
	}
	m.nextGen++
	gen := m.nextGen
	v := makeValue()
	m.entries[addr] = &entry[T]{gen: gen, value: v}
	return Token[T]{addr: addr, gen: gen}, v, true
}

// Erase removes the entry for addr, invalidating every outstanding Token
// referencing it.
func (m *Manager[T]) Erase(addr SocketAddressKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, addr)
}

// Len returns the number of live entries (test/metrics use).
func (m *Manager[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
