// Package netutil implements the socket address and CIDR primitives used to
// key transports and to gate discovery/beacon traffic.
package netutil

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// SocketAddress is an IPv4/IPv6 address plus a 16-bit port. It is
// comparable (usable as a map key) and orders by byte representation.
type SocketAddress struct {
	addr netip.Addr
	port uint16
}

// New builds a SocketAddress from a parsed netip.Addr and port.
func New(addr netip.Addr, port uint16) SocketAddress {
	return SocketAddress{addr: addr.Unmap(), port: port}
}

// Parse parses a "host:port" string into a SocketAddress.
func Parse(s string) (SocketAddress, error) {
	host, portStr, err := splitHostPort(s)
	if err != nil {
		return SocketAddress{}, err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return SocketAddress{}, fmt.Errorf("netutil: invalid host %q: %w", host, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return SocketAddress{}, fmt.Errorf("netutil: invalid port %q: %w", portStr, err)
	}
	return SocketAddress{addr: addr.Unmap(), port: uint16(port)}, nil
}

func splitHostPort(s string) (string, string, error) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "", "", fmt.Errorf("netutil: missing port in %q", s)
	}
	host := s[:i]
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	return host, s[i+1:], nil
}

// Addr returns the underlying IP address.
func (s SocketAddress) Addr() netip.Addr { return s.addr }

// Port returns the 16-bit port.
func (s SocketAddress) Port() uint16 { return s.port }

// String renders the address in host:port form.
func (s SocketAddress) String() string {
	return net_JoinHostPort(s.addr.String(), s.port)
}

func net_JoinHostPort(host string, port uint16) string {
	if strings.Contains(host, ":") {
		return fmt.Sprintf("[%s]:%d", host, port)
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// UDPAddrString renders an address suitable for net.ResolveUDPAddr / quic dial.
func (s SocketAddress) UDPAddrString() string { return s.String() }

// Less gives a total order by byte representation (address then port), so
// SocketAddress can be used as a sorted-set or ordered-map key.
func (s SocketAddress) Less(o SocketAddress) bool {
	as, os := s.addr.As16(), o.addr.As16()
	for i := range as {
		if as[i] != os[i] {
			return as[i] < os[i]
		}
	}
	return s.port < o.port
}
