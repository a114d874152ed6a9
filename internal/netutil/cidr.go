package netutil

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// CidrBlock is an IPv4 address plus a prefix length (0-32), used to gate
// discovery and beacon traffic by subnet.
type CidrBlock struct {
	addr   netip.Addr
	prefix uint8
}

// AnyIPv4 returns the 0.0.0.0/0 block, which contains every IPv4 address.
func AnyIPv4() CidrBlock {
	return CidrBlock{addr: netip.IPv4Unspecified(), prefix: 0}
}

// ParseCidrBlock parses "a.b.c.d/n" notation.
func ParseCidrBlock(s string) (CidrBlock, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return CidrBlock{}, fmt.Errorf("netutil: invalid cidr %q", s)
	}
	addr, err := netip.ParseAddr(parts[0])
	if err != nil {
		return CidrBlock{}, fmt.Errorf("netutil: invalid cidr address %q: %w", parts[0], err)
	}
	prefix, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil || prefix > 32 {
		return CidrBlock{}, fmt.Errorf("netutil: invalid cidr prefix %q", parts[1])
	}
	return CidrBlock{addr: addr.Unmap(), prefix: uint8(prefix)}, nil
}

// String renders the block in standard a.b.c.d/n notation.
func (c CidrBlock) String() string {
	return fmt.Sprintf("%s/%d", c.addr.String(), c.prefix)
}

// Contains reports whether addr falls within the block.
func (c CidrBlock) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.Is4() || !c.addr.Is4() {
		return false
	}
	if c.prefix == 0 {
		return true
	}
	a4 := addr.As4()
	c4 := c.addr.As4()
	var av, cv uint32
	for i := 0; i < 4; i++ {
		av = av<<8 | uint32(a4[i])
		cv = cv<<8 | uint32(c4[i])
	}
	mask := ^uint32(0) << (32 - c.prefix)
	return av&mask == cv&mask
}
