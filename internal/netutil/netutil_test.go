package netutil

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCidrAnyContainsEverything(t *testing.T) {
	b := AnyIPv4()
	assert.True(t, b.Contains(netip.MustParseAddr("1.2.3.4")))
	assert.True(t, b.Contains(netip.MustParseAddr("255.255.255.255")))
}

func TestCidrSlash32ContainsOnlyItself(t *testing.T) {
	b, err := ParseCidrBlock("10.0.0.5/32")
	assert.NoError(t, err)
	assert.True(t, b.Contains(netip.MustParseAddr("10.0.0.5")))
	assert.False(t, b.Contains(netip.MustParseAddr("10.0.0.6")))
}

func TestCidrSubnet(t *testing.T) {
	b, err := ParseCidrBlock("192.168.1.0/24")
	assert.NoError(t, err)
	assert.True(t, b.Contains(netip.MustParseAddr("192.168.1.200")))
	assert.False(t, b.Contains(netip.MustParseAddr("192.168.2.1")))
}

func TestSocketAddressOrdering(t *testing.T) {
	a, _ := Parse("10.0.0.1:100")
	b, _ := Parse("10.0.0.1:200")
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
}

func TestSocketAddressParseRoundTrip(t *testing.T) {
	a, err := Parse("127.0.0.1:5000")
	assert.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5000", a.String())
	assert.Equal(t, uint16(5000), a.Port())
}
