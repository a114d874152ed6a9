package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundTripLe(t *testing.T) {
	b := New(16)
	assert.True(t, b.WriteUint64Le(0, 0x0102030405060708))
	v, ok := b.ReadUint64Le(0)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x0102030405060708), v)

	assert.True(t, b.WriteUint32Le(8, 0xdeadbeef))
	v32, ok := b.ReadUint32Le(8)
	assert.True(t, ok)
	assert.Equal(t, uint32(0xdeadbeef), v32)

	assert.True(t, b.WriteUint16Le(12, 0xbeef))
	v16, ok := b.ReadUint16Le(12)
	assert.True(t, ok)
	assert.Equal(t, uint16(0xbeef), v16)
}

func TestRoundTripBe(t *testing.T) {
	b := New(16)
	assert.True(t, b.WriteUint64Be(0, 0x0102030405060708))
	v, ok := b.ReadUint64Be(0)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x0102030405060708), v)
}

func TestReadWritePastEnd(t *testing.T) {
	b := New(4)
	_, ok := b.ReadUint64Le(0)
	assert.False(t, ok)
	assert.False(t, b.WriteUint64Le(0, 1))

	_, ok = b.ReadUint8(4)
	assert.False(t, ok)
}

func TestCoverUncover(t *testing.T) {
	b := New(8)
	assert.True(t, b.WriteUint8(0, 0xAA))
	assert.True(t, b.Cover(1))
	assert.Equal(t, 7, b.Size())
	// offset 0 is now absolute index 1
	v, ok := b.ReadUint8(-1)
	assert.False(t, ok)
	assert.True(t, b.Uncover(1))
	v, ok = b.ReadUint8(0)
	assert.True(t, ok)
	assert.Equal(t, uint8(0xAA), v)
}

func TestNewFromBytesLeftJustifies(t *testing.T) {
	b := NewFromBytes([]byte{1, 2, 3}, 8)
	assert.Equal(t, 8, b.Size())
	assert.Equal(t, []byte{1, 2, 3, 0, 0, 0, 0, 0}, b.Data())
}
