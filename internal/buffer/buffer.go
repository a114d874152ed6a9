// Package buffer implements the owned/weak byte region with cursor
// arithmetic used across the relay's wire codecs.
package buffer

import "encoding/binary"

// Buffer is a heap-allocated byte region of fixed capacity with a movable
// [start,end) window. It is the owning counterpart of WeakBuffer; callers
// should treat a Buffer as move-only — pass it by value only when handing
// off ownership, never retain two live copies of the same backing array.
type Buffer struct {
	buf   []byte
	start int
	end   int
}

// New allocates a zeroed buffer of the given capacity with the window
// covering the whole region.
func New(size int) Buffer {
	return Buffer{buf: make([]byte, size), start: 0, end: size}
}

// NewFromBytes allocates a buffer of size and left-justifies a copy of init
// into it, matching the C++ Buffer(initializer, size) constructor.
func NewFromBytes(init []byte, size int) Buffer {
	buf := make([]byte, size)
	copy(buf, init)
	return Buffer{buf: buf, start: 0, end: size}
}

// Data returns the byte slice currently covered by the window.
func (b *Buffer) Data() []byte { return b.buf[b.start:b.end] }

// Size returns the length of the current window.
func (b *Buffer) Size() int { return b.end - b.start }

// Capacity returns the full backing array length, ignoring the window.
func (b *Buffer) Capacity() int { return len(b.buf) }

// Cover narrows the window by moving start forward by n bytes.
func (b *Buffer) Cover(n int) bool {
	if n < 0 || b.start+n > b.end {
		return false
	}
	b.start += n
	return true
}

// Uncover widens the window by moving start backward by n bytes.
func (b *Buffer) Uncover(n int) bool {
	if n < 0 || b.start-n < 0 {
		return false
	}
	b.start -= n
	return true
}

func (b *Buffer) abs(offset int) (int, int, bool) {
	lo := b.start + offset
	if lo < b.start {
		return 0, 0, false
	}
	return lo, lo, true
}

// ReadUint8 reads a single byte at offset within the window.
func (b *Buffer) ReadUint8(offset int) (uint8, bool) {
	lo, _, ok := b.abs(offset)
	if !ok || lo+1 > b.end {
		return 0, false
	}
	return b.buf[lo], true
}

// ReadUint16Le reads a little-endian uint16 at offset, returning false if it
// would read past the window end.
func (b *Buffer) ReadUint16Le(offset int) (uint16, bool) {
	lo, _, ok := b.abs(offset)
	if !ok || lo+2 > b.end {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b.buf[lo : lo+2]), true
}

// ReadUint16Be reads a big-endian uint16 at offset.
func (b *Buffer) ReadUint16Be(offset int) (uint16, bool) {
	lo, _, ok := b.abs(offset)
	if !ok || lo+2 > b.end {
		return 0, false
	}
	return binary.BigEndian.Uint16(b.buf[lo : lo+2]), true
}

// ReadUint32Le reads a little-endian uint32 at offset.
func (b *Buffer) ReadUint32Le(offset int) (uint32, bool) {
	lo, _, ok := b.abs(offset)
	if !ok || lo+4 > b.end {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b.buf[lo : lo+4]), true
}

// ReadUint32Be reads a big-endian uint32 at offset.
func (b *Buffer) ReadUint32Be(offset int) (uint32, bool) {
	lo, _, ok := b.abs(offset)
	if !ok || lo+4 > b.end {
		return 0, false
	}
	return binary.BigEndian.Uint32(b.buf[lo : lo+4]), true
}

// ReadUint64Le reads a little-endian uint64 at offset.
func (b *Buffer) ReadUint64Le(offset int) (uint64, bool) {
	lo, _, ok := b.abs(offset)
	if !ok || lo+8 > b.end {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b.buf[lo : lo+8]), true
}

// ReadUint64Be reads a big-endian uint64 at offset.
func (b *Buffer) ReadUint64Be(offset int) (uint64, bool) {
	lo, _, ok := b.abs(offset)
	if !ok || lo+8 > b.end {
		return 0, false
	}
	return binary.BigEndian.Uint64(b.buf[lo : lo+8]), true
}

// WriteUint8 writes a single byte at offset, returning false on overflow.
func (b *Buffer) WriteUint8(offset int, v uint8) bool {
	lo, _, ok := b.abs(offset)
	if !ok || lo+1 > b.end {
		return false
	}
	b.buf[lo] = v
	return true
}

// WriteUint16Le writes a little-endian uint16 at offset.
func (b *Buffer) WriteUint16Le(offset int, v uint16) bool {
	lo, _, ok := b.abs(offset)
	if !ok || lo+2 > b.end {
		return false
	}
	binary.LittleEndian.PutUint16(b.buf[lo:lo+2], v)
	return true
}

// WriteUint16Be writes a big-endian uint16 at offset.
func (b *Buffer) WriteUint16Be(offset int, v uint16) bool {
	lo, _, ok := b.abs(offset)
	if !ok || lo+2 > b.end {
		return false
	}
	binary.BigEndian.PutUint16(b.buf[lo:lo+2], v)
	return true
}

// WriteUint32Le writes a little-endian uint32 at offset.
func (b *Buffer) WriteUint32Le(offset int, v uint32) bool {
	lo, _, ok := b.abs(offset)
	if !ok || lo+4 > b.end {
		return false
	}
	binary.LittleEndian.PutUint32(b.buf[lo:lo+4], v)
	return true
}

// WriteUint32Be writes a big-endian uint32 at offset.
func (b *Buffer) WriteUint32Be(offset int, v uint32) bool {
	lo, _, ok := b.abs(offset)
	if !ok || lo+4 > b.end {
		return false
	}
	binary.BigEndian.PutUint32(b.buf[lo:lo+4], v)
	return true
}

// WriteUint64Le writes a little-endian uint64 at offset.
func (b *Buffer) WriteUint64Le(offset int, v uint64) bool {
	lo, _, ok := b.abs(offset)
	if !ok || lo+8 > b.end {
		return false
	}
	binary.LittleEndian.PutUint64(b.buf[lo:lo+8], v)
	return true
}

// WriteUint64Be writes a big-endian uint64 at offset.
func (b *Buffer) WriteUint64Be(offset int, v uint64) bool {
	lo, _, ok := b.abs(offset)
	if !ok || lo+8 > b.end {
		return false
	}
	binary.BigEndian.PutUint64(b.buf[lo:lo+8], v)
	return true
}

// Write copies src into the window at offset, returning false if it would
// overflow.
func (b *Buffer) Write(offset int, src []byte) bool {
	lo, _, ok := b.abs(offset)
	if !ok || lo+len(src) > b.end {
		return false
	}
	copy(b.buf[lo:lo+len(src)], src)
	return true
}

// WriteUnsafe copies src into the window at offset without bounds checks,
// mirroring the C++ _unsafe variants used on hot paths where the caller has
// already validated the offset.
func (b *Buffer) WriteUnsafe(offset int, src []byte) {
	lo := b.start + offset
	copy(b.buf[lo:lo+len(src)], src)
}

// WriteUint16LeUnsafe writes without bounds checks.
func (b *Buffer) WriteUint16LeUnsafe(offset int, v uint16) {
	lo := b.start + offset
	binary.LittleEndian.PutUint16(b.buf[lo:lo+2], v)
}
