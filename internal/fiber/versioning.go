package fiber

import "encoding/binary"

// Versioner prepends and validates a 2-byte little-endian protocol-version
// tag on each framed message.
type Versioner struct {
	Version uint16
}

// Encode prepends the version tag to msg.
func (v Versioner) Encode(msg []byte) []byte {
	out := make([]byte, 2+len(msg))
	binary.LittleEndian.PutUint16(out, v.Version)
	copy(out[2:], msg)
	return out
}

// Strip validates the leading version tag against v.Version and returns the
// message with the tag removed. ok is false on a short message or a version
// mismatch; callers report -1 to the sending side and drop the message.
func (v Versioner) Strip(msg []byte) (body []byte, ok bool) {
	if len(msg) < 2 {
		return nil, false
	}
	tag := binary.LittleEndian.Uint16(msg[:2])
	if tag != v.Version {
		return nil, false
	}
	return msg[2:], true
}
