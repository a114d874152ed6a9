// Package fiber implements the length-prefix framing and protocol-version
// tagging layered over the reliable stream transport, before a message
// reaches the pub/sub engine.
package fiber

import "encoding/binary"

// Framer accumulates bytes arriving off a reliable stream and emits each
// complete length-prefixed message exactly once. A partial prefix or a
// partial body is kept as leftover and extended by the next call.
//
// Wire shape: 4-byte little-endian length, followed by that many payload
// bytes.
type Framer struct {
	leftover []byte
}

// Feed appends newBytes to the accumulated leftover and returns every
// complete message that can now be extracted, in arrival order. Whatever
// remains (a partial length prefix or a partial body) stays buffered for
// the next Feed call.
func (fr *Framer) Feed(newBytes []byte) [][]byte {
	fr.leftover = append(fr.leftover, newBytes...)

	var out [][]byte
	for {
		if len(fr.leftover) < 4 {
			break
		}
		n := binary.LittleEndian.Uint32(fr.leftover[:4])
		total := 4 + int(n)
		if len(fr.leftover) < total {
			break
		}
		msg := make([]byte, n)
		copy(msg, fr.leftover[4:total])
		out = append(out, msg)
		fr.leftover = fr.leftover[total:]
	}
	// compact so leftover doesn't retain a growing backing array across
	// many small Feed calls.
	if len(fr.leftover) > 0 {
		compacted := make([]byte, len(fr.leftover))
		copy(compacted, fr.leftover)
		fr.leftover = compacted
	} else {
		fr.leftover = nil
	}
	return out
}

// Encode prepends the 4-byte little-endian length prefix to msg, ready to
// hand to the stream transport's Send.
func Encode(msg []byte) []byte {
	out := make([]byte, 4+len(msg))
	binary.LittleEndian.PutUint32(out, uint32(len(msg)))
	copy(out[4:], msg)
	return out
}
