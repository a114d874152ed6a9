package fiber

import "encoding/binary"

// Pipeline composes the versioning and framing fibers into the combined
// reader/writer the pub/sub engine drives against a stream transport. Each
// outbound unit is [2-byte version tag][4-byte length][message]; Pipeline
// reassembles that shape directly off the raw byte stream rather than
// layering two independent accumulators, since the version tag sits ahead
// of the length prefix on the wire and validating it requires seeing both
// fields together.
type Pipeline struct {
	Version uint16

	buf []byte
}

// EncodeOutbound wraps msg for transmission: version tag, length prefix,
// payload.
func (p *Pipeline) EncodeOutbound(msg []byte) []byte {
	out := make([]byte, 2+4+len(msg))
	binary.LittleEndian.PutUint16(out[0:2], p.Version)
	binary.LittleEndian.PutUint32(out[2:6], uint32(len(msg)))
	copy(out[6:], msg)
	return out
}

// Feed appends newBytes to the pipeline's reassembly buffer and returns
// every complete message that can now be extracted. mismatch is true if a
// unit's version tag did not match p.Version; the sender must report -1 to
// the peer (per the versioning fiber's contract) and the connection is no
// longer trustworthy to keep reading from, since a tag mismatch leaves the
// pipeline unable to locate the next unit boundary.
func (p *Pipeline) Feed(newBytes []byte) (msgs [][]byte, mismatch bool) {
	p.buf = append(p.buf, newBytes...)

	for {
		if len(p.buf) < 6 {
			break
		}
		tag := binary.LittleEndian.Uint16(p.buf[0:2])
		if tag != p.Version {
			return msgs, true
		}
		n := binary.LittleEndian.Uint32(p.buf[2:6])
		total := 6 + int(n)
		if len(p.buf) < total {
			break
		}
		msg := make([]byte, n)
		copy(msg, p.buf[6:total])
		msgs = append(msgs, msg)
		p.buf = p.buf[total:]
	}
	if len(p.buf) > 0 {
		compacted := make([]byte, len(p.buf))
		copy(compacted, p.buf)
		p.buf = compacted
	} else {
		p.buf = nil
	}
	return msgs, false
}
