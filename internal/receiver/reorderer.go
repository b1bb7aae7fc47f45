package receiver

import (
	"github.com/pion/rtp"
)

// DefaultReorderWindow is the number of packets held back while waiting for a
// missing sequence number.
const DefaultReorderWindow = 16

// reorderer sorts packets by sequence number and removes duplicates.
// Sequence numbers are compared with 16-bit modular arithmetic, so the
// wrap from 65535 to 0 is transparent.
type reorderer struct {
	initialized   bool
	expected      uint16
	buffer        []*rtp.Packet
	absPos        int
	negativeCount int
}

func newReorderer(size int) *reorderer {
	if size <= 0 {
		size = DefaultReorderWindow
	}

	return &reorderer{
		buffer: make([]*rtp.Packet, size),
	}
}

// seqDiff returns a - b as a signed distance.
func seqDiff(a, b uint16) int {
	return int(int16(a - b))
}

// process returns the packets that can be released in order, the number of
// packets that were given up for lost, and whether pkt was dropped as late or
// duplicate.
func (r *reorderer) process(pkt *rtp.Packet) ([]*rtp.Packet, int, bool) {
	if !r.initialized {
		r.initialized = true
		r.expected = pkt.SequenceNumber + 1
		return []*rtp.Packet{pkt}, 0, false
	}

	relPos := seqDiff(pkt.SequenceNumber, r.expected)

	if relPos < 0 {
		r.negativeCount++

		// the sender restarted its sequence
		if r.negativeCount > len(r.buffer) {
			r.reset()
			r.expected = pkt.SequenceNumber + 1
			return []*rtp.Packet{pkt}, 0, false
		}

		return nil, 0, true
	}

	r.negativeCount = 0

	// gap larger than the window: release everything and skip the hole
	if relPos >= len(r.buffer) {
		var ret []*rtp.Packet
		for i := 0; i < len(r.buffer); i++ {
			p := (r.absPos + i) % len(r.buffer)
			if r.buffer[p] != nil {
				ret = append(ret, r.buffer[p])
				r.buffer[p] = nil
			}
		}

		lost := relPos - len(ret)
		ret = append(ret, pkt)
		r.absPos = 0
		r.expected = pkt.SequenceNumber + 1

		return ret, lost, false
	}

	if relPos != 0 {
		p := (r.absPos + relPos) % len(r.buffer)
		if r.buffer[p] != nil {
			return nil, 0, true
		}

		r.buffer[p] = pkt
		return nil, 0, false
	}

	ret := []*rtp.Packet{pkt}
	r.absPos = (r.absPos + 1) % len(r.buffer)

	for r.buffer[r.absPos] != nil {
		ret = append(ret, r.buffer[r.absPos])
		r.buffer[r.absPos] = nil
		r.absPos = (r.absPos + 1) % len(r.buffer)
	}

	r.expected = ret[len(ret)-1].SequenceNumber + 1

	return ret, 0, false
}

func (r *reorderer) reset() {
	for i := range r.buffer {
		r.buffer[i] = nil
	}
	r.absPos = 0
	r.negativeCount = 0
}
