package receiver

import (
	"errors"

	"github.com/pion/rtp"

	"github.com/bilbercode/rtsp-reader/internal/track"
)

// errMorePacketsNeeded is returned while an access unit is incomplete.
var errMorePacketsNeeded = errors.New("need more packets")

// depacketizer turns a sequence of RTP packets into access units.
// It keeps at most one unit in progress.
type depacketizer interface {
	// decode returns the payload of a completed unit and whether it is a keyframe.
	decode(pkt *rtp.Packet) ([]byte, bool, error)
	// reset discards the unit in progress.
	reset()
}

func newDepacketizer(t *track.Track) depacketizer {
	switch t.Codec {
	case track.CodecH264:
		return &h264Depacketizer{track: t}
	case track.CodecH265:
		return &h265Depacketizer{track: t}
	}

	if t.Media == track.MediaVideo {
		return &frameDepacketizer{}
	}

	return &packetDepacketizer{}
}

func joinFragments(fragments [][]byte, size int) []byte {
	ret := make([]byte, size)
	n := 0
	for _, p := range fragments {
		n += copy(ret[n:], p)
	}
	return ret
}

// frameDepacketizer accumulates payloads until the marker bit.
type frameDepacketizer struct {
	fragments [][]byte
	size      int
}

func (d *frameDepacketizer) decode(pkt *rtp.Packet) ([]byte, bool, error) {
	if d.size+len(pkt.Payload) > maxUnitSize {
		d.reset()
		return nil, false, errUnitTooBig
	}

	d.fragments = append(d.fragments, pkt.Payload)
	d.size += len(pkt.Payload)

	if !pkt.Marker {
		return nil, false, errMorePacketsNeeded
	}

	ret := joinFragments(d.fragments, d.size)
	d.reset()
	return ret, false, nil
}

func (d *frameDepacketizer) reset() {
	d.fragments = nil
	d.size = 0
}

// packetDepacketizer emits one unit per packet.
type packetDepacketizer struct{}

func (packetDepacketizer) decode(pkt *rtp.Packet) ([]byte, bool, error) {
	if len(pkt.Payload) == 0 {
		return nil, false, errEmptyPayload
	}

	return append([]byte(nil), pkt.Payload...), false, nil
}

func (packetDepacketizer) reset() {}
