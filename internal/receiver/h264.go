package receiver

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pion/rtp"

	"github.com/bilbercode/rtsp-reader/internal/track"
)

const maxUnitSize = h264.MaxAccessUnitSize

var (
	errUnitTooBig   = fmt.Errorf("access unit is bigger than %d bytes", maxUnitSize)
	errEmptyPayload = errors.New("payload is empty")
	errNonStarting  = errors.New("non-starting fragment without a previous start")
)

// h264Depacketizer implements RFC 6184 single NALU, STAP-A and FU-A packets.
type h264Depacketizer struct {
	track *track.Track

	fragments     [][]byte
	fragmentsSize int

	nalus     [][]byte
	nalusSize int
}

func (d *h264Depacketizer) reset() {
	d.fragments = d.fragments[:0]
	d.fragmentsSize = 0
	d.nalus = nil
	d.nalusSize = 0
}

func (d *h264Depacketizer) decodeNALUs(pkt *rtp.Packet) ([][]byte, error) {
	if len(pkt.Payload) < 1 {
		return nil, errEmptyPayload
	}

	typ := h264.NALUType(pkt.Payload[0] & 0x1F)

	switch typ {
	case h264.NALUTypeFUA:
		if len(pkt.Payload) < 2 {
			return nil, fmt.Errorf("invalid FU-A packet (invalid size)")
		}

		start := pkt.Payload[1] >> 7
		end := (pkt.Payload[1] >> 6) & 0x01

		if start == 1 {
			// a new start drops any unfinished fragment
			d.fragments = d.fragments[:0]

			nri := (pkt.Payload[0] >> 5) & 0x03
			typ := pkt.Payload[1] & 0x1F
			d.fragmentsSize = len(pkt.Payload[1:])
			d.fragments = append(d.fragments, []byte{(nri << 5) | typ}, pkt.Payload[2:])

			// some cameras send small NALUs in a single FU with both bits set
			if end == 0 {
				return nil, errMorePacketsNeeded
			}
		} else {
			if d.fragmentsSize == 0 {
				return nil, errNonStarting
			}

			d.fragmentsSize += len(pkt.Payload[2:])
			if d.fragmentsSize > maxUnitSize {
				d.reset()
				return nil, errUnitTooBig
			}

			d.fragments = append(d.fragments, pkt.Payload[2:])

			if end == 0 {
				return nil, errMorePacketsNeeded
			}
		}

		nalu := joinFragments(d.fragments, d.fragmentsSize)
		d.fragments = d.fragments[:0]
		d.fragmentsSize = 0
		return [][]byte{nalu}, nil

	case h264.NALUTypeSTAPA:
		var nalus [][]byte
		payload := pkt.Payload[1:]

		for len(payload) > 0 {
			if len(payload) < 2 {
				return nil, fmt.Errorf("invalid STAP-A packet (invalid size)")
			}

			size := int(payload[0])<<8 | int(payload[1])
			payload = payload[2:]

			// padding
			if size == 0 {
				break
			}

			if size > len(payload) {
				return nil, fmt.Errorf("invalid STAP-A packet (invalid size)")
			}

			nalus = append(nalus, payload[:size])
			payload = payload[size:]
		}

		if nalus == nil {
			return nil, fmt.Errorf("STAP-A packet doesn't contain any NALU")
		}

		return nalus, nil

	case h264.NALUTypeSTAPB, h264.NALUTypeMTAP16, h264.NALUTypeMTAP24, h264.NALUTypeFUB:
		return nil, fmt.Errorf("packet type not supported (%v)", typ)
	}

	return [][]byte{pkt.Payload}, nil
}

func (d *h264Depacketizer) decode(pkt *rtp.Packet) ([]byte, bool, error) {
	nalus, err := d.decodeNALUs(pkt)
	if err != nil {
		return nil, false, err
	}

	for _, nalu := range nalus {
		d.nalusSize += len(nalu)
	}

	if d.nalusSize > maxUnitSize || len(d.nalus)+len(nalus) > h264.MaxNALUsPerAccessUnit {
		d.reset()
		return nil, false, errUnitTooBig
	}

	d.nalus = append(d.nalus, nalus...)

	if !pkt.Marker {
		return nil, false, errMorePacketsNeeded
	}

	au := d.nalus
	d.nalus = nil
	d.nalusSize = 0

	keyframe := false
	hasParams := false
	for _, nalu := range au {
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeIDR:
			keyframe = true
		case h264.NALUTypeSPS:
			hasParams = true
		}
	}

	// out-of-band parameters from the SDP are prepended to keyframes
	if keyframe && !hasParams && d.track.SPS != nil && d.track.PPS != nil {
		au = append([][]byte{d.track.SPS, d.track.PPS}, au...)
	}

	annexb := h264.AnnexB(au)
	buf, err := annexb.Marshal()
	if err != nil {
		return nil, false, err
	}

	return buf, keyframe, nil
}
