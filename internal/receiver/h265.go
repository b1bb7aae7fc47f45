package receiver

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/pion/rtp"

	"github.com/bilbercode/rtsp-reader/internal/track"
)

// h265Depacketizer implements RFC 7798 single NALU, AP and FU packets.
type h265Depacketizer struct {
	track *track.Track

	fragments     [][]byte
	fragmentsSize int

	nalus     [][]byte
	nalusSize int
}

func (d *h265Depacketizer) reset() {
	d.fragments = d.fragments[:0]
	d.fragmentsSize = 0
	d.nalus = nil
	d.nalusSize = 0
}

func (d *h265Depacketizer) decodeNALUs(pkt *rtp.Packet) ([][]byte, error) {
	if len(pkt.Payload) < 2 {
		return nil, fmt.Errorf("payload is too short")
	}

	typ := h265.NALUType((pkt.Payload[0] >> 1) & 0b111111)

	switch typ {
	case h265.NALUType_AggregationUnit:
		var nalus [][]byte
		payload := pkt.Payload[2:]

		for len(payload) > 0 {
			if len(payload) < 2 {
				return nil, fmt.Errorf("invalid aggregation unit (invalid size)")
			}

			size := int(payload[0])<<8 | int(payload[1])
			payload = payload[2:]

			if size == 0 || size > len(payload) {
				return nil, fmt.Errorf("invalid aggregation unit (invalid size)")
			}

			nalus = append(nalus, payload[:size])
			payload = payload[size:]
		}

		if nalus == nil {
			return nil, fmt.Errorf("aggregation unit doesn't contain any NALU")
		}

		return nalus, nil

	case h265.NALUType_FragmentationUnit:
		if len(pkt.Payload) < 3 {
			return nil, fmt.Errorf("payload is too short")
		}

		start := pkt.Payload[2] >> 7
		end := (pkt.Payload[2] >> 6) & 0x01

		if start == 1 {
			d.fragments = d.fragments[:0]

			if end != 0 {
				d.fragmentsSize = 0
				return nil, fmt.Errorf("invalid fragmentation unit (can't contain both a start and end bit)")
			}

			typ := pkt.Payload[2] & 0b111111
			head := uint16(pkt.Payload[0]&0b10000001)<<8 | uint16(typ)<<9 | uint16(pkt.Payload[1])
			d.fragmentsSize = len(pkt.Payload[1:])
			d.fragments = append(d.fragments, []byte{byte(head >> 8), byte(head)}, pkt.Payload[3:])

			return nil, errMorePacketsNeeded
		}

		if d.fragmentsSize == 0 {
			return nil, errNonStarting
		}

		d.fragmentsSize += len(pkt.Payload[3:])
		if d.fragmentsSize > maxUnitSize {
			d.reset()
			return nil, errUnitTooBig
		}

		d.fragments = append(d.fragments, pkt.Payload[3:])

		if end == 0 {
			return nil, errMorePacketsNeeded
		}

		nalu := joinFragments(d.fragments, d.fragmentsSize)
		d.fragments = d.fragments[:0]
		d.fragmentsSize = 0
		return [][]byte{nalu}, nil

	case h265.NALUType_PACI:
		return nil, fmt.Errorf("PACI packets are not supported")
	}

	return [][]byte{pkt.Payload}, nil
}

func (d *h265Depacketizer) decode(pkt *rtp.Packet) ([]byte, bool, error) {
	nalus, err := d.decodeNALUs(pkt)
	if err != nil {
		return nil, false, err
	}

	for _, nalu := range nalus {
		d.nalusSize += len(nalu)
	}

	if d.nalusSize > h265.MaxAccessUnitSize || len(d.nalus)+len(nalus) > h265.MaxNALUsPerAccessUnit {
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

	keyframe := h265.IsRandomAccess(au)

	hasParams := false
	for _, nalu := range au {
		if h265.NALUType((nalu[0]>>1)&0b111111) == h265.NALUType_SPS_NUT {
			hasParams = true
			break
		}
	}

	if keyframe && !hasParams && d.track.VPS != nil && d.track.SPS != nil && d.track.PPS != nil {
		au = append([][]byte{d.track.VPS, d.track.SPS, d.track.PPS}, au...)
	}

	// Annex-B framing is shared by both codecs
	annexb := h264.AnnexB(au)
	buf, err := annexb.Marshal()
	if err != nil {
		return nil, false, err
	}

	return buf, keyframe, nil
}
