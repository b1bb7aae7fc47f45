// Package track describes the media streams of a RTSP session and the access
// units they produce.
package track

import (
	"fmt"
	"net/url"
	"time"
)

type MediaType string

const (
	MediaVideo MediaType = "video"
	MediaAudio MediaType = "audio"
)

// Codec names as they appear in rtpmap, upper-cased.
const (
	CodecH264  = "H264"
	CodecH265  = "H265"
	CodecMPEG4 = "MPEG4-GENERIC"
	CodecPCMU  = "PCMU"
	CodecPCMA  = "PCMA"
	CodecMPA   = "MPA"
	CodecJPEG  = "JPEG"
	CodecMPV   = "MPV"
	CodecOpus  = "OPUS"
)

// Track is a media stream announced by the server.
type Track struct {
	Media       MediaType
	Codec       string
	PayloadType uint8
	ClockRate   int
	Channels    int
	Control     *url.URL
	Fmtp        map[string]string

	// H264 and H265
	PacketizationMode int
	VPS               []byte
	SPS               []byte
	PPS               []byte

	// MPEG4-GENERIC
	Config []byte
}

func (t *Track) String() string {
	return fmt.Sprintf("%s %s/%d (pt %d)", t.Media, t.Codec, t.ClockRate, t.PayloadType)
}

// AccessUnit is one complete decodable unit of media, such as a video frame.
type AccessUnit struct {
	Track *Track

	// PTS is relative to the first packet received on the track.
	PTS     time.Duration
	RTPTime uint32

	// Payload is an Annex-B byte stream for H264 and H265, the raw RTP
	// payload otherwise.
	Payload  []byte
	Keyframe bool

	ReceivedAt time.Time
}
