package track

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/rtsp-reader/pkg/liberrors"
)

const MimeType = "application/sdp"

type staticPayload struct {
	codec     string
	clockRate int
	channels  int
}

// RFC 3551 payload types that may appear without rtpmap.
var staticPayloads = map[uint8]staticPayload{
	0:  {CodecPCMU, 8000, 1},
	8:  {CodecPCMA, 8000, 1},
	14: {CodecMPA, 90000, 0},
	26: {CodecJPEG, 90000, 0},
	32: {CodecMPV, 90000, 0},
}

// Parse parses the session description returned by DESCRIBE. base is the URL
// that relative control attributes are resolved against. Media sections that
// cannot be used are skipped; one track is returned per usable section, in
// the order of the description. Skipped sections are logged to logger, or
// to the standard logger when it is nil.
func Parse(base *url.URL, data []byte, logger *log.Entry) ([]*Track, error) {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty session description", liberrors.ErrNegotiation)
	}

	sessionDescription := &sdp.SessionDescription{}
	if err := sessionDescription.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("%w: %w: %v", liberrors.ErrNegotiation, liberrors.ErrParse, err)
	}

	if control, ok := sessionDescription.Attribute("control"); ok {
		base = resolveControl(base, control)
	}

	var tracks []*Track
	for i, md := range sessionDescription.MediaDescriptions {
		t, err := parseMedia(base, md)
		if err != nil {
			logger.WithError(err).WithFields(log.Fields{
				"index": i,
				"media": md.MediaName.Media,
			}).Warn("skipping media section")
			continue
		}
		tracks = append(tracks, t)
	}

	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no usable media in session description", liberrors.ErrNegotiation)
	}

	return tracks, nil
}

func parseMedia(base *url.URL, md *sdp.MediaDescription) (*Track, error) {
	t := &Track{
		Media:   MediaType(md.MediaName.Media),
		Control: base,
		Fmtp:    map[string]string{},
	}

	switch t.Media {
	case MediaVideo, MediaAudio:
	default:
		return nil, fmt.Errorf("unsupported media type %q", md.MediaName.Media)
	}

	if !isRTPProfile(md.MediaName.Protos) {
		return nil, fmt.Errorf("unsupported protocol %s", strings.Join(md.MediaName.Protos, "/"))
	}

	if len(md.MediaName.Formats) == 0 {
		return nil, fmt.Errorf("no payload type")
	}

	pt, err := strconv.ParseUint(md.MediaName.Formats[0], 10, 7)
	if err != nil {
		return nil, fmt.Errorf("invalid payload type %q", md.MediaName.Formats[0])
	}
	t.PayloadType = uint8(pt)

	if static, ok := staticPayloads[t.PayloadType]; ok {
		t.Codec = static.codec
		t.ClockRate = static.clockRate
		t.Channels = static.channels
	}

	prefix := md.MediaName.Formats[0] + " "

	for _, attr := range md.Attributes {
		switch attr.Key {
		case "rtpmap":
			if strings.HasPrefix(attr.Value, prefix) {
				if err := t.parseRtpmap(strings.TrimPrefix(attr.Value, prefix)); err != nil {
					return nil, err
				}
			}

		case "fmtp":
			if strings.HasPrefix(attr.Value, prefix) {
				t.parseFmtp(strings.TrimPrefix(attr.Value, prefix))
			}

		case "control":
			t.Control = resolveControl(base, attr.Value)
		}
	}

	if t.Codec == "" || t.ClockRate <= 0 {
		return nil, fmt.Errorf("missing rtpmap for payload type %d", t.PayloadType)
	}

	return t, nil
}

func isRTPProfile(protos []string) bool {
	if len(protos) < 2 {
		return false
	}
	return protos[0] == "RTP" && (protos[1] == "AVP" || protos[1] == "AVPF")
}

// parseRtpmap parses "H264/90000" or "mpeg4-generic/48000/2".
func (t *Track) parseRtpmap(v string) error {
	params := strings.Split(strings.TrimSpace(v), "/")
	if len(params) < 2 {
		return fmt.Errorf("invalid rtpmap %q", v)
	}

	clockRate, err := strconv.Atoi(params[1])
	if err != nil || clockRate <= 0 {
		return fmt.Errorf("invalid clock rate in rtpmap %q", v)
	}

	t.Codec = strings.ToUpper(params[0])
	t.ClockRate = clockRate
	t.Channels = 0

	if len(params) > 2 {
		if channels, err := strconv.Atoi(params[2]); err == nil {
			t.Channels = channels
		}
	}

	if t.Media == MediaAudio && t.Channels == 0 {
		t.Channels = 1
	}

	return nil
}

func (t *Track) parseFmtp(line string) {
	for line != "" {
		var pair string
		pair, line, _ = strings.Cut(line, ";")

		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}

		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		t.Fmtp[key] = value

		switch key {
		case "packetization-mode":
			if v, err := strconv.Atoi(value); err == nil {
				t.PacketizationMode = v
			}

		case "sprop-parameter-sets":
			sets := strings.Split(value, ",")
			if v, err := base64.StdEncoding.DecodeString(sets[0]); err == nil {
				t.SPS = v
			}
			if len(sets) > 1 {
				if v, err := base64.StdEncoding.DecodeString(sets[1]); err == nil {
					t.PPS = v
				}
			}

		case "sprop-vps":
			if v, err := base64.StdEncoding.DecodeString(value); err == nil {
				t.VPS = v
			}

		case "sprop-sps":
			if v, err := base64.StdEncoding.DecodeString(value); err == nil {
				t.SPS = v
			}

		case "sprop-pps":
			if v, err := base64.StdEncoding.DecodeString(value); err == nil {
				t.PPS = v
			}

		case "config":
			if v, err := hex.DecodeString(value); err == nil {
				t.Config = v
			}
		}
	}
}

// resolveControl resolves a control attribute against the base URL.
// Relative controls are appended to the base path, which is how cameras
// expect them even when the base has no trailing slash.
func resolveControl(base *url.URL, control string) *url.URL {
	control = strings.TrimSpace(control)

	if control == "" || control == "*" {
		return base
	}

	if u, err := url.Parse(control); err == nil && u.Scheme != "" {
		if u.User == nil && base != nil {
			u.User = base.User
		}
		return u
	}

	if base == nil {
		return nil
	}

	s := base.String()
	if !strings.HasSuffix(s, "/") {
		s += "/"
	}

	u, err := url.Parse(s + control)
	if err != nil {
		return base
	}
	return u
}
