// Package rtsptest provides an in-process RTSP camera for tests.
package rtsptest

import (
	"bufio"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/rtsp-reader/internal/rtsp"
	"github.com/bilbercode/rtsp-reader/internal/rtsp/transport"
)

const realm = "rtsptest"

// SPS and PPS announced in the description of the video track.
var (
	SPS = []byte{0x67, 0x42, 0x80, 0x14, 0xda, 0x05, 0x07, 0xe4}
	PPS = []byte{0x68, 0xce, 0x06, 0xe2}
)

type Options struct {
	// Path of the stream, defaults to /stream.
	Path string

	// When set, every request but OPTIONS must carry Digest credentials.
	Username string
	Password string

	// RejectUDP answers UDP SETUP requests with 461 Unsupported Transport.
	RejectUDP bool

	// RejectPlay answers PLAY with 453 Not Enough Bandwidth.
	RejectPlay bool

	// Audio adds a PCMU track after the H264 one.
	Audio bool

	// SessionTimeout is announced in the Session header, in seconds.
	SessionTimeout int
}

// Server is a fake camera streaming H264 (and optionally PCMU) on demand.
// Sessions are handed to the test once they are playing; the test decides
// what is sent.
type Server struct {
	opts     Options
	listener net.Listener
	log      *log.Entry
	nonce    string

	mu       sync.Mutex
	conns    map[*serverConn]struct{}
	requests []rtsp.Method
	closed   bool

	sessions chan *Session
	wg       sync.WaitGroup
}

// NewServer listens on a random local port.
func NewServer(opts Options) (*Server, error) {
	if opts.Path == "" {
		opts.Path = "/stream"
	}
	if opts.SessionTimeout == 0 {
		opts.SessionTimeout = 60
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	s := &Server{
		opts:     opts,
		listener: listener,
		log:      log.WithField("component", "rtsptest"),
		nonce:    strings.ReplaceAll(uuid.NewString(), "-", ""),
		conns:    make(map[*serverConn]struct{}),
		sessions: make(chan *Session, 16),
	}

	s.wg.Add(1)
	go s.accept()

	return s, nil
}

// URL returns the address of the stream, with credentials if configured.
func (s *Server) URL() string {
	u := url.URL{
		Scheme: "rtsp",
		Host:   s.listener.Addr().String(),
		Path:   s.opts.Path,
	}
	if s.opts.Username != "" {
		u.User = url.UserPassword(s.opts.Username, s.opts.Password)
	}
	return u.String()
}

// Sessions delivers each session once it has been played.
func (s *Server) Sessions() <-chan *Session {
	return s.sessions
}

// Requests returns the methods received so far, in order.
func (s *Server) Requests() []rtsp.Method {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rtsp.Method(nil), s.requests...)
}

// Close stops accepting connections and drops the existing ones.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.listener.Close()
	for _, c := range conns {
		c.close()
	}
	s.wg.Wait()
}

func (s *Server) accept() {
	defer s.wg.Done()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}

		c := &serverConn{
			server: s,
			nc:     nc,
			br:     bufio.NewReader(nc),
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			nc.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.run()

			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
		}()
	}
}

func (s *Server) record(m rtsp.Method) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, m)
}

func (s *Server) description(host string) ([]byte, error) {
	sprop := base64.StdEncoding.EncodeToString(SPS) + "," + base64.StdEncoding.EncodeToString(PPS)

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      0,
			SessionVersion: 0,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "rtsptest",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address: &sdp.Address{
				Address: "0.0.0.0",
			},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{},
			},
		},
		Attributes: []sdp.Attribute{
			{Key: "range", Value: "npt=now-"},
			{Key: "control", Value: "*"},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "video",
					Port:    sdp.RangedPort{Value: 0},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"96"},
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: "96 H264/90000"},
					{Key: "fmtp", Value: "96 packetization-mode=1;sprop-parameter-sets=" + sprop},
					{Key: "control", Value: "trackID=0"},
				},
			},
		},
	}

	if s.opts.Audio {
		desc.MediaDescriptions = append(desc.MediaDescriptions, &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: 0},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{"0"},
			},
			Attributes: []sdp.Attribute{
				{Key: "rtpmap", Value: "0 PCMU/8000"},
				{Key: "control", Value: "trackID=1"},
			},
		})
	}

	return desc.Marshal()
}

// authorized checks Digest credentials computed without qop.
func (s *Server) authorized(req *rtsp.Request) bool {
	if s.opts.Username == "" {
		return true
	}

	scheme, params, ok := strings.Cut(req.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Digest") {
		return false
	}

	values := make(map[string]string)
	for _, p := range strings.Split(params, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if ok {
			values[k] = strings.Trim(v, `"`)
		}
	}

	if values["username"] != s.opts.Username || values["nonce"] != s.nonce {
		return false
	}

	ha1 := md5Hex(s.opts.Username + ":" + realm + ":" + s.opts.Password)
	ha2 := md5Hex(string(req.Method) + ":" + values["uri"])
	return values["response"] == md5Hex(ha1+":"+s.nonce+":"+ha2)
}

func md5Hex(v string) string {
	sum := md5.Sum([]byte(v))
	return hex.EncodeToString(sum[:])
}

func trackIndex(rawURL string) (int, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, false
	}

	_, last := path.Split(u.Path)
	v, ok := strings.CutPrefix(last, "trackID=")
	if !ok {
		return 0, false
	}

	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

func response(code int, header http.Header) *rtsp.Response {
	if header == nil {
		header = http.Header{}
	}
	return &rtsp.Response{
		Code:   code,
		Header: header,
	}
}

func unsupportedTransport() *rtsp.Response {
	return &rtsp.Response{
		Code:    rtsp.StatusUnsupportedTransport,
		Message: rtsp.StatusUnsupportedTransportReason,
		Header:  http.Header{},
	}
}

func transportReply(t *serverTrack) string {
	var params []string
	if t.udp {
		params = append(params,
			"RTP/AVP",
			"unicast",
			transport.ClientPort{t.clientRTP.Port, t.clientRTP.Port + 1}.String(),
			transport.ServerPort{localPort(t.rtpConn), localPort(t.rtcpConn)}.String(),
		)
	} else {
		params = append(params,
			"RTP/AVP/TCP",
			"unicast",
			transport.Interleaved{t.channels[0], t.channels[1]}.String(),
		)
	}
	params = append(params, transport.SSRC(t.ssrc).String())
	return strings.Join(params, ";")
}
