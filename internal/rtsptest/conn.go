package rtsptest

import (
	"bufio"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/bilbercode/rtsp-reader/internal/rtsp"
	"github.com/bilbercode/rtsp-reader/internal/rtsp/transport"
)

type serverConn struct {
	server *Server
	nc     net.Conn
	br     *bufio.Reader

	writeMu sync.Mutex
	session *Session

	closeOnce sync.Once
}

func (c *serverConn) run() {
	defer c.close()

	for {
		first, err := c.br.Peek(1)
		if err != nil {
			return
		}

		if first[0] == '$' {
			frame, err := rtsp.ReadInterleavedFrame(c.br)
			if err != nil {
				return
			}
			if c.session != nil && frame.Channel%2 == 1 {
				c.session.countReports(frame.Payload)
			}
			continue
		}

		req, err := rtsp.ReadRequest(c.br)
		if err != nil {
			return
		}

		c.server.record(req.Method)
		res, played := c.handle(req)
		res.Sequence = req.Sequence

		if err := c.write(res.Write); err != nil {
			return
		}

		if played {
			select {
			case c.server.sessions <- c.session:
			default:
				c.server.log.Warn("session queue full")
			}
		}
	}
}

func (c *serverConn) write(fn func(w io.Writer) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return fn(c.nc)
}

func (c *serverConn) close() {
	c.closeOnce.Do(func() {
		c.nc.Close()
		if c.session != nil {
			c.session.release()
		}
	})
}

func (c *serverConn) handle(req *rtsp.Request) (*rtsp.Response, bool) {
	if req.Method != rtsp.MethodOptions && !c.server.authorized(req) {
		h := http.Header{}
		h.Set("WWW-Authenticate", fmt.Sprintf(`Digest realm="%s", nonce="%s"`, realm, c.server.nonce))
		return response(http.StatusUnauthorized, h), false
	}

	switch req.Method {
	case rtsp.MethodOptions:
		h := http.Header{}
		h.Set("Public", "OPTIONS, DESCRIBE, SETUP, PLAY, GET_PARAMETER, TEARDOWN")
		return response(http.StatusOK, h), false

	case rtsp.MethodDescribe:
		return c.handleDescribe(req), false

	case rtsp.MethodSetup:
		return c.handleSetup(req), false

	case rtsp.MethodPlay:
		if !c.sessionMatches(req) {
			return sessionNotFound(), false
		}
		if c.server.opts.RejectPlay {
			return &rtsp.Response{
				Code:    rtsp.StatusNotEnoughBandwidth,
				Message: rtsp.StatusNotEnoughBandwidthReason,
				Header:  http.Header{},
			}, false
		}
		h := http.Header{}
		h.Set("Session", c.session.ID)
		h.Set("Range", "npt=0.000-")
		return response(http.StatusOK, h), true

	case rtsp.MethodGetParameter:
		if !c.sessionMatches(req) {
			return sessionNotFound(), false
		}
		return response(http.StatusOK, nil), false

	case rtsp.MethodTeardown:
		if !c.sessionMatches(req) {
			return sessionNotFound(), false
		}
		c.session.release()
		return response(http.StatusOK, nil), false
	}

	return response(http.StatusNotImplemented, nil), false
}

func (c *serverConn) handleDescribe(req *rtsp.Request) *rtsp.Response {
	if !strings.HasSuffix(strings.TrimSuffix(req.Url, "/"), c.server.opts.Path) {
		return response(http.StatusNotFound, nil)
	}

	host, _, _ := net.SplitHostPort(c.nc.LocalAddr().String())
	body, err := c.server.description(host)
	if err != nil {
		return response(http.StatusInternalServerError, nil)
	}

	h := http.Header{}
	h.Set("Content-Type", "application/sdp")
	h.Set("Content-Base", strings.TrimSuffix(req.Url, "/")+"/")

	res := response(http.StatusOK, h)
	res.Body = body
	return res
}

func (c *serverConn) handleSetup(req *rtsp.Request) *rtsp.Response {
	index, ok := trackIndex(req.Url)
	if !ok || index > 1 || (index == 1 && !c.server.opts.Audio) {
		return response(http.StatusNotFound, nil)
	}

	th, err := transport.Parse(req.Header.Values("Transport"))
	if err != nil {
		return unsupportedTransport()
	}
	opt := th.Options()[0]

	if c.session != nil && !c.sessionMatches(req) {
		return sessionNotFound()
	}

	t := &serverTrack{
		payloadType: 96,
		ssrc:        rand.Uint32(),
		seq:         uint16(rand.IntN(0xFFFF)),
	}
	if index == 1 {
		t.payloadType = 0
	}

	switch opt.Protocol() {
	case transport.ProtocolUDP:
		cp, ok := opt.ClientPort()
		if c.server.opts.RejectUDP || !ok {
			return unsupportedTransport()
		}

		remote := c.nc.RemoteAddr().(*net.TCPAddr)
		t.udp = true
		t.clientRTP = &net.UDPAddr{IP: remote.IP, Port: cp[0]}
		t.clientRTCP = &net.UDPAddr{IP: remote.IP, Port: cp[1]}

		if t.rtpConn, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}); err != nil {
			return response(http.StatusInternalServerError, nil)
		}
		if t.rtcpConn, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}); err != nil {
			t.rtpConn.Close()
			return response(http.StatusInternalServerError, nil)
		}

	default:
		il, ok := opt.Interleaved()
		if !ok {
			il = transport.Interleaved{2 * index, 2*index + 1}
		}
		t.channels = [2]int(il)
	}

	if c.session == nil {
		c.session = &Session{
			ID:     strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
			conn:   c,
			tracks: make(map[int]*serverTrack),
		}
	}

	c.session.mu.Lock()
	c.session.tracks[index] = t
	c.session.mu.Unlock()

	if t.udp {
		go t.readReports(c.session)
	}

	h := http.Header{}
	h.Set("Session", c.session.ID+";timeout="+strconv.Itoa(c.server.opts.SessionTimeout))
	h.Set("Transport", transportReply(t))
	return response(http.StatusOK, h)
}

func (c *serverConn) sessionMatches(req *rtsp.Request) bool {
	if c.session == nil {
		return false
	}
	id, _ := rtsp.ParseSession(req.Header.Get("Session"))
	return id == c.session.ID
}

func sessionNotFound() *rtsp.Response {
	return &rtsp.Response{
		Code:    rtsp.StatusSessionNotFound,
		Message: rtsp.StatusSessionNotFoundReason,
		Header:  http.Header{},
	}
}

func localPort(c *net.UDPConn) int {
	return c.LocalAddr().(*net.UDPAddr).Port
}

type serverTrack struct {
	payloadType uint8
	ssrc        uint32
	seq         uint16
	timestamp   uint32

	udp        bool
	rtpConn    *net.UDPConn
	rtcpConn   *net.UDPConn
	clientRTP  *net.UDPAddr
	clientRTCP *net.UDPAddr

	channels [2]int
}

func (t *serverTrack) readReports(s *Session) {
	buf := make([]byte, 1500)
	for {
		n, _, err := t.rtcpConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		s.countReports(buf[:n])
	}
}

func (t *serverTrack) close() {
	if t.rtpConn != nil {
		t.rtpConn.Close()
	}
	if t.rtcpConn != nil {
		t.rtcpConn.Close()
	}
}

// Session is a session played by a client.
type Session struct {
	ID   string
	conn *serverConn

	mu      sync.Mutex
	tracks  map[int]*serverTrack
	reports int
}

// Transport returns the lower transport negotiated for the first track.
func (s *Session) Transport() transport.Protocol {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tracks[0]; ok && t.udp {
		return transport.ProtocolUDP
	}
	return transport.ProtocolTCP
}

// WritePacket sends payload on a track. Sequence number, timestamp and SSRC
// are filled in; the timestamp advances by one 30fps frame after each marker.
func (s *Session) WritePacket(index int, payload []byte, marker bool) error {
	s.mu.Lock()
	t, ok := s.tracks[index]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("track %d is not set up", index)
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    t.payloadType,
			SequenceNumber: t.seq,
			Timestamp:      t.timestamp,
			SSRC:           t.ssrc,
			Marker:         marker,
		},
		Payload: payload,
	}
	t.seq++
	if marker {
		t.timestamp += 3000
	}
	s.mu.Unlock()

	return s.WriteRTP(index, pkt)
}

// WriteRTP sends a packet as is.
func (s *Session) WriteRTP(index int, pkt *rtp.Packet) error {
	buf, err := pkt.Marshal()
	if err != nil {
		return err
	}
	return s.write(index, 0, buf)
}

// WriteRTCP sends a RTCP packet on the control channel of a track.
func (s *Session) WriteRTCP(index int, pkt rtcp.Packet) error {
	buf, err := pkt.Marshal()
	if err != nil {
		return err
	}
	return s.write(index, 1, buf)
}

// SSRC returns the SSRC announced for a track.
func (s *Session) SSRC(index int) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tracks[index]; ok {
		return t.ssrc
	}
	return 0
}

func (s *Session) write(index, kind int, buf []byte) error {
	s.mu.Lock()
	t, ok := s.tracks[index]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("track %d is not set up", index)
	}

	if t.udp {
		conn, addr := t.rtpConn, t.clientRTP
		if kind == 1 {
			conn, addr = t.rtcpConn, t.clientRTCP
		}
		_, err := conn.WriteToUDP(buf, addr)
		return err
	}

	frame := &rtsp.InterleavedFrame{
		Channel: uint8(t.channels[kind]),
		Payload: buf,
	}
	return s.conn.write(frame.Write)
}

// ReceiverReports returns the number of RTCP receiver reports received.
func (s *Session) ReceiverReports() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports
}

func (s *Session) countReports(buf []byte) {
	pkts, err := rtcp.Unmarshal(buf)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pkt := range pkts {
		if _, ok := pkt.(*rtcp.ReceiverReport); ok {
			s.reports++
		}
	}
}

// Drop closes the control connection without a TEARDOWN, like a camera
// that reboots.
func (s *Session) Drop() {
	s.conn.close()
}

func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		t.close()
	}
}
