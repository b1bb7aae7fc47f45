package session

import (
	"context"
	"errors"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/rtsp-reader/internal/receiver"
	"github.com/bilbercode/rtsp-reader/internal/rtsp"
	"github.com/bilbercode/rtsp-reader/internal/rtsp/transport"
	"github.com/bilbercode/rtsp-reader/internal/track"
	"github.com/bilbercode/rtsp-reader/pkg/liberrors"
)

var errUnusableTransport = errors.New("unusable transport reply")

// media is a track that has been set up.
type media struct {
	track    *track.Track
	ssrc     *uint32
	udp      *udpPair
	channels [2]int
	receiver *receiver.Receiver
}

func (m *media) close() {
	if m.udp != nil {
		m.udp.close()
	}
}

// Setup sets up every selected track. With TransportAuto the first track is
// offered over UDP; if the server refuses it the session switches to TCP
// interleaving for all tracks.
func (s *Session) Setup(ctx context.Context) error {
	if err := s.transition(eventSetup); err != nil {
		return err
	}

	protocol := transport.ProtocolUDP
	if s.cfg.Transport == TransportTCP {
		protocol = transport.ProtocolTCP
	}

	tracks := s.Tracks()
	for i := 0; i < len(tracks); i++ {
		m, err := s.setupTrack(ctx, i, tracks[i], protocol)
		if err != nil {
			var status liberrors.ErrWrongStatusCode
			refused := errors.As(err, &status) || errors.Is(err, errUnusableTransport)

			if i == 0 && refused && protocol == transport.ProtocolUDP && s.cfg.Transport == TransportAuto {
				s.log.WithError(err).Info("UDP transport refused, switching to TCP")
				protocol = transport.ProtocolTCP
				i--
				continue
			}

			s.teardown(ctx)
			return s.abort(fmt.Errorf("%w: track %d: %w", liberrors.ErrSetup, i, err))
		}

		s.mu.Lock()
		s.medias = append(s.medias, m)
		s.protocol = protocol
		s.mu.Unlock()
	}

	s.log.WithFields(log.Fields{
		"session":   s.ID(),
		"transport": protocol,
	}).Info("tracks set up")

	return nil
}

func (s *Session) setupTrack(ctx context.Context, index int, t *track.Track, protocol transport.Protocol) (*media, error) {
	m := &media{track: t}

	var offer transport.Option
	if protocol == transport.ProtocolUDP {
		pair, err := listenUDPPair()
		if err != nil {
			return nil, err
		}
		m.udp = pair
		offer = transport.NewUDP(pair.ports())
	} else {
		m.channels = [2]int{2 * index, 2*index + 1}
		offer = transport.NewInterleaved(m.channels[0], m.channels[1])
	}

	res, err := s.do(ctx, rtsp.MethodSetup, requestURL(t.Control), map[string]string{
		"Transport": offer.String(),
	})
	if err == nil && !res.IsSuccess() {
		err = res.StatusError()
	}
	if err == nil {
		err = s.applySetupReply(m, protocol, res)
	}
	if err != nil {
		m.close()
		return nil, err
	}

	return m, nil
}

func (s *Session) applySetupReply(m *media, protocol transport.Protocol, res *rtsp.Response) error {
	th, err := transport.Parse(res.Header.Values("Transport"))
	if err != nil {
		return fmt.Errorf("%w: %w", errUnusableTransport, err)
	}

	opt := th.Options()[0]
	if opt.Protocol() != protocol {
		return fmt.Errorf("%w: requested %s, got %s", errUnusableTransport, protocol, opt.Protocol())
	}

	if protocol == transport.ProtocolUDP {
		if sp, ok := opt.ServerPort(); ok {
			ip := s.remoteIP()
			if src, ok := opt.Source(); ok {
				if parsed := net.ParseIP(string(src)); parsed != nil {
					ip = parsed
				}
			}
			m.udp.setServerRTCP(&net.UDPAddr{IP: ip, Port: sp[1]})
		}
	} else if il, ok := opt.Interleaved(); ok {
		m.channels = [2]int(il)
	}

	if ssrc, ok := opt.SSRC(); ok {
		v := uint32(ssrc)
		m.ssrc = &v
	}

	id, timeout := rtsp.ParseSession(res.Header.Get("Session"))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.id == "" {
		if id == "" {
			return fmt.Errorf("%w: missing Session header", errUnusableTransport)
		}
		s.id = id
		s.timeout = timeout
	}

	return nil
}

func (s *Session) remoteIP() net.IP {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	if addr, ok := s.conn.Conn().RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP
	}
	return nil
}
