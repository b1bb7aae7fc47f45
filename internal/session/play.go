package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bilbercode/rtsp-reader/internal/receiver"
	"github.com/bilbercode/rtsp-reader/internal/rtsp"
	"github.com/bilbercode/rtsp-reader/internal/rtsp/transport"
	"github.com/bilbercode/rtsp-reader/pkg/liberrors"
)

const (
	udpRTPBufferSize  = 0x10000
	udpRTCPBufferSize = 0x800
)

// Play starts the delivery of media. Access units are pushed to the sink
// until the session ends.
func (s *Session) Play(ctx context.Context) error {
	if err := s.transition(eventPlay); err != nil {
		return err
	}

	s.mu.Lock()
	medias := s.medias
	conn := s.conn
	protocol := s.protocol
	s.mu.Unlock()

	for _, m := range medias {
		write := func(buf []byte) error {
			return conn.WriteInterleavedFrame(&rtsp.InterleavedFrame{
				Channel: uint8(m.channels[1]),
				Payload: buf,
			})
		}
		if m.udp != nil {
			write = m.udp.writeRTCP
		}

		r, err := receiver.New(receiver.Config{
			Track:         m.track,
			SSRC:          m.ssrc,
			ReorderWindow: s.cfg.ReorderWindow,
			RTCPInterval:  s.cfg.RTCPInterval,
			Sink:          s.cfg.Sink,
			WriteRTCP:     write,
			Logger:        s.log,
		})
		if err != nil {
			return s.abort(err)
		}

		s.mu.Lock()
		m.receiver = r
		s.mu.Unlock()
	}

	g, gctx := errgroup.WithContext(s.ctx)

	if protocol == transport.ProtocolTCP {
		unsub := conn.SubscribeInterleavedFrames(s.onInterleavedFrame(medias))
		s.mu.Lock()
		s.unsub = unsub
		s.mu.Unlock()
	} else {
		for _, m := range medias {
			g.Go(func() error {
				return readLoop(m.udp.rtpConn, udpRTPBufferSize, func(buf []byte) {
					if err := m.receiver.ProcessRTP(buf, time.Now()); err != nil {
						s.log.WithError(err).Debug("dropping RTP packet")
					}
				})
			})
			g.Go(func() error {
				return readLoop(m.udp.rtcpConn, udpRTCPBufferSize, func(buf []byte) {
					s.processRTCP(m, buf)
				})
			})
		}
	}

	res, err := s.do(ctx, rtsp.MethodPlay, s.aggregateURL(), map[string]string{"Range": "npt=0.000-"})
	if err == nil && !res.IsSuccess() {
		err = res.StatusError()
		s.teardown(ctx)
	}
	if err != nil {
		s.fail(fmt.Errorf("%w: %w", liberrors.ErrPlay, err))
		_ = g.Wait()
		return s.err
	}

	for _, m := range medias {
		r := m.receiver
		g.Go(func() error {
			return r.Run(gctx)
		})
	}

	g.Go(func() error {
		return s.keepAlive(gctx)
	})
	g.Go(func() error {
		return s.watchdog(gctx, medias)
	})
	g.Go(func() error {
		select {
		case <-conn.Done():
			return conn.Err()
		case <-gctx.Done():
			return nil
		}
	})

	stopped := make(chan struct{})
	s.mu.Lock()
	s.stopped = stopped
	s.mu.Unlock()

	go func() {
		defer close(stopped)
		if err := g.Wait(); err != nil {
			s.fail(err)
		}
	}()

	s.log.Info("playing")
	return nil
}

func (s *Session) onInterleavedFrame(medias []*media) func(uint8, []byte) {
	return func(channel uint8, payload []byte) {
		for _, m := range medias {
			switch int(channel) {
			case m.channels[0]:
				if err := m.receiver.ProcessRTP(payload, time.Now()); err != nil {
					s.log.WithError(err).Debug("dropping RTP packet")
				}
				return
			case m.channels[1]:
				s.processRTCP(m, payload)
				return
			}
		}
	}
}

func (s *Session) processRTCP(m *media, buf []byte) {
	err := m.receiver.ProcessRTCP(buf, time.Now())
	switch {
	case errors.Is(err, receiver.ErrGoodbye):
		s.fail(fmt.Errorf("%w: %w", liberrors.ErrIO, err))
	case err != nil:
		s.log.WithError(err).Debug("dropping RTCP packet")
	}
}

func (s *Session) keepAliveInterval() time.Duration {
	if s.cfg.KeepAliveInterval > 0 {
		return s.cfg.KeepAliveInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout / 2
}

// keepAlive refreshes the session on the server until ctx ends.
func (s *Session) keepAlive(ctx context.Context) error {
	t := time.NewTicker(s.keepAliveInterval())
	defer t.Stop()

	method := rtsp.MethodOptions
	s.mu.Lock()
	if s.public[rtsp.MethodGetParameter] {
		method = rtsp.MethodGetParameter
	}
	s.mu.Unlock()

	for {
		select {
		case <-t.C:
			res, err := s.do(ctx, method, s.aggregateURL(), nil)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: keep-alive failed: %w", liberrors.ErrTimeout, err)
			}

			if res.Code == rtsp.StatusSessionNotFound {
				return fmt.Errorf("%w: keep-alive failed: %w", liberrors.ErrTimeout, res.StatusError())
			}
			if !res.IsSuccess() {
				s.log.WithField("code", res.Code).Warn("keep-alive rejected")
			}

		case <-ctx.Done():
			return nil
		}
	}
}

// watchdog ends the session when no RTP packet arrived for ReadTimeout.
func (s *Session) watchdog(ctx context.Context, medias []*media) error {
	started := time.Now()

	period := s.cfg.ReadTimeout / 4
	if period < 10*time.Millisecond {
		period = 10 * time.Millisecond
	}

	t := time.NewTicker(period)
	defer t.Stop()

	for {
		select {
		case now := <-t.C:
			last := started
			for _, m := range medias {
				if lp := m.receiver.LastPacket(); lp.After(last) {
					last = lp
				}
			}

			if idle := now.Sub(last); idle >= s.cfg.ReadTimeout {
				return fmt.Errorf("%w: %w for %s", liberrors.ErrIO, liberrors.ErrNoPackets, idle.Truncate(time.Millisecond))
			}

		case <-ctx.Done():
			return nil
		}
	}
}
