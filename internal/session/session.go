// Package session drives one RTSP session with a server: description,
// setup of the tracks, playback and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/rtsp-reader/internal/metrics"
	"github.com/bilbercode/rtsp-reader/internal/receiver"
	"github.com/bilbercode/rtsp-reader/internal/rtsp"
	"github.com/bilbercode/rtsp-reader/internal/rtsp/transport"
	"github.com/bilbercode/rtsp-reader/internal/track"
	"github.com/bilbercode/rtsp-reader/pkg/liberrors"
)

// Transport selects how media is received.
type Transport int

const (
	// TransportAuto tries UDP first and falls back to TCP.
	TransportAuto Transport = iota
	TransportUDP
	TransportTCP
)

func (t Transport) String() string {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportTCP:
		return "tcp"
	}
	return "auto"
}

const (
	StateDisconnected = "disconnected"
	StateDescribing   = "describing"
	StateReady        = "ready"
	StateSettingUp    = "setting_up"
	StatePlaying      = "playing"
	StateTearingDown  = "tearing_down"
	StateError        = "error"
)

const (
	eventDescribe  = "describe"
	eventDescribed = "described"
	eventSetup     = "setup"
	eventPlay      = "play"
	eventTeardown  = "teardown"
	eventFail      = "fail"
	eventClosed    = "closed"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultReadTimeout    = 10 * time.Second
	DefaultUserAgent      = "rtsp-reader"
)

type Config struct {
	URL       *url.URL
	Transport Transport

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	// ReadTimeout is the longest time without RTP packets before the
	// session is ended.
	ReadTimeout time.Duration
	// KeepAliveInterval overrides half the session timeout.
	KeepAliveInterval time.Duration

	RTCPInterval  time.Duration
	ReorderWindow int
	UserAgent     string

	Sink   receiver.Sink
	Logger *log.Entry
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Logger == nil {
		c.Logger = log.NewEntry(log.StandardLogger())
	}
	return c
}

// Session is a single use RTSP session. Once it fails or is closed a new one
// has to be opened.
type Session struct {
	cfg Config
	log *log.Entry
	fsm *fsm.FSM

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conn     rtsp.Conn
	auth     rtsp.Auth
	public   map[rtsp.Method]bool
	baseURL  *url.URL
	tracks   []*track.Track
	id       string
	timeout  time.Duration
	protocol transport.Protocol
	medias   []*media
	unsub    func()

	stopped   chan struct{}
	closeOnce sync.Once

	errOnce sync.Once
	err     error
	done    chan struct{}
}

func New(cfg Config) *Session {
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		log:     cfg.Logger.WithField("url", requestURL(cfg.URL)),
		ctx:     ctx,
		cancel:  cancel,
		public:  make(map[rtsp.Method]bool),
		timeout: rtsp.DefaultSessionTimeout,
		done:    make(chan struct{}),
	}

	s.fsm = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventDescribe, Src: []string{StateDisconnected}, Dst: StateDescribing},
			{Name: eventDescribed, Src: []string{StateDescribing}, Dst: StateReady},
			{Name: eventSetup, Src: []string{StateReady}, Dst: StateSettingUp},
			{Name: eventPlay, Src: []string{StateSettingUp}, Dst: StatePlaying},
			{Name: eventTeardown, Src: []string{StateReady, StateSettingUp, StatePlaying}, Dst: StateTearingDown},
			{Name: eventFail, Src: []string{StateDescribing, StateReady, StateSettingUp, StatePlaying, StateTearingDown}, Dst: StateError},
			{Name: eventClosed, Src: []string{StateDescribing, StateReady, StateSettingUp, StatePlaying, StateTearingDown, StateError}, Dst: StateDisconnected},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				s.log.WithFields(log.Fields{
					"from": e.Src,
					"to":   e.Dst,
				}).Debug("session state changed")
			},
		},
	)

	return s
}

// State returns the current state of the session.
func (s *Session) State() string {
	return s.fsm.Current()
}

func (s *Session) transition(event string) error {
	if err := s.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("invalid operation in state %s: %w", s.fsm.Current(), err)
	}
	return nil
}

// Open connects to the server and retrieves the description of the stream.
func (s *Session) Open(ctx context.Context) error {
	if err := s.transition(eventDescribe); err != nil {
		return err
	}

	conn, err := rtsp.Dial(ctx, s.cfg.URL, s.cfg.ConnectTimeout, s.log)
	if err != nil {
		return s.abort(err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	u := requestURL(s.cfg.URL)

	res, err := s.do(ctx, rtsp.MethodOptions, u, nil)
	if err != nil {
		return s.abort(err)
	}
	if res.IsSuccess() {
		s.parsePublic(res.Header.Get("Public"))
	} else {
		s.log.WithField("code", res.Code).Debug("OPTIONS not supported by server")
	}

	res, err = s.do(ctx, rtsp.MethodDescribe, u, map[string]string{"Accept": "application/sdp"})
	if err != nil {
		return s.abort(err)
	}
	if !res.IsSuccess() {
		return s.abort(fmt.Errorf("%w: %w", liberrors.ErrNegotiation, res.StatusError()))
	}

	base, err := baseURL(s.cfg.URL, res)
	if err != nil {
		return s.abort(fmt.Errorf("%w: %w", liberrors.ErrNegotiation, err))
	}

	tracks, err := track.Parse(base, res.Body, s.log)
	if err != nil {
		return s.abort(err)
	}

	selected := selectTracks(tracks)
	for _, t := range selected {
		s.log.WithField("track", t.String()).Info("track found")
	}

	s.mu.Lock()
	s.baseURL = base
	s.tracks = selected
	s.mu.Unlock()

	return s.transition(eventDescribed)
}

// selectTracks keeps the first video and the first audio track.
func selectTracks(tracks []*track.Track) []*track.Track {
	var video, audio *track.Track
	for _, t := range tracks {
		switch {
		case t.Media == track.MediaVideo && video == nil:
			video = t
		case t.Media == track.MediaAudio && audio == nil:
			audio = t
		}
	}

	var ret []*track.Track
	if video != nil {
		ret = append(ret, video)
	}
	if audio != nil {
		ret = append(ret, audio)
	}
	return ret
}

func (s *Session) parsePublic(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range strings.Split(v, ",") {
		m = strings.TrimSpace(m)
		if m != "" {
			s.public[rtsp.Method(strings.ToUpper(m))] = true
		}
	}
}

func (s *Session) Tracks() []*track.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks
}

// Protocol returns the negotiated lower transport, once the session is set up.
func (s *Session) Protocol() transport.Protocol {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocol
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Stats returns the reception counters of the playing tracks.
func (s *Session) Stats() []receiver.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ret []receiver.Stats
	for _, m := range s.medias {
		if m.receiver != nil {
			ret = append(ret, m.receiver.Stats())
		}
	}
	return ret
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the session, nil while it is running.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close tears the session down. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		conn, id := s.conn, s.id
		s.mu.Unlock()

		if s.fsm.Can(eventTeardown) && conn != nil && id != "" && s.Err() == nil {
			_ = s.transition(eventTeardown)
			s.teardown(ctx)
		}

		s.fail(liberrors.ErrStreamClosed)

		if s.stopped != nil {
			<-s.stopped
		}

		if s.fsm.Can(eventClosed) {
			_ = s.transition(eventClosed)
		}
	})

	return nil
}

// teardown sends a best effort TEARDOWN for the session, if one was created.
func (s *Session) teardown(ctx context.Context) {
	if s.ID() == "" {
		return
	}

	res, err := s.do(ctx, rtsp.MethodTeardown, s.aggregateURL(), nil)
	switch {
	case err != nil:
		s.log.WithError(err).Debug("TEARDOWN failed")
	case !res.IsSuccess():
		s.log.WithField("code", res.Code).Debug("TEARDOWN rejected")
	}
}

// abort ends a session that failed before playback and returns err.
func (s *Session) abort(err error) error {
	s.fail(err)
	return err
}

// fail records the first terminal error and releases every resource. It
// does not wait for the session goroutines.
func (s *Session) fail(err error) {
	s.errOnce.Do(func() {
		s.err = err

		if !errors.Is(err, liberrors.ErrStreamClosed) {
			s.log.WithError(err).Warn("session ended")
			metrics.SessionErrors.WithLabelValues(errorType(err)).Inc()
			if s.fsm.Can(eventFail) {
				_ = s.transition(eventFail)
			}
		}

		s.cancel()

		s.mu.Lock()
		conn, medias, unsub := s.conn, s.medias, s.unsub
		s.mu.Unlock()

		if unsub != nil {
			unsub()
		}
		for _, m := range medias {
			m.close()
		}
		if conn != nil {
			_ = conn.Close()
		}

		close(s.done)
	})
}

func errorType(err error) string {
	for _, e := range []struct {
		err  error
		name string
	}{
		{liberrors.ErrNoPackets, "no_packets"},
		{liberrors.ErrAuth, "auth"},
		{liberrors.ErrConnect, "connect"},
		{liberrors.ErrTimeout, "timeout"},
		{liberrors.ErrNegotiation, "negotiation"},
		{liberrors.ErrSetup, "setup"},
		{liberrors.ErrPlay, "play"},
		{liberrors.ErrIO, "io"},
	} {
		if errors.Is(err, e.err) {
			return e.name
		}
	}
	return "other"
}
