// Package reader reads the media of a RTSP stream one access unit at a time.
//
// A Reader negotiates the session, keeps it alive and transparently
// reconnects when the server or the network fails. Access units are kept in a
// bounded queue; when the consumer falls behind the oldest units are dropped.
package reader

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/rtsp-reader/internal/metrics"
	"github.com/bilbercode/rtsp-reader/internal/queue"
	"github.com/bilbercode/rtsp-reader/internal/receiver"
	"github.com/bilbercode/rtsp-reader/internal/rtsp/transport"
	"github.com/bilbercode/rtsp-reader/internal/session"
	"github.com/bilbercode/rtsp-reader/internal/track"
	"github.com/bilbercode/rtsp-reader/pkg/liberrors"
)

type (
	AccessUnit = track.AccessUnit
	Track      = track.Track
	Stats      = receiver.Stats
	Transport  = session.Transport
)

const (
	TransportAuto = session.TransportAuto
	TransportUDP  = session.TransportUDP
	TransportTCP  = session.TransportTCP
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBackoff     = 500 * time.Millisecond
	DefaultMaxReconnectBackoff  = 10 * time.Second
)

type Config struct {
	// Transport defaults to TransportAuto: UDP first, TCP when UDP is refused
	// or delivers nothing.
	Transport Transport

	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	ReadTimeout       time.Duration
	KeepAliveInterval time.Duration

	QueueCapacity int

	// MaxReconnectAttempts is the number of consecutive failed attempts
	// after which reads fail. A negative value disables reconnection.
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
	MaxReconnectBackoff  time.Duration

	RTCPInterval  time.Duration
	ReorderWindow int
	UserAgent     string

	Logger *log.Entry
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = queue.DefaultCapacity
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = DefaultReconnectBackoff
	}
	if c.MaxReconnectBackoff <= 0 {
		c.MaxReconnectBackoff = DefaultMaxReconnectBackoff
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = session.DefaultRequestTimeout
	}
	if c.Logger == nil {
		c.Logger = log.NewEntry(log.StandardLogger())
	}
	return c
}

type Reader struct {
	cfg   Config
	url   *url.URL
	log   *log.Entry
	queue *queue.Queue

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	session *session.Session
	tracks  []*Track

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// Open negotiates a session with the server at rawURL and starts playback.
// Negotiation errors are returned here; faults during playback are handled by
// reconnecting.
func Open(ctx context.Context, rawURL string, cfg Config) (*Reader, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL: %w", liberrors.ErrConnect, err)
	}
	if u.Scheme != "rtsp" && u.Scheme != "rtsps" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", liberrors.ErrConnect, u.Scheme)
	}

	cfg = cfg.withDefaults()

	rctx, cancel := context.WithCancel(context.Background())
	r := &Reader{
		cfg:    cfg,
		url:    u,
		log:    cfg.Logger.WithField("host", u.Host),
		queue:  queue.New(cfg.QueueCapacity),
		ctx:    rctx,
		cancel: cancel,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}

	sess, err := r.start(ctx, cfg.Transport)
	if err != nil {
		cancel()
		return nil, err
	}

	go r.supervise(sess)

	return r, nil
}

// start opens, sets up and plays a new session.
func (r *Reader) start(ctx context.Context, t Transport) (*session.Session, error) {
	s := session.New(session.Config{
		URL:               r.url,
		Transport:         t,
		ConnectTimeout:    r.cfg.ConnectTimeout,
		RequestTimeout:    r.cfg.RequestTimeout,
		ReadTimeout:       r.cfg.ReadTimeout,
		KeepAliveInterval: r.cfg.KeepAliveInterval,
		RTCPInterval:      r.cfg.RTCPInterval,
		ReorderWindow:     r.cfg.ReorderWindow,
		UserAgent:         r.cfg.UserAgent,
		Sink:              r.queue,
		Logger:            r.log,
	})

	err := s.Open(ctx)
	if err == nil {
		err = s.Setup(ctx)
	}
	if err == nil {
		err = s.Play(ctx)
	}
	if err != nil {
		_ = s.Close(context.Background())
		return nil, err
	}

	r.mu.Lock()
	r.session = s
	r.tracks = s.Tracks()
	r.mu.Unlock()

	return s, nil
}

// supervise replaces failed sessions until reconnection attempts run out or
// the reader is closed.
func (r *Reader) supervise(sess *session.Session) {
	defer close(r.done)

	mode := r.cfg.Transport
	failures := 0

	for {
		select {
		case <-sess.Done():
		case <-r.ctx.Done():
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RequestTimeout)
			_ = sess.Close(ctx)
			cancel()
			return
		}

		cause := sess.Err()
		if delivered(sess) {
			failures = 0
		}
		if errors.Is(cause, liberrors.ErrNoPackets) && sess.Protocol() == transport.ProtocolUDP &&
			r.cfg.Transport == TransportAuto {
			r.log.Info("no packets received over UDP, switching to TCP")
			mode = TransportTCP
		}
		_ = sess.Close(context.Background())

		for {
			if r.cfg.MaxReconnectAttempts < 0 || failures >= r.cfg.MaxReconnectAttempts {
				r.log.WithError(cause).Error("giving up on stream")
				r.queue.Close(fmt.Errorf("%w: %w", liberrors.ErrRead, cause))
				return
			}
			failures++

			delay := r.backoff(failures)
			r.log.WithError(cause).WithFields(log.Fields{
				"attempt":  failures,
				"delay":    delay,
				"buffered": r.queue.Len(),
			}).Warn("reconnecting")

			select {
			case <-time.After(delay):
			case <-r.ctx.Done():
				return
			}

			metrics.Reconnects.Inc()

			var err error
			sess, err = r.start(r.ctx, mode)
			if err == nil {
				r.log.Info("reconnected")
				break
			}
			if r.ctx.Err() != nil {
				return
			}
			cause = err
		}
	}
}

func (r *Reader) backoff(attempt int) time.Duration {
	d := r.cfg.ReconnectBackoff
	for i := 1; i < attempt && d < r.cfg.MaxReconnectBackoff; i++ {
		d *= 2
	}
	if d > r.cfg.MaxReconnectBackoff {
		d = r.cfg.MaxReconnectBackoff
	}
	return d
}

// delivered reports whether the session received any media.
func delivered(s *session.Session) bool {
	for _, st := range s.Stats() {
		if st.Received > 0 {
			return true
		}
	}
	return false
}

// Read blocks until the next access unit and returns its payload.
func (r *Reader) Read() ([]byte, error) {
	au, err := r.ReadUnit(context.Background())
	if err != nil {
		return nil, err
	}
	return au.Payload, nil
}

// ReadUnit blocks until the next access unit, ctx ends or the reader fails.
// After Close it returns liberrors.ErrStreamClosed; once reconnection
// attempts are exhausted it returns an error wrapping liberrors.ErrRead.
func (r *Reader) ReadUnit(ctx context.Context) (*AccessUnit, error) {
	select {
	case <-r.closed:
		return nil, liberrors.ErrStreamClosed
	default:
	}

	au, err := r.queue.Pop(ctx)
	if err != nil {
		select {
		case <-r.closed:
			return nil, liberrors.ErrStreamClosed
		default:
		}
		return nil, err
	}
	return au, nil
}

// Tracks returns the tracks of the current session.
func (r *Reader) Tracks() []*Track {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracks
}

// Stats returns the reception counters of the current session.
func (r *Reader) Stats() []Stats {
	r.mu.Lock()
	s := r.session
	r.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.Stats()
}

// Close tears the session down and wakes blocked reads. It can be called
// more than once and from any goroutine.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.queue.Close(liberrors.ErrStreamClosed)
		r.cancel()
		<-r.done
	})
	return nil
}
