package rtsp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/rtsp-reader/pkg/liberrors"
)

var ErrConnClosed = errors.New("connection closed")

const (
	defaultPort    = "554"
	defaultTLSPort = "322"
	readBufferSize = 4096
)

type client struct {
	sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	log    *log.Entry

	writeLock  sync.Mutex
	cseq       int
	rtspSocket net.Conn

	interleavedFrameSubscribers map[string]func(channel uint8, payload []byte)
	requestQueue                *requestQueue

	errOnce sync.Once
	err     error
}

type requestQueue struct {
	mu    sync.Mutex
	items map[int]func(response *Response)
}

// Dial connects to the server named by u and starts reading from it.
func Dial(ctx context.Context, u *url.URL, timeout time.Duration, logger *log.Entry) (Conn, error) {
	host := u.Host
	if u.Port() == "" {
		port := defaultPort
		if u.Scheme == "rtsps" {
			port = defaultTLSPort
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	dialer := &net.Dialer{Timeout: timeout}
	nc, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to dial endpoint %s: %w", liberrors.ErrConnect, host, err)
	}

	if u.Scheme == "rtsps" {
		nc = tls.Client(nc, &tls.Config{
			ServerName: u.Hostname(),
		})
	}

	return NewClient(nc, logger), nil
}

// NewClient wraps an established socket.
func NewClient(nc net.Conn, logger *log.Entry) Conn {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		ctx:                         ctx,
		cancel:                      cancel,
		log:                         logger.WithField("remote", nc.RemoteAddr().String()),
		rtspSocket:                  nc,
		requestQueue:                newRequestQueue(),
		interleavedFrameSubscribers: make(map[string]func(channel uint8, payload []byte)),
	}
	go c.readLoop()

	return c
}

func (c *client) Conn() net.Conn {
	return c.rtspSocket
}

// SendRequest assigns the next CSeq to the request, writes it and waits for
// the response carrying the same CSeq.
func (c *client) SendRequest(ctx context.Context, request *Request) (*Response, error) {
	if c.ctx.Err() != nil {
		return nil, c.Err()
	}

	done := make(chan *Response, 1)

	c.writeLock.Lock()
	c.cseq++
	request.Sequence = c.cseq
	err := c.requestQueue.Enqueue(request.Sequence, func(r *Response) {
		done <- r
	})
	if err == nil {
		if deadline, ok := ctx.Deadline(); ok {
			_ = c.rtspSocket.SetWriteDeadline(deadline)
		}
		err = request.Write(c.rtspSocket)
		// interleaved frames and replies share the socket
		_ = c.rtspSocket.SetWriteDeadline(time.Time{})
		if err != nil {
			c.requestQueue.Dequeue(request.Sequence)
			err = fmt.Errorf("%w: %w", liberrors.ErrIO, err)
		}
	}
	c.writeLock.Unlock()

	if err != nil {
		return nil, err
	}

	c.log.WithFields(log.Fields{
		"method": request.Method,
		"url":    request.Url,
		"cseq":   request.Sequence,
	}).Debug("request sent")

	select {
	case response := <-done:
		return response, nil

	case <-ctx.Done():
		c.requestQueue.Dequeue(request.Sequence)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: no response to %s", liberrors.ErrTimeout, request.Method)
		}
		return nil, ctx.Err()

	case <-c.ctx.Done():
		c.requestQueue.Dequeue(request.Sequence)
		return nil, c.Err()
	}
}

func (c *client) WriteInterleavedFrame(frame *InterleavedFrame) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if err := frame.Write(c.rtspSocket); err != nil {
		return fmt.Errorf("%w: failed to write interleaved frame: %w", liberrors.ErrIO, err)
	}
	return nil
}

func (c *client) SubscribeInterleavedFrames(h func(channel uint8, payload []byte)) func() {
	c.Lock()
	defer c.Unlock()
	id := uuid.NewString()
	c.interleavedFrameSubscribers[id] = h
	return func() {
		c.Lock()
		defer c.Unlock()
		delete(c.interleavedFrameSubscribers, id)
	}
}

func (c *client) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *client) Err() error {
	<-c.ctx.Done()
	return c.err
}

func (c *client) Close() error {
	c.fail(ErrConnClosed)
	return nil
}

// fail records the first error, then tears the socket down so that the read
// loop and any pending request return.
func (c *client) fail(err error) {
	c.errOnce.Do(func() {
		if errors.Is(err, ErrConnClosed) {
			c.err = err
		} else {
			c.err = fmt.Errorf("%w: %w", liberrors.ErrIO, err)
		}
		c.cancel()
		_ = c.rtspSocket.Close()
	})
}

func (c *client) readLoop() {
	br := bufio.NewReaderSize(c.rtspSocket, readBufferSize)

	for {
		first, err := br.Peek(1)
		if err != nil {
			c.fail(err)
			return
		}

		if first[0] == interleavedMagic {
			frame, err := ReadInterleavedFrame(br)
			if err != nil {
				c.fail(err)
				return
			}

			c.RLock()
			handlers := make([]func(uint8, []byte), 0, len(c.interleavedFrameSubscribers))
			for _, handler := range c.interleavedFrameSubscribers {
				handlers = append(handlers, handler)
			}
			c.RUnlock()

			for _, handler := range handlers {
				handler(frame.Channel, frame.Payload)
			}
			continue
		}

		line, header, body, err := readMessage(br)
		if err != nil {
			c.fail(err)
			return
		}

		if !strings.HasPrefix(line, "RTSP/") {
			c.answerServerRequest(line, header)
			continue
		}

		response, err := newResponse(line, header, body)
		if err != nil {
			c.log.WithError(err).Warn("discarding malformed response")
			continue
		}

		hf, ok := c.requestQueue.Dequeue(response.Sequence)
		if !ok {
			c.log.WithField("cseq", response.Sequence).Warn("discarding response with unexpected CSeq")
			continue
		}
		hf(response)
	}
}

// answerServerRequest replies to requests that some servers send on the
// control connection, usually as keep-alives of their own.
func (c *client) answerServerRequest(line string, header http.Header) {
	method, _, _ := strings.Cut(line, " ")
	c.log.WithField("method", method).Debug("request received from server")

	code := http.StatusOK
	switch Method(method) {
	case MethodOptions, MethodGetParameter, MethodSetParameter:
	default:
		code = http.StatusNotImplemented
	}

	seq := 0
	fmt.Sscanf(header.Get("CSeq"), "%d", &seq)

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	err := (&Response{Code: code, Sequence: seq}).Write(c.rtspSocket)
	if err != nil {
		c.log.WithError(err).Warn("failed to answer server request")
	}
}

func newRequestQueue() *requestQueue {
	return &requestQueue{
		items: make(map[int]func(response *Response)),
	}
}

func (r *requestQueue) Enqueue(key int, h func(response *Response)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[key]; ok {
		return errors.New("duplicate key")
	}
	r.items[key] = h
	return nil
}

func (r *requestQueue) Dequeue(key int) (func(response *Response), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.items[key]
	if !ok {
		return nil, false
	}
	delete(r.items, key)
	return h, true
}
