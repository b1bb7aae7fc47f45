package rtsp

import (
	"context"
	"net"
)

// Conn is the RTSP control connection. It owns the one TCP socket to the
// server; RTSP responses and interleaved frames are demultiplexed from it.
type Conn interface {
	SendRequest(ctx context.Context, request *Request) (*Response, error)
	SubscribeInterleavedFrames(h func(channel uint8, payload []byte)) func()
	WriteInterleavedFrame(frame *InterleavedFrame) error

	Conn() net.Conn

	Close() error
	Done() <-chan struct{}
	Err() error
}
