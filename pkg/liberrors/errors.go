// Package liberrors contains the errors returned by the reader and its session layer.
package liberrors

import (
	"errors"
	"fmt"
)

var (
	// ErrConnect is returned when the server cannot be resolved or dialed.
	ErrConnect = errors.New("connect error")
	// ErrTimeout is returned when the server does not answer within the deadline.
	ErrTimeout = errors.New("timeout")
	// ErrAuth is returned when the credentials are rejected after a retry.
	ErrAuth = errors.New("authentication failed")
	// ErrNegotiation is returned when DESCRIBE fails or its SDP has no usable track.
	ErrNegotiation = errors.New("negotiation failed")
	// ErrSetup is returned when a track cannot be set up.
	ErrSetup = errors.New("setup failed")
	// ErrPlay is returned when the server rejects PLAY.
	ErrPlay = errors.New("play failed")
	// ErrIO is returned on a socket fault during the session.
	ErrIO = errors.New("i/o error")
	// ErrParse is returned on malformed RTSP, SDP or RTP data.
	ErrParse = errors.New("parse error")
	// ErrStreamClosed is returned by reads after Close.
	ErrStreamClosed = errors.New("stream closed")
	// ErrRead is returned by reads once reconnection attempts are exhausted.
	ErrRead = errors.New("read error")
	// ErrNoPackets is returned when no RTP packet arrived within the read timeout.
	ErrNoPackets = errors.New("no packets received")
)

// ErrWrongStatusCode is returned when the server answers with an unexpected status code.
type ErrWrongStatusCode struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e ErrWrongStatusCode) Error() string {
	return fmt.Sprintf("wrong status code: %d (%s)", e.Code, e.Message)
}
