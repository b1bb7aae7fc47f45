package transport

import "errors"

type Protocol string

const (
	ProtocolUDP Protocol = "UDP"
	ProtocolTCP Protocol = "TCP"
)

var (
	ErrUnsupportedTransport = errors.New("unsupported transport")
)

type Header interface {
	Options() []Option
}

type Option interface {
	IsUnicast() bool
	Protocol() Protocol
	Parameters() []Parameter
	String() string

	Interleaved() (Interleaved, bool)
	ClientPort() (ClientPort, bool)
	ServerPort() (ServerPort, bool)
	Source() (Source, bool)
	SSRC() (SSRC, bool)
}

type Parameter interface {
	String() string
}
