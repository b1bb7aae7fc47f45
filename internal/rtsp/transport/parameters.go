package transport

import (
	"fmt"
	"time"
)

type Destination string

func (p Destination) String() string {
	if p == "" {
		return "destination"
	}
	return "destination=" + string(p)
}

type Source string

func (p Source) String() string {
	return "source=" + string(p)
}

// Interleaved holds the RTP and RTCP channel ids.
type Interleaved [2]int

func (p Interleaved) String() string {
	return fmt.Sprintf("interleaved=%d-%d", p[0], p[1])
}

type Append string

func (p Append) String() string {
	return "append"
}

type TTL time.Duration

func (p TTL) String() string {
	return fmt.Sprintf("ttl=%d", time.Duration(p)/time.Second)
}

type Layers int

func (p Layers) String() string {
	return fmt.Sprintf("layers=%d", p)
}

// Port holds the RTP and RTCP multicast ports.
type Port [2]int

func (p Port) String() string {
	return fmt.Sprintf("port=%d-%d", p[0], p[1])
}

// ClientPort holds the RTP and RTCP ports of the client.
type ClientPort [2]int

func (p ClientPort) String() string {
	return fmt.Sprintf("client_port=%d-%d", p[0], p[1])
}

// ServerPort holds the RTP and RTCP ports of the server.
type ServerPort [2]int

func (p ServerPort) String() string {
	return fmt.Sprintf("server_port=%d-%d", p[0], p[1])
}

// SSRC is written as 8 hexadecimal digits.
type SSRC uint32

func (p SSRC) String() string {
	return "ssrc=" + fmt.Sprintf("%08X", uint32(p))
}

type Mode string

func (p Mode) String() string {
	return "mode=" + string(p)
}
