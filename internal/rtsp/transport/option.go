package transport

import "strings"

type option struct {
	unicast  bool
	protocol Protocol
	params   []Parameter
}

type header struct {
	options []Option
}

func (h *header) Options() []Option {
	return h.options
}

// NewUDP returns the option a client sends to receive RTP/RTCP on a port pair.
func NewUDP(rtpPort, rtcpPort int) Option {
	return &option{
		unicast:  true,
		protocol: ProtocolUDP,
		params:   []Parameter{ClientPort{rtpPort, rtcpPort}},
	}
}

// NewInterleaved returns the option a client sends to receive RTP/RTCP on
// the RTSP connection.
func NewInterleaved(rtpChannel, rtcpChannel int) Option {
	return &option{
		unicast:  true,
		protocol: ProtocolTCP,
		params:   []Parameter{Interleaved{rtpChannel, rtcpChannel}},
	}
}

func (o *option) Protocol() Protocol {
	return o.protocol
}

func (o *option) IsUnicast() bool {
	return o.unicast
}

func (o *option) Parameters() []Parameter {
	return o.params
}

func (o *option) Interleaved() (Interleaved, bool) {
	for _, param := range o.params {
		if v, ok := param.(Interleaved); ok {
			return v, true
		}
	}
	return Interleaved{}, false
}

func (o *option) ClientPort() (ClientPort, bool) {
	for _, param := range o.params {
		if v, ok := param.(ClientPort); ok {
			return v, true
		}
	}
	return ClientPort{}, false
}

func (o *option) ServerPort() (ServerPort, bool) {
	for _, param := range o.params {
		if v, ok := param.(ServerPort); ok {
			return v, true
		}
	}
	return ServerPort{}, false
}

func (o *option) Source() (Source, bool) {
	for _, param := range o.params {
		if v, ok := param.(Source); ok {
			return v, true
		}
	}
	return "", false
}

func (o *option) SSRC() (SSRC, bool) {
	for _, param := range o.params {
		if v, ok := param.(SSRC); ok {
			return v, true
		}
	}
	return 0, false
}

func (o *option) String() string {
	segments := []string{"RTP/AVP"}
	if o.protocol == ProtocolTCP {
		segments[0] += "/TCP"
	}

	if o.unicast {
		segments = append(segments, "unicast")
	} else {
		segments = append(segments, "multicast")
	}

	for _, param := range o.params {
		segments = append(segments, param.String())
	}

	return strings.Join(segments, ";")
}
