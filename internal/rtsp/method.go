package rtsp

type Method string

const (
	MethodOptions      Method = "OPTIONS"
	MethodDescribe     Method = "DESCRIBE"
	MethodSetup        Method = "SETUP"
	MethodPlay         Method = "PLAY"
	MethodTeardown     Method = "TEARDOWN"
	MethodGetParameter Method = "GET_PARAMETER"
	MethodSetParameter Method = "SET_PARAMETER"
)

func (m Method) String() string {
	return string(m)
}

// RTSP status codes that are not shared with HTTP.
const (
	StatusNotEnoughBandwidth         = 453
	StatusSessionNotFound            = 454
	StatusUnsupportedTransport       = 461
	StatusNotEnoughBandwidthReason   = "Not Enough Bandwidth"
	StatusSessionNotFoundReason      = "Session Not Found"
	StatusUnsupportedTransportReason = "Unsupported Transport"
)

const (
	protocolVersion = "1.0"
	maxBodySize     = 128 * 1024
)
