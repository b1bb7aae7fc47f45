// Package metrics holds the prometheus collectors of the reader.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rtsp_reader"

var (
	PacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "rtp_packets_received",
		Namespace: namespace,
		Help:      "number of RTP packets received",
	}, []string{"media"})
	PacketsLost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "rtp_packets_lost",
		Namespace: namespace,
		Help:      "number of RTP packets never received",
	}, []string{"media"})
	PacketsMalformed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "rtp_packets_malformed",
		Namespace: namespace,
		Help:      "number of RTP/RTCP packets that could not be decoded",
	}, []string{"media"})
	UnitsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "access_units_decoded",
		Namespace: namespace,
		Help:      "number of access units reassembled",
	}, []string{"media"})
	UnitsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "access_units_evicted",
		Namespace: namespace,
		Help:      "number of access units dropped because the queue was full",
	})
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "reconnects",
		Namespace: namespace,
		Help:      "number of session restarts",
	})
	SessionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "session_errors",
		Namespace: namespace,
		Help:      "number of errors that ended a session",
	}, []string{"type"})
)
