// Package receiver turns the RTP packets of one track into access units and
// reports reception quality back to the server with RTCP.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/rtsp-reader/internal/metrics"
	"github.com/bilbercode/rtsp-reader/internal/track"
	"github.com/bilbercode/rtsp-reader/pkg/liberrors"
)

// DefaultRTCPInterval is the period of receiver reports.
const DefaultRTCPInterval = 5 * time.Second

// ErrGoodbye is returned by ProcessRTCP when the sender left the session.
var ErrGoodbye = errors.New("RTCP goodbye received")

// Sink receives completed access units. Push must not block.
type Sink interface {
	Push(au *track.AccessUnit) bool
}

type Config struct {
	Track *track.Track

	// SSRC announced in the SETUP reply, if any. Otherwise the receiver locks
	// on the SSRC of the first packet.
	SSRC *uint32

	ReorderWindow int
	RTCPInterval  time.Duration

	Sink Sink

	// WriteRTCP sends a compound RTCP packet to the server.
	WriteRTCP func([]byte) error

	Logger *log.Entry
}

// Stats are reception counters of one track.
type Stats struct {
	RemoteSSRC uint32
	Received   uint64
	Lost       uint64
	Late       uint64
	Malformed  uint64
	Units      uint64
	Jitter     float64
}

type Receiver struct {
	track     *track.Track
	sink      Sink
	writeRTCP func([]byte) error
	interval  time.Duration
	logger    *log.Entry
	localSSRC uint32
	media     string

	mu sync.Mutex

	ssrcLocked bool
	remoteSSRC uint32
	reorderer  *reorderer
	depack     depacketizer
	timeDec    *timeDecoder

	// sequence tracking for receiver reports
	hasLastSeq   bool
	lastSeq      uint16
	seqCycles    uint16
	baseSeq      uint16
	expectedPrev uint32
	receivedPrev uint64

	lastRTPTime    uint32
	lastArrival    time.Time
	timeKnown      bool
	jitter         float64
	lastPacketTime time.Time

	srReceived bool
	srNTP      uint64
	srArrival  time.Time

	stats Stats
}

func New(cfg Config) (*Receiver, error) {
	if cfg.Track == nil {
		return nil, fmt.Errorf("missing track")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("missing sink")
	}

	interval := cfg.RTCPInterval
	if interval <= 0 {
		interval = DefaultRTCPInterval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	r := &Receiver{
		track:     cfg.Track,
		sink:      cfg.Sink,
		writeRTCP: cfg.WriteRTCP,
		interval:  interval,
		logger:    logger.WithField("track", cfg.Track.String()),
		localSSRC: rand.Uint32(),
		media:     string(cfg.Track.Media),
		reorderer: newReorderer(cfg.ReorderWindow),
		depack:    newDepacketizer(cfg.Track),
		timeDec:   newTimeDecoder(cfg.Track.ClockRate),
	}

	if cfg.SSRC != nil {
		r.ssrcLocked = true
		r.remoteSSRC = *cfg.SSRC
	}

	return r, nil
}

// ProcessRTP handles one RTP packet received at now. Invalid packets are
// counted and dropped; the returned error only describes why.
func (r *Receiver) ProcessRTP(buf []byte, now time.Time) error {
	// packets may wait in the reorder window, so they can't alias buf
	data := make([]byte, len(buf))
	copy(data, buf)

	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		r.malformed()
		return fmt.Errorf("%w: %w", liberrors.ErrParse, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if pkt.Version != 2 {
		r.malformedLocked()
		return fmt.Errorf("%w: unsupported RTP version %d", liberrors.ErrParse, pkt.Version)
	}

	if pkt.PayloadType != r.track.PayloadType {
		r.malformedLocked()
		return fmt.Errorf("%w: unexpected payload type %d", liberrors.ErrParse, pkt.PayloadType)
	}

	if !r.ssrcLocked {
		r.ssrcLocked = true
		r.remoteSSRC = pkt.SSRC
	} else if pkt.SSRC != r.remoteSSRC {
		r.malformedLocked()
		return fmt.Errorf("%w: unexpected SSRC %08X", liberrors.ErrParse, pkt.SSRC)
	}

	r.stats.Received++
	r.lastPacketTime = now
	metrics.PacketsReceived.WithLabelValues(r.media).Inc()

	pkts, lost, late := r.reorderer.process(&pkt)
	if late {
		r.stats.Late++
		return nil
	}

	if lost > 0 {
		r.stats.Lost += uint64(lost)
		metrics.PacketsLost.WithLabelValues(r.media).Add(float64(lost))
	}

	for _, p := range pkts {
		r.processOrdered(p, now)
	}

	return nil
}

func (r *Receiver) processOrdered(pkt *rtp.Packet, now time.Time) {
	if r.hasLastSeq {
		diff := seqDiff(pkt.SequenceNumber, r.lastSeq)

		// any gap invalidates the unit in progress
		if diff != 1 {
			r.depack.reset()
		}

		if pkt.SequenceNumber < r.lastSeq && diff > 0 {
			r.seqCycles++
		}
	} else {
		r.hasLastSeq = true
		r.baseSeq = pkt.SequenceNumber
	}
	r.lastSeq = pkt.SequenceNumber

	r.updateJitter(pkt.Timestamp, now)
	pts := r.timeDec.decode(pkt.Timestamp)

	payload, keyframe, err := r.depack.decode(pkt)
	if err != nil {
		if !errors.Is(err, errMorePacketsNeeded) && !errors.Is(err, errNonStarting) {
			r.logger.WithError(err).Debug("discarding access unit")
		}
		return
	}

	r.stats.Units++
	metrics.UnitsDecoded.WithLabelValues(r.media).Inc()

	r.sink.Push(&track.AccessUnit{
		Track:      r.track,
		PTS:        pts,
		RTPTime:    pkt.Timestamp,
		Payload:    payload,
		Keyframe:   keyframe,
		ReceivedAt: now,
	})
}

// https://tools.ietf.org/html/rfc3550#appendix-A.8
func (r *Receiver) updateJitter(ts uint32, now time.Time) {
	if r.timeKnown && r.track.ClockRate > 0 {
		d := now.Sub(r.lastArrival).Seconds()*float64(r.track.ClockRate) -
			(float64(ts) - float64(r.lastRTPTime))
		if d < 0 {
			d = -d
		}
		r.jitter += (d - r.jitter) / 16
	}

	r.timeKnown = true
	r.lastRTPTime = ts
	r.lastArrival = now
}

// ProcessRTCP handles a compound RTCP packet from the server. It returns
// ErrGoodbye when the sender of this track left.
func (r *Receiver) ProcessRTCP(buf []byte, now time.Time) error {
	pkts, err := rtcp.Unmarshal(buf)
	if err != nil {
		r.malformed()
		return fmt.Errorf("%w: %w", liberrors.ErrParse, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, pkt := range pkts {
		switch pkt := pkt.(type) {
		case *rtcp.SenderReport:
			if r.ssrcLocked && pkt.SSRC != r.remoteSSRC {
				continue
			}
			r.srReceived = true
			r.srNTP = pkt.NTPTime
			r.srArrival = now

		case *rtcp.Goodbye:
			for _, ssrc := range pkt.Sources {
				if !r.ssrcLocked || ssrc == r.remoteSSRC {
					return ErrGoodbye
				}
			}
		}
	}

	return nil
}

// Run writes a receiver report every interval until ctx ends.
func (r *Receiver) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			r.sendReport(time.Now())

		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Receiver) sendReport(now time.Time) {
	if r.writeRTCP == nil {
		return
	}

	report := r.report(now)
	if report == nil {
		return
	}

	buf, err := report.Marshal()
	if err != nil {
		r.logger.WithError(err).Warn("unable to marshal receiver report")
		return
	}

	if err := r.writeRTCP(buf); err != nil {
		r.logger.WithError(err).Debug("unable to send receiver report")
	}
}

func (r *Receiver) report(now time.Time) *rtcp.ReceiverReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasLastSeq {
		return nil
	}

	extHighest := uint32(r.seqCycles)<<16 | uint32(r.lastSeq)
	expected := extHighest - uint32(r.baseSeq) + 1

	expectedInterval := expected - r.expectedPrev
	receivedInterval := r.stats.Received - r.receivedPrev
	r.expectedPrev = expected
	r.receivedPrev = r.stats.Received

	var fraction uint8
	if expectedInterval > 0 && uint64(expectedInterval) > receivedInterval {
		lostInterval := uint64(expectedInterval) - receivedInterval
		fraction = uint8(lostInterval * 256 / uint64(expectedInterval))
	}

	totalLost := r.stats.Lost
	if totalLost > 0xFFFFFF {
		totalLost = 0xFFFFFF
	}

	rr := rtcp.ReceptionReport{
		SSRC:               r.remoteSSRC,
		LastSequenceNumber: extHighest,
		FractionLost:       fraction,
		TotalLost:          uint32(totalLost),
		Jitter:             uint32(r.jitter),
	}

	if r.srReceived {
		// middle 32 bits of the NTP timestamp
		rr.LastSenderReport = uint32(r.srNTP >> 16)
		// units of 1/65536 seconds
		rr.Delay = uint32(now.Sub(r.srArrival).Seconds() * 65536)
	}

	return &rtcp.ReceiverReport{
		SSRC:    r.localSSRC,
		Reports: []rtcp.ReceptionReport{rr},
	}
}

// LastPacket returns the arrival time of the most recent valid packet.
func (r *Receiver) LastPacket() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPacketTime
}

func (r *Receiver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.stats
	s.RemoteSSRC = r.remoteSSRC
	s.Jitter = r.jitter
	return s
}

func (r *Receiver) malformed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.malformedLocked()
}

func (r *Receiver) malformedLocked() {
	r.stats.Malformed++
	metrics.PacketsMalformed.WithLabelValues(r.media).Inc()
}
