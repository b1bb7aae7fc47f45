package receiver

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilbercode/rtsp-reader/internal/track"
	"github.com/bilbercode/rtsp-reader/pkg/liberrors"
)

type sink struct {
	mu    sync.Mutex
	units []*track.AccessUnit
}

func (s *sink) Push(au *track.AccessUnit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units = append(s.units, au)
	return false
}

func h264Track() *track.Track {
	return &track.Track{
		Media:             track.MediaVideo,
		Codec:             track.CodecH264,
		PayloadType:       96,
		ClockRate:         90000,
		PacketizationMode: 1,
	}
}

func h265Track() *track.Track {
	return &track.Track{
		Media:       track.MediaVideo,
		Codec:       track.CodecH265,
		PayloadType: 96,
		ClockRate:   90000,
	}
}

func marshal(t *testing.T, seq uint16, ts uint32, marker bool, payload []byte) []byte {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           0x11223344,
			Marker:         marker,
		},
		Payload: payload,
	}

	buf, err := pkt.Marshal()
	require.NoError(t, err)
	return buf
}

func newTestReceiver(t *testing.T, tr *track.Track, window int) (*Receiver, *sink) {
	s := &sink{}
	r, err := New(Config{
		Track:         tr,
		ReorderWindow: window,
		Sink:          s,
	})
	require.NoError(t, err)
	return r, s
}

func seqs(pkts []*rtp.Packet) []uint16 {
	var ret []uint16
	for _, p := range pkts {
		ret = append(ret, p.SequenceNumber)
	}
	return ret
}

func TestReorderer_Wrap(t *testing.T) {
	r := newReorderer(16)

	for _, seq := range []uint16{65534, 65535, 0, 1} {
		out, lost, late := r.process(&rtp.Packet{Header: rtp.Header{SequenceNumber: seq}})
		assert.Equal(t, []uint16{seq}, seqs(out))
		assert.Equal(t, 0, lost)
		assert.False(t, late)
	}
}

func TestReorderer_OutOfOrder(t *testing.T) {
	r := newReorderer(16)

	out, _, _ := r.process(&rtp.Packet{Header: rtp.Header{SequenceNumber: 65535}})
	assert.Equal(t, []uint16{65535}, seqs(out))

	out, _, _ = r.process(&rtp.Packet{Header: rtp.Header{SequenceNumber: 1}})
	assert.Empty(t, out)

	out, lost, _ := r.process(&rtp.Packet{Header: rtp.Header{SequenceNumber: 0}})
	assert.Equal(t, []uint16{0, 1}, seqs(out))
	assert.Equal(t, 0, lost)

	// duplicate
	out, _, late := r.process(&rtp.Packet{Header: rtp.Header{SequenceNumber: 1}})
	assert.Empty(t, out)
	assert.True(t, late)
}

func TestReorderer_GapBeyondWindow(t *testing.T) {
	r := newReorderer(4)

	r.process(&rtp.Packet{Header: rtp.Header{SequenceNumber: 10}})

	out, _, _ := r.process(&rtp.Packet{Header: rtp.Header{SequenceNumber: 12}})
	assert.Empty(t, out)

	out, lost, _ := r.process(&rtp.Packet{Header: rtp.Header{SequenceNumber: 15}})
	assert.Equal(t, []uint16{12, 15}, seqs(out))
	assert.Equal(t, 3, lost)

	out, lost, _ = r.process(&rtp.Packet{Header: rtp.Header{SequenceNumber: 16}})
	assert.Equal(t, []uint16{16}, seqs(out))
	assert.Equal(t, 0, lost)
}

func TestSeqDiff(t *testing.T) {
	assert.Equal(t, 1, seqDiff(0, 65535))
	assert.Equal(t, -1, seqDiff(65535, 0))
	assert.Equal(t, 3, seqDiff(1, 65534))
	assert.Equal(t, 0, seqDiff(42, 42))
}

func TestReceiver_FUAReassembly(t *testing.T) {
	r, s := newTestReceiver(t, h264Track(), 0)
	now := time.Now()

	require.NoError(t, r.ProcessRTP(marshal(t, 100, 9000, false, []byte{0x7C, 0x85, 0xAA, 0xBB}), now))
	require.NoError(t, r.ProcessRTP(marshal(t, 101, 9000, false, []byte{0x7C, 0x05, 0xCC}), now))
	assert.Empty(t, s.units)
	require.NoError(t, r.ProcessRTP(marshal(t, 102, 9000, true, []byte{0x7C, 0x45, 0xDD}), now))

	require.Len(t, s.units, 1)
	au := s.units[0]
	assert.True(t, au.Keyframe)
	assert.Equal(t, uint32(9000), au.RTPTime)
	assert.Equal(t, time.Duration(0), au.PTS)
	assert.True(t, bytes.HasSuffix(au.Payload, []byte{0x65, 0xAA, 0xBB, 0xCC, 0xDD}))
	assert.True(t, bytes.HasPrefix(au.Payload, []byte{0x00, 0x00, 0x01}) ||
		bytes.HasPrefix(au.Payload, []byte{0x00, 0x00, 0x00, 0x01}))
}

func TestReceiver_STAPA(t *testing.T) {
	r, s := newTestReceiver(t, h264Track(), 0)

	payload := []byte{
		0x18,
		0x00, 0x02, 0x67, 0x42,
		0x00, 0x02, 0x68, 0xCE,
		0x00, 0x02, 0x65, 0x88,
	}
	require.NoError(t, r.ProcessRTP(marshal(t, 1, 0, true, payload), time.Now()))

	require.Len(t, s.units, 1)
	assert.True(t, s.units[0].Keyframe)
	for _, nalu := range [][]byte{{0x67, 0x42}, {0x68, 0xCE}, {0x65, 0x88}} {
		assert.True(t, bytes.Contains(s.units[0].Payload, nalu))
	}
}

func TestReceiver_PrependsParameterSets(t *testing.T) {
	tr := h264Track()
	tr.SPS = []byte{0x67, 0x42, 0x80, 0x14}
	tr.PPS = []byte{0x68, 0xCE, 0x06, 0xE2}
	r, s := newTestReceiver(t, tr, 0)

	require.NoError(t, r.ProcessRTP(marshal(t, 1, 0, true, []byte{0x65, 0x01}), time.Now()))
	require.NoError(t, r.ProcessRTP(marshal(t, 2, 3000, true, []byte{0x41, 0x02}), time.Now()))

	require.Len(t, s.units, 2)
	assert.True(t, bytes.Contains(s.units[0].Payload, tr.SPS))
	assert.True(t, bytes.Contains(s.units[0].Payload, tr.PPS))
	assert.False(t, s.units[1].Keyframe)
	assert.False(t, bytes.Contains(s.units[1].Payload, tr.SPS))
}

var (
	testVPS = []byte{0x40, 0x01, 0x0C, 0x01}
	testSPS = []byte{0x42, 0x01, 0x01, 0x01}
	testPPS = []byte{0x44, 0x01, 0xC1, 0x72}
)

func TestReceiver_H265AggregationUnit(t *testing.T) {
	r, s := newTestReceiver(t, h265Track(), 0)

	payload := []byte{0x60, 0x01}
	for _, nalu := range [][]byte{testVPS, testSPS, testPPS, {0x26, 0x01, 0xAF}} {
		payload = append(payload, 0x00, byte(len(nalu)))
		payload = append(payload, nalu...)
	}
	require.NoError(t, r.ProcessRTP(marshal(t, 1, 0, true, payload), time.Now()))

	require.Len(t, s.units, 1)
	au := s.units[0]
	assert.True(t, au.Keyframe)
	for _, nalu := range [][]byte{testVPS, testSPS, testPPS, {0x26, 0x01, 0xAF}} {
		assert.Equal(t, 1, bytes.Count(au.Payload, nalu))
	}

	// truncated size field
	require.NoError(t, r.ProcessRTP(marshal(t, 2, 3000, true, []byte{0x60, 0x01, 0x00, 0x09, 0x02}), time.Now()))
	assert.Len(t, s.units, 1)
}

func TestReceiver_H265FragmentationUnit(t *testing.T) {
	r, s := newTestReceiver(t, h265Track(), 0)
	now := time.Now()

	require.NoError(t, r.ProcessRTP(marshal(t, 10, 9000, false, []byte{0x62, 0x01, 0x93, 0xAA, 0xBB}), now))
	require.NoError(t, r.ProcessRTP(marshal(t, 11, 9000, false, []byte{0x62, 0x01, 0x13, 0xCC}), now))
	assert.Empty(t, s.units)
	require.NoError(t, r.ProcessRTP(marshal(t, 12, 9000, true, []byte{0x62, 0x01, 0x53, 0xDD}), now))

	require.Len(t, s.units, 1)
	au := s.units[0]
	assert.True(t, au.Keyframe)
	assert.True(t, bytes.HasSuffix(au.Payload, []byte{0x26, 0x01, 0xAA, 0xBB, 0xCC, 0xDD}))
}

func TestReceiver_H265FragmentationUnitStartAndEnd(t *testing.T) {
	r, s := newTestReceiver(t, h265Track(), 0)
	now := time.Now()

	require.NoError(t, r.ProcessRTP(marshal(t, 1, 0, true, []byte{0x62, 0x01, 0xD3, 0xAA}), now))
	require.NoError(t, r.ProcessRTP(marshal(t, 2, 0, true, []byte{0x62, 0x01, 0x53, 0xBB}), now))
	assert.Empty(t, s.units)

	require.NoError(t, r.ProcessRTP(marshal(t, 3, 3000, true, []byte{0x02, 0x01, 0xEE}), now))
	require.Len(t, s.units, 1)
	assert.False(t, s.units[0].Keyframe)
	assert.True(t, bytes.HasSuffix(s.units[0].Payload, []byte{0x02, 0x01, 0xEE}))
}

func TestReceiver_H265PrependsParameterSets(t *testing.T) {
	tr := h265Track()
	tr.VPS = testVPS
	tr.SPS = testSPS
	tr.PPS = testPPS
	r, s := newTestReceiver(t, tr, 0)

	require.NoError(t, r.ProcessRTP(marshal(t, 1, 0, true, []byte{0x26, 0x01, 0x01}), time.Now()))
	require.NoError(t, r.ProcessRTP(marshal(t, 2, 3000, true, []byte{0x02, 0x01, 0x02}), time.Now()))

	require.Len(t, s.units, 2)
	key := s.units[0].Payload
	assert.True(t, s.units[0].Keyframe)
	require.True(t, bytes.Contains(key, testVPS))
	assert.Less(t, bytes.Index(key, testVPS), bytes.Index(key, testSPS))
	assert.Less(t, bytes.Index(key, testSPS), bytes.Index(key, testPPS))
	assert.Less(t, bytes.Index(key, testPPS), bytes.Index(key, []byte{0x26, 0x01, 0x01}))

	assert.False(t, s.units[1].Keyframe)
	assert.False(t, bytes.Contains(s.units[1].Payload, testVPS))
}

func TestReceiver_LossDiscardsUnit(t *testing.T) {
	r, s := newTestReceiver(t, h264Track(), 4)
	now := time.Now()

	require.NoError(t, r.ProcessRTP(marshal(t, 10, 0, false, []byte{0x7C, 0x85, 0xAA}), now))
	// 11 is lost
	require.NoError(t, r.ProcessRTP(marshal(t, 12, 0, false, []byte{0x7C, 0x05, 0xBB}), now))
	require.NoError(t, r.ProcessRTP(marshal(t, 13, 0, true, []byte{0x7C, 0x45, 0xCC}), now))
	// 14 is lost
	require.NoError(t, r.ProcessRTP(marshal(t, 15, 3000, true, []byte{0x41, 0x01}), now))

	require.Len(t, s.units, 1)
	assert.False(t, s.units[0].Keyframe)
	assert.Equal(t, uint32(3000), s.units[0].RTPTime)

	stats := r.Stats()
	assert.Equal(t, uint64(2), stats.Lost)
	assert.Equal(t, uint64(1), stats.Units)

	report := r.report(now)
	require.NotNil(t, report)
	require.Len(t, report.Reports, 1)
	assert.Equal(t, uint32(2), report.Reports[0].TotalLost)
	assert.Equal(t, uint32(15), report.Reports[0].LastSequenceNumber)
	assert.Equal(t, uint8(2*256/6), report.Reports[0].FractionLost)
}

func TestReceiver_SequenceWrap(t *testing.T) {
	r, s := newTestReceiver(t, h264Track(), 0)

	ts := uint32(0)
	for _, seq := range []uint16{65534, 65535, 0, 1} {
		require.NoError(t, r.ProcessRTP(marshal(t, seq, ts, true, []byte{0x41, 0x00}), time.Now()))
		ts += 3000
	}

	require.Len(t, s.units, 4)
	for i, au := range s.units {
		assert.Equal(t, time.Duration(i)*time.Second/30, au.PTS)
	}

	stats := r.Stats()
	assert.Equal(t, uint64(0), stats.Lost)
	assert.Equal(t, uint64(4), stats.Received)

	report := r.report(time.Now())
	require.NotNil(t, report)
	assert.Equal(t, uint32(1<<16|1), report.Reports[0].LastSequenceNumber)
	assert.Equal(t, uint8(0), report.Reports[0].FractionLost)
}

func TestReceiver_Malformed(t *testing.T) {
	r, s := newTestReceiver(t, h264Track(), 0)
	now := time.Now()

	err := r.ProcessRTP([]byte{0x80}, now)
	assert.ErrorIs(t, err, liberrors.ErrParse)

	require.NoError(t, r.ProcessRTP(marshal(t, 1, 0, true, []byte{0x41, 0x00}), now))

	other := rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 2, SSRC: 0xDEADBEEF, Marker: true},
		Payload: []byte{0x41, 0x00},
	}
	buf, err := other.Marshal()
	require.NoError(t, err)
	assert.ErrorIs(t, r.ProcessRTP(buf, now), liberrors.ErrParse)

	wrongType := rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 97, SequenceNumber: 2, SSRC: 0x11223344, Marker: true},
		Payload: []byte{0x41, 0x00},
	}
	buf, err = wrongType.Marshal()
	require.NoError(t, err)
	assert.ErrorIs(t, r.ProcessRTP(buf, now), liberrors.ErrParse)

	stats := r.Stats()
	assert.Equal(t, uint64(3), stats.Malformed)
	assert.Equal(t, uint64(1), stats.Received)
	assert.Len(t, s.units, 1)
}

func TestReceiver_AnnouncedSSRC(t *testing.T) {
	s := &sink{}
	ssrc := uint32(0xCAFEBABE)
	r, err := New(Config{Track: h264Track(), SSRC: &ssrc, Sink: s})
	require.NoError(t, err)

	assert.ErrorIs(t, r.ProcessRTP(marshal(t, 1, 0, true, []byte{0x41, 0x00}), time.Now()), liberrors.ErrParse)
	assert.Empty(t, s.units)
}

func TestReceiver_Audio(t *testing.T) {
	tr := &track.Track{
		Media:       track.MediaAudio,
		Codec:       track.CodecPCMU,
		PayloadType: 96,
		ClockRate:   8000,
	}
	r, s := newTestReceiver(t, tr, 0)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.ProcessRTP(marshal(t, uint16(i), uint32(i*160), false, []byte{byte(i), 0xFF}), time.Now()))
	}

	require.Len(t, s.units, 3)
	assert.Equal(t, []byte{2, 0xFF}, s.units[2].Payload)
	assert.Equal(t, 40*time.Millisecond, s.units[2].PTS)
}

func TestReceiver_GenericVideo(t *testing.T) {
	tr := &track.Track{
		Media:       track.MediaVideo,
		Codec:       track.CodecJPEG,
		PayloadType: 96,
		ClockRate:   90000,
	}
	r, s := newTestReceiver(t, tr, 0)

	require.NoError(t, r.ProcessRTP(marshal(t, 1, 0, false, []byte{1, 2}), time.Now()))
	require.NoError(t, r.ProcessRTP(marshal(t, 2, 0, true, []byte{3}), time.Now()))

	require.Len(t, s.units, 1)
	assert.Equal(t, []byte{1, 2, 3}, s.units[0].Payload)
}

func TestReceiver_RTCP(t *testing.T) {
	r, _ := newTestReceiver(t, h264Track(), 0)
	now := time.Now()

	require.NoError(t, r.ProcessRTP(marshal(t, 1, 0, true, []byte{0x41, 0x00}), now))

	sr, err := (&rtcp.SenderReport{
		SSRC:    0x11223344,
		NTPTime: 0x0123456789ABCDEF,
		RTPTime: 0,
	}).Marshal()
	require.NoError(t, err)
	require.NoError(t, r.ProcessRTCP(sr, now))

	report := r.report(now.Add(time.Second))
	require.NotNil(t, report)
	assert.Equal(t, uint32(0x456789AB), report.Reports[0].LastSenderReport)
	assert.Equal(t, uint32(65536), report.Reports[0].Delay)
	assert.Equal(t, uint32(0x11223344), report.Reports[0].SSRC)

	bye, err := (&rtcp.Goodbye{Sources: []uint32{0x11223344}}).Marshal()
	require.NoError(t, err)
	assert.ErrorIs(t, r.ProcessRTCP(bye, now), ErrGoodbye)

	assert.ErrorIs(t, r.ProcessRTCP([]byte{0x01, 0x02}, now), liberrors.ErrParse)
}

func TestReceiver_ReportBeforePackets(t *testing.T) {
	r, _ := newTestReceiver(t, h264Track(), 0)
	assert.Nil(t, r.report(time.Now()))
}
