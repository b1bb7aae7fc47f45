package rtsp

import (
	"bufio"
	"bytes"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilbercode/rtsp-reader/pkg/liberrors"
)

func TestRequest_Write(t *testing.T) {
	var buf bytes.Buffer

	req := &Request{
		Method:   MethodSetup,
		Url:      "rtsp://localhost:8554/test/trackID=1",
		Sequence: 3,
		Header: http.Header{
			"Transport": []string{"RTP/AVP/TCP;unicast;interleaved=0-1"},
		},
	}
	require.NoError(t, req.Write(&buf))

	s := buf.String()
	assert.True(t, strings.HasPrefix(s, "SETUP rtsp://localhost:8554/test/trackID=1 RTSP/1.0\r\n"))
	assert.Contains(t, s, "Cseq: 3\r\n")
	assert.Contains(t, s, "Transport: RTP/AVP/TCP;unicast;interleaved=0-1\r\n")
	assert.True(t, strings.HasSuffix(s, "\r\n\r\n"))

	parsed, err := ReadRequest(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, MethodSetup, parsed.Method)
	assert.Equal(t, 3, parsed.Sequence)
	assert.Equal(t, "1.0", parsed.Version)
}

func TestReadResponse(t *testing.T) {
	t.Run("with body", func(t *testing.T) {
		raw := "RTSP/1.0 200 OK\r\nCSeq: 2\r\nContent-Type: application/sdp\r\nContent-Length: 5\r\n\r\nv=0\r\n"
		res, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)))
		require.NoError(t, err)

		assert.Equal(t, 200, res.Code)
		assert.Equal(t, "OK", res.Message)
		assert.Equal(t, 2, res.Sequence)
		assert.Equal(t, []byte("v=0\r\n"), res.Body)
		assert.True(t, res.IsSuccess())
	})

	t.Run("reason with spaces", func(t *testing.T) {
		raw := "RTSP/1.0 461 Unsupported Transport\r\nCSeq: 4\r\n\r\n"
		res, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)))
		require.NoError(t, err)

		assert.Equal(t, StatusUnsupportedTransport, res.Code)
		assert.Equal(t, StatusUnsupportedTransportReason, res.Message)

		var statusErr liberrors.ErrWrongStatusCode
		assert.ErrorAs(t, res.StatusError(), &statusErr)
		assert.Equal(t, 461, statusErr.Code)
	})

	t.Run("invalid status line", func(t *testing.T) {
		raw := "HTTP/1.1 200 OK\r\n\r\n"
		_, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)))
		assert.ErrorIs(t, err, liberrors.ErrParse)
	})

	t.Run("body too large", func(t *testing.T) {
		raw := "RTSP/1.0 200 OK\r\nContent-Length: 999999999\r\n\r\n"
		_, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)))
		assert.ErrorIs(t, err, liberrors.ErrParse)
	})
}

func TestInterleavedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&InterleavedFrame{Channel: 3, Payload: []byte{0xde, 0xad}}).Write(&buf))
	assert.Equal(t, []byte{0x24, 0x03, 0x00, 0x02, 0xde, 0xad}, buf.Bytes())

	f, err := ReadInterleavedFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, uint8(3), f.Channel)
	assert.Equal(t, []byte{0xde, 0xad}, f.Payload)

	_, err = ReadInterleavedFrame(bufio.NewReader(bytes.NewReader([]byte{0x25, 0, 0, 0})))
	assert.ErrorIs(t, err, liberrors.ErrParse)
}

func TestParseSession(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		id      string
		timeout time.Duration
	}{
		{"plain", "12345678", "12345678", DefaultSessionTimeout},
		{"spaces", " 12345678 ", "12345678", DefaultSessionTimeout},
		{"with timeout", " 12345678 ; timeout=30", "12345678", 30 * time.Second},
		{"invalid timeout", "abc;timeout=x", "abc", DefaultSessionTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, timeout := ParseSession(tt.header)
			assert.Equal(t, tt.id, id)
			assert.Equal(t, tt.timeout, timeout)
		})
	}
}
