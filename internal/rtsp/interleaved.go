package rtsp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bilbercode/rtsp-reader/pkg/liberrors"
)

const (
	interleavedMagic      = 0x24
	interleavedHeaderSize = 4
)

// InterleavedFrame is a RTP or RTCP packet carried on the RTSP connection.
// Even channels carry RTP, odd channels carry RTCP.
type InterleavedFrame struct {
	Channel uint8
	Payload []byte
}

// ReadInterleavedFrame reads a frame that starts with the '$' sentinel.
func ReadInterleavedFrame(br *bufio.Reader) (*InterleavedFrame, error) {
	var header [interleavedHeaderSize]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return nil, fmt.Errorf("failed to read interleaved frame header: %w", err)
	}

	if header[0] != interleavedMagic {
		return nil, fmt.Errorf("%w: invalid interleaved frame magic byte 0x%02x", liberrors.ErrParse, header[0])
	}

	length := binary.BigEndian.Uint16(header[2:])
	payload := make([]byte, length)
	if _, err := io.ReadFull(br, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read interleaved frame payload: %w", err)
	}

	return &InterleavedFrame{
		Channel: header[1],
		Payload: payload,
	}, nil
}

// Write writes the frame to w.
func (f *InterleavedFrame) Write(w io.Writer) error {
	if len(f.Payload) > 0xFFFF {
		return fmt.Errorf("interleaved payload too large (%d)", len(f.Payload))
	}

	buf := make([]byte, interleavedHeaderSize+len(f.Payload))
	buf[0] = interleavedMagic
	buf[1] = f.Channel
	binary.BigEndian.PutUint16(buf[2:], uint16(len(f.Payload)))
	copy(buf[interleavedHeaderSize:], f.Payload)

	_, err := w.Write(buf)
	return err
}
