package rtsp

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/bilbercode/rtsp-reader/pkg/liberrors"
)

type Request struct {
	Version  string
	Url      string
	Sequence int
	Method   Method
	Header   http.Header
	Body     []byte
}

// Write writes the request, with its CSeq, to w in a single flush.
func (r *Request) Write(w io.Writer) error {
	if r.Header == nil {
		r.Header = http.Header{}
	}

	version := r.Version
	if version == "" {
		version = protocolVersion
	}

	r.Header.Set("CSeq", strconv.Itoa(r.Sequence))

	err := writeMessage(w, fmt.Sprintf("%s %s RTSP/%s", r.Method, r.Url, version), r.Header, r.Body)
	if err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}
	return nil
}

// ReadRequest reads a request. It is used by servers and by the test camera.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	line, header, body, err := readMessage(br)
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "RTSP/") {
		return nil, fmt.Errorf("%w: invalid request line %q", liberrors.ErrParse, line)
	}

	seq, _ := strconv.Atoi(strings.TrimSpace(header.Get("CSeq")))

	return &Request{
		Version:  strings.TrimPrefix(parts[2], "RTSP/"),
		Url:      parts[1],
		Sequence: seq,
		Method:   Method(parts[0]),
		Header:   header,
		Body:     body,
	}, nil
}
