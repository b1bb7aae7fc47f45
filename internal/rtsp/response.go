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

type Response struct {
	Version  string
	Code     int
	Message  string
	Sequence int
	Header   http.Header
	Body     []byte
}

func (r *Response) Write(w io.Writer) error {
	if r.Header == nil {
		r.Header = http.Header{}
	}

	version := r.Version
	if version == "" {
		version = protocolVersion
	}

	message := r.Message
	if message == "" {
		message = http.StatusText(r.Code)
	}

	r.Header.Set("CSeq", strconv.Itoa(r.Sequence))

	err := writeMessage(w, fmt.Sprintf("RTSP/%s %d %s", version, r.Code, message), r.Header, r.Body)
	if err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

// ReadResponse reads a response.
func ReadResponse(br *bufio.Reader) (*Response, error) {
	line, header, body, err := readMessage(br)
	if err != nil {
		return nil, err
	}

	return newResponse(line, header, body)
}

func newResponse(line string, header http.Header, body []byte) (*Response, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "RTSP/") {
		return nil, fmt.Errorf("%w: invalid response line %q", liberrors.ErrParse, line)
	}

	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 999 {
		return nil, fmt.Errorf("%w: invalid status code %q", liberrors.ErrParse, parts[1])
	}

	message := ""
	if len(parts) == 3 {
		message = parts[2]
	}

	seq, err := strconv.Atoi(strings.TrimSpace(header.Get("CSeq")))
	if err != nil {
		seq = -1
	}

	return &Response{
		Version:  strings.TrimPrefix(parts[0], "RTSP/"),
		Code:     code,
		Message:  message,
		Sequence: seq,
		Header:   header,
		Body:     body,
	}, nil
}

// IsSuccess reports whether the response carries a 2xx status code.
func (r *Response) IsSuccess() bool {
	return r.Code >= 200 && r.Code < 300
}

// StatusError converts a non-2xx response into an error.
func (r *Response) StatusError() error {
	return liberrors.ErrWrongStatusCode{Code: r.Code, Message: r.Message}
}
