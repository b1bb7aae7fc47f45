package rtsp

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/bilbercode/rtsp-reader/pkg/liberrors"
)

// readMessage reads the start line, the headers and the body of a RTSP message.
func readMessage(br *bufio.Reader) (string, http.Header, []byte, error) {
	reader := textproto.NewReader(br)

	line, err := reader.ReadLine()
	if err != nil {
		return "", nil, nil, err
	}

	mimeHeader, err := reader.ReadMIMEHeader()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return "", nil, nil, fmt.Errorf("failed to read RTSP headers: %w", err)
	}
	header := http.Header(mimeHeader)

	v := header.Get("Content-Length")
	if v == "" {
		return line, header, nil, nil
	}

	length, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || length < 0 {
		return "", nil, nil, fmt.Errorf("%w: invalid content-length %q", liberrors.ErrParse, v)
	}

	if length > maxBodySize {
		return "", nil, nil, fmt.Errorf("%w: content-length too large %d", liberrors.ErrParse, length)
	}

	if length == 0 {
		return line, header, nil, nil
	}

	body := make([]byte, length)
	if _, err = io.ReadFull(br, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return "", nil, nil, fmt.Errorf("failed to read body of RTSP: %w", err)
	}

	return line, header, body, nil
}

func writeMessage(w io.Writer, line string, header http.Header, body []byte) error {
	bw := bufio.NewWriter(w)
	writer := textproto.NewWriter(bw)

	if header == nil {
		header = http.Header{}
	}

	if len(body) > 0 {
		header.Set("Content-Length", strconv.Itoa(len(body)))
	}

	if _, err := fmt.Fprintf(writer.W, "%s\r\n", line); err != nil {
		return err
	}

	if err := header.Write(writer.W); err != nil {
		return err
	}

	if _, err := writer.W.WriteString("\r\n"); err != nil {
		return err
	}

	if len(body) > 0 {
		if _, err := writer.W.Write(body); err != nil {
			return err
		}
	}

	return bw.Flush()
}
