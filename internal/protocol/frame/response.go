package frame

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// Status is a response status code and reason phrase.
type Status struct {
	Code   int
	Phrase string
}

var (
	StatusOK         = Status{Code: 200, Phrase: "OK"}
	StatusBadRequest = Status{Code: 400, Phrase: "Bad Request"}
	StatusNotFound   = Status{Code: 404, Phrase: "Not Found"}
)

func (s Status) String() string {
	return strconv.Itoa(s.Code) + " " + s.Phrase
}

// StatusBody is the bounded body sent with a non-streaming status.
func StatusBody(s Status) []byte {
	return []byte(strconv.Itoa(s.Code) + "\n")
}

// WriteBounded writes a complete response with a Content-Length header in a
// single Write.
func WriteBounded(w io.Writer, status Status, body []byte) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s\r\n%s: %d\r\n\r\n", versionToken, status, HeaderContentLength, len(body))
	buf.Write(body)
	_, err := w.Write(buf.Bytes())
	return err
}

const (
	versionToken     = "HTTP/1.1"
	streamHead       = versionToken + " 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"
	streamTerminator = "0\r\n\r\n"
)

// Stream writes an open-ended chunked 200 response. The status line is
// deferred until the first chunk so that a stream with no chunks leaves the
// connection free for a bounded response.
type Stream struct {
	w       io.Writer
	started bool
	chunks  int
	closed  bool
}

func NewStream(w io.Writer) *Stream {
	return &Stream{w: w}
}

// WriteChunk writes p as one chunk. Empty chunks are skipped since a zero
// length chunk terminates the stream.
func (s *Stream) WriteChunk(p []byte) error {
	if s.closed {
		return io.ErrClosedPipe
	}
	if len(p) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if !s.started {
		buf.WriteString(streamHead)
	}
	fmt.Fprintf(&buf, "%X\r\n", len(p))
	buf.Write(p)
	buf.Write(crlf)
	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return err
	}
	s.started = true
	s.chunks++
	return nil
}

// Started reports whether the status line has been written.
func (s *Stream) Started() bool {
	return s.started
}

func (s *Stream) Chunks() int {
	return s.chunks
}

// Close writes the terminating chunk when the stream was started.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.started {
		return nil
	}
	_, err := io.WriteString(s.w, streamTerminator)
	return err
}
