package frame

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	ErrLineTooLong          = errors.New("frame: line too long")
	ErrMalformedLine        = errors.New("frame: line not terminated by CRLF")
	ErrMalformedHeader      = errors.New("frame: malformed header line")
	ErrTooManyHeaders       = errors.New("frame: too many header lines")
	ErrInvalidContentLength = errors.New("frame: invalid content length")
	ErrBodyTooLarge         = errors.New("frame: body too large")
	ErrBufferTooLarge       = errors.New("frame: payload buffer too large")
	ErrTruncatedBody        = errors.New("frame: truncated body")
)

const HeaderContentLength = "Content-Length"

var crlf = []byte("\r\n")

// Limits constrains request decode memory use.
type Limits struct {
	MaxLineBytes   int
	MaxHeaders     int
	MaxBodyBytes   uint64
	MaxBufferBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxLineBytes:   8 * 1024,
		MaxHeaders:     100,
		MaxBodyBytes:   8 * 1024 * 1024,
		MaxBufferBytes: 64 * 1024 * 1024,
	}
}

// Header is one name/value pair from a header block, in wire order.
type Header struct {
	Name  string
	Value string
}

type Headers []Header

// Get returns the last value whose name matches case-insensitively, so a
// repeated header overrides earlier ones.
func (h Headers) Get(name string) (string, bool) {
	for k := len(h) - 1; k >= 0; k-- {
		if strings.EqualFold(h[k].Name, name) {
			return h[k].Value, true
		}
	}
	return "", false
}

// ContentLength returns the declared body length, 0 when absent.
func (h Headers) ContentLength() (uint64, error) {
	raw, ok := h.Get(HeaderContentLength)
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidContentLength, raw)
	}
	return n, nil
}

// ReadLine reads one CRLF-terminated line and returns it without the CRLF.
// maxBytes <= 0 disables the length check.
func ReadLine(r *bufio.Reader, maxBytes int) (string, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if maxBytes > 0 && len(line) > maxBytes+len(crlf) {
			return "", ErrLineTooLong
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	if !bytes.HasSuffix(line, crlf) {
		return "", ErrMalformedLine
	}
	return string(line[:len(line)-len(crlf)]), nil
}

// ParseHeaderLine splits line on its first colon. The name must be
// non-empty; the value may be empty.
func ParseHeaderLine(line string) (Header, error) {
	name, value, ok := strings.Cut(line, ":")
	value = strings.TrimLeft(value, " ")
	if !ok || name == "" {
		return Header{}, fmt.Errorf("%w: %q", ErrMalformedHeader, line)
	}
	return Header{Name: name, Value: value}, nil
}

// ReadHeaders reads header lines up to and including the empty line.
func ReadHeaders(r *bufio.Reader, limits Limits) (Headers, error) {
	var headers Headers
	for {
		line, err := ReadLine(r, limits.MaxLineBytes)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return headers, nil
		}
		if limits.MaxHeaders > 0 && len(headers) >= limits.MaxHeaders {
			return nil, ErrTooManyHeaders
		}
		hdr, err := ParseHeaderLine(line)
		if err != nil {
			return nil, err
		}
		headers = append(headers, hdr)
	}
}

// ReadPayload allocates a zeroed buffer of bufferLen bytes, or bodyLen when
// larger, and fills its first bodyLen bytes from r.
func ReadPayload(r io.Reader, bodyLen, bufferLen uint64, limits Limits) ([]byte, error) {
	if limits.MaxBodyBytes > 0 && bodyLen > limits.MaxBodyBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, bodyLen, limits.MaxBodyBytes)
	}
	n := max(bodyLen, bufferLen)
	if limits.MaxBufferBytes > 0 && n > limits.MaxBufferBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrBufferTooLarge, n, limits.MaxBufferBytes)
	}
	buf := make([]byte, n)
	if bodyLen == 0 {
		return buf, nil
	}
	if _, err := io.ReadFull(r, buf[:bodyLen]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrTruncatedBody
		}
		return nil, err
	}
	return buf, nil
}

// Rejectable reports whether err came from a request the peer can still be
// answered on with a bounded 400.
func Rejectable(err error) bool {
	return errors.Is(err, ErrLineTooLong) ||
		errors.Is(err, ErrMalformedLine) ||
		errors.Is(err, ErrMalformedHeader) ||
		errors.Is(err, ErrTooManyHeaders) ||
		errors.Is(err, ErrInvalidContentLength) ||
		errors.Is(err, ErrBodyTooLarge) ||
		errors.Is(err, ErrBufferTooLarge)
}
