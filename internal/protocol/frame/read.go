package frame

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	ErrMalformedStatus = errors.New("frame: malformed status line")
	ErrMalformedChunk  = errors.New("frame: malformed chunk")
)

// Response is a decoded response head plus its bounded body, if any.
type Response struct {
	Status  Status
	Headers Headers
	Chunked bool
	Body    []byte
}

// ParseStatusLine parses "HTTP/1.1 <code> <phrase>".
func ParseStatusLine(line string) (Status, error) {
	rest, ok := strings.CutPrefix(line, versionToken+" ")
	if !ok {
		return Status{}, fmt.Errorf("%w: %q", ErrMalformedStatus, line)
	}
	codeRaw, phrase, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeRaw)
	if err != nil || len(codeRaw) != 3 {
		return Status{}, fmt.Errorf("%w: %q", ErrMalformedStatus, line)
	}
	return Status{Code: code, Phrase: phrase}, nil
}

// ReadResponse decodes one response from r. A chunked body is delivered to
// onChunk as each chunk arrives and is not retained; a Content-Length body
// is returned in Response.Body.
func ReadResponse(r *bufio.Reader, limits Limits, onChunk func([]byte) error) (Response, error) {
	line, err := ReadLine(r, limits.MaxLineBytes)
	if err != nil {
		return Response{}, err
	}
	status, err := ParseStatusLine(line)
	if err != nil {
		return Response{}, err
	}
	headers, err := ReadHeaders(r, limits)
	if err != nil {
		return Response{}, err
	}
	resp := Response{Status: status, Headers: headers}

	if te, ok := headers.Get("Transfer-Encoding"); ok && strings.EqualFold(strings.TrimSpace(te), "chunked") {
		resp.Chunked = true
		return resp, readChunks(r, limits, onChunk)
	}

	n, err := headers.ContentLength()
	if err != nil {
		return Response{}, err
	}
	body, err := ReadPayload(r, n, 0, limits)
	if err != nil {
		return Response{}, err
	}
	resp.Body = body
	return resp, nil
}

func readChunks(r *bufio.Reader, limits Limits, onChunk func([]byte) error) error {
	for {
		line, err := ReadLine(r, limits.MaxLineBytes)
		if err != nil {
			return err
		}
		sizeRaw, _, _ := strings.Cut(line, ";")
		size, err := strconv.ParseUint(strings.TrimSpace(sizeRaw), 16, 64)
		if err != nil {
			return fmt.Errorf("%w: size %q", ErrMalformedChunk, line)
		}
		if size == 0 {
			// trailer section, then the final empty line
			for {
				trailer, err := ReadLine(r, limits.MaxLineBytes)
				if err != nil {
					return err
				}
				if trailer == "" {
					return nil
				}
			}
		}
		if limits.MaxBodyBytes > 0 && size > limits.MaxBodyBytes {
			return fmt.Errorf("%w: chunk of %d bytes", ErrBodyTooLarge, size)
		}
		chunk := make([]byte, size+uint64(len(crlf)))
		if _, err := io.ReadFull(r, chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if string(chunk[size:]) != string(crlf) {
			return fmt.Errorf("%w: missing CRLF after data", ErrMalformedChunk)
		}
		if onChunk != nil {
			if err := onChunk(chunk[:size]); err != nil {
				return err
			}
		}
	}
}
