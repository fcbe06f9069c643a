package protocol

import (
	"crypto/sha1"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"
)

const (
	Method  = "POST"
	Path    = "/api/v1/play"
	Version = "HTTP/1.1"

	// MaxPrefixNibbles is the longest prefix a SHA-1 digest can satisfy.
	MaxPrefixNibbles = 2 * sha1.Size
)

var startLinePattern = regexp.MustCompile(
	`^POST /api/v1/play\?prefix=([0-9a-f]*)&size=([0-9]+)&offset=([0-9]+)&start=([0-9a-f]+)&end=([0-9a-f]+) HTTP/1\.1$`,
)

// Descriptor is one parsed search operation.
type Descriptor struct {
	Prefix string
	Size   uint64
	Offset uint64
	Start  *big.Int
	End    *big.Int
}

// ParseStartLine matches line against the only accepted request shape.
// It returns ErrNoMatch when the shape differs and ErrInvalidDescriptor when
// the shape matches but a field cannot be used.
func ParseStartLine(line string) (Descriptor, error) {
	m := startLinePattern.FindStringSubmatch(line)
	if m == nil {
		return Descriptor{}, ErrNoMatch
	}

	prefix := m[1]
	if len(prefix) > MaxPrefixNibbles {
		return Descriptor{}, fmt.Errorf("%w: prefix has %d nibbles, max %d", ErrInvalidDescriptor, len(prefix), MaxPrefixNibbles)
	}
	size, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: size: %v", ErrInvalidDescriptor, err)
	}
	offset, err := strconv.ParseUint(m[3], 10, 64)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: offset: %v", ErrInvalidDescriptor, err)
	}
	if offset > math.MaxUint64-size {
		return Descriptor{}, fmt.Errorf("%w: offset+size overflows", ErrInvalidDescriptor)
	}
	start, ok := new(big.Int).SetString(m[4], 16)
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: start %q", ErrInvalidDescriptor, m[4])
	}
	end, ok := new(big.Int).SetString(m[5], 16)
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: end %q", ErrInvalidDescriptor, m[5])
	}

	return Descriptor{
		Prefix: prefix,
		Size:   size,
		Offset: offset,
		Start:  start,
		End:    end,
	}, nil
}

// WindowEnd is the first byte past the malleable window.
func (d Descriptor) WindowEnd() uint64 {
	return d.Offset + d.Size
}

// BufferLen sizes the payload buffer for a body of bodyLen bytes.
func (d Descriptor) BufferLen(bodyLen uint64) uint64 {
	return max(bodyLen, d.WindowEnd())
}

// StartLine renders d in the accepted request shape, without CRLF.
func (d Descriptor) StartLine() string {
	return fmt.Sprintf(
		"%s %s?prefix=%s&size=%d&offset=%d&start=%s&end=%s %s",
		Method,
		Path,
		d.Prefix,
		d.Size,
		d.Offset,
		hexOrZero(d.Start),
		hexOrZero(d.End),
		Version,
	)
}

func hexOrZero(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.Text(16)
}
