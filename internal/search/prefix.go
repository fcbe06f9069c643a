package search

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrPrefixTooLong = errors.New("search: prefix longer than digest")
	ErrInvalidPrefix = errors.New("search: prefix is not hex")
)

// Prefix is a digest prefix with nibble granularity. When the nibble count
// is odd the low nibble of the last byte is padding and never compared.
type Prefix struct {
	bytes []byte
	odd   bool
}

// ParsePrefix converts a big-endian hex nibble string into prefix bytes.
func ParsePrefix(nibbles string) (Prefix, error) {
	if len(nibbles) > 2*sha1.Size {
		return Prefix{}, fmt.Errorf("%w: %d nibbles", ErrPrefixTooLong, len(nibbles))
	}
	odd := len(nibbles)%2 == 1
	padded := nibbles
	if odd {
		padded += "0"
	}
	b, err := hex.DecodeString(padded)
	if err != nil {
		return Prefix{}, fmt.Errorf("%w: %v", ErrInvalidPrefix, err)
	}
	return Prefix{bytes: b, odd: odd}, nil
}

func (p Prefix) Bytes() []byte {
	return bytes.Clone(p.bytes)
}

func (p Prefix) Odd() bool {
	return p.odd
}

func (p Prefix) Nibbles() int {
	if p.odd {
		return 2*len(p.bytes) - 1
	}
	return 2 * len(p.bytes)
}

func (p Prefix) String() string {
	return hex.EncodeToString(p.bytes)[:p.Nibbles()]
}

// Match reports whether digest starts with p.
func (p Prefix) Match(digest []byte) bool {
	n := len(p.bytes)
	if n == 0 {
		return true
	}
	if n > len(digest) {
		return false
	}
	full := n
	if p.odd {
		full--
	}
	if !bytes.Equal(digest[:full], p.bytes[:full]) {
		return false
	}
	if p.odd {
		return digest[n-1]&0xf0 == p.bytes[n-1]
	}
	return true
}
