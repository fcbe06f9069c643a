package search

import (
	"crypto/sha1"
	"math/big"
)

// Whitespace bytes used for window bits.
const (
	Space byte = 0x20
	Tab   byte = 0x09
)

var bitBytes = [2]byte{Space, Tab}

// Encode writes one byte per bit of i into window, bit 0 first.
func Encode(window []byte, i *big.Int) {
	for j := range window {
		window[j] = bitBytes[i.Bit(j)]
	}
}

// Digest hashes the whole payload buffer.
func Digest(buf []byte) [sha1.Size]byte {
	return sha1.Sum(buf)
}

// NewBuffer returns a zeroed buffer of max(len(body), offset+size) bytes
// with body copied to its start.
func NewBuffer(body []byte, offset, size uint64) []byte {
	n := max(uint64(len(body)), offset+size)
	buf := make([]byte, n)
	copy(buf, body)
	return buf
}
