// Package search enumerates counters whose whitespace encoding, written into
// a window of a payload, gives a SHA-1 digest starting with a hex prefix.
//
// Bit j of the counter becomes byte offset+j of the payload: 0 is a space,
// 1 is a horizontal tab. Counters are arbitrary precision.
package search
