// Package protocol owns the search request contract.
//
// Ownership boundary:
// - start line shape and operation descriptor parsing
// - descriptor formatting for clients
//
// Header, body and response framing live in protocol/frame.
package protocol
