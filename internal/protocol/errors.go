package protocol

import "errors"

var (
	ErrNoMatch           = errors.New("protocol: start line does not match")
	ErrInvalidDescriptor = errors.New("protocol: invalid descriptor")
)
