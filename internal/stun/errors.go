package stun

import "errors"

// Decoding errors.
var (
	ErrMalformedHeader    = errors.New("stun: malformed message header")
	ErrTruncatedAttribute = errors.New("stun: truncated attribute")
	ErrUnsupportedFamily  = errors.New("stun: unsupported address family")
	ErrIntegrityMismatch  = errors.New("stun: message integrity mismatch")
)
