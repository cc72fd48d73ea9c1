// Package errs names the error kinds shared by the TUIC and Trojan
// connection processors, so callers can branch with errors.Is instead of
// string matching.
package errs

import "errors"

var (
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrTruncated          = errors.New("truncated read")
	ErrUnknownUser        = errors.New("unknown user")
	ErrBadToken           = errors.New("bad token")
	ErrRateLimited        = errors.New("rate limited")
	ErrDeriveFailed       = errors.New("keying material derivation failed")
	ErrResolutionFailed   = errors.New("address resolution failed")
	ErrConnectFailed      = errors.New("upstream connect failed")
	ErrTimeout            = errors.New("timeout")
	ErrInvalidFragmentID  = errors.New("invalid fragment id")
	ErrSessionTooLarge    = errors.New("reassembly session too large")
	ErrUnexpectedCommand  = errors.New("unexpected command")
	ErrTransportClosed    = errors.New("transport closed")
)
