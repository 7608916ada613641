package quant

import "errors"

// Every kernel entry point validates its inputs and reports one of these
// sentinel errors (wrapped with detail) before any computation starts.
// Nothing in this package retries; the caller owns any retry policy.
var (
	ErrShape           = errors.New("quant: shape mismatch")
	ErrUnsupportedBits = errors.New("quant: unsupported bit width")
	ErrGroupShape      = errors.New("quant: group size does not divide channel count")
	ErrRouting         = errors.New("quant: invalid routing metadata")
	ErrWorkspace       = errors.New("quant: workspace too small")
	ErrConfig          = errors.New("quant: unsupported configuration")
)
