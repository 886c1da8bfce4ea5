package gas

import "errors"

// Failure classes shared by every upstream client. Callers classify with errors.Is.
var (
	// ErrUnreachable covers network, RPC and timeout failures.
	ErrUnreachable = errors.New("upstream unreachable")
	// ErrRateLimited indicates the upstream (or the local limiter) refused the call.
	ErrRateLimited = errors.New("upstream rate limited")
	// ErrMalformedResponse indicates a payload that could not be interpreted.
	ErrMalformedResponse = errors.New("malformed upstream response")
	// ErrStalePrice is returned when a feed quote is older than the freshness bound.
	// It is never substituted with a fallback value.
	ErrStalePrice = errors.New("stale feed price")
	// ErrAttestationTimeout indicates an attestation stayed unverified for its whole attempt budget.
	ErrAttestationTimeout = errors.New("attestation timeout")
	// ErrStoreUnavailable wraps persistence failures.
	ErrStoreUnavailable = errors.New("store unavailable")
)
