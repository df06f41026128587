package keypool

import (
	"errors"
)

// Sentinel errors.
var (
	// ErrNoKeyAvailable means every key in the provider's pool is
	// exhausted, revoked or inactive, even after a lazy reset pass.
	ErrNoKeyAvailable = errors.New("keypool: no key available")

	// ErrUpstreamUnavailable is surfaced when rotation was attempted after
	// a failure and no replacement key could be found.
	ErrUpstreamUnavailable = errors.New("keypool: upstream unavailable")
)
