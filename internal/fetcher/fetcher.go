// Package fetcher holds the single-attempt gas price sources consulted by the oracle.
// A source never caches and never retries; fallback is the oracle's job.
package fetcher

import (
	"context"

	"gasguard/internal/gas"
)

// GasSource retrieves one gas price observation from one upstream.
//
// Errors wrap gas.ErrUnreachable, gas.ErrRateLimited or gas.ErrMalformedResponse.
type GasSource interface {
	Name() string
	Fetch(ctx context.Context) (gas.Sample, error)
}

// Limiter gates calls to a rate-limited upstream.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}
