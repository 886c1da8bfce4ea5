// Package cache provides the key/value cache used to avoid redundant upstream calls.
//
// Two backends are available: Redis for shared deployments and an in-process LRU used
// when no Redis address is configured. Values are point-in-time snapshots; writers never
// coordinate and the last write wins.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Cache is the key/value contract consumed by the oracle, feed, attestation and prediction clients.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Increment(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

var (
	cacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gasguard_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"backend"},
	)
	cacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gasguard_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(cacheHitsTotal)
	prometheus.MustRegister(cacheMissesTotal)
}

// GetJSON loads key and decodes it into dst. found is false on a miss.
func GetJSON(ctx context.Context, c Cache, key string, dst any) (bool, error) {
	raw, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes value and stores it under key for ttl.
func SetJSON(ctx context.Context, c Cache, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	return c.Set(ctx, key, string(payload), ttl)
}
