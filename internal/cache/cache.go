// Package cache provides an in-process TTL cache used to bound how often the
// gateway hits its stores on the hot path.
package cache

import (
	"context"
	"time"
)

// Cache is a keyed store with per-entry expiry.
type Cache[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	Set(ctx context.Context, key string, value V, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
