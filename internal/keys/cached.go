package keys

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/keygate/internal/cache"
)

// CachedStore fronts a Store with a short-lived in-process cache. Status,
// expiry and limit changes made elsewhere become visible within ttl.
// Concurrent misses for the same key share one store read.
type CachedStore struct {
	next  Store
	cache cache.Cache[Key]
	ttl   time.Duration
	sf    singleflight.Group
}

// NewCachedStore wraps next. A non-positive ttl disables caching but keeps
// request coalescing.
func NewCachedStore(next Store, c cache.Cache[Key], ttl time.Duration) *CachedStore {
	return &CachedStore{next: next, cache: c, ttl: ttl}
}

// LookupByHash implements Store.
func (s *CachedStore) LookupByHash(ctx context.Context, hash string) (Key, error) {
	return s.load(ctx, "h:"+hash, func(ctx context.Context) (Key, error) {
		return s.next.LookupByHash(ctx, hash)
	})
}

// GetKey implements Store.
func (s *CachedStore) GetKey(ctx context.Context, id string) (Key, error) {
	return s.load(ctx, "id:"+id, func(ctx context.Context) (Key, error) {
		return s.next.GetKey(ctx, id)
	})
}

// Invalidate drops cached entries for k.
func (s *CachedStore) Invalidate(ctx context.Context, k Key) {
	_ = s.cache.Delete(ctx, "h:"+k.SecretHash)
	_ = s.cache.Delete(ctx, "id:"+k.ID)
}

func (s *CachedStore) load(ctx context.Context, cacheKey string, fetch func(context.Context) (Key, error)) (Key, error) {
	if k, ok := s.cache.Get(ctx, cacheKey); ok {
		return k, nil
	}

	v, err, _ := s.sf.Do(cacheKey, func() (any, error) {
		k, err := fetch(ctx)
		if err != nil {
			return Key{}, err
		}
		_ = s.cache.Set(ctx, cacheKey, k, s.ttl)
		return k, nil
	})
	if err != nil {
		return Key{}, err
	}
	return v.(Key), nil
}
