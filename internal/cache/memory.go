package cache

import (
	"context"
	"sync"
	"time"
)

// memItem stores a cached value together with its expiry time.
type memItem[V any] struct {
	value     V
	expiresAt time.Time
}

// MemoryCache is an in-process cache with per-entry TTL.
//
// It is safe for concurrent use. A background goroutine periodically
// removes expired entries so the map does not grow without bound. Entries
// are never served past their TTL, which is what bounds staleness for the
// key lookups cached here.
type MemoryCache[V any] struct {
	mu    sync.RWMutex
	items map[string]memItem[V]

	now       func() time.Time
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryCache creates a MemoryCache and starts the background cleanup
// loop, which stops when ctx is cancelled or Close is called.
func NewMemoryCache[V any](ctx context.Context, sweep time.Duration) *MemoryCache[V] {
	if sweep <= 0 {
		sweep = 5 * time.Minute
	}
	c := &MemoryCache[V]{
		items: make(map[string]memItem[V]),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	go c.cleanup(ctx, sweep)
	return c
}

// Get returns the cached value for key. Expired entries are removed lazily.
func (c *MemoryCache[V]) Get(_ context.Context, key string) (V, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}

	if !c.now().Before(item.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.items[key]; ok && cur.expiresAt.Equal(item.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return zero, false
	}

	return item.value, true
}

// Set stores value under key for ttl. A non-positive ttl is a no-op so a
// disabled cache can share this code path.
func (c *MemoryCache[V]) Set(_ context.Context, key string, value V, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	c.mu.Lock()
	c.items[key] = memItem[V]{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
	c.mu.Unlock()

	return nil
}

// Delete removes key. Missing keys are not an error.
func (c *MemoryCache[V]) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries held, including expired entries not
// yet swept.
func (c *MemoryCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the background cleanup goroutine. Safe to call twice.
func (c *MemoryCache[V]) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *MemoryCache[V]) cleanup(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache[V]) evictExpired() {
	now := c.now()

	c.mu.Lock()
	for k, v := range c.items {
		if !now.Before(v.expiresAt) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}
