package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

func newMember() string { return uuid.NewString() }

type localEntry struct {
	limiter *rate.Limiter
	limit   int
	seen    time.Time
}

// LocalLimiter is an in-process token bucket per key, refilled at limit per
// minute with a burst of limit. It only covers the current process.
type LocalLimiter struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	obs     Observer
	now     func() time.Time
}

// NewLocalLimiter returns an empty LocalLimiter. obs may be nil.
func NewLocalLimiter(obs Observer) *LocalLimiter {
	return &LocalLimiter{entries: make(map[string]*localEntry), obs: obs, now: time.Now}
}

// Allow implements the same contract as RPMLimiter.Allow. It never fails.
func (l *LocalLimiter) Allow(_ context.Context, keyID string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	now := l.now()
	l.mu.Lock()
	e, ok := l.entries[keyID]
	if !ok || e.limit != limit {
		e = &localEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(limit)/60), limit),
			limit:   limit,
		}
		l.entries[keyID] = e
	}
	e.seen = now
	allowed := e.limiter.AllowN(now, 1)
	l.mu.Unlock()

	if l.obs != nil {
		if allowed {
			l.obs.RecordRateLimit("allowed")
		} else {
			l.obs.RecordRateLimit("blocked")
		}
	}
	return allowed, nil
}

// Sweep forgets keys idle for longer than idle.
func (l *LocalLimiter) Sweep(idle time.Duration) {
	cutoff := l.now().Add(-idle)
	l.mu.Lock()
	for id, e := range l.entries {
		if e.seen.Before(cutoff) {
			delete(l.entries, id)
		}
	}
	l.mu.Unlock()
}

// Run sweeps idle keys every interval until ctx is done.
func (l *LocalLimiter) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			l.Sweep(10 * time.Minute)
		}
	}
}
