// Package memstore is a process-local Store. Every mutation runs in one
// critical section, which makes usage increments atomic within the process.
// Data does not survive a restart.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nulpointcorp/keygate/internal/channel"
	"github.com/nulpointcorp/keygate/internal/keys"
	"github.com/nulpointcorp/keygate/internal/pricing"
	"github.com/nulpointcorp/keygate/internal/store"
	"github.com/nulpointcorp/keygate/internal/usage"
)

type dayKey struct {
	keyID string
	day   string
}

// receiptKey scopes call IDs to the key that reported them.
type receiptKey struct {
	keyID  string
	callID string
}

// Store implements store.Store in memory.
type Store struct {
	mu sync.RWMutex

	keys     map[string]keys.Key
	byHash   map[string]string
	channels map[string]channel.Channel

	aggs     map[usage.Bucket]usage.Counters
	dayCost  map[dayKey]pricing.Nanos
	receipts map[receiptKey]time.Time

	ttl time.Duration
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store remembering call IDs for idempotencyTTL.
func New(idempotencyTTL time.Duration) *Store {
	return &Store{
		keys:     make(map[string]keys.Key),
		byHash:   make(map[string]string),
		channels: make(map[string]channel.Channel),
		aggs:     make(map[usage.Bucket]usage.Counters),
		dayCost:  make(map[dayKey]pricing.Nanos),
		receipts: make(map[receiptKey]time.Time),
		ttl:      idempotencyTTL,
		now:      time.Now,
	}
}

// LookupByHash implements keys.Store.
func (s *Store) LookupByHash(_ context.Context, hash string) (keys.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return keys.Key{}, keys.ErrNotFound
	}
	k := s.keys[id]
	if k.DeletedAt != nil {
		return keys.Key{}, keys.ErrNotFound
	}
	return k, nil
}

// GetKey implements keys.Store.
func (s *Store) GetKey(_ context.Context, id string) (keys.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok || k.DeletedAt != nil {
		return keys.Key{}, keys.ErrNotFound
	}
	return k, nil
}

// CreateKey implements store.Store.
func (s *Store) CreateKey(_ context.Context, k keys.Key) error {
	if err := store.ValidateKey(k); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.ID]; ok {
		return store.ErrExists
	}
	if _, ok := s.byHash[k.SecretHash]; ok {
		return store.ErrExists
	}
	s.keys[k.ID] = k
	s.byHash[k.SecretHash] = k.ID
	return nil
}

// SaveKey implements store.Store.
func (s *Store) SaveKey(_ context.Context, k keys.Key) error {
	if err := store.ValidateKey(k); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.keys[k.ID]
	if !ok {
		return keys.ErrNotFound
	}
	if owner, taken := s.byHash[k.SecretHash]; taken && owner != k.ID {
		return store.ErrExists
	}
	delete(s.byHash, prev.SecretHash)
	s.keys[k.ID] = k
	s.byHash[k.SecretHash] = k.ID
	return nil
}

// ListChannels implements channel.Store.
func (s *Store) ListChannels(_ context.Context) ([]channel.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]channel.Channel, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetChannel implements channel.Store.
func (s *Store) GetChannel(_ context.Context, id string) (channel.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[id]
	if !ok {
		return channel.Channel{}, channel.ErrNotFound
	}
	return c, nil
}

// SaveChannel implements store.Store.
func (s *Store) SaveChannel(_ context.Context, c channel.Channel) error {
	if err := store.ValidateChannel(c); err != nil {
		return err
	}
	s.mu.Lock()
	s.channels[c.ID] = c
	s.mu.Unlock()
	return nil
}

// Increment implements usage.Store.
func (s *Store) Increment(_ context.Context, b usage.Bucket, delta usage.Counters, callID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if callID != "" {
		rk := receiptKey{b.KeyID, callID}
		if exp, seen := s.receipts[rk]; seen && now.Before(exp) {
			return false, nil
		}
		s.receipts[rk] = now.Add(s.ttl)
	}

	s.aggs[b] = s.aggs[b].Add(delta)
	s.dayCost[dayKey{b.KeyID, b.Day}] += delta.Cost
	return true, nil
}

// Aggregates implements usage.Store.
func (s *Store) Aggregates(_ context.Context, keyID, fromDay, toDay string) ([]usage.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []usage.Aggregate
	for b, c := range s.aggs {
		if b.KeyID == keyID && b.Day >= fromDay && b.Day <= toDay {
			out = append(out, usage.Aggregate{Bucket: b, Counters: c})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day < out[j].Day
		}
		return out[i].Model < out[j].Model
	})
	return out, nil
}

// DayCost implements usage.Store.
func (s *Store) DayCost(_ context.Context, keyID, day string) (pricing.Nanos, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dayCost[dayKey{keyID, day}], nil
}

// Prune implements usage.Store. Expired call receipts are dropped too.
func (s *Store) Prune(_ context.Context, beforeDay string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for b := range s.aggs {
		if b.Day < beforeDay {
			delete(s.aggs, b)
			n++
		}
	}
	for dk := range s.dayCost {
		if dk.day < beforeDay {
			delete(s.dayCost, dk)
		}
	}
	now := s.now()
	for id, exp := range s.receipts {
		if !now.Before(exp) {
			delete(s.receipts, id)
		}
	}
	return n, nil
}

// Ping implements store.Store.
func (s *Store) Ping(context.Context) error { return nil }

// Close implements store.Store.
func (s *Store) Close() error { return nil }
