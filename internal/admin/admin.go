// Package admin holds the administrative writes behind keygatectl: issuing
// and revoking keys, managing channels and correcting usage.
//
// The gateway never calls these; it only reads keys and channels and owns
// the usage aggregates. A running gateway sees key changes once its key
// cache entry expires and channel changes on the pool's next refresh.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/keygate/internal/channel"
	"github.com/nulpointcorp/keygate/internal/keys"
	"github.com/nulpointcorp/keygate/internal/pricing"
	"github.com/nulpointcorp/keygate/internal/store"
	"github.com/nulpointcorp/keygate/internal/usage"
)

// Service performs administrative writes against a store.
type Service struct {
	store store.Store
	now   func() time.Time
}

// New returns a Service writing to s.
func New(s store.Store) *Service {
	return &Service{store: s, now: time.Now}
}

// NewKey describes a key to issue.
type NewKey struct {
	// ID defaults to a random UUID.
	ID        string
	UserID    string
	Name      string
	ChannelID string
	Family    channel.Family
	ExpiresAt *time.Time
	// DailyLimit nil means unlimited.
	DailyLimit *pricing.Nanos
	RPMLimit   int
}

// CreateKey issues a key and returns it with its clear credential. The
// credential is not stored and cannot be recovered later.
func (s *Service) CreateKey(ctx context.Context, nk NewKey) (keys.Key, string, error) {
	if nk.ChannelID != "" {
		if _, err := s.store.GetChannel(ctx, nk.ChannelID); err != nil {
			return keys.Key{}, "", fmt.Errorf("admin: bound channel %s: %w", nk.ChannelID, err)
		}
	}
	if nk.RPMLimit < 0 {
		return keys.Key{}, "", fmt.Errorf("admin: rpm limit must not be negative")
	}

	secret, hash, err := keys.GenerateSecret()
	if err != nil {
		return keys.Key{}, "", err
	}
	id := nk.ID
	if id == "" {
		id = uuid.NewString()
	}
	k := keys.Key{
		ID:         id,
		UserID:     nk.UserID,
		Name:       nk.Name,
		SecretHash: hash,
		ChannelID:  nk.ChannelID,
		Family:     nk.Family,
		Status:     keys.StatusActive,
		ExpiresAt:  nk.ExpiresAt,
		DailyLimit: nk.DailyLimit,
		RPMLimit:   nk.RPMLimit,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.CreateKey(ctx, k); err != nil {
		return keys.Key{}, "", err
	}
	return k, secret, nil
}

// SetKeyStatus changes a key's administrative status.
func (s *Service) SetKeyStatus(ctx context.Context, id string, st keys.Status) (keys.Key, error) {
	return s.updateKey(ctx, id, func(k *keys.Key) error {
		k.Status = st
		return nil
	})
}

// Limits is a partial update of a key's limits. Nil fields are left alone.
type Limits struct {
	// Daily replaces the daily limit. ClearDaily removes it instead.
	Daily      *pricing.Nanos
	ClearDaily bool
	RPM        *int
}

// SetKeyLimits updates a key's daily cost limit and RPM limit.
func (s *Service) SetKeyLimits(ctx context.Context, id string, l Limits) (keys.Key, error) {
	return s.updateKey(ctx, id, func(k *keys.Key) error {
		switch {
		case l.ClearDaily:
			k.DailyLimit = nil
		case l.Daily != nil:
			d := *l.Daily
			k.DailyLimit = &d
		}
		if l.RPM != nil {
			if *l.RPM < 0 {
				return fmt.Errorf("admin: rpm limit must not be negative")
			}
			k.RPMLimit = *l.RPM
		}
		return nil
	})
}

// DeleteKey soft-deletes a key. It stops resolving immediately in the store;
// its usage history is kept.
func (s *Service) DeleteKey(ctx context.Context, id string) error {
	_, err := s.updateKey(ctx, id, func(k *keys.Key) error {
		now := s.now().UTC()
		k.DeletedAt = &now
		return nil
	})
	return err
}

func (s *Service) updateKey(ctx context.Context, id string, fn func(*keys.Key) error) (keys.Key, error) {
	k, err := s.store.GetKey(ctx, id)
	if err != nil {
		return keys.Key{}, fmt.Errorf("admin: key %s: %w", id, err)
	}
	if err := fn(&k); err != nil {
		return keys.Key{}, err
	}
	if err := store.ValidateKey(k); err != nil {
		return keys.Key{}, err
	}
	if err := s.store.SaveKey(ctx, k); err != nil {
		return keys.Key{}, err
	}
	return k, nil
}

// AddChannel registers a new channel. An existing ID is rejected with
// store.ErrExists.
func (s *Service) AddChannel(ctx context.Context, c channel.Channel) error {
	if err := store.ValidateChannel(c); err != nil {
		return err
	}
	_, err := s.store.GetChannel(ctx, c.ID)
	switch {
	case err == nil:
		return fmt.Errorf("admin: channel %s: %w", c.ID, store.ErrExists)
	case !errors.Is(err, channel.ErrNotFound):
		return err
	}
	return s.store.SaveChannel(ctx, c)
}

// ChannelUpdate is a partial update of a channel. Nil fields are left alone.
type ChannelUpdate struct {
	Name       *string
	BaseURL    *string
	Credential *string
	Active     *bool
}

// UpdateChannel applies u to a non-retired channel.
func (s *Service) UpdateChannel(ctx context.Context, id string, u ChannelUpdate) (channel.Channel, error) {
	c, err := s.liveChannel(ctx, id)
	if err != nil {
		return channel.Channel{}, err
	}
	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.BaseURL != nil {
		c.BaseURL = *u.BaseURL
	}
	if u.Credential != nil {
		c.Credential = *u.Credential
	}
	if u.Active != nil {
		c.Active = *u.Active
	}
	if err := s.store.SaveChannel(ctx, c); err != nil {
		return channel.Channel{}, err
	}
	return c, nil
}

// RetireChannel marks a channel deleted. Keys bound to it are denied with
// CHANNEL_UNAVAILABLE from then on.
func (s *Service) RetireChannel(ctx context.Context, id string) error {
	c, err := s.liveChannel(ctx, id)
	if err != nil {
		return err
	}
	c.Deleted = true
	c.Active = false
	return s.store.SaveChannel(ctx, c)
}

func (s *Service) liveChannel(ctx context.Context, id string) (channel.Channel, error) {
	c, err := s.store.GetChannel(ctx, id)
	if err != nil {
		return channel.Channel{}, fmt.Errorf("admin: channel %s: %w", id, err)
	}
	if c.Deleted {
		return channel.Channel{}, fmt.Errorf("admin: channel %s is retired", id)
	}
	return c, nil
}

// ListChannels returns every channel, retired ones included.
func (s *Service) ListChannels(ctx context.Context) ([]channel.Channel, error) {
	return s.store.ListChannels(ctx)
}

// Correction adjusts one usage bucket. Fields are signed deltas.
type Correction struct {
	KeyID string
	Model string
	Day   string

	Requests  int64
	Successes int64
	Failures  int64
	Tokens    pricing.Tokens
	Cost      pricing.Nanos
}

// CorrectUsage applies c to its bucket. The resulting counters may not go
// negative; the check reads the bucket first, so two concurrent corrections
// of the same bucket can still overshoot.
func (s *Service) CorrectUsage(ctx context.Context, c Correction) (usage.Aggregate, error) {
	if _, err := time.Parse(usage.DayLayout, c.Day); err != nil {
		return usage.Aggregate{}, fmt.Errorf("admin: day %q: %w", c.Day, err)
	}
	if c.Model == "" {
		return usage.Aggregate{}, fmt.Errorf("admin: model is required")
	}
	if _, err := s.store.GetKey(ctx, c.KeyID); err != nil {
		return usage.Aggregate{}, fmt.Errorf("admin: key %s: %w", c.KeyID, err)
	}

	delta := usage.Counters{
		Requests:  c.Requests,
		Successes: c.Successes,
		Failures:  c.Failures,
		Tokens:    c.Tokens,
		Cost:      c.Cost,
	}
	if delta == (usage.Counters{}) {
		return usage.Aggregate{}, fmt.Errorf("admin: correction is empty")
	}

	cur, err := s.bucket(ctx, c.KeyID, c.Model, c.Day)
	if err != nil {
		return usage.Aggregate{}, err
	}
	next := cur.Add(delta)
	if negative(next) {
		return usage.Aggregate{}, fmt.Errorf("admin: correction would make %s/%s/%s negative", c.KeyID, c.Model, c.Day)
	}

	b := usage.Bucket{KeyID: c.KeyID, Model: c.Model, Day: c.Day}
	if _, err := s.store.Increment(ctx, b, delta, ""); err != nil {
		return usage.Aggregate{}, err
	}
	return usage.Aggregate{Bucket: b, Counters: next}, nil
}

func (s *Service) bucket(ctx context.Context, keyID, model, day string) (usage.Counters, error) {
	aggs, err := s.store.Aggregates(ctx, keyID, day, day)
	if err != nil {
		return usage.Counters{}, err
	}
	for _, a := range aggs {
		if a.Model == model {
			return a.Counters, nil
		}
	}
	return usage.Counters{}, nil
}

func negative(c usage.Counters) bool {
	t := c.Tokens
	return c.Requests < 0 || c.Successes < 0 || c.Failures < 0 || c.Cost < 0 ||
		t.Input < 0 || t.Output < 0 || t.CacheWrite < 0 || t.CacheRead < 0
}
