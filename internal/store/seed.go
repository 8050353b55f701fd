package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nulpointcorp/keygate/internal/channel"
	"github.com/nulpointcorp/keygate/internal/keys"
	"github.com/nulpointcorp/keygate/internal/pricing"
)

// Seed is the YAML bootstrap document for keys and channels.
//
//	channels:
//	  - id: oa-1
//	    family: openai
//	    credential: sk-...
//	    active: true
//	keys:
//	  - id: k1
//	    user_id: u1
//	    secret: kg-dev-secret
//	    family: openai
//	    daily_limit: "5.00"
type Seed struct {
	Channels []channel.Channel `yaml:"channels"`
	Keys     []SeedKey         `yaml:"keys"`
}

// SeedKey is a key as written in a seed file. Exactly one of Secret or
// SecretHash is expected; Secret is hashed on load and never kept.
type SeedKey struct {
	ID         string     `yaml:"id"`
	UserID     string     `yaml:"user_id"`
	Name       string     `yaml:"name"`
	Secret     string     `yaml:"secret"`
	SecretHash string     `yaml:"secret_hash"`
	ChannelID  string     `yaml:"channel_id"`
	Family     string     `yaml:"family"`
	Status     string     `yaml:"status"`
	ExpiresAt  *time.Time `yaml:"expires_at"`
	DailyLimit string     `yaml:"daily_limit"`
	RPMLimit   int        `yaml:"rpm_limit"`
}

// Key converts s into a keys.Key stamped with now.
func (s SeedKey) Key(now time.Time) (keys.Key, error) {
	k := keys.Key{
		ID:         s.ID,
		UserID:     s.UserID,
		Name:       s.Name,
		SecretHash: s.SecretHash,
		ChannelID:  s.ChannelID,
		Family:     channel.Family(s.Family),
		Status:     keys.StatusActive,
		ExpiresAt:  s.ExpiresAt,
		RPMLimit:   s.RPMLimit,
		CreatedAt:  now.UTC(),
	}
	if s.Secret != "" {
		k.SecretHash = keys.HashCredential(s.Secret)
	}
	if s.Status != "" {
		st, err := keys.ParseStatus(s.Status)
		if err != nil {
			return keys.Key{}, err
		}
		k.Status = st
	}
	if s.Family != "" {
		f, err := channel.ParseFamily(s.Family)
		if err != nil {
			return keys.Key{}, err
		}
		k.Family = f
	}
	if s.DailyLimit != "" {
		limit, err := pricing.ParseDollars(s.DailyLimit)
		if err != nil {
			return keys.Key{}, fmt.Errorf("store: key %s daily_limit: %w", s.ID, err)
		}
		k.DailyLimit = &limit
	}
	return k, ValidateKey(k)
}

// ParseSeed decodes a seed document.
func ParseSeed(r io.Reader) (Seed, error) {
	var s Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Seed{}, fmt.Errorf("store: decode seed: %w", err)
	}
	return s, nil
}

// LoadSeedFile reads a seed document from path.
func LoadSeedFile(path string) (Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return Seed{}, fmt.Errorf("store: open seed: %w", err)
	}
	defer f.Close()
	return ParseSeed(f)
}

// ApplySeed writes every channel and key in seed into s. Channels are
// upserted; keys that already exist are left untouched.
func ApplySeed(ctx context.Context, s Store, seed Seed) (created int, err error) {
	for _, c := range seed.Channels {
		if err := ValidateChannel(c); err != nil {
			return created, err
		}
		if err := s.SaveChannel(ctx, c); err != nil {
			return created, fmt.Errorf("store: seed channel %s: %w", c.ID, err)
		}
	}

	now := time.Now()
	for _, sk := range seed.Keys {
		k, err := sk.Key(now)
		if err != nil {
			return created, err
		}
		switch err := s.CreateKey(ctx, k); {
		case errors.Is(err, ErrExists):
		case err != nil:
			return created, fmt.Errorf("store: seed key %s: %w", k.ID, err)
		default:
			created++
		}
	}
	return created, nil
}
