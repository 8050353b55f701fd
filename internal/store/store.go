// Package store defines the persistence contract shared by the memory, Redis
// and SQL backends, plus the administrative writes the CLI performs.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nulpointcorp/keygate/internal/channel"
	"github.com/nulpointcorp/keygate/internal/keys"
	"github.com/nulpointcorp/keygate/internal/usage"
)

// ErrExists is returned when creating a record whose ID or credential hash
// is already taken.
var ErrExists = errors.New("store: already exists")

// Kind names a backend.
type Kind string

const (
	KindMemory Kind = "memory"
	KindRedis  Kind = "redis"
	KindSQL    Kind = "sql"
)

// ParseKind validates s.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindMemory, KindRedis, KindSQL:
		return k, nil
	default:
		return "", fmt.Errorf("store: unknown kind %q", s)
	}
}

// Store is everything the gateway and CLI need from a backend.
type Store interface {
	keys.Store
	channel.Store
	usage.Store

	// CreateKey inserts k. ID and SecretHash must be unique.
	CreateKey(ctx context.Context, k keys.Key) error
	// SaveKey replaces an existing key, soft-deleted ones included.
	SaveKey(ctx context.Context, k keys.Key) error
	// SaveChannel inserts or replaces c.
	SaveChannel(ctx context.Context, c channel.Channel) error

	Ping(ctx context.Context) error
	Close() error
}

// ValidateKey checks the fields every backend relies on.
func ValidateKey(k keys.Key) error {
	if k.ID == "" {
		return fmt.Errorf("store: key id is required")
	}
	if k.SecretHash == "" {
		return fmt.Errorf("store: key %s: secret hash is required", k.ID)
	}
	if _, err := keys.ParseStatus(string(k.Status)); err != nil {
		return fmt.Errorf("store: key %s: %w", k.ID, err)
	}
	if k.ChannelID == "" {
		if _, err := channel.ParseFamily(string(k.Family)); err != nil {
			return fmt.Errorf("store: unbound key %s: %w", k.ID, err)
		}
	}
	if k.DailyLimit != nil && *k.DailyLimit < 0 {
		return fmt.Errorf("store: key %s: negative daily limit", k.ID)
	}
	return nil
}

// ValidateChannel checks a channel before it is saved.
func ValidateChannel(c channel.Channel) error {
	if c.ID == "" {
		return fmt.Errorf("store: channel id is required")
	}
	if _, err := channel.ParseFamily(string(c.Family)); err != nil {
		return fmt.Errorf("store: channel %s: %w", c.ID, err)
	}
	return nil
}
