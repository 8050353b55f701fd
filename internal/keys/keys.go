// Package keys models caller-issued API keys and how they are looked up.
//
// The clear credential is never stored: stores index keys by the SHA-256 of
// the presented credential, and comparisons run in constant time.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nulpointcorp/keygate/internal/channel"
	"github.com/nulpointcorp/keygate/internal/pricing"
)

// ErrNotFound is returned for unknown or soft-deleted keys.
var ErrNotFound = errors.New("keys: not found")

// Status is the administrative state of a key.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusRevoked Status = "REVOKED"
	StatusExpired Status = "EXPIRED"
)

// ParseStatus validates s.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusActive, StatusRevoked, StatusExpired:
		return st, nil
	default:
		return "", fmt.Errorf("keys: unknown status %q", s)
	}
}

// Key is an API key as seen by the gateway.
type Key struct {
	ID         string         `json:"id" yaml:"id"`
	UserID     string         `json:"user_id" yaml:"user_id"`
	Name       string         `json:"name,omitempty" yaml:"name"`
	SecretHash string         `json:"-" yaml:"secret_hash"`
	ChannelID  string         `json:"channel_id,omitempty" yaml:"channel_id"`
	Family     channel.Family `json:"family,omitempty" yaml:"family"`
	Status     Status         `json:"status" yaml:"status"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty" yaml:"expires_at"`
	DailyLimit *pricing.Nanos `json:"daily_limit,omitempty" yaml:"daily_limit"`
	RPMLimit   int            `json:"rpm_limit,omitempty" yaml:"rpm_limit"`
	CreatedAt  time.Time      `json:"created_at" yaml:"created_at"`
	DeletedAt  *time.Time     `json:"deleted_at,omitempty" yaml:"deleted_at"`
}

// Bound reports whether the key is pinned to one channel.
func (k Key) Bound() bool { return k.ChannelID != "" }

// ExpiredAt reports whether the key's expiry is at or before now.
func (k Key) ExpiredAt(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// Store is the read side of key persistence used on the hot path.
type Store interface {
	// LookupByHash returns the non-deleted key whose SecretHash equals hash.
	LookupByHash(ctx context.Context, hash string) (Key, error)
	// GetKey returns a non-deleted key by ID.
	GetKey(ctx context.Context, id string) (Key, error)
}

// HashCredential returns the hex SHA-256 of a presented credential.
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// MatchHash compares two credential hashes in constant time.
func MatchHash(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Lookup hashes credential and resolves it against s, re-checking the hash
// in constant time so a store that matches loosely cannot leak a key.
func Lookup(ctx context.Context, s Store, credential string) (Key, error) {
	if credential == "" {
		return Key{}, ErrNotFound
	}
	hash := HashCredential(credential)
	k, err := s.LookupByHash(ctx, hash)
	if err != nil {
		return Key{}, err
	}
	if !MatchHash(k.SecretHash, hash) || k.DeletedAt != nil {
		return Key{}, ErrNotFound
	}
	return k, nil
}

// secretPrefix marks keygate-issued credentials.
const secretPrefix = "kg-"

// GenerateSecret returns a new random credential and its hash.
func GenerateSecret() (secret, hash string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("keys: generate secret: %w", err)
	}
	secret = secretPrefix + hex.EncodeToString(buf)
	return secret, HashCredential(secret), nil
}
