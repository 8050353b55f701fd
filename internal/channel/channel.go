// Package channel models upstream provider endpoints and selects one per call.
//
// A Channel is a concrete upstream account (family + base URL + credential).
// The Pool picks a healthy channel of the requested family, skipping inactive,
// deleted and circuit-open channels, preferring channels without recent
// failures and rotating round-robin among equals.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by stores for unknown channel IDs.
	ErrNotFound = errors.New("channel: not found")

	// ErrNoChannel means no eligible channel exists for a family.
	ErrNoChannel = errors.New("channel: no channel available")

	// ErrUnavailable means a specific channel exists but cannot serve.
	ErrUnavailable = errors.New("channel: unavailable")
)

// Family is the provider API dialect a channel speaks. The set is closed;
// adding a family means adding a forwarder for it.
type Family string

const (
	FamilyOpenAI    Family = "openai"
	FamilyAnthropic Family = "anthropic"
	FamilyGemini    Family = "gemini"
)

// Families lists every supported family.
var Families = []Family{FamilyOpenAI, FamilyAnthropic, FamilyGemini}

// ParseFamily validates s against the supported families.
func ParseFamily(s string) (Family, error) {
	f := Family(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Families {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("channel: unknown family %q", s)
}

// Channel is one upstream endpoint.
type Channel struct {
	ID         string `json:"id" yaml:"id"`
	Family     Family `json:"family" yaml:"family"`
	Name       string `json:"name" yaml:"name"`
	BaseURL    string `json:"base_url,omitempty" yaml:"base_url"`
	Credential string `json:"-" yaml:"credential"`
	Active     bool   `json:"active" yaml:"active"`
	Deleted    bool   `json:"deleted" yaml:"deleted"`
}

// Serviceable reports whether the channel may be handed out at all,
// independent of its health.
func (c Channel) Serviceable() bool {
	return c.Active && !c.Deleted
}

// Store is the read side of channel persistence used by the pool.
type Store interface {
	ListChannels(ctx context.Context) ([]Channel, error)
	GetChannel(ctx context.Context, id string) (Channel, error)
}
