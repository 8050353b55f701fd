// Package upstream forwards chat calls to the channel chosen at admission.
//
// Each provider family has one Forwarder built on the provider's official
// SDK. A Forwarder is stateless apart from a cache of SDK clients keyed by
// channel, so channel credentials can rotate without a restart.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nulpointcorp/keygate/internal/channel"
	"github.com/nulpointcorp/keygate/internal/pricing"
)

// DefaultTimeout bounds one upstream call.
const DefaultTimeout = 60 * time.Second

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Request is a normalized chat request.
	Request struct {
		Model       string    `json:"model"`
		Messages    []Message `json:"messages"`
		Stream      bool      `json:"stream,omitempty"`
		Temperature float64   `json:"temperature,omitempty"`
		MaxTokens   int       `json:"max_tokens,omitempty"`
		RequestID   string    `json:"-"`
	}

	// Response is a normalized, non-streaming provider response.
	Response struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		Usage        pricing.Tokens
	}
)

// Validate checks the parts of a request every family needs.
func (r *Request) Validate() error {
	if r.Model == "" {
		return errors.New("model is required")
	}
	if len(r.Messages) == 0 {
		return errors.New("messages must not be empty")
	}
	if r.Stream {
		return ErrStreamingUnsupported
	}
	if r.MaxTokens < 0 {
		return errors.New("max_tokens must not be negative")
	}
	return nil
}

// ErrStreamingUnsupported is returned for stream=true requests.
var ErrStreamingUnsupported = errors.New("streaming is not supported")

// Forwarder sends calls to channels of one family.
type Forwarder interface {
	Family() channel.Family
	Forward(ctx context.Context, ch channel.Channel, req *Request) (*Response, error)
	HealthCheck(ctx context.Context, ch channel.Channel) error
}

// StatusCoder is implemented by errors carrying an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// ProviderError is a structured error returned by a provider API.
type ProviderError struct {
	Family     channel.Family
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d, type=%s)", e.Family, e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// StatusOf returns the upstream HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// CountsAgainstChannel reports whether a failed call says something about
// the channel's health. Client mistakes (4xx other than auth, throttling and
// timeouts) do not.
func CountsAgainstChannel(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch s := StatusOf(err); {
	case s == 0:
		return true
	case s == 401 || s == 403 || s == 408 || s == 429:
		return true
	case s >= 500:
		return true
	default:
		return false
	}
}

// Registry maps families to forwarders.
type Registry struct {
	fwds map[channel.Family]Forwarder
}

// NewRegistry returns a registry of fwds. Later forwarders replace earlier
// ones of the same family.
func NewRegistry(fwds ...Forwarder) *Registry {
	r := &Registry{fwds: make(map[channel.Family]Forwarder, len(fwds))}
	for _, f := range fwds {
		r.fwds[f.Family()] = f
	}
	return r
}

// For returns the forwarder for family.
func (r *Registry) For(family channel.Family) (Forwarder, error) {
	f, ok := r.fwds[family]
	if !ok {
		return nil, fmt.Errorf("upstream: no forwarder for family %q", family)
	}
	return f, nil
}

// Forward dispatches req to ch through its family's forwarder.
func (r *Registry) Forward(ctx context.Context, ch channel.Channel, req *Request) (*Response, error) {
	f, err := r.For(ch.Family)
	if err != nil {
		return nil, err
	}
	return f.Forward(ctx, ch, req)
}

// HealthCheck probes ch through its family's forwarder.
func (r *Registry) HealthCheck(ctx context.Context, ch channel.Channel) error {
	f, err := r.For(ch.Family)
	if err != nil {
		return err
	}
	return f.HealthCheck(ctx, ch)
}
