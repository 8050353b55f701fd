// Package anthropic forwards chat calls to Anthropic-family channels through
// the official SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/keygate/internal/channel"
	"github.com/nulpointcorp/keygate/internal/pricing"
	"github.com/nulpointcorp/keygate/internal/upstream"
)

const defaultMaxTokens = 4096

// Forwarder implements upstream.Forwarder for Anthropic channels.
type Forwarder struct {
	timeout time.Duration
	clients *upstream.ClientCache[anthropic.Client]
}

var _ upstream.Forwarder = (*Forwarder)(nil)

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithTimeout sets the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// New returns a Forwarder.
func New(opts ...Option) *Forwarder {
	f := &Forwarder{timeout: upstream.DefaultTimeout}
	for _, o := range opts {
		o(f)
	}
	f.clients = upstream.NewClientCache(f.newClient)
	return f
}

func (f *Forwarder) newClient(ch channel.Channel) (anthropic.Client, error) {
	if ch.Credential == "" {
		return anthropic.Client{}, fmt.Errorf("anthropic: channel %s has no credential", ch.ID)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(ch.Credential),
		option.WithHTTPClient(&http.Client{Timeout: f.timeout}),
		option.WithMaxRetries(0),
	}
	if ch.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(ch.BaseURL))
	}
	return anthropic.NewClient(opts...), nil
}

// Family implements upstream.Forwarder.
func (f *Forwarder) Family() channel.Family { return channel.FamilyAnthropic }

// HealthCheck lists one model with the channel's credential.
func (f *Forwarder) HealthCheck(ctx context.Context, ch channel.Channel) error {
	client, err := f.clients.Get(ch)
	if err != nil {
		return err
	}
	_, err = client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toProviderError(err))
	}
	return nil
}

// Forward implements upstream.Forwarder.
func (f *Forwarder) Forward(ctx context.Context, ch channel.Channel, req *upstream.Request) (*upstream.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	client, err := f.clients.Get(ch)
	if err != nil {
		return nil, err
	}

	msg, err := client.Messages.New(ctx, buildParams(req))
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if v, ok := b.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(v.Text)
		}
	}

	return &upstream.Response{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      sb.String(),
		FinishReason: string(msg.StopReason),
		Usage: pricing.Tokens{
			Input:      msg.Usage.InputTokens,
			Output:     msg.Usage.OutputTokens,
			CacheWrite: msg.Usage.CacheCreationInputTokens,
			CacheRead:  msg.Usage.CacheReadInputTokens,
		},
	}, nil
}

func buildParams(req *upstream.Request) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	r := anthropic.MessageParamRoleUser
	if strings.EqualFold(role, "assistant") {
		r = anthropic.MessageParamRoleAssistant
	}
	return anthropic.MessageParam{
		Role: r,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: content}},
		},
	}
}

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &upstream.ProviderError{
			Family:     channel.FamilyAnthropic,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "anthropic_error",
		}
	}
	return err
}
