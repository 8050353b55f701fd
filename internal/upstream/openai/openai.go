// Package openai forwards chat calls to OpenAI-family channels through the
// official openai-go SDK.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/keygate/internal/channel"
	"github.com/nulpointcorp/keygate/internal/pricing"
	"github.com/nulpointcorp/keygate/internal/upstream"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Forwarder implements upstream.Forwarder for OpenAI channels.
type Forwarder struct {
	timeout time.Duration
	clients *upstream.ClientCache[openaiSDK.Client]
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

func (f *Forwarder) newClient(ch channel.Channel) (openaiSDK.Client, error) {
	if ch.Credential == "" {
		return openaiSDK.Client{}, fmt.Errorf("openai: channel %s has no credential", ch.ID)
	}
	httpClient := &http.Client{Timeout: f.timeout}
	if ch.BaseURL != "" && ch.BaseURL != defaultBaseURL {
		httpClient.Transport = upstream.NewBaseURLTransport(http.DefaultTransport, ch.BaseURL)
	}
	return openaiSDK.NewClient(
		option.WithAPIKey(ch.Credential),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	), nil
}

// Family implements upstream.Forwarder.
func (f *Forwarder) Family() channel.Family { return channel.FamilyOpenAI }

// HealthCheck lists models with the channel's credential.
func (f *Forwarder) HealthCheck(ctx context.Context, ch channel.Channel) error {
	client, err := f.clients.Get(ch)
	if err != nil {
		return err
	}
	if _, err := client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai: health check: %w", toProviderError(err))
	}
	return nil
}

// Forward implements upstream.Forwarder.
func (f *Forwarder) Forward(ctx context.Context, ch channel.Channel, req *upstream.Request) (*upstream.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	client, err := f.clients.Get(ch)
	if err != nil {
		return nil, err
	}

	resp, err := client.Chat.Completions.New(ctx, buildParams(req))
	if err != nil {
		return nil, toProviderError(err)
	}

	out := &upstream.Response{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: usageTokens(resp.Usage),
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.FinishReason = resp.Choices[0].FinishReason
	}
	return out, nil
}

func buildParams(req *upstream.Request) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	return params
}

// usageTokens splits cached prompt tokens out of the prompt count; OpenAI
// reports them as a subset of prompt_tokens.
func usageTokens(u openaiSDK.CompletionUsage) pricing.Tokens {
	cached := u.PromptTokensDetails.CachedTokens
	input := u.PromptTokens - cached
	if input < 0 {
		input = 0
	}
	return pricing.Tokens{
		Input:     input,
		Output:    u.CompletionTokens,
		CacheRead: cached,
	}
}

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &upstream.ProviderError{
			Family:     channel.FamilyOpenAI,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "openai_error",
		}
	}
	return err
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
