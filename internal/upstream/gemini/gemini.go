// Package gemini forwards chat calls to Gemini-family channels through the
// official GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/nulpointcorp/keygate/internal/channel"
	"github.com/nulpointcorp/keygate/internal/pricing"
	"github.com/nulpointcorp/keygate/internal/upstream"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Forwarder implements upstream.Forwarder for Gemini channels.
type Forwarder struct {
	ctx        context.Context
	httpClient *http.Client
	clients    *upstream.ClientCache[*genai.Client]
}

var _ upstream.Forwarder = (*Forwarder)(nil)

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithTimeout sets the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.httpClient.Timeout = d
		}
	}
}

// New returns a Forwarder. ctx is used to construct SDK clients.
func New(ctx context.Context, opts ...Option) *Forwarder {
	if ctx == nil {
		panic("gemini: context must not be nil")
	}
	f := &Forwarder{
		ctx:        ctx,
		httpClient: &http.Client{Timeout: upstream.DefaultTimeout},
	}
	for _, o := range opts {
		o(f)
	}
	f.clients = upstream.NewClientCache(f.newClient)
	return f
}

func (f *Forwarder) newClient(ch channel.Channel) (*genai.Client, error) {
	if ch.Credential == "" {
		return nil, fmt.Errorf("gemini: channel %s has no credential", ch.ID)
	}
	raw := ch.BaseURL
	if raw == "" {
		raw = defaultBaseURL
	}
	base, ver := splitBaseURLAndVersion(raw)

	client, err := genai.NewClient(f.ctx, &genai.ClientConfig{
		APIKey:      ch.Credential,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  f.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client for channel %s: %w", ch.ID, err)
	}
	return client, nil
}

// Family implements upstream.Forwarder.
func (f *Forwarder) Family() channel.Family { return channel.FamilyGemini }

// HealthCheck lists one model with the channel's credential.
func (f *Forwarder) HealthCheck(ctx context.Context, ch channel.Channel) error {
	client, err := f.clients.Get(ch)
	if err != nil {
		return err
	}
	if _, err := client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return fmt.Errorf("gemini: health check: %w", toProviderError(err))
	}
	return nil
}

// Forward implements upstream.Forwarder.
func (f *Forwarder) Forward(ctx context.Context, ch channel.Channel, req *upstream.Request) (*upstream.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	client, err := f.clients.Get(ch)
	if err != nil {
		return nil, err
	}

	contents, cfg := buildContentsAndConfig(req)
	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	out := &upstream.Response{ID: req.RequestID, Model: req.Model}
	if resp == nil {
		return out, nil
	}
	if out.ID == "" {
		out.ID = resp.ResponseID
	}
	if out.ID == "" {
		out.ID = "gemini-" + uuid.NewString()
	}
	out.Content = resp.Text()
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	if resp.UsageMetadata != nil {
		out.Usage = usageTokens(resp.UsageMetadata)
	}
	return out, nil
}

// usageTokens splits cached content out of the prompt count and bills
// thinking tokens as output.
func usageTokens(m *genai.GenerateContentResponseUsageMetadata) pricing.Tokens {
	cached := int64(m.CachedContentTokenCount)
	input := int64(m.PromptTokenCount) - cached
	if input < 0 {
		input = 0
	}
	return pricing.Tokens{
		Input:     input,
		Output:    int64(m.CandidatesTokenCount) + int64(m.ThoughtsTokenCount),
		CacheRead: cached,
	}
}

func buildContentsAndConfig(req *upstream.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	if systemPrompt == "" && req.Temperature <= 0 && req.MaxTokens <= 0 {
		return contents, nil
	}

	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return contents, cfg
}

// splitBaseURLAndVersion splits a trailing API version segment ("v1beta")
// off raw, since the SDK takes them separately.
func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path != "" {
		parts := strings.Split(path, "/")
		if last := parts[len(parts)-1]; looksLikeAPIVersion(last) {
			apiVersion = last
			parts = parts[:len(parts)-1]
		}
		u.Path = "/" + strings.Join(parts, "/")
		if u.Path == "/" {
			u.Path = ""
		}
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	return len(s) >= 2 && s[0] == 'v' && s[1] >= '0' && s[1] <= '9'
}

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &upstream.ProviderError{
			Family:     channel.FamilyGemini,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
		}
	}
	return err
}
