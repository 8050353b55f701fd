package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nulpointcorp/keygate/internal/channel"
	"github.com/nulpointcorp/keygate/internal/upstream"
)

func testChannel(srv *httptest.Server) channel.Channel {
	return channel.Channel{
		ID:         "oa-1",
		Family:     channel.FamilyOpenAI,
		BaseURL:    srv.URL,
		Credential: "mock-api-key",
		Active:     true,
	}
}

func baseRequest() *upstream.Request {
	return &upstream.Request{
		Model:    "gpt-4o",
		Messages: []upstream.Message{{Role: "user", Content: "Hello"}},
	}
}

func completion() map[string]any {
	return map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 0,
		"model":   "gpt-4o",
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": "Hello, world!",
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     10,
			"completion_tokens": 5,
			"total_tokens":      15,
			"prompt_tokens_details": map[string]any{
				"cached_tokens": 4,
			},
		},
	}
}

func TestForwarder_Family(t *testing.T) {
	if New().Family() != channel.FamilyOpenAI {
		t.Fatal("wrong family")
	}
}

func TestForwarder_Forward_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("wrong Authorization header: %s", r.Header.Get("Authorization"))
		}

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "gpt-4o" {
			t.Errorf("model = %v", body["model"])
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completion())
	}))
	defer srv.Close()

	resp, err := New().Forward(context.Background(), testChannel(srv), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID != "chatcmpl-123" || resp.Content != "Hello, world!" || resp.FinishReason != "stop" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.Input != 6 || resp.Usage.CacheRead != 4 || resp.Usage.Output != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestForwarder_Forward_RateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"message": "Rate limit exceeded",
				"type":    "rate_limit_error",
				"code":    "rate_limit_exceeded",
			},
		})
	}))
	defer srv.Close()

	_, err := New().Forward(context.Background(), testChannel(srv), baseRequest())
	var provErr *upstream.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected *upstream.ProviderError, got %T: %v", err, err)
	}
	if provErr.StatusCode != http.StatusTooManyRequests || provErr.Type != "openai_error" {
		t.Errorf("err = %+v", provErr)
	}
	if calls.Load() != 1 {
		t.Errorf("upstream called %d times, want no retries", calls.Load())
	}
	if !upstream.CountsAgainstChannel(err) {
		t.Error("429 should count against the channel")
	}
}

func TestForwarder_Forward_BadRequestDoesNotCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	_, err := New().Forward(context.Background(), testChannel(srv), baseRequest())
	if upstream.StatusOf(err) != http.StatusBadRequest {
		t.Fatalf("err = %v", err)
	}
	if upstream.CountsAgainstChannel(err) {
		t.Error("400 is a caller error")
	}
}

func TestForwarder_Forward_RejectsStreaming(t *testing.T) {
	req := baseRequest()
	req.Stream = true
	_, err := New().Forward(context.Background(), channel.Channel{ID: "x", Credential: "k"}, req)
	if !errors.Is(err, upstream.ErrStreamingUnsupported) {
		t.Fatalf("err = %v", err)
	}
}

func TestForwarder_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || !strings.HasSuffix(r.URL.Path, "/models") {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
	}))
	defer srv.Close()

	if err := New().HealthCheck(context.Background(), testChannel(srv)); err != nil {
		t.Fatal(err)
	}
}

func TestForwarder_ClientPerCredential(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completion())
	}))
	defer srv.Close()

	f := New()
	ch := testChannel(srv)
	if _, err := f.Forward(context.Background(), ch, baseRequest()); err != nil {
		t.Fatal(err)
	}

	ch.Credential = "rotated"
	if _, err := f.Forward(context.Background(), ch, baseRequest()); err != nil {
		t.Fatal(err)
	}
	if auth.Load() != "Bearer rotated" {
		t.Errorf("rotated credential not used: %v", auth.Load())
	}
	if f.clients.Len() != 1 {
		t.Errorf("clients = %d", f.clients.Len())
	}
}

func TestForwarder_MissingCredential(t *testing.T) {
	_, err := New().Forward(context.Background(), channel.Channel{ID: "empty"}, baseRequest())
	if err == nil || !strings.Contains(err.Error(), "no credential") {
		t.Fatalf("err = %v", err)
	}
}
