package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"
)

// newAnthropicHandler returns an http.Handler that simulates the Anthropic
// messages and models endpoints.
func newAnthropicHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	f := newFaults(cfg)
	f.register(mux)

	mux.HandleFunc("POST /v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if status := f.check(); status != 0 {
			writeAnthropicError(w, status, "mock upstream failure", "overloaded_error")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeAnthropicError(w, http.StatusBadRequest, "unreadable body", "invalid_request_error")
			return
		}
		var req struct {
			Model     string `json:"model"`
			MaxTokens int    `json:"max_tokens"`
			Stream    bool   `json:"stream"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeAnthropicError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}
		if req.MaxTokens <= 0 {
			writeAnthropicError(w, http.StatusBadRequest, "max_tokens: field required", "invalid_request_error")
			return
		}
		if req.Stream {
			writeAnthropicError(w, http.StatusBadRequest, "mock: streaming is not simulated", "invalid_request_error")
			return
		}

		model := req.Model
		if model == "" {
			model = "claude-sonnet-4-5"
		}
		in := promptTokens(body)
		out := min(cfg.OutputTokens, req.MaxTokens)

		writeJSON(w, http.StatusOK, map[string]any{
			"id":            fmt.Sprintf("msg_%x", rand.Int64()),
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content": []map[string]string{
				{"type": "text", "text": fakeSentence(out)},
			},
			"usage": map[string]int{
				"input_tokens":                in,
				"output_tokens":               out,
				"cache_creation_input_tokens": in / 4,
				"cache_read_input_tokens":     in / 2,
			},
		})
	})

	// GET /v1/models (health check)
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, _ *http.Request) {
		if status := f.check(); status != 0 {
			writeAnthropicError(w, status, "mock upstream failure", "overloaded_error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{"id": "claude-sonnet-4-5", "type": "model", "display_name": "Claude Sonnet 4.5", "created_at": time.Now().UTC().Format(time.RFC3339)},
			},
			"has_more": false,
			"first_id": "claude-sonnet-4-5",
			"last_id":  "claude-sonnet-4-5",
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeAnthropicError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found_error")
	})

	return mux
}

func writeAnthropicError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    typ,
			"message": msg,
		},
	})
}
