package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"
)

// newOpenAIHandler returns an http.Handler that simulates the OpenAI chat
// completions and models endpoints.
func newOpenAIHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	f := newFaults(cfg)
	f.register(mux)

	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if status := f.check(); status != 0 {
			writeError(w, status, "mock upstream failure", "server_error")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body", "invalid_request_error")
			return
		}
		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}
		if req.Stream {
			writeError(w, http.StatusBadRequest, "mock: streaming is not simulated", "invalid_request_error")
			return
		}

		model := req.Model
		if model == "" {
			model = "gpt-4o"
		}
		in := promptTokens(body)
		out := cfg.OutputTokens
		cached := in / 2

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      fmt.Sprintf("chatcmpl-mock%x", rand.Int64()),
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]string{
						"role":    "assistant",
						"content": fakeSentence(out),
					},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]any{
				"prompt_tokens":     in,
				"completion_tokens": out,
				"total_tokens":      in + out,
				"prompt_tokens_details": map[string]int{
					"cached_tokens": cached,
				},
			},
		})
	})

	// Models list (used by health check)
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, _ *http.Request) {
		if status := f.check(); status != 0 {
			writeError(w, status, "mock upstream failure", "server_error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "gpt-4o", "object": "model", "created": 1710000000, "owned_by": "openai"},
				{"id": "gpt-4o-mini", "object": "model", "created": 1710000000, "owned_by": "openai"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}
