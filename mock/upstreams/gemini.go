package main

import (
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newGeminiHandler returns an http.Handler simulating the Gemini API as the
// google.golang.org/genai SDK calls it:
//
//	POST {base}/models/{model}:generateContent
//	GET  {base}/models           (list models, used by health check)
//
// where {base} is /v1beta.
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	f := newFaults(cfg)
	f.register(mux)

	mux.HandleFunc("POST /v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if !strings.HasSuffix(path, ":generateContent") {
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", path))
			return
		}
		if status := f.check(); status != 0 {
			writeGeminiError(w, status, "mock upstream failure")
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeGeminiError(w, http.StatusBadRequest, "unreadable body")
			return
		}

		in := promptTokens(body)
		out := cfg.OutputTokens
		cached := in / 2

		writeJSON(w, http.StatusOK, map[string]any{
			"candidates": []any{
				map[string]any{
					"content": map[string]any{
						"role": "model",
						"parts": []map[string]string{
							{"text": fakeSentence(out)},
						},
					},
					"finishReason": "STOP",
					"index":        0,
				},
			},
			"usageMetadata": map[string]int{
				"promptTokenCount":        in,
				"candidatesTokenCount":    out,
				"cachedContentTokenCount": cached,
				"totalTokenCount":         in + out,
			},
			"responseId":   fmt.Sprintf("gemini-%x", rand.Int64()),
			"modelVersion": extractModel(path),
		})
	})

	mux.HandleFunc("GET /v1beta/models", func(w http.ResponseWriter, _ *http.Request) {
		if status := f.check(); status != 0 {
			writeGeminiError(w, status, "mock upstream failure")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "models/gemini-2.5-pro", "displayName": "Gemini 2.5 Pro"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func writeGeminiError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  http.StatusText(status),
		},
	})
}

// extractModel pulls the model name out of a path like
// /v1beta/models/gemini-2.5-pro:generateContent
func extractModel(path string) string {
	const prefix = "/v1beta/models/"
	if idx := strings.Index(path, prefix); idx >= 0 {
		rest := path[idx+len(prefix):]
		if col := strings.Index(rest, ":"); col >= 0 {
			return rest[:col]
		}
		return rest
	}
	return "gemini-2.5-pro"
}
