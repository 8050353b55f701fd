package main

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// fakeWords is a pool of words used to build mock responses.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "upstream", "simulating", "a", "real", "LLM", "API", "call",
}

// fakeSentence returns a fake response text of n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

// promptTokens estimates input tokens as one per four bytes of prompt,
// which is close enough for metering tests.
func promptTokens(body []byte) int {
	return max(1, len(body)/4)
}

// faults decides whether a request should fail.
type faults struct {
	cfg Config
	// forced is an HTTP status every call fails with; 0 means none.
	forced atomic.Int32
}

func newFaults(cfg Config) *faults { return &faults{cfg: cfg} }

// check sleeps for the configured latency and returns the status the call
// should fail with, or 0.
func (f *faults) check() int {
	if f.cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(f.cfg.LatencyMS) * time.Millisecond)
	}
	if s := f.forced.Load(); s != 0 {
		return int(s)
	}
	if f.cfg.ErrorRate > 0 && rand.Float64() < f.cfg.ErrorRate {
		return http.StatusInternalServerError
	}
	return 0
}

// register adds the /mock/fail and /mock/recover control endpoints.
func (f *faults) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /mock/fail", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusServiceUnavailable
		if v := r.URL.Query().Get("status"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 400 || n > 599 {
				writeError(w, http.StatusBadRequest, "status must be 400..599", "invalid_request")
				return
			}
			status = n
		}
		f.forced.Store(int32(status))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /mock/recover", func(w http.ResponseWriter, _ *http.Request) {
		f.forced.Store(0)
		w.WriteHeader(http.StatusNoContent)
	})
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the generic OpenAI-style error envelope.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{
		Message: msg,
		Type:    typ,
		Code:    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
	}})
}
