package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/keygate/internal/admission"
	"github.com/nulpointcorp/keygate/internal/upstream"
	"github.com/nulpointcorp/keygate/internal/usage"
	"github.com/nulpointcorp/keygate/pkg/apierr"
)

type (
	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}
	outboundUsage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	}
	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// handleChatCompletions runs a whole call through the gateway:
//
//  1. parse and validate the OpenAI-style body
//  2. admit the caller's key and take the granted channel
//  3. forward once to that channel
//  4. report the outcome to the channel's breaker
//  5. meter the call
//
// Upstream errors are returned to the caller; there are no retries.
func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	reqID := requestIDOf(ctx)

	if s.upstream == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, "forwarding is not enabled",
			apierr.TypeNotFound, apierr.CodeNotFound)
		return
	}

	var req upstream.Request
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON: "+err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := req.Validate(); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	req.RequestID = reqID

	grant, err := s.admission.Admit(ctx, credentialFromHeaders(ctx))
	if err != nil {
		s.writeDenial(ctx, err)
		return
	}

	start := time.Now()
	provCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	resp, err := s.upstream.Forward(provCtx, grant.Channel, &req)
	cancel()
	elapsed := time.Since(start)

	s.reportCall(grant, err, elapsed)
	s.recordCall(ctx, grant, &req, resp, err)

	if err != nil {
		s.log.Warn("upstream_error",
			slog.String("request_id", reqID),
			slog.String("key_id", grant.KeyID),
			slog.String("channel_id", grant.ChannelID),
			slog.String("model", req.Model),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		writeUpstreamError(ctx, err)
		return
	}

	s.log.Debug("upstream_ok",
		slog.String("request_id", reqID),
		slog.String("key_id", grant.KeyID),
		slog.String("channel_id", grant.ChannelID),
		slog.String("model", resp.Model),
		slog.Int64("input_tokens", resp.Usage.Input),
		slog.Int64("output_tokens", resp.Usage.Output),
		slog.Duration("elapsed", elapsed),
	)

	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	prompt := resp.Usage.Input + resp.Usage.CacheWrite + resp.Usage.CacheRead
	writeJSON(ctx, fasthttp.StatusOK, outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: s.now().Unix(),
		Model:   model,
		Choices: []outboundChoice{{
			Message:      outboundMessage{Role: "assistant", Content: resp.Content},
			FinishReason: finish,
		}},
		Usage: outboundUsage{
			PromptTokens:     prompt,
			CompletionTokens: resp.Usage.Output,
			TotalTokens:      prompt + resp.Usage.Output,
		},
	})
}

// reportCall feeds the call outcome to the breaker. A cancelled call says
// nothing about the channel and is not reported; a trial left unreported is
// replaced after a cool-down.
func (s *Server) reportCall(grant admission.Grant, err error, elapsed time.Duration) {
	outcome := "success"
	switch {
	case err == nil:
		s.reportOutcome(grant.ChannelID, true)
	case errors.Is(err, context.Canceled):
		outcome = "canceled"
	case upstream.CountsAgainstChannel(err):
		outcome = "failure"
		s.reportOutcome(grant.ChannelID, false)
	default:
		// The channel answered; the request itself was rejected.
		outcome = "rejected"
		s.reportOutcome(grant.ChannelID, true)
	}
	if s.metrics != nil {
		s.metrics.ObserveUpstreamAttempt(string(grant.Family), outcome, elapsed)
	}
}

func (s *Server) recordCall(ctx context.Context, grant admission.Grant, req *upstream.Request, resp *upstream.Response, err error) {
	// The call ID is left for the meter to generate: X-Request-ID is caller
	// controlled and must not be able to suppress metering.
	rec := usage.Record{
		KeyID:     grant.KeyID,
		ChannelID: grant.ChannelID,
		Model:     req.Model,
		Outcome:   usage.OutcomeSuccess,
		At:        s.now(),
	}
	if err != nil {
		rec.Outcome = usage.OutcomeFailure
	} else {
		rec.Tokens = resp.Usage
	}
	if _, rerr := s.meter.Record(context.WithoutCancel(ctx), rec); rerr != nil {
		s.log.Warn("metering_rejected",
			slog.String("key_id", rec.KeyID),
			slog.String("model", rec.Model),
			slog.String("error", rerr.Error()),
		)
	}
}

// writeUpstreamError maps a forwarding error to the caller's response.
//
//	provider status      → apierr.WriteProviderError (429 stays 429, else 502)
//	deadline exceeded    → 504
//	anything else        → 502
func writeUpstreamError(ctx *fasthttp.RequestCtx, err error) {
	var sc upstream.StatusCoder
	if errors.As(err, &sc) {
		apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}
	apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(),
		apierr.TypeProviderError, apierr.CodeProviderError)
}
