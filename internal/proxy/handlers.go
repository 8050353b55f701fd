package proxy

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/keygate/internal/admission"
	"github.com/nulpointcorp/keygate/internal/keys"
	"github.com/nulpointcorp/keygate/internal/usage"
	"github.com/nulpointcorp/keygate/pkg/apierr"
)

type (
	admissionRequest struct {
		Credential string `json:"credential"`
	}
	outcomeRequest struct {
		Success *bool `json:"success"`
	}
)

// handleAdmission admits the presented credential and returns the grant.
// The credential comes from Authorization: Bearer, X-API-Key, or the JSON
// body, in that order.
func (s *Server) handleAdmission(ctx *fasthttp.RequestCtx) {
	credential := credentialFromHeaders(ctx)
	if credential == "" && len(ctx.PostBody()) > 0 {
		var req admissionRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON: "+err.Error(),
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		credential = strings.TrimSpace(req.Credential)
	}

	grant, err := s.admission.Admit(ctx, credential)
	if err != nil {
		s.writeDenial(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, grant)
}

// writeDenial maps an admission error to its HTTP response. Every
// authentication failure gets the same 401 so callers cannot tell unknown
// keys from revoked or expired ones.
func (s *Server) writeDenial(ctx *fasthttp.RequestCtx, err error) {
	d, ok := admission.AsDenial(err)
	if !ok {
		s.log.Error("admission_error",
			slog.String("request_id", requestIDOf(ctx)),
			slog.String("error", err.Error()),
		)
		apierr.WriteUnavailable(ctx, s.retryAfter, "admission unavailable", apierr.CodeAdmissionFailed)
		return
	}

	switch d.Reason.Class() {
	case admission.ClassAuthentication:
		apierr.WriteInvalidKey(ctx)
	case admission.ClassQuota:
		if d.Reason == admission.ReasonRateLimited {
			apierr.WriteRateLimit(ctx)
			return
		}
		apierr.WriteQuotaExceeded(ctx, s.cal.UntilNextDay(s.now()))
	default:
		switch d.Reason {
		case admission.ReasonChannelUnavailable:
			apierr.WriteUnavailable(ctx, s.retryAfter, "the key's channel is unavailable", apierr.CodeChannelUnavailable)
		case admission.ReasonNoChannel:
			apierr.WriteUnavailable(ctx, s.retryAfter, "no upstream channel is available", apierr.CodeNoChannel)
		default:
			apierr.WriteUnavailable(ctx, s.retryAfter, "admission unavailable", apierr.CodeAdmissionFailed)
		}
	}
}

// handleRecordUsage meters one finished call reported by the forwarding
// layer. Metering problems never fail the request; they show up in the
// receipt status.
func (s *Server) handleRecordUsage(ctx *fasthttp.RequestCtx) {
	var rec usage.Record
	if err := json.Unmarshal(ctx.PostBody(), &rec); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON: "+err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	receipt, err := s.meter.Record(ctx, rec)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	writeJSON(ctx, fasthttp.StatusAccepted, receipt)
}

// handleKeyUsage serves GET /v1/keys/{id}/usage?period=daily|monthly.
func (s *Server) handleKeyUsage(ctx *fasthttp.RequestCtx) {
	keyID, _ := ctx.UserValue("id").(string)
	period, err := usage.ParsePeriod(string(ctx.QueryArgs().Peek("period")))
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	report, err := s.query.Report(ctx, keyID, period)
	switch {
	case errors.Is(err, keys.ErrNotFound):
		apierr.Write(ctx, fasthttp.StatusNotFound, "key not found", apierr.TypeNotFound, apierr.CodeNotFound)
	case err != nil:
		s.log.Error("usage_report_failed",
			slog.String("key_id", keyID),
			slog.String("error", err.Error()),
		)
		apierr.WriteUnavailable(ctx, s.retryAfter, "usage store unavailable", apierr.CodeAdmissionFailed)
	default:
		writeJSON(ctx, fasthttp.StatusOK, report)
	}
}

// handleChannelOutcome feeds an externally observed call outcome into the
// channel's circuit breaker.
func (s *Server) handleChannelOutcome(ctx *fasthttp.RequestCtx) {
	channelID, _ := ctx.UserValue("id").(string)
	var req outcomeRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || req.Success == nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, `body must be {"success": true|false}`,
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	s.reportOutcome(channelID, *req.Success)
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (s *Server) reportOutcome(channelID string, ok bool) {
	s.channels.Report(channelID, ok)
	if s.metrics != nil {
		s.metrics.RecordChannelOutcome(channelID, ok)
	}
}

// credentialFromHeaders returns the caller's key from Authorization: Bearer
// or X-API-Key.
func credentialFromHeaders(ctx *fasthttp.RequestCtx) string {
	if token := parseBearerToken(string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization))); token != "" {
		return token
	}
	return strings.TrimSpace(string(ctx.Request.Header.Peek(headerAPIKey)))
}

func parseBearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
