// Package apierr writes structured API errors in the OpenAI error format:
//
//	{"error": {"message": "...", "type": "...", "code": "..."}}
package apierr

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeAuthenticationErr = "authentication_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeQuotaError        = "insufficient_quota"
	TypeUnavailable       = "service_unavailable"
	TypeInvalidRequest    = "invalid_request_error"
	TypeNotFound          = "not_found_error"
	TypeProviderError     = "provider_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeInvalidAPIKey      = "invalid_api_key"
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeQuotaExceeded      = "daily_quota_exceeded"
	CodeChannelUnavailable = "channel_unavailable"
	CodeNoChannel          = "no_channel_available"
	CodeAdmissionFailed    = "admission_unavailable"
	CodeInvalidRequest     = "invalid_request"
	CodeNotFound           = "not_found"
	CodeInternalError      = "internal_error"
	CodeProviderError      = "provider_error"
	CodeRequestTimeout     = "request_timeout"
	CodeUnauthorized       = "unauthorized"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteInvalidKey writes the generic 401 used for every authentication
// failure, whatever the underlying reason.
func WriteInvalidKey(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, "invalid api key", TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WriteRateLimit writes a 429 for a per-key RPM limit.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteQuotaExceeded writes a 429 for an exhausted daily cost limit.
// retryAfter is the time until the next day bucket opens.
func WriteQuotaExceeded(ctx *fasthttp.RequestCtx, retryAfter time.Duration) {
	setRetryAfter(ctx, retryAfter)
	Write(ctx, fasthttp.StatusTooManyRequests, "daily spend limit reached", TypeQuotaError, CodeQuotaExceeded)
}

// WriteUnavailable writes a 503 with Retry-After.
func WriteUnavailable(ctx *fasthttp.RequestCtx, retryAfter time.Duration, message, code string) {
	setRetryAfter(ctx, retryAfter)
	Write(ctx, fasthttp.StatusServiceUnavailable, message, TypeUnavailable, code)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	if providerStatus == fasthttp.StatusTooManyRequests {
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
		return
	}
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

func setRetryAfter(ctx *fasthttp.RequestCtx, d time.Duration) {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.FormatInt(secs, 10))
}
