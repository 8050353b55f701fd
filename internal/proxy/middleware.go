package proxy

import (
	"crypto/subtle"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/keygate/pkg/apierr"
)

// Header names the gateway reads.
const (
	headerRequestID     = "X-Request-ID"
	headerAPIKey        = "X-API-Key"
	headerInternalToken = "X-Internal-Token"
)

type middleware = func(fasthttp.RequestHandler) fasthttp.RequestHandler

// recovery turns a handler panic into a 500 and logs it.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				apierr.Write(ctx, fasthttp.StatusInternalServerError,
					"internal server error", apierr.TypeServerError, apierr.CodeInternalError)
			}
		}()
		next(ctx)
	}
}

// requestID makes sure every request carries an X-Request-ID. A missing one
// is generated. The ID is echoed back and stored as the "request_id" user
// value.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek(headerRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		ctx.Response.Header.Set(headerRequestID, id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

func requestIDOf(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue("request_id").(string)
	return id
}

// timing writes the handler duration to X-Response-Time.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders sets the hardening headers for an API-only server.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "0")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
	}
}

// corsHandler allows every origin for nil or ["*"]. Otherwise the request's
// Origin is echoed back only when it is on the list.
//
// OPTIONS preflights are answered with 204 and no body.
func corsHandler(origins []string) middleware {
	wildcard := len(origins) == 0 || slices.Contains(origins, "*")
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			if wildcard {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Add("Vary", "Origin")
				if origin := string(ctx.Request.Header.Peek("Origin")); slices.Contains(origins, origin) {
					h.Set("Access-Control-Allow-Origin", origin)
				}
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-Request-ID")

			if ctx.IsOptions() {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// requireInternalToken guards the endpoints meant for the forwarding layer
// and operators. An empty token disables the check.
func requireInternalToken(token string) middleware {
	want := []byte(token)
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		if token == "" {
			return next
		}
		return func(ctx *fasthttp.RequestCtx) {
			got := ctx.Request.Header.Peek(headerInternalToken)
			if subtle.ConstantTimeCompare(got, want) != 1 {
				apierr.Write(ctx, fasthttp.StatusUnauthorized,
					"missing or invalid internal token", apierr.TypeAuthenticationErr, apierr.CodeUnauthorized)
				return
			}
			next(ctx)
		}
	}
}

// applyMiddleware wraps h so the first middleware runs outermost:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
