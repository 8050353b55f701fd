// Package proxy is the gateway's HTTP surface.
//
// The internal endpoints let an external forwarding layer admit credentials,
// report channel outcomes and record usage. /v1/chat/completions runs the
// same steps in-process: admit, forward to the granted channel, report the
// outcome, meter the call.
package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/keygate/internal/admission"
	"github.com/nulpointcorp/keygate/internal/channel"
	"github.com/nulpointcorp/keygate/internal/metrics"
	"github.com/nulpointcorp/keygate/internal/upstream"
	"github.com/nulpointcorp/keygate/internal/usage"
)

// DefaultRetryAfter is sent with 503 responses.
const DefaultRetryAfter = 5 * time.Second

// Admitter decides whether a credential may make a call.
type Admitter interface {
	Admit(ctx context.Context, credential string) (admission.Grant, error)
}

// OutcomeReporter receives per-channel call outcomes. *channel.Pool
// satisfies it.
type OutcomeReporter interface {
	Report(channelID string, ok bool)
}

// UsageRecorder meters finished calls. *usage.Meter satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) (usage.Receipt, error)
}

// UsageReporter answers usage reports. *usage.Query satisfies it.
type UsageReporter interface {
	Report(ctx context.Context, keyID string, period usage.Period) (usage.Report, error)
}

// Forwarder sends a chat call to a channel. *upstream.Registry satisfies it.
type Forwarder interface {
	Forward(ctx context.Context, ch channel.Channel, req *upstream.Request) (*upstream.Response, error)
}

// Options holds the server's collaborators. Admission, Channels, Meter and
// Query are required; Upstream is required only for chat completions.
type Options struct {
	Admission Admitter
	Channels  OutcomeReporter
	Meter     UsageRecorder
	Query     UsageReporter
	Upstream  Forwarder

	Health  *HealthChecker
	Metrics *metrics.Registry
	Logger  *slog.Logger

	// Calendar decides when a quota denial can be retried.
	Calendar usage.Calendar

	CORSOrigins []string

	// InternalToken guards the internal endpoints. Empty disables the check.
	InternalToken string

	// ProviderTimeout bounds one upstream call. Default: upstream.DefaultTimeout.
	ProviderTimeout time.Duration

	// RetryAfter is advertised on 503 responses. Default: DefaultRetryAfter.
	RetryAfter time.Duration
}

// Server serves the gateway API.
type Server struct {
	admission Admitter
	channels  OutcomeReporter
	meter     UsageRecorder
	query     UsageReporter
	upstream  Forwarder

	health  *HealthChecker
	metrics *metrics.Registry
	log     *slog.Logger
	cal     usage.Calendar

	corsOrigins     []string
	internalToken   string
	providerTimeout time.Duration
	retryAfter      time.Duration
	now             func() time.Time

	srv *fasthttp.Server
}

// New returns a Server. It panics when a required collaborator is missing.
func New(opts Options) *Server {
	if opts.Admission == nil || opts.Channels == nil || opts.Meter == nil || opts.Query == nil {
		panic("proxy: admission, channels, meter and query are required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.ProviderTimeout
	if timeout <= 0 {
		timeout = upstream.DefaultTimeout
	}
	retryAfter := opts.RetryAfter
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}

	s := &Server{
		admission:       opts.Admission,
		channels:        opts.Channels,
		meter:           opts.Meter,
		query:           opts.Query,
		upstream:        opts.Upstream,
		health:          opts.Health,
		metrics:         opts.Metrics,
		log:             log,
		cal:             opts.Calendar,
		corsOrigins:     opts.CORSOrigins,
		internalToken:   opts.InternalToken,
		providerTimeout: timeout,
		retryAfter:      retryAfter,
		now:             time.Now,
	}
	s.srv = &fasthttp.Server{
		Handler:               s.Handler(),
		Name:                  "keygate",
		ReadTimeout:           60 * time.Second,
		WriteTimeout:          timeout + 10*time.Second,
		IdleTimeout:           120 * time.Second,
		NoDefaultServerHeader: true,
	}
	return s
}

// Handler returns the routed handler with the full middleware chain.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()
	internal := requireInternalToken(s.internalToken)

	r.POST("/v1/admissions", s.instrument("/v1/admissions", internal(s.handleAdmission)))
	r.POST("/v1/usage", s.instrument("/v1/usage", internal(s.handleRecordUsage)))
	r.GET("/v1/keys/{id}/usage", s.instrument("/v1/keys/{id}/usage", internal(s.handleKeyUsage)))
	r.POST("/v1/channels/{id}/outcome", s.instrument("/v1/channels/{id}/outcome", internal(s.handleChannelOutcome)))
	r.POST("/v1/chat/completions", s.instrument("/v1/chat/completions", s.handleChatCompletions))

	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// ListenAndServe serves on addr (e.g. ":8080") until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	return s.srv.ListenAndServe(addr)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

// instrument records in-flight and end-to-end HTTP metrics for route.
func (s *Server) instrument(route string, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if s.metrics == nil {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		s.metrics.IncInFlight()
		defer func() {
			s.metrics.DecInFlight()
			s.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start),
				len(ctx.PostBody()), len(ctx.Response.Body()))
		}()
		next(ctx)
	}
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, s.health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health == nil || s.health.ReadinessOK() {
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}
