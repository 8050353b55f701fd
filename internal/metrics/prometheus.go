// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// keygate_inflight_requests
	inFlight prometheus.Gauge

	// keygate_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// keygate_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// keygate_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// keygate_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// keygate_admissions_total{result,reason}
	admissions *prometheus.CounterVec

	// keygate_admission_duration_seconds{result}
	admissionDuration *prometheus.HistogramVec

	// keygate_channel_selections_total{family,channel,mode}
	selections *prometheus.CounterVec

	// keygate_channel_outcomes_total{channel,result}
	channelOutcomes *prometheus.CounterVec

	// keygate_channel_breaker_state{channel}: 0=closed, 1=open, 2=half-open
	breakerState *prometheus.GaugeVec

	// keygate_channel_breaker_transitions_total{channel,to_state}
	breakerTransitions *prometheus.CounterVec

	// keygate_channel_health{channel}
	channelHealth *prometheus.GaugeVec

	// keygate_upstream_attempts_total{family,outcome}
	upstreamAttempts *prometheus.CounterVec

	// keygate_upstream_attempt_duration_seconds{family,outcome}
	upstreamDuration *prometheus.HistogramVec

	// keygate_usage_records_total{status}
	usageRecords *prometheus.CounterVec

	// keygate_metering_anomalies_total{kind}
	meteringAnomalies *prometheus.CounterVec

	// keygate_tokens_total{model,direction}
	tokensTotal *prometheus.CounterVec

	// keygate_cost_usd_total{model}
	costTotal *prometheus.CounterVec

	// keygate_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// keygate_usage_events_dropped
	eventsDropped prometheus.Gauge

	// keygate_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keygate_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_http_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keygate_http_request_duration_seconds",
				Help:    "End-to-end HTTP request duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keygate_http_request_size_bytes",
				Help:    "HTTP request body size",
				Buckets: prometheus.ExponentialBuckets(128, 4, 8),
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keygate_http_response_size_bytes",
				Help:    "HTTP response body size",
				Buckets: prometheus.ExponentialBuckets(128, 4, 8),
			},
			[]string{"route", "status"},
		),

		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_admissions_total",
				Help: "Admission decisions by result and denial reason",
			},
			[]string{"result", "reason"},
		),

		admissionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keygate_admission_duration_seconds",
				Help:    "Time spent deciding admission",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2},
			},
			[]string{"result"},
		),

		selections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_channel_selections_total",
				Help: "Pool selections by family, channel and mode (primary|trial|bound)",
			},
			[]string{"family", "channel", "mode"},
		),

		channelOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_channel_outcomes_total",
				Help: "Upstream outcomes reported per channel",
			},
			[]string{"channel", "result"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keygate_channel_breaker_state",
				Help: "Circuit breaker state per channel (0=closed, 1=open, 2=half-open)",
			},
			[]string{"channel"},
		),

		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_channel_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"channel", "to_state"},
		),

		channelHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keygate_channel_health",
				Help: "Result of the last background probe (1=ok, 0=failed)",
			},
			[]string{"channel"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_upstream_attempts_total",
				Help: "Upstream calls made by the built-in forwarder",
			},
			[]string{"family", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keygate_upstream_attempt_duration_seconds",
				Help:    "Duration of upstream calls made by the built-in forwarder",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"family", "outcome"},
		),

		usageRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_usage_records_total",
				Help: "Usage records by receipt status (recorded|duplicate|anomaly)",
			},
			[]string{"status"},
		),

		meteringAnomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_metering_anomalies_total",
				Help: "Metering anomalies by kind",
			},
			[]string{"kind"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_tokens_total",
				Help: "Metered tokens by model and direction",
			},
			[]string{"model", "direction"},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_cost_usd_total",
				Help: "Metered cost in USD by model",
			},
			[]string{"model"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_ratelimit_total",
				Help: "Per-key rate limit checks (allowed|blocked|error)",
			},
			[]string{"result"},
		),

		eventsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keygate_usage_events_dropped",
			Help: "Usage events dropped because the event log buffer was full",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keygate_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.admissions,
		r.admissionDuration,
		r.selections,
		r.channelOutcomes,
		r.breakerState,
		r.breakerTransitions,
		r.channelHealth,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.usageRecords,
		r.meteringAnomalies,
		r.tokensTotal,
		r.costTotal,
		r.rateLimitTotal,
		r.eventsDropped,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveAdmission records one admission decision. reason is empty for grants.
func (r *Registry) ObserveAdmission(reason string, dur time.Duration) {
	result := "granted"
	if reason != "" {
		result = "denied"
	} else {
		reason = "none"
	}
	r.admissions.WithLabelValues(result, reason).Inc()
	r.admissionDuration.WithLabelValues(result).Observe(dur.Seconds())
}

func (r *Registry) RecordSelection(family, channelID, mode string) {
	r.selections.WithLabelValues(family, channelID, mode).Inc()
}

func (r *Registry) RecordChannelOutcome(channelID string, ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	r.channelOutcomes.WithLabelValues(channelID, result).Inc()
}

// SetBreakerState sets the breaker state gauge and increments a transition
// counter when the state changes.
func (r *Registry) SetBreakerState(channelID string, state int64) {
	r.breakerState.WithLabelValues(channelID).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[channelID]
	if !ok || prev != float64(state) {
		r.lastCBState[channelID] = float64(state)
		r.breakerTransitions.WithLabelValues(channelID, strconv.FormatInt(state, 10)).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) SetChannelHealth(channelID string, ok bool) {
	if ok {
		r.channelHealth.WithLabelValues(channelID).Set(1)
		return
	}
	r.channelHealth.WithLabelValues(channelID).Set(0)
}

// ObserveUpstreamAttempt records one upstream call.
func (r *Registry) ObserveUpstreamAttempt(family, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(family, outcome).Inc()
	r.upstreamDuration.WithLabelValues(family, outcome).Observe(dur.Seconds())
}

// RecordUsage counts a usage receipt and, for applied records, the metered
// tokens and cost.
func (r *Registry) RecordUsage(model, status string, input, output, cacheWrite, cacheRead int64, costNanos int64) {
	r.usageRecords.WithLabelValues(status).Inc()
	if status != "recorded" {
		return
	}
	add := func(direction string, n int64) {
		if n > 0 {
			r.tokensTotal.WithLabelValues(model, direction).Add(float64(n))
		}
	}
	add("input", input)
	add("output", output)
	add("cache_write", cacheWrite)
	add("cache_read", cacheRead)
	if costNanos > 0 {
		r.costTotal.WithLabelValues(model).Add(float64(costNanos) / 1e9)
	}
}

func (r *Registry) RecordMeteringAnomaly(kind string) {
	r.meteringAnomalies.WithLabelValues(kind).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) SetEventsDropped(n int64) {
	r.eventsDropped.Set(float64(n))
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
