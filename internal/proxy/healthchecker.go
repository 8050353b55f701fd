package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/keygate/internal/channel"
	"github.com/nulpointcorp/keygate/internal/metrics"
)

const (
	defaultHealthInterval = 30 * time.Second
	healthProbeTimeout    = 5 * time.Second
	// minNudgeGap limits how often one family is probed on demand.
	minNudgeGap = time.Second
)

// Component statuses reported by the health endpoints.
const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusDown     = "down"
	statusUnknown  = "unknown"
)

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return statusUnknown
	}
	return s.status
}

// ChannelProber checks one channel's upstream. *upstream.Registry satisfies it.
type ChannelProber interface {
	HealthCheck(ctx context.Context, ch channel.Channel) error
}

// HealthOptions configures a HealthChecker.
type HealthOptions struct {
	// Interval between full probe rounds. Default: 30s.
	Interval time.Duration

	// StoreReady probes the backing store. Nil means always ready.
	StoreReady func(ctx context.Context) error

	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// HealthChecker probes every serviceable channel and the store in the
// background.
//
// A failed channel probe counts as a failure in the channel's breaker. A
// successful probe closes a breaker that is not already closed, which is how
// an isolated channel comes back without waiting for live traffic.
type HealthChecker struct {
	pool   *channel.Pool
	prober ChannelProber
	opts   HealthOptions
	log    *slog.Logger

	baseCtx context.Context

	mu       sync.RWMutex
	channels map[string]*componentStatus
	store    componentStatus

	nudges    chan channel.Family
	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker runs a first probe round synchronously and then keeps
// probing until Close.
func NewHealthChecker(ctx context.Context, pool *channel.Pool, prober ChannelProber, opts HealthOptions) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultHealthInterval
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	hc := &HealthChecker{
		pool:      pool,
		prober:    prober,
		opts:      opts,
		log:       log,
		baseCtx:   ctx,
		channels:  make(map[string]*componentStatus),
		nudges:    make(chan channel.Family, len(channel.Families)),
		startTime: time.Now(),
		done:      make(chan struct{}),
	}

	hc.probe(nil)

	hc.wg.Add(1)
	go hc.run()
	return hc
}

// Nudge asks for an early probe of family's channels. It never blocks;
// nudges arriving while one is pending are dropped.
func (hc *HealthChecker) Nudge(family channel.Family) {
	select {
	case hc.nudges <- family:
	default:
	}
}

// HealthSnapshot is the body of GET /health.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Channels      map[string]string `json:"channels"`
	Store         string            `json:"store"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := statusOK

	hc.mu.RLock()
	chans := make(map[string]string, len(hc.channels))
	for id, s := range hc.channels {
		st := s.get()
		chans[id] = st
		if st != statusOK {
			overall = statusDegraded
		}
	}
	hc.mu.RUnlock()

	store := hc.store.get()
	if store != statusOK {
		overall = statusDegraded
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Channels:      chans,
		Store:         store,
	}
}

// ReadinessOK reports whether the store answered the last probe. Channel
// health does not affect readiness: admission still works, and denies with
// NO_CHANNEL_AVAILABLE, while every upstream is down.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.store.get() == statusOK
}

// Close stops the background probes. It is safe to call more than once.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(hc.opts.Interval)
	defer ticker.Stop()

	lastNudge := make(map[channel.Family]time.Time)
	for {
		select {
		case <-ticker.C:
			hc.probe(nil)
		case f := <-hc.nudges:
			if time.Since(lastNudge[f]) < minNudgeGap {
				continue
			}
			lastNudge[f] = time.Now()
			hc.log.Debug("health_nudge", slog.String("family", string(f)))
			hc.probe(&f)
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

// probe checks the store and the channels of family, or all channels when
// family is nil.
func (hc *HealthChecker) probe(family *channel.Family) {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup

	if family == nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if hc.opts.StoreReady == nil {
				hc.store.set(statusOK)
				return
			}
			if err := hc.opts.StoreReady(ctx); err != nil {
				hc.log.Warn("store_unhealthy", slog.String("error", err.Error()))
				hc.store.set(statusDown)
				return
			}
			hc.store.set(statusOK)
		}()
	}

	chans, err := hc.pool.Serviceable(ctx)
	if err != nil {
		hc.log.Warn("health_channel_list_failed", slog.String("error", err.Error()))
		wg.Wait()
		return
	}
	if family == nil {
		hc.forgetMissing(chans)
	}

	for _, ch := range chans {
		if family != nil && ch.Family != *family {
			continue
		}
		s := hc.statusFor(ch.ID)
		wg.Add(1)
		go func() {
			defer wg.Done()
			hc.probeChannel(ctx, ch, s)
		}()
	}
	wg.Wait()
}

func (hc *HealthChecker) probeChannel(ctx context.Context, ch channel.Channel, s *componentStatus) {
	err := hc.prober.HealthCheck(ctx, ch)
	ok := err == nil
	if ok {
		s.set(statusOK)
		// A tripped channel recovers only through the trial slot, which
		// Allow hands out once the cool-down has elapsed.
		if b := hc.pool.Breaker(); b.State(ch.ID) != channel.StateClosed && b.Allow(ch.ID) {
			hc.pool.Report(ch.ID, true)
		}
	} else {
		s.set(statusDegraded)
		hc.pool.Report(ch.ID, false)
		hc.log.Warn("channel_unhealthy",
			slog.String("channel_id", ch.ID),
			slog.String("family", string(ch.Family)),
			slog.String("error", err.Error()),
		)
	}
	if hc.opts.Metrics != nil {
		hc.opts.Metrics.SetChannelHealth(ch.ID, ok)
	}
}

func (hc *HealthChecker) statusFor(id string) *componentStatus {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	s, ok := hc.channels[id]
	if !ok {
		s = &componentStatus{}
		hc.channels[id] = s
	}
	return s
}

// forgetMissing drops channels that were retired or deactivated since the
// last round.
func (hc *HealthChecker) forgetMissing(current []channel.Channel) {
	keep := make(map[string]struct{}, len(current))
	for _, c := range current {
		keep[c.ID] = struct{}{}
	}
	hc.mu.Lock()
	for id := range hc.channels {
		if _, ok := keep[id]; !ok {
			delete(hc.channels, id)
		}
	}
	hc.mu.Unlock()
}
