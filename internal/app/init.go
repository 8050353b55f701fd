package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/keygate/internal/admission"
	"github.com/nulpointcorp/keygate/internal/cache"
	"github.com/nulpointcorp/keygate/internal/channel"
	"github.com/nulpointcorp/keygate/internal/keys"
	"github.com/nulpointcorp/keygate/internal/logger"
	"github.com/nulpointcorp/keygate/internal/metrics"
	"github.com/nulpointcorp/keygate/internal/pricing"
	"github.com/nulpointcorp/keygate/internal/proxy"
	"github.com/nulpointcorp/keygate/internal/ratelimit"
	"github.com/nulpointcorp/keygate/internal/store"
	"github.com/nulpointcorp/keygate/internal/upstream"
	"github.com/nulpointcorp/keygate/internal/upstream/anthropic"
	"github.com/nulpointcorp/keygate/internal/upstream/gemini"
	"github.com/nulpointcorp/keygate/internal/upstream/openai"
	"github.com/nulpointcorp/keygate/internal/usage"
)

// initStore opens the configured backend and applies SEED_FILE.
func (a *App) initStore(ctx context.Context) error {
	b, err := OpenBackend(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	a.backend = b

	if a.cfg.SeedFile == "" {
		if b.Kind == store.KindMemory {
			a.log.Warn("no SEED_FILE set; the memory store starts without keys or channels")
		}
		return nil
	}

	seed, err := store.LoadSeedFile(a.cfg.SeedFile)
	if err != nil {
		return err
	}
	created, err := store.ApplySeed(ctx, b.Store, seed)
	if err != nil {
		return err
	}
	a.log.Info("seed applied",
		slog.String("file", a.cfg.SeedFile),
		slog.Int("channels", len(seed.Channels)),
		slog.Int("keys_created", created),
	)
	return nil
}

// initPricing loads PRICING_FILE. Without one every model is unpriced and
// metered at zero cost.
func (a *App) initPricing(_ context.Context) error {
	if a.cfg.Pricing.File == "" {
		a.catalog = pricing.NewCatalog(pricing.NewTable("", nil))
		a.log.Warn("no PRICING_FILE set; all usage is recorded at zero cost")
		return nil
	}

	t, err := pricing.LoadFile(a.cfg.Pricing.File)
	if err != nil {
		return err
	}
	a.catalog = pricing.NewCatalog(t)
	a.log.Info("pricing loaded",
		slog.String("file", a.cfg.Pricing.File),
		slog.String("version", t.Version()),
		slog.Int("models", t.Len()),
	)
	return nil
}

// initServices creates metrics, the usage event sink, the key cache and the
// channel pool.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var w logger.Writer
	if a.cfg.Events.Sink == "clickhouse" {
		ch := a.cfg.Events.ClickHouse
		chw, err := logger.NewClickHouseWriter(ctx, logger.ClickHouseConfig{
			Addr:     ch.Addr,
			Database: ch.Database,
			Username: ch.Username,
			Password: ch.Password,
			Table:    ch.Table,
			UseTLS:   ch.TLS,
		})
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chWriter = chw
		w = chw
		a.log.Info("usage events: clickhouse", slog.String("addr", ch.Addr), slog.String("table", ch.Table))
	}
	events, err := logger.New(a.baseCtx, w, a.log)
	if err != nil {
		return err
	}
	a.events = events

	a.keyCache = cache.NewMemoryCache[keys.Key](a.baseCtx, 0)
	a.keys = keys.NewCachedStore(a.backend.Store, a.keyCache, a.cfg.Admission.KeyCacheTTL)

	ratio := a.cfg.Channels.ProbeRatio
	if ratio == 0 {
		ratio = -1
	}
	a.pool = channel.NewPool(a.backend.Store, channel.PoolOptions{
		Refresh:    a.cfg.Channels.Refresh,
		ProbeRatio: ratio,
		Breaker: channel.BreakerConfig{
			FailureThreshold: a.cfg.Channels.FailureThreshold,
			Cooldown:         a.cfg.Channels.Cooldown,
		},
		Logger: a.log,
	})
	a.pool.Breaker().OnTransition(func(channelID string, to channel.State) {
		a.prom.SetBreakerState(channelID, int64(to))
		a.log.Warn("channel_breaker_transition",
			slog.String("channel_id", channelID),
			slog.String("state", to.String()),
		)
	})

	return nil
}

// initDecision builds the admission controller, the meter and the usage
// query service.
func (a *App) initDecision(_ context.Context) error {
	var limiter admission.Limiter
	if a.backend.Redis != nil {
		limiter = ratelimit.NewRPMLimiter(a.backend.Redis, a.prom)
		a.log.Info("rate limiting: redis (shared across replicas)")
	} else {
		a.local = ratelimit.NewLocalLimiter(a.prom)
		limiter = a.local
		a.log.Info("rate limiting: in-process")
	}

	a.admission = admission.New(a.keys, a.pool, a.backend.Store, admission.Options{
		Timeout:  a.cfg.Admission.Timeout,
		Calendar: a.cal,
		Limiter:  limiter,
		Observer: a.prom,
		Logger:   a.log,
	})

	a.meter = usage.NewMeter(a.catalog, a.backend.Store, usage.MeterOptions{
		Calendar:          a.cal,
		BillFailedPartial: a.cfg.Usage.BillFailedPartial,
		Events:            a.events,
		Observer:          a.prom,
		Logger:            a.log,
	})

	a.query = usage.NewQuery(a.keys, a.backend.Store, a.cal)
	a.retention = usage.NewRetentionCleaner(a.backend.Store, a.cal, a.cfg.Usage.RetentionDays, a.log)

	return nil
}

// initGateway wires upstream forwarders, the health checker and the HTTP
// server.
func (a *App) initGateway(_ context.Context) error {
	fwd := upstream.NewRegistry(
		openai.New(openai.WithTimeout(a.cfg.ProviderTimeout)),
		anthropic.New(anthropic.WithTimeout(a.cfg.ProviderTimeout)),
		gemini.New(a.baseCtx, gemini.WithTimeout(a.cfg.ProviderTimeout)),
	)

	a.health = proxy.NewHealthChecker(a.baseCtx, a.pool, fwd, proxy.HealthOptions{
		Interval:   a.cfg.HealthInterval,
		StoreReady: a.backend.Store.Ping,
		Metrics:    a.prom,
		Logger:     a.log,
	})
	a.pool.SetNudge(a.health.Nudge)

	a.server = proxy.New(proxy.Options{
		Admission:       a.admission,
		Channels:        a.pool,
		Meter:           a.meter,
		Query:           a.query,
		Upstream:        fwd,
		Health:          a.health,
		Metrics:         a.prom,
		Logger:          a.log,
		Calendar:        a.cal,
		CORSOrigins:     a.cfg.CORSOrigins,
		InternalToken:   a.cfg.InternalToken,
		ProviderTimeout: a.cfg.ProviderTimeout,
	})

	if a.cfg.InternalToken == "" {
		a.log.Warn("INTERNAL_TOKEN is not set; admission, usage and channel endpoints are unauthenticated")
	}
	return nil
}
