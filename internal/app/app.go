// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore: backend connection, schema, seed data
//  2. initPricing: model price table
//  3. initServices: metrics, usage event sink, key cache, channel pool
//  4. initDecision: admission controller, meter, usage query
//  5. initGateway: upstream forwarders, health checker, HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/keygate/internal/admission"
	"github.com/nulpointcorp/keygate/internal/cache"
	"github.com/nulpointcorp/keygate/internal/channel"
	"github.com/nulpointcorp/keygate/internal/config"
	"github.com/nulpointcorp/keygate/internal/keys"
	"github.com/nulpointcorp/keygate/internal/logger"
	"github.com/nulpointcorp/keygate/internal/metrics"
	"github.com/nulpointcorp/keygate/internal/pricing"
	"github.com/nulpointcorp/keygate/internal/proxy"
	"github.com/nulpointcorp/keygate/internal/ratelimit"
	"github.com/nulpointcorp/keygate/internal/usage"
)

// limiterSweepInterval is how often idle in-process limiter entries are
// dropped.
const limiterSweepInterval = 5 * time.Minute

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	backend *Backend
	catalog *pricing.Catalog
	cal     usage.Calendar

	prom     *metrics.Registry
	chWriter *logger.ClickHouseWriter
	events   *logger.Logger
	keyCache *cache.MemoryCache[keys.Key]
	keys     *keys.CachedStore
	pool     *channel.Pool
	local    *ratelimit.LocalLimiter

	admission *admission.Controller
	meter     *usage.Meter
	query     *usage.Query
	retention *usage.RetentionCleaner

	health *proxy.HealthChecker
	server *proxy.Server

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{
		cfg:     cfg,
		version: version,
		baseCtx: ctx,
		log:     log,
		cal:     usage.NewCalendar(cfg.BucketLocation),
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"pricing", a.initPricing},
		{"services", a.initServices},
		{"decision", a.initDecision},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the background jobs, and blocks until ctx
// is cancelled or the server fails. It closes the app when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting keygate",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("store", string(a.backend.Kind)),
		slog.String("bucket_timezone", a.cal.Location().String()),
		slog.Int("priced_models", a.catalog.Current().Len()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.ListenAndServe(addr)
	})

	if a.cfg.Pricing.File != "" && a.cfg.Pricing.Refresh > 0 {
		g.Go(func() error {
			pricing.WatchFile(gctx, a.catalog, a.cfg.Pricing.File, a.cfg.Pricing.Refresh, a.log)
			return nil
		})
	}

	if a.local != nil {
		g.Go(func() error { return a.local.Run(gctx, limiterSweepInterval) })
	}

	g.Go(func() error { return a.retention.Run(gctx) })

	g.Go(func() error {
		a.reportEventsDropped(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// reportEventsDropped publishes the usage event sink's drop counter until
// ctx is done.
func (a *App) reportEventsDropped(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.prom.SetEventsDropped(a.events.Dropped())
		}
	}
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.health != nil {
			a.health.Close()
		}
		if a.events != nil {
			if err := a.events.Close(); err != nil {
				a.log.Error("event sink close error", slog.String("error", err.Error()))
			}
		}
		if a.chWriter != nil {
			if err := a.chWriter.Close(); err != nil {
				a.log.Error("clickhouse close error", slog.String("error", err.Error()))
			}
		}
		if a.keyCache != nil {
			a.keyCache.Close()
		}
		if a.backend != nil {
			if err := a.backend.Close(); err != nil {
				a.log.Error("store close error", slog.String("error", err.Error()))
			}
		}
	})
}
