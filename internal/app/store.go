package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/keygate/internal/config"
	"github.com/nulpointcorp/keygate/internal/store"
	"github.com/nulpointcorp/keygate/internal/store/memstore"
	"github.com/nulpointcorp/keygate/internal/store/redisstore"
	"github.com/nulpointcorp/keygate/internal/store/sqlstore"
)

// Backend is an opened store plus the Redis client behind it, if any.
type Backend struct {
	Kind  store.Kind
	Store store.Store
	// Redis is non-nil whenever REDIS_URL is set, including for the sql
	// and memory stores, so the rate limiter can share it.
	Redis *redis.Client
}

// Close releases the store and the Redis client.
func (b *Backend) Close() error {
	var first error
	if b.Store != nil {
		first = b.Store.Close()
	}
	if b.Redis != nil {
		if err := b.Redis.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// OpenBackend connects the store selected by cfg.Store. SQL schemas are
// migrated before returning.
func OpenBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Backend, error) {
	kind, err := store.ParseKind(cfg.Store)
	if err != nil {
		return nil, err
	}
	b := &Backend{Kind: kind}

	if cfg.Redis.URL != "" {
		log.Info("connecting to redis", slog.String("url", redactURL(cfg.Redis.URL)))
		rdb, err := connectRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		b.Redis = rdb
		log.Info("redis connected")
	}

	switch kind {
	case store.KindMemory:
		b.Store = memstore.New(cfg.Usage.IdempotencyTTL)
		log.Warn("store backend: memory (state is lost on restart and not shared across replicas)")

	case store.KindRedis:
		b.Store = redisstore.New(b.Redis, cfg.Usage.IdempotencyTTL)
		log.Info("store backend: redis")

	case store.KindSQL:
		s, err := sqlstore.Open(cfg.DatabaseDSN, cfg.Usage.IdempotencyTTL)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("sql: %w", err)
		}
		b.Store = s
		if err := s.Migrate(ctx); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("sql migrate: %w", err)
		}
		log.Info("store backend: sql", slog.String("dialect", s.Dialect()))
	}

	return b, nil
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
