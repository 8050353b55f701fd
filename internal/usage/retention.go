package usage

import (
	"context"
	"log/slog"
	"time"
)

const defaultRetentionInterval = 6 * time.Hour

// RetentionCleaner periodically prunes day buckets older than a fixed number
// of days.
type RetentionCleaner struct {
	store    Store
	cal      Calendar
	days     int
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// NewRetentionCleaner returns nil when days <= 0 (keep forever); a nil
// cleaner's Run returns immediately.
func NewRetentionCleaner(store Store, cal Calendar, days int, log *slog.Logger) *RetentionCleaner {
	if store == nil || days <= 0 {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	return &RetentionCleaner{
		store:    store,
		cal:      cal,
		days:     days,
		interval: defaultRetentionInterval,
		log:      log,
		now:      time.Now,
	}
}

// Run prunes once immediately and then every interval until ctx is done.
func (c *RetentionCleaner) Run(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.log.Info("usage_retention_started",
		slog.Int("retention_days", c.days),
		slog.Duration("interval", c.interval),
	)
	for {
		if ctx.Err() != nil {
			return nil
		}
		c.cleanupOnce(ctx)

		timer := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *RetentionCleaner) cleanupOnce(ctx context.Context) {
	cutoff := c.cal.DaysBefore(c.now(), c.days)
	n, err := c.store.Prune(ctx, cutoff)
	if err != nil {
		c.log.Warn("usage_retention_failed",
			slog.String("cutoff", cutoff),
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		c.log.Info("usage_retention_pruned",
			slog.Int64("buckets", n),
			slog.String("cutoff", cutoff),
		)
	}
}
