// Package sqlstore keeps keys, channels and usage aggregates in PostgreSQL or
// SQLite through GORM.
//
// Usage increments are a single INSERT ... ON CONFLICT DO UPDATE that adds the
// excluded row to the stored one, so concurrent writers never lose updates.
// The call receipt is inserted in the same transaction.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nulpointcorp/keygate/internal/channel"
	"github.com/nulpointcorp/keygate/internal/keys"
	"github.com/nulpointcorp/keygate/internal/pricing"
	"github.com/nulpointcorp/keygate/internal/store"
	"github.com/nulpointcorp/keygate/internal/usage"
)

// Store implements store.Store on a SQL database.
type Store struct {
	db      *gorm.DB
	dialect string
	ttl     time.Duration
	now     func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn. Postgres URLs and key=value DSNs select Postgres;
// file paths and file:/sqlite:// DSNs select SQLite.
func Open(dsn string, idempotencyTTL time.Duration) (*Store, error) {
	db, dialect, err := openDB(dsn)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, dialect: dialect, ttl: idempotencyTTL, now: time.Now}, nil
}

// Dialect reports which database the store is connected to.
func (s *Store) Dialect() string { return s.dialect }

// Migrate creates or updates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

// LookupByHash implements keys.Store.
func (s *Store) LookupByHash(ctx context.Context, hash string) (keys.Key, error) {
	var row APIKey
	err := s.db.WithContext(ctx).
		Where("secret_hash = ? AND deleted_at IS NULL", hash).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return keys.Key{}, keys.ErrNotFound
	}
	if err != nil {
		return keys.Key{}, fmt.Errorf("sqlstore: lookup hash: %w", err)
	}
	return row.key(), nil
}

// GetKey implements keys.Store.
func (s *Store) GetKey(ctx context.Context, id string) (keys.Key, error) {
	var row APIKey
	err := s.db.WithContext(ctx).
		Where("id = ? AND deleted_at IS NULL", id).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return keys.Key{}, keys.ErrNotFound
	}
	if err != nil {
		return keys.Key{}, fmt.Errorf("sqlstore: get key %s: %w", id, err)
	}
	return row.key(), nil
}

// CreateKey implements store.Store.
func (s *Store) CreateKey(ctx context.Context, k keys.Key) error {
	if err := store.ValidateKey(k); err != nil {
		return err
	}
	row := apiKeyFrom(k)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&APIKey{}).
			Where("id = ? OR secret_hash = ?", row.ID, row.SecretHash).
			Count(&n).Error; err != nil {
			return fmt.Errorf("sqlstore: create key: %w", err)
		}
		if n > 0 {
			return store.ErrExists
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("sqlstore: create key: %w", err)
		}
		return nil
	})
}

// SaveKey implements store.Store.
func (s *Store) SaveKey(ctx context.Context, k keys.Key) error {
	if err := store.ValidateKey(k); err != nil {
		return err
	}
	row := apiKeyFrom(k)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev APIKey
		err := tx.Where("id = ?", row.ID).Take(&prev).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return keys.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("sqlstore: save key: %w", err)
		}
		if prev.SecretHash != row.SecretHash {
			var n int64
			if err := tx.Model(&APIKey{}).
				Where("secret_hash = ? AND id <> ?", row.SecretHash, row.ID).
				Count(&n).Error; err != nil {
				return fmt.Errorf("sqlstore: save key: %w", err)
			}
			if n > 0 {
				return store.ErrExists
			}
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = prev.CreatedAt
		}
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("sqlstore: save key %s: %w", row.ID, err)
		}
		return nil
	})
}

// ListChannels implements channel.Store.
func (s *Store) ListChannels(ctx context.Context) ([]channel.Channel, error) {
	var rows []Channel
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: list channels: %w", err)
	}
	out := make([]channel.Channel, len(rows))
	for i, r := range rows {
		out[i] = r.channel()
	}
	return out, nil
}

// GetChannel implements channel.Store.
func (s *Store) GetChannel(ctx context.Context, id string) (channel.Channel, error) {
	var row Channel
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return channel.Channel{}, channel.ErrNotFound
	}
	if err != nil {
		return channel.Channel{}, fmt.Errorf("sqlstore: get channel %s: %w", id, err)
	}
	return row.channel(), nil
}

// SaveChannel implements store.Store.
func (s *Store) SaveChannel(ctx context.Context, c channel.Channel) error {
	if err := store.ValidateChannel(c); err != nil {
		return err
	}
	row := Channel{
		ID:         c.ID,
		Family:     string(c.Family),
		Name:       c.Name,
		BaseURL:    c.BaseURL,
		Credential: c.Credential,
		Active:     c.Active,
		Deleted:    c.Deleted,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("sqlstore: save channel %s: %w", c.ID, err)
	}
	return nil
}

var counterColumns = []string{
	"requests",
	"successes",
	"failures",
	"input_tokens",
	"output_tokens",
	"cache_write_tokens",
	"cache_read_tokens",
	"cost_nanos",
}

func incrementAssignments() clause.Set {
	set := make(map[string]any, len(counterColumns)+1)
	for _, col := range counterColumns {
		set[col] = gorm.Expr(fmt.Sprintf("%s.%s + excluded.%s", UsageAggregate{}.TableName(), col, col))
	}
	set["updated_at"] = gorm.Expr("excluded.updated_at")
	return clause.Assignments(set)
}

// Increment implements usage.Store.
func (s *Store) Increment(ctx context.Context, b usage.Bucket, d usage.Counters, callID string) (bool, error) {
	now := s.now().UTC()
	applied := true

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if callID != "" {
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&UsageReceipt{KeyID: b.KeyID, CallID: callID, ExpiresAt: now.Add(s.ttl)})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Seen before; reclaim the receipt only if it has expired.
				res = tx.Model(&UsageReceipt{}).
					Where("key_id = ? AND call_id = ? AND expires_at <= ?", b.KeyID, callID, now).
					Update("expires_at", now.Add(s.ttl))
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected == 0 {
					applied = false
					return nil
				}
			}
		}

		row := UsageAggregate{
			KeyID:            b.KeyID,
			Day:              b.Day,
			Model:            b.Model,
			Requests:         d.Requests,
			Successes:        d.Successes,
			Failures:         d.Failures,
			InputTokens:      d.Tokens.Input,
			OutputTokens:     d.Tokens.Output,
			CacheWriteTokens: d.Tokens.CacheWrite,
			CacheReadTokens:  d.Tokens.CacheRead,
			CostNanos:        int64(d.Cost),
			UpdatedAt:        now,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key_id"}, {Name: "day"}, {Name: "model"}},
			DoUpdates: incrementAssignments(),
		}).Create(&row).Error
	})
	if err != nil {
		return false, fmt.Errorf("sqlstore: increment: %w", err)
	}
	return applied, nil
}

// Aggregates implements usage.Store.
func (s *Store) Aggregates(ctx context.Context, keyID, fromDay, toDay string) ([]usage.Aggregate, error) {
	var rows []UsageAggregate
	err := s.db.WithContext(ctx).
		Where("key_id = ? AND day >= ? AND day <= ?", keyID, fromDay, toDay).
		Order("day, model").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sqlstore: aggregates: %w", err)
	}
	out := make([]usage.Aggregate, len(rows))
	for i, r := range rows {
		out[i] = r.aggregate()
	}
	return out, nil
}

// DayCost implements usage.Store.
func (s *Store) DayCost(ctx context.Context, keyID, day string) (pricing.Nanos, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&UsageAggregate{}).
		Select("COALESCE(SUM(cost_nanos), 0)").
		Where("key_id = ? AND day = ?", keyID, day).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("sqlstore: day cost: %w", err)
	}
	return pricing.Nanos(total), nil
}

// Prune implements usage.Store. Expired call receipts are dropped too.
func (s *Store) Prune(ctx context.Context, beforeDay string) (int64, error) {
	res := s.db.WithContext(ctx).Where("day < ?", beforeDay).Delete(&UsageAggregate{})
	if res.Error != nil {
		return 0, fmt.Errorf("sqlstore: prune aggregates: %w", res.Error)
	}
	if err := s.db.WithContext(ctx).
		Where("expires_at <= ?", s.now().UTC()).
		Delete(&UsageReceipt{}).Error; err != nil {
		return res.RowsAffected, fmt.Errorf("sqlstore: prune receipts: %w", err)
	}
	return res.RowsAffected, nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close implements store.Store.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
