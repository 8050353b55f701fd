package logger

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig holds ClickHouse connection settings for the event log.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
	UseTLS   bool
}

const createUsageEventsTable = `
CREATE TABLE IF NOT EXISTS %s (
	call_id            String,
	key_id             String,
	channel_id         String,
	model              LowCardinality(String),
	outcome            LowCardinality(String),
	day                Date,
	input_tokens       Int64,
	output_tokens      Int64,
	cache_write_tokens Int64,
	cache_read_tokens  Int64,
	cost_nanos         Int64,
	price_version      LowCardinality(String),
	created_at         DateTime64(3, 'UTC')
) ENGINE = ReplacingMergeTree
PARTITION BY toYYYYMM(day)
ORDER BY (key_id, day, call_id)`

// ClickHouseWriter appends usage events to a ClickHouse table.
type ClickHouseWriter struct {
	conn  driver.Conn
	table string
}

// NewClickHouseWriter connects, pings, and makes sure the events table
// exists.
func NewClickHouseWriter(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseWriter, error) {
	table := cfg.Table
	if table == "" {
		table = "usage_events"
	}

	opts := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    5,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	}
	if cfg.UseTLS {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("logger: clickhouse open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("logger: clickhouse ping: %w", err)
	}

	if err := conn.Exec(ctx, fmt.Sprintf(createUsageEventsTable, table)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("logger: clickhouse create table: %w", err)
	}

	return &ClickHouseWriter{conn: conn, table: table}, nil
}

// WriteBatch implements Writer.
func (w *ClickHouseWriter) WriteBatch(ctx context.Context, events []UsageEvent) error {
	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO "+w.table)
	if err != nil {
		return fmt.Errorf("logger: clickhouse prepare: %w", err)
	}

	for _, e := range events {
		day, err := time.Parse(time.DateOnly, e.Day)
		if err != nil {
			day = normalizeTime(e.CreatedAt)
		}
		if err := batch.Append(
			e.CallID,
			e.KeyID,
			e.ChannelID,
			e.Model,
			e.Outcome,
			day,
			e.InputTokens,
			e.OutputTokens,
			e.CacheWriteTokens,
			e.CacheReadTokens,
			e.CostNanos,
			e.PriceVersion,
			normalizeTime(e.CreatedAt),
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("logger: clickhouse append: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("logger: clickhouse send: %w", err)
	}
	return nil
}

// Ping checks connectivity, for readiness probes.
func (w *ClickHouseWriter) Ping(ctx context.Context) error {
	return w.conn.Ping(ctx)
}

// Close releases the connection pool.
func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}
