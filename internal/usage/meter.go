package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/keygate/internal/logger"
	"github.com/nulpointcorp/keygate/internal/pricing"
)

// MaxCallIDLen bounds Record.CallID; stores index call IDs in fixed-width
// columns.
const MaxCallIDLen = 128

// Record describes one finished upstream call. At is when the call finished
// as the reporter saw it; it is informational only. Usage always lands in
// the bucket of the day the record is received.
type Record struct {
	CallID    string         `json:"call_id"`
	KeyID     string         `json:"key_id"`
	ChannelID string         `json:"channel_id"`
	Model     string         `json:"model"`
	Outcome   Outcome        `json:"outcome"`
	Tokens    pricing.Tokens `json:"tokens"`
	At        time.Time      `json:"at"`
}

// Validate rejects records that cannot be attributed.
func (r Record) Validate() error {
	if r.KeyID == "" {
		return fmt.Errorf("usage: record: key_id is required")
	}
	if r.Model == "" {
		return fmt.Errorf("usage: record: model is required")
	}
	if len(r.CallID) > MaxCallIDLen {
		return fmt.Errorf("usage: record: call_id longer than %d bytes", MaxCallIDLen)
	}
	if _, err := ParseOutcome(string(r.Outcome)); err != nil {
		return fmt.Errorf("usage: record: %w", err)
	}
	if err := r.Tokens.Validate(); err != nil {
		return fmt.Errorf("usage: record: %w", err)
	}
	return nil
}

// ReceiptStatus tells the caller what happened to a record.
type ReceiptStatus string

const (
	ReceiptRecorded  ReceiptStatus = "recorded"
	ReceiptDuplicate ReceiptStatus = "duplicate"
	ReceiptAnomaly   ReceiptStatus = "anomaly"
)

// Receipt acknowledges a record.
type Receipt struct {
	CallID       string        `json:"call_id"`
	Status       ReceiptStatus `json:"status"`
	Day          string        `json:"day"`
	Cost         pricing.Nanos `json:"cost_nanos"`
	Priced       bool          `json:"priced"`
	PriceVersion string        `json:"price_version,omitempty"`
}

// EventSink receives applied records. *logger.Logger satisfies it.
type EventSink interface {
	Log(e logger.UsageEvent)
}

// MeterObserver receives metering metrics. *metrics.Registry satisfies it.
type MeterObserver interface {
	RecordUsage(model, status string, input, output, cacheWrite, cacheRead int64, costNanos int64)
	RecordMeteringAnomaly(kind string)
}

// MeterOptions configures a Meter.
type MeterOptions struct {
	Calendar Calendar
	// BillFailedPartial counts tokens reported on failed calls.
	BillFailedPartial bool
	Events            EventSink
	Observer          MeterObserver
	Logger            *slog.Logger
}

// Meter turns records into aggregate increments.
type Meter struct {
	catalog     *pricing.Catalog
	store       Store
	cal         Calendar
	billPartial bool
	events      EventSink
	obs         MeterObserver
	log         *slog.Logger
	now         func() time.Time
}

// NewMeter returns a Meter pricing records from catalog into store.
func NewMeter(catalog *pricing.Catalog, store Store, opts MeterOptions) *Meter {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if catalog == nil {
		catalog = pricing.NewCatalog(nil)
	}
	return &Meter{
		catalog:     catalog,
		store:       store,
		cal:         opts.Calendar,
		billPartial: opts.BillFailedPartial,
		events:      opts.Events,
		obs:         opts.Observer,
		log:         log,
		now:         time.Now,
	}
}

// Record prices rec and applies it. The only error is an invalid record;
// pricing gaps and storage failures come back as an anomaly receipt so the
// caller's response is never failed by metering.
func (m *Meter) Record(ctx context.Context, rec Record) (Receipt, error) {
	if err := rec.Validate(); err != nil {
		return Receipt{}, err
	}
	rec.Outcome, _ = ParseOutcome(string(rec.Outcome))
	if rec.CallID == "" {
		rec.CallID = uuid.NewString()
	}
	now := m.now()
	if rec.At.IsZero() || rec.At.After(now) {
		rec.At = now
	}

	table := m.catalog.Current()
	delta, priced := m.delta(table, rec)

	receipt := Receipt{
		CallID:       rec.CallID,
		Day:          m.cal.Day(now),
		Cost:         delta.Cost,
		Priced:       priced,
		PriceVersion: table.Version(),
	}

	if !priced {
		m.anomaly("unpriced_model", rec, nil)
	}

	bucket := Bucket{KeyID: rec.KeyID, Model: rec.Model, Day: receipt.Day}
	applied, err := m.store.Increment(ctx, bucket, delta, rec.CallID)
	switch {
	case err != nil:
		receipt.Status = ReceiptAnomaly
		m.anomaly("store_write_failed", rec, err)
	case !applied:
		receipt.Status = ReceiptDuplicate
		m.log.Debug("usage_duplicate",
			slog.String("call_id", rec.CallID),
			slog.String("key_id", rec.KeyID),
		)
	default:
		receipt.Status = ReceiptRecorded
		m.publish(rec, receipt, delta)
	}

	if m.obs != nil {
		m.obs.RecordUsage(rec.Model, string(receipt.Status),
			delta.Tokens.Input, delta.Tokens.Output, delta.Tokens.CacheWrite, delta.Tokens.CacheRead,
			int64(delta.Cost))
	}
	return receipt, nil
}

func (m *Meter) delta(table *pricing.Table, rec Record) (Counters, bool) {
	d := Counters{Requests: 1}
	billTokens := true
	if rec.Outcome == OutcomeSuccess {
		d.Successes = 1
	} else {
		d.Failures = 1
		billTokens = m.billPartial
	}
	if !billTokens {
		return d, true
	}

	d.Tokens = rec.Tokens
	cost, ok := table.Cost(rec.Model, rec.Tokens)
	d.Cost = cost
	return d, ok
}

func (m *Meter) publish(rec Record, receipt Receipt, delta Counters) {
	if m.events == nil {
		return
	}
	m.events.Log(logger.UsageEvent{
		CallID:           rec.CallID,
		KeyID:            rec.KeyID,
		ChannelID:        rec.ChannelID,
		Model:            rec.Model,
		Outcome:          string(rec.Outcome),
		Day:              receipt.Day,
		InputTokens:      delta.Tokens.Input,
		OutputTokens:     delta.Tokens.Output,
		CacheWriteTokens: delta.Tokens.CacheWrite,
		CacheReadTokens:  delta.Tokens.CacheRead,
		CostNanos:        int64(delta.Cost),
		PriceVersion:     receipt.PriceVersion,
		CreatedAt:        rec.At,
	})
}

func (m *Meter) anomaly(kind string, rec Record, err error) {
	attrs := []any{
		slog.String("kind", kind),
		slog.String("call_id", rec.CallID),
		slog.String("key_id", rec.KeyID),
		slog.String("channel_id", rec.ChannelID),
		slog.String("model", rec.Model),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	m.log.Warn("metering_anomaly", attrs...)
	if m.obs != nil {
		m.obs.RecordMeteringAnomaly(kind)
	}
}
