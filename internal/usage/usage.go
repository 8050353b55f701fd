// Package usage meters upstream calls into daily aggregates and answers
// usage queries over them.
//
// Aggregates are keyed by (key, model, day). The day boundary is fixed by a
// Calendar in one configured time zone, so a record's bucket never moves
// once it has been written. Stores apply every delta as a single atomic
// increment; the gateway never reads, adds and writes back.
package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nulpointcorp/keygate/internal/pricing"
)

// DayLayout is the wire and storage format of a day bucket.
const DayLayout = time.DateOnly

// Outcome of an upstream call.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
)

// ParseOutcome validates s.
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(strings.ToUpper(strings.TrimSpace(s))); o {
	case OutcomeSuccess, OutcomeFailure:
		return o, nil
	default:
		return "", fmt.Errorf("usage: unknown outcome %q", s)
	}
}

// Counters are the additive fields of an aggregate.
type Counters struct {
	Requests  int64          `json:"requests"`
	Successes int64          `json:"successes"`
	Failures  int64          `json:"failures"`
	Tokens    pricing.Tokens `json:"tokens"`
	Cost      pricing.Nanos  `json:"cost_nanos"`
}

// Add returns c + o.
func (c Counters) Add(o Counters) Counters {
	return Counters{
		Requests:  c.Requests + o.Requests,
		Successes: c.Successes + o.Successes,
		Failures:  c.Failures + o.Failures,
		Tokens:    c.Tokens.Add(o.Tokens),
		Cost:      c.Cost + o.Cost,
	}
}

// Bucket identifies one aggregate row.
type Bucket struct {
	KeyID string `json:"key_id"`
	Model string `json:"model"`
	Day   string `json:"day"`
}

func (b Bucket) validate() error {
	if b.KeyID == "" {
		return fmt.Errorf("usage: bucket: key id is required")
	}
	if b.Model == "" {
		return fmt.Errorf("usage: bucket: model is required")
	}
	if _, err := time.Parse(DayLayout, b.Day); err != nil {
		return fmt.Errorf("usage: bucket: day %q: %w", b.Day, err)
	}
	return nil
}

// Aggregate is a stored bucket with its counters.
type Aggregate struct {
	Bucket
	Counters
}

// Store persists aggregates.
type Store interface {
	// Increment adds delta to bucket atomically. A non-empty callID that was
	// already applied for the same key within the store's idempotency window
	// makes the call a no-op and applied is false.
	Increment(ctx context.Context, bucket Bucket, delta Counters, callID string) (applied bool, err error)
	// Aggregates returns every bucket of keyID with fromDay <= day <= toDay.
	Aggregates(ctx context.Context, keyID, fromDay, toDay string) ([]Aggregate, error)
	// DayCost returns the summed cost of keyID across all models for day.
	DayCost(ctx context.Context, keyID, day string) (pricing.Nanos, error)
	// Prune deletes buckets with day < beforeDay and reports how many went.
	Prune(ctx context.Context, beforeDay string) (int64, error)
}

// Calendar maps instants to day buckets in a fixed location.
type Calendar struct {
	loc *time.Location
}

// NewCalendar returns a Calendar for loc. A nil loc means UTC.
func NewCalendar(loc *time.Location) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{loc: loc}
}

// Location returns the calendar's time zone.
func (c Calendar) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// Day returns the bucket containing t.
func (c Calendar) Day(t time.Time) string {
	return t.In(c.Location()).Format(DayLayout)
}

// MonthToDate returns every day from the first of t's month through t's
// day, in order.
func (c Calendar) MonthToDate(t time.Time) []string {
	local := t.In(c.Location())
	first := time.Date(local.Year(), local.Month(), 1, 12, 0, 0, 0, c.Location())
	days := make([]string, 0, local.Day())
	for d := first; d.Month() == local.Month() && d.Day() <= local.Day(); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(DayLayout))
	}
	return days
}

// DaysBefore returns the day n days before t's day.
func (c Calendar) DaysBefore(t time.Time, n int) string {
	local := t.In(c.Location())
	noon := time.Date(local.Year(), local.Month(), local.Day(), 12, 0, 0, 0, c.Location())
	return noon.AddDate(0, 0, -n).Format(DayLayout)
}

// UntilNextDay returns how long after t the next day bucket opens.
func (c Calendar) UntilNextDay(t time.Time) time.Duration {
	local := t.In(c.Location())
	next := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, c.Location())
	return next.Sub(t)
}
