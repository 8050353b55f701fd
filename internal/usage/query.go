package usage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/keygate/internal/keys"
	"github.com/nulpointcorp/keygate/internal/pricing"
)

// Period is a reporting window.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// ParsePeriod validates s. An empty s means daily.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PeriodDaily, nil
	case PeriodDaily, PeriodMonthly:
		return p, nil
	default:
		return "", fmt.Errorf("usage: unknown period %q", s)
	}
}

// ModelStats is one model's share of a report.
type ModelStats struct {
	Model            string         `json:"model"`
	Requests         int64          `json:"requests"`
	Successes        int64          `json:"successes"`
	Failures         int64          `json:"failures"`
	InputTokens      int64          `json:"input_tokens"`
	OutputTokens     int64          `json:"output_tokens"`
	CacheWriteTokens int64          `json:"cache_write_tokens"`
	CacheReadTokens  int64          `json:"cache_read_tokens"`
	TotalTokens      int64          `json:"total_tokens"`
	Cost             pricing.Nanos  `json:"cost_nanos"`
	Formatted        FormattedStats `json:"formatted"`
}

// FormattedStats is the human-readable view of a row.
type FormattedStats struct {
	Requests string `json:"requests"`
	Tokens   string `json:"tokens"`
	Cost     string `json:"cost"`
}

// DayStats is the cross-model total for one day.
type DayStats struct {
	Day      string        `json:"day"`
	Requests int64         `json:"requests"`
	Tokens   int64         `json:"tokens"`
	Cost     pricing.Nanos `json:"cost_nanos"`
}

// Overview sums a report across models.
type Overview struct {
	Requests   int64          `json:"requests"`
	Tokens     int64          `json:"tokens"`
	Cost       pricing.Nanos  `json:"cost_nanos"`
	Formatted  FormattedStats `json:"formatted"`
	DailyLimit *pricing.Nanos `json:"daily_limit_nanos,omitempty"`
	// RemainingToday is the daily limit minus today's cost, floored at zero.
	RemainingToday *pricing.Nanos `json:"remaining_today_nanos,omitempty"`
}

// Report answers "what did key K use in period P".
type Report struct {
	KeyID    string       `json:"key_id"`
	Period   Period       `json:"period"`
	From     string       `json:"from"`
	To       string       `json:"to"`
	Models   []ModelStats `json:"models"`
	Days     []DayStats   `json:"days"`
	Overview Overview     `json:"overview"`
}

// Query reads aggregates. It never writes.
type Query struct {
	keys  keys.Store
	store Store
	cal   Calendar
	now   func() time.Time
}

// NewQuery returns a Query over store, resolving keys through ks.
func NewQuery(ks keys.Store, store Store, cal Calendar) *Query {
	return &Query{keys: ks, store: store, cal: cal, now: time.Now}
}

// Report builds the report for keyID over period. Days without usage are
// reported as zeros.
func (q *Query) Report(ctx context.Context, keyID string, period Period) (Report, error) {
	k, err := q.keys.GetKey(ctx, keyID)
	if err != nil {
		return Report{}, err
	}

	now := q.now()
	today := q.cal.Day(now)
	days := []string{today}
	if period == PeriodMonthly {
		days = q.cal.MonthToDate(now)
	}

	aggs, err := q.store.Aggregates(ctx, keyID, days[0], days[len(days)-1])
	if err != nil {
		return Report{}, fmt.Errorf("usage: report %s: %w", keyID, err)
	}

	byModel := make(map[string]Counters)
	byDay := make(map[string]Counters, len(days))
	for _, a := range aggs {
		byModel[a.Model] = byModel[a.Model].Add(a.Counters)
		byDay[a.Day] = byDay[a.Day].Add(a.Counters)
	}

	rep := Report{
		KeyID:  keyID,
		Period: period,
		From:   days[0],
		To:     days[len(days)-1],
		Models: make([]ModelStats, 0, len(byModel)),
		Days:   make([]DayStats, 0, len(days)),
	}

	var total Counters
	for model, c := range byModel {
		rep.Models = append(rep.Models, modelStats(model, c))
		total = total.Add(c)
	}
	sort.Slice(rep.Models, func(i, j int) bool {
		if rep.Models[i].Cost != rep.Models[j].Cost {
			return rep.Models[i].Cost > rep.Models[j].Cost
		}
		return rep.Models[i].Model < rep.Models[j].Model
	})

	for _, d := range days {
		c := byDay[d]
		rep.Days = append(rep.Days, DayStats{
			Day:      d,
			Requests: c.Requests,
			Tokens:   c.Tokens.Total(),
			Cost:     c.Cost,
		})
	}

	rep.Overview = Overview{
		Requests: total.Requests,
		Tokens:   total.Tokens.Total(),
		Cost:     total.Cost,
		Formatted: FormattedStats{
			Requests: FormatCount(total.Requests),
			Tokens:   FormatCount(total.Tokens.Total()),
			Cost:     total.Cost.String(),
		},
	}
	if k.DailyLimit != nil {
		limit := *k.DailyLimit
		remaining := limit - byDay[today].Cost
		if remaining < 0 {
			remaining = 0
		}
		rep.Overview.DailyLimit = &limit
		rep.Overview.RemainingToday = &remaining
	}

	return rep, nil
}

func modelStats(model string, c Counters) ModelStats {
	return ModelStats{
		Model:            model,
		Requests:         c.Requests,
		Successes:        c.Successes,
		Failures:         c.Failures,
		InputTokens:      c.Tokens.Input,
		OutputTokens:     c.Tokens.Output,
		CacheWriteTokens: c.Tokens.CacheWrite,
		CacheReadTokens:  c.Tokens.CacheRead,
		TotalTokens:      c.Tokens.Total(),
		Cost:             c.Cost,
		Formatted: FormattedStats{
			Requests: FormatCount(c.Requests),
			Tokens:   FormatCount(c.Tokens.Total()),
			Cost:     c.Cost.String(),
		},
	}
}

var countUnits = []struct {
	exp    int32
	suffix string
}{
	{12, "T"},
	{9, "B"},
	{6, "M"},
	{3, "K"},
}

// FormatCount renders n compactly: 999, 1.2K, 3.4M.
func FormatCount(n int64) string {
	abs := n
	if abs < 0 {
		abs = -abs
	}
	for _, u := range countUnits {
		if abs >= pow10(u.exp) {
			return decimal.New(n, -u.exp).Round(1).String() + u.suffix
		}
	}
	return strconv.FormatInt(n, 10)
}

func pow10(exp int32) int64 {
	v := int64(1)
	for i := int32(0); i < exp; i++ {
		v *= 10
	}
	return v
}
