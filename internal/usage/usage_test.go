package usage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/keygate/internal/keys"
	"github.com/nulpointcorp/keygate/internal/logger"
	"github.com/nulpointcorp/keygate/internal/pricing"
)

// fakeStore is a minimal usage.Store with a mutex-guarded map.
type fakeStore struct {
	mu       sync.Mutex
	aggs     map[Bucket]Counters
	seen     map[string]bool
	failNext error
	pruned   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{aggs: map[Bucket]Counters{}, seen: map[string]bool{}}
}

func (s *fakeStore) Increment(_ context.Context, b Bucket, d Counters, callID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return false, err
	}
	if callID != "" {
		id := b.KeyID + "/" + callID
		if s.seen[id] {
			return false, nil
		}
		s.seen[id] = true
	}
	s.aggs[b] = s.aggs[b].Add(d)
	return true, nil
}

func (s *fakeStore) Aggregates(_ context.Context, keyID, from, to string) ([]Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Aggregate
	for b, c := range s.aggs {
		if b.KeyID == keyID && b.Day >= from && b.Day <= to {
			out = append(out, Aggregate{Bucket: b, Counters: c})
		}
	}
	return out, nil
}

func (s *fakeStore) DayCost(_ context.Context, keyID, day string) (pricing.Nanos, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total pricing.Nanos
	for b, c := range s.aggs {
		if b.KeyID == keyID && b.Day == day {
			total += c.Cost
		}
	}
	return total, nil
}

func (s *fakeStore) Prune(_ context.Context, before string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruned = append(s.pruned, before)
	var n int64
	for b := range s.aggs {
		if b.Day < before {
			delete(s.aggs, b)
			n++
		}
	}
	return n, nil
}

type fakeKeys map[string]keys.Key

func (f fakeKeys) LookupByHash(context.Context, string) (keys.Key, error) {
	return keys.Key{}, keys.ErrNotFound
}

func (f fakeKeys) GetKey(_ context.Context, id string) (keys.Key, error) {
	k, ok := f[id]
	if !ok {
		return keys.Key{}, keys.ErrNotFound
	}
	return k, nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []logger.UsageEvent
}

func (r *eventRecorder) Log(e logger.UsageEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

type observerRecorder struct {
	mu        sync.Mutex
	statuses  []string
	anomalies []string
}

func (o *observerRecorder) RecordUsage(_, status string, _, _, _, _ int64, _ int64) {
	o.mu.Lock()
	o.statuses = append(o.statuses, status)
	o.mu.Unlock()
}

func (o *observerRecorder) RecordMeteringAnomaly(kind string) {
	o.mu.Lock()
	o.anomalies = append(o.anomalies, kind)
	o.mu.Unlock()
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testCatalog() *pricing.Catalog {
	return pricing.NewCatalog(pricing.NewTable("v1", map[string]pricing.Price{
		"gpt-4o": {
			Input:  decimal.RequireFromString("2.50"),
			Output: decimal.RequireFromString("10.00"),
		},
	}))
}

var testDay = time.Date(2026, 10, 18, 15, 0, 0, 0, time.UTC)

// newTestMeter returns a Meter whose clock is fixed at testDay.
func newTestMeter(catalog *pricing.Catalog, store Store, opts MeterOptions) *Meter {
	m := NewMeter(catalog, store, opts)
	m.now = func() time.Time { return testDay }
	return m
}

func TestCalendar_Day(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	late := time.Date(2026, 10, 18, 20, 0, 0, 0, time.UTC)

	if got := NewCalendar(nil).Day(late); got != "2026-10-18" {
		t.Errorf("utc day = %s", got)
	}
	if got := NewCalendar(tokyo).Day(late); got != "2026-10-19" {
		t.Errorf("tokyo day = %s", got)
	}
}

func TestCalendar_MonthToDate(t *testing.T) {
	days := NewCalendar(nil).MonthToDate(time.Date(2026, 3, 3, 1, 0, 0, 0, time.UTC))
	want := []string{"2026-03-01", "2026-03-02", "2026-03-03"}
	if len(days) != len(want) {
		t.Fatalf("days = %v", days)
	}
	for i := range want {
		if days[i] != want[i] {
			t.Errorf("days[%d] = %s, want %s", i, days[i], want[i])
		}
	}
}

func TestCalendar_DaysBefore(t *testing.T) {
	if got := NewCalendar(nil).DaysBefore(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), 1); got != "2026-02-28" {
		t.Errorf("got %s", got)
	}
}

func TestCalendar_UntilNextDay(t *testing.T) {
	if got := NewCalendar(nil).UntilNextDay(testDay); got != 9*time.Hour {
		t.Errorf("got %s", got)
	}
}

func TestMeter_RecordsSuccess(t *testing.T) {
	st := newFakeStore()
	ev := &eventRecorder{}
	m := newTestMeter(testCatalog(), st, MeterOptions{Events: ev, Logger: quiet()})

	rec, err := m.Record(context.Background(), Record{
		CallID:  "c1",
		KeyID:   "k1",
		Model:   "gpt-4o",
		Outcome: OutcomeSuccess,
		Tokens:  pricing.Tokens{Input: 1000, Output: 500},
		At:      testDay,
	})
	if err != nil {
		t.Fatal(err)
	}
	// 1000 * 2.50/1M + 500 * 10/1M = 0.0025 + 0.005 = $0.0075
	if rec.Status != ReceiptRecorded || rec.Cost != 7_500_000 || !rec.Priced {
		t.Fatalf("receipt = %+v", rec)
	}

	c := st.aggs[Bucket{KeyID: "k1", Model: "gpt-4o", Day: "2026-10-18"}]
	if c.Requests != 1 || c.Successes != 1 || c.Failures != 0 || c.Tokens.Input != 1000 || c.Cost != 7_500_000 {
		t.Errorf("aggregate = %+v", c)
	}
	if len(ev.events) != 1 || ev.events[0].CostNanos != 7_500_000 || ev.events[0].PriceVersion != "v1" {
		t.Errorf("events = %+v", ev.events)
	}
}

func TestMeter_FailureCarriesNoTokensByDefault(t *testing.T) {
	st := newFakeStore()
	m := newTestMeter(testCatalog(), st, MeterOptions{Logger: quiet()})

	_, err := m.Record(context.Background(), Record{
		KeyID: "k1", Model: "gpt-4o", Outcome: OutcomeFailure,
		Tokens: pricing.Tokens{Input: 1000}, At: testDay,
	})
	if err != nil {
		t.Fatal(err)
	}
	c := st.aggs[Bucket{KeyID: "k1", Model: "gpt-4o", Day: "2026-10-18"}]
	if c.Requests != 1 || c.Failures != 1 || !c.Tokens.IsZero() || c.Cost != 0 {
		t.Errorf("aggregate = %+v", c)
	}
}

func TestMeter_BillFailedPartial(t *testing.T) {
	st := newFakeStore()
	m := newTestMeter(testCatalog(), st, MeterOptions{BillFailedPartial: true, Logger: quiet()})

	_, _ = m.Record(context.Background(), Record{
		KeyID: "k1", Model: "gpt-4o", Outcome: OutcomeFailure,
		Tokens: pricing.Tokens{Input: 1000}, At: testDay,
	})
	c := st.aggs[Bucket{KeyID: "k1", Model: "gpt-4o", Day: "2026-10-18"}]
	if c.Failures != 1 || c.Tokens.Input != 1000 || c.Cost != 2_500_000 {
		t.Errorf("aggregate = %+v", c)
	}
}

func TestMeter_UnpricedModelIsZeroCostAnomaly(t *testing.T) {
	st := newFakeStore()
	obs := &observerRecorder{}
	m := newTestMeter(testCatalog(), st, MeterOptions{Observer: obs, Logger: quiet()})

	rec, err := m.Record(context.Background(), Record{
		KeyID: "k1", Model: "mystery-1", Outcome: OutcomeSuccess,
		Tokens: pricing.Tokens{Input: 10}, At: testDay,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != ReceiptRecorded || rec.Priced || rec.Cost != 0 {
		t.Errorf("receipt = %+v", rec)
	}
	c := st.aggs[Bucket{KeyID: "k1", Model: "mystery-1", Day: "2026-10-18"}]
	if c.Tokens.Input != 10 || c.Cost != 0 {
		t.Errorf("aggregate = %+v", c)
	}
	if len(obs.anomalies) != 1 || obs.anomalies[0] != "unpriced_model" {
		t.Errorf("anomalies = %v", obs.anomalies)
	}
}

func TestMeter_DuplicateCallID(t *testing.T) {
	st := newFakeStore()
	ev := &eventRecorder{}
	m := newTestMeter(testCatalog(), st, MeterOptions{Events: ev, Logger: quiet()})
	r := Record{CallID: "dup", KeyID: "k1", Model: "gpt-4o", Outcome: OutcomeSuccess, At: testDay}

	first, _ := m.Record(context.Background(), r)
	second, _ := m.Record(context.Background(), r)

	if first.Status != ReceiptRecorded || second.Status != ReceiptDuplicate {
		t.Fatalf("statuses = %s, %s", first.Status, second.Status)
	}
	if c := st.aggs[Bucket{KeyID: "k1", Model: "gpt-4o", Day: "2026-10-18"}]; c.Requests != 1 {
		t.Errorf("requests = %d, want 1", c.Requests)
	}
	if len(ev.events) != 1 {
		t.Errorf("events = %d, want 1", len(ev.events))
	}
}

func TestMeter_StoreFailureIsAnomalyNotError(t *testing.T) {
	st := newFakeStore()
	st.failNext = errors.New("connection refused")
	obs := &observerRecorder{}
	m := newTestMeter(testCatalog(), st, MeterOptions{Observer: obs, Logger: quiet()})

	rec, err := m.Record(context.Background(), Record{KeyID: "k1", Model: "gpt-4o", Outcome: OutcomeSuccess})
	if err != nil {
		t.Fatalf("storage failure must not surface as error: %v", err)
	}
	if rec.Status != ReceiptAnomaly {
		t.Errorf("status = %s", rec.Status)
	}
	if len(obs.anomalies) != 1 || obs.anomalies[0] != "store_write_failed" {
		t.Errorf("anomalies = %v", obs.anomalies)
	}
}

func TestMeter_InvalidRecord(t *testing.T) {
	m := newTestMeter(testCatalog(), newFakeStore(), MeterOptions{Logger: quiet()})
	cases := []Record{
		{Model: "gpt-4o", Outcome: OutcomeSuccess},
		{KeyID: "k1", Outcome: OutcomeSuccess},
		{KeyID: "k1", Model: "gpt-4o", Outcome: "MAYBE"},
		{KeyID: "k1", Model: "gpt-4o", Outcome: OutcomeSuccess, Tokens: pricing.Tokens{Input: -1}},
	}
	for i, r := range cases {
		if _, err := m.Record(context.Background(), r); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestMeter_BucketsByReceiptDay(t *testing.T) {
	cases := []struct {
		name string
		at   time.Time
		want time.Time
	}{
		{"future", testDay.AddDate(1, 1, 4), testDay},
		{"stale", testDay.AddDate(0, -2, 0), testDay.AddDate(0, -2, 0)},
		{"yesterday", testDay.Add(-20 * time.Hour), testDay.Add(-20 * time.Hour)},
		{"zero", time.Time{}, testDay},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newFakeStore()
			ev := &eventRecorder{}
			m := newTestMeter(testCatalog(), st, MeterOptions{Events: ev, Logger: quiet()})

			rec, err := m.Record(context.Background(), Record{
				KeyID: "k1", Model: "gpt-4o", Outcome: OutcomeSuccess,
				Tokens: pricing.Tokens{Input: 1_000_000}, At: tc.at,
			})
			if err != nil {
				t.Fatal(err)
			}
			if rec.Day != "2026-10-18" {
				t.Errorf("receipt day = %s, want 2026-10-18", rec.Day)
			}
			cost, _ := st.DayCost(context.Background(), "k1", "2026-10-18")
			if cost != 2_500_000_000 {
				t.Errorf("today's cost = %d, want the whole record", cost)
			}
			if len(st.aggs) != 1 {
				t.Errorf("buckets = %v", st.aggs)
			}
			if got := ev.events[0].CreatedAt; !got.Equal(tc.want) {
				t.Errorf("event time = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMeter_CallIDTooLong(t *testing.T) {
	st := newFakeStore()
	m := newTestMeter(testCatalog(), st, MeterOptions{Logger: quiet()})

	long := strings.Repeat("x", MaxCallIDLen+1)
	if _, err := m.Record(context.Background(), Record{CallID: long, KeyID: "k1", Model: "gpt-4o", Outcome: OutcomeSuccess}); err == nil {
		t.Fatal("expected an error for an oversized call_id")
	}
	if len(st.aggs) != 0 {
		t.Errorf("rejected record was applied: %v", st.aggs)
	}

	ok := strings.Repeat("x", MaxCallIDLen)
	if rec, err := m.Record(context.Background(), Record{CallID: ok, KeyID: "k1", Model: "gpt-4o", Outcome: OutcomeSuccess}); err != nil || rec.Status != ReceiptRecorded {
		t.Errorf("max-length call_id: receipt = %+v, err = %v", rec, err)
	}
}

func TestMeter_LowercaseOutcome(t *testing.T) {
	st := newFakeStore()
	m := newTestMeter(testCatalog(), st, MeterOptions{Logger: quiet()})
	_, _ = m.Record(context.Background(), Record{KeyID: "k1", Model: "gpt-4o", Outcome: "success", At: testDay})

	if c := st.aggs[Bucket{KeyID: "k1", Model: "gpt-4o", Day: "2026-10-18"}]; c.Successes != 1 {
		t.Errorf("successes = %d, want 1", c.Successes)
	}
}

func TestMeter_ConcurrentRecordsNoLostUpdates(t *testing.T) {
	st := newFakeStore()
	m := newTestMeter(testCatalog(), st, MeterOptions{Logger: quiet()})

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Record(context.Background(), Record{
				KeyID: "k1", Model: "gpt-4o", Outcome: OutcomeSuccess,
				Tokens: pricing.Tokens{Output: 100}, At: testDay,
			})
		}()
	}
	wg.Wait()

	c := st.aggs[Bucket{KeyID: "k1", Model: "gpt-4o", Day: "2026-10-18"}]
	if c.Requests != 200 || c.Tokens.Output != 20_000 || c.Cost != 200*1_000_000 {
		t.Errorf("aggregate = %+v", c)
	}
}

func TestQuery_MonthlyZeroFilled(t *testing.T) {
	st := newFakeStore()
	ctx := context.Background()
	dollars := func(n int64) pricing.Nanos { return pricing.Nanos(n * pricing.NanosPerDollar) }

	_, _ = st.Increment(ctx, Bucket{"k1", "gpt-4o", "2026-10-01"}, Counters{Requests: 1, Cost: dollars(1)}, "")
	_, _ = st.Increment(ctx, Bucket{"k1", "claude", "2026-10-02"}, Counters{Requests: 2, Cost: dollars(2)}, "")

	q := NewQuery(fakeKeys{"k1": {ID: "k1"}}, st, NewCalendar(nil))
	q.now = func() time.Time { return time.Date(2026, 10, 3, 9, 0, 0, 0, time.UTC) }

	rep, err := q.Report(ctx, "k1", PeriodMonthly)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Overview.Cost != dollars(3) || rep.Overview.Requests != 3 {
		t.Errorf("overview = %+v", rep.Overview)
	}
	if rep.Overview.Formatted.Cost != "$3.00" {
		t.Errorf("formatted cost = %s", rep.Overview.Formatted.Cost)
	}
	if len(rep.Days) != 3 {
		t.Fatalf("days = %+v", rep.Days)
	}
	if rep.Days[2].Day != "2026-10-03" || rep.Days[2].Cost != 0 || rep.Days[2].Requests != 0 {
		t.Errorf("zero-filled day = %+v", rep.Days[2])
	}
	if len(rep.Models) != 2 || rep.Models[0].Model != "claude" {
		t.Errorf("models = %+v", rep.Models)
	}
	if rep.From != "2026-10-01" || rep.To != "2026-10-03" {
		t.Errorf("window = %s..%s", rep.From, rep.To)
	}
}

func TestQuery_DailyWithLimit(t *testing.T) {
	st := newFakeStore()
	ctx := context.Background()
	limit := pricing.Nanos(5 * pricing.NanosPerDollar)

	_, _ = st.Increment(ctx, Bucket{"k1", "gpt-4o", "2026-10-18"}, Counters{Requests: 1, Cost: 2 * pricing.NanosPerDollar}, "")
	_, _ = st.Increment(ctx, Bucket{"k1", "gpt-4o", "2026-10-17"}, Counters{Requests: 9, Cost: 9 * pricing.NanosPerDollar}, "")

	q := NewQuery(fakeKeys{"k1": {ID: "k1", DailyLimit: &limit}}, st, NewCalendar(nil))
	q.now = func() time.Time { return testDay }

	rep, err := q.Report(ctx, "k1", PeriodDaily)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Overview.Requests != 1 || len(rep.Days) != 1 {
		t.Errorf("report = %+v", rep)
	}
	if rep.Overview.DailyLimit == nil || *rep.Overview.DailyLimit != limit {
		t.Errorf("daily limit = %v", rep.Overview.DailyLimit)
	}
	if rep.Overview.RemainingToday == nil || *rep.Overview.RemainingToday != 3*pricing.NanosPerDollar {
		t.Errorf("remaining = %v", rep.Overview.RemainingToday)
	}
}

func TestQuery_NoUsageIsZeros(t *testing.T) {
	q := NewQuery(fakeKeys{"k1": {ID: "k1"}}, newFakeStore(), NewCalendar(nil))
	rep, err := q.Report(context.Background(), "k1", PeriodDaily)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Models) != 0 || rep.Overview.Requests != 0 || len(rep.Days) != 1 {
		t.Errorf("report = %+v", rep)
	}
}

func TestQuery_UnknownKey(t *testing.T) {
	q := NewQuery(fakeKeys{}, newFakeStore(), NewCalendar(nil))
	if _, err := q.Report(context.Background(), "nope", PeriodDaily); !errors.Is(err, keys.ErrNotFound) {
		t.Errorf("expected keys.ErrNotFound, got %v", err)
	}
}

func TestFormatCount(t *testing.T) {
	cases := map[int64]string{
		0:             "0",
		999:           "999",
		1000:          "1K",
		1234:          "1.2K",
		1_250_000:     "1.3M",
		3_000_000_000: "3B",
	}
	for n, want := range cases {
		if got := FormatCount(n); got != want {
			t.Errorf("FormatCount(%d) = %s, want %s", n, got, want)
		}
	}
}

func TestParsePeriod(t *testing.T) {
	if p, err := ParsePeriod(""); err != nil || p != PeriodDaily {
		t.Errorf("empty: %s %v", p, err)
	}
	if p, err := ParsePeriod("Monthly"); err != nil || p != PeriodMonthly {
		t.Errorf("monthly: %s %v", p, err)
	}
	if _, err := ParsePeriod("weekly"); err == nil {
		t.Error("expected error")
	}
}

func TestRetentionCleaner(t *testing.T) {
	if NewRetentionCleaner(newFakeStore(), NewCalendar(nil), 0, quiet()) != nil {
		t.Fatal("zero retention must disable the cleaner")
	}

	st := newFakeStore()
	ctx := context.Background()
	_, _ = st.Increment(ctx, Bucket{"k1", "m", "2026-01-01"}, Counters{Requests: 1}, "")
	_, _ = st.Increment(ctx, Bucket{"k1", "m", "2026-10-18"}, Counters{Requests: 1}, "")

	c := NewRetentionCleaner(st, NewCalendar(nil), 30, quiet())
	c.now = func() time.Time { return testDay }
	c.cleanupOnce(ctx)

	if len(st.pruned) != 1 || st.pruned[0] != "2026-09-18" {
		t.Errorf("pruned cutoffs = %v", st.pruned)
	}
	if len(st.aggs) != 1 {
		t.Errorf("remaining buckets = %d, want 1", len(st.aggs))
	}
}

func TestRetentionCleaner_RunStopsOnCancel(t *testing.T) {
	c := NewRetentionCleaner(newFakeStore(), NewCalendar(nil), 30, quiet())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
