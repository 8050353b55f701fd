package pricing

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func mustDec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestPrice_Cost_ExactForWholeNanoPrices(t *testing.T) {
	// $2.50 / 1M input tokens = 2500 nanos per token.
	p := Price{Input: mustDec(t, "2.50"), Output: mustDec(t, "10")}

	got := p.Cost(Tokens{Input: 1000, Output: 500})
	want := Nanos(1000*2500 + 500*10000)
	if got != want {
		t.Fatalf("cost = %d, want %d", got, want)
	}
}

func TestPrice_Cost_SplitRecordsAreAssociative(t *testing.T) {
	p := Price{Input: mustDec(t, "0.15"), Output: mustDec(t, "0.60"), CacheRead: mustDec(t, "0.075")}

	a := Tokens{Input: 123, Output: 45, CacheRead: 7}
	b := Tokens{Input: 77, Output: 5, CacheRead: 993}

	if p.Cost(a)+p.Cost(b) != p.Cost(a.Add(b)) {
		t.Fatalf("cost(a)+cost(b)=%d, cost(a+b)=%d", p.Cost(a)+p.Cost(b), p.Cost(a.Add(b)))
	}
}

func TestPrice_Cost_RoundsHalfAwayFromZero(t *testing.T) {
	// 0.0005 USD per 1M tokens = 0.5 nanos per token.
	p := Price{Input: mustDec(t, "0.0005")}

	if got := p.Cost(Tokens{Input: 1}); got != 1 {
		t.Errorf("1 token: got %d, want 1", got)
	}
	if got := p.Cost(Tokens{Input: 2}); got != 1 {
		t.Errorf("2 tokens: got %d, want 1", got)
	}
	if got := p.Cost(Tokens{Input: 3}); got != 2 {
		t.Errorf("3 tokens: got %d, want 2", got)
	}
}

func TestTable_LookupIsCaseInsensitive(t *testing.T) {
	tbl := NewTable("v1", map[string]Price{"GPT-4o": {Input: decimal.NewFromInt(1)}})

	if _, ok := tbl.Lookup("gpt-4o"); !ok {
		t.Error("expected lowercase lookup to hit")
	}
	if _, ok := tbl.Lookup("models/gpt-4o"); !ok {
		t.Error("expected resource-name lookup to hit")
	}
	if cost, ok := tbl.Cost("unknown", Tokens{Input: 10}); ok || cost != 0 {
		t.Errorf("unknown model: got cost=%d ok=%v", cost, ok)
	}
}

func TestCatalog_ReplaceIsVersioned(t *testing.T) {
	c := NewCatalog(NewTable("v1", map[string]Price{"m": {Input: decimal.NewFromInt(1)}}))
	old := c.Current()

	prev := c.Replace(NewTable("v2", map[string]Price{"m": {Input: decimal.NewFromInt(2)}}))
	if prev.Version() != "v1" {
		t.Fatalf("previous version = %s", prev.Version())
	}
	if c.Current().Version() != "v2" {
		t.Fatalf("current version = %s", c.Current().Version())
	}

	// The old table is untouched by the replacement.
	p, _ := old.Lookup("m")
	if !p.Input.Equal(decimal.NewFromInt(1)) {
		t.Errorf("old table mutated: %s", p.Input)
	}
}

func TestParse(t *testing.T) {
	src := `
version: "2026-10"
models:
  gpt-4o:
    input: "2.50"
    output: 10.00
    cache_read: "1.25"
  claude-sonnet-4-5:
    input: "3"
    output: "15"
    cache_write: "3.75"
    cache_read: "0.30"
`
	tbl, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tbl.Version() != "2026-10" {
		t.Errorf("version = %s", tbl.Version())
	}
	if tbl.Len() != 2 {
		t.Fatalf("len = %d", tbl.Len())
	}
	p, ok := tbl.Lookup("gpt-4o")
	if !ok {
		t.Fatal("gpt-4o missing")
	}
	if !p.Output.Equal(mustDec(t, "10")) || !p.CacheWrite.IsZero() {
		t.Errorf("unexpected price %+v", p)
	}
}

func TestParse_RejectsNegative(t *testing.T) {
	_, err := Parse(strings.NewReader("models:\n  m:\n    input: \"-1\"\n"))
	if err == nil {
		t.Fatal("expected error for negative price")
	}
}

func TestParseDollars(t *testing.T) {
	cases := []struct {
		in   string
		want Nanos
	}{
		{"5", 5 * NanosPerDollar},
		{"$0.25", 250_000_000},
		{"0.0000000015", 2},
	}
	for _, tc := range cases {
		got, err := ParseDollars(tc.in)
		if err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("%s: got %d, want %d", tc.in, got, tc.want)
		}
	}
	if _, err := ParseDollars("-1"); err == nil {
		t.Error("expected error for negative amount")
	}
}

func TestNanos_String(t *testing.T) {
	if got := Nanos(1_230_000_000).String(); got != "$1.23" {
		t.Errorf("got %s", got)
	}
	if got := Nanos(2500).String(); got != "$0.000003" {
		t.Errorf("got %s", got)
	}
	if got := Nanos(0).String(); got != "$0.00" {
		t.Errorf("got %s", got)
	}
}
