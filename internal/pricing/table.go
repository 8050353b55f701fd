// Package pricing holds the per-model price table used to cost metered calls.
//
// A Table is immutable once built. Price changes are applied by building a new
// Table and swapping it into the Catalog; costs already written to usage
// aggregates are never recomputed.
package pricing

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// unitExponent is log10 of the token count unit prices refer to.
const unitExponent = 6

// Price is the USD price per one million tokens for each token class.
type Price struct {
	Input      decimal.Decimal
	Output     decimal.Decimal
	CacheWrite decimal.Decimal
	CacheRead  decimal.Decimal
}

// Cost returns the exact cost of tokens at p, rounded half away from zero to
// whole nano-USD.
func (p Price) Cost(t Tokens) Nanos {
	sum := decimal.NewFromInt(t.Input).Mul(p.Input).
		Add(decimal.NewFromInt(t.Output).Mul(p.Output)).
		Add(decimal.NewFromInt(t.CacheWrite).Mul(p.CacheWrite)).
		Add(decimal.NewFromInt(t.CacheRead).Mul(p.CacheRead))

	// USD per 1M tokens to nano-USD per token is a decimal shift of 9-6.
	return Nanos(sum.Shift(9 - unitExponent).Round(0).IntPart())
}

// Table maps model identifiers to prices.
type Table struct {
	version  string
	prices   map[string]Price
	loadedAt time.Time
}

// NewTable builds an immutable table. Model names are matched
// case-insensitively.
func NewTable(version string, prices map[string]Price) *Table {
	m := make(map[string]Price, len(prices))
	for model, p := range prices {
		m[normalizeModel(model)] = p
	}
	return &Table{version: version, prices: m, loadedAt: time.Now()}
}

// Version identifies the table for logs and reports.
func (t *Table) Version() string { return t.version }

// LoadedAt is when the table was built.
func (t *Table) LoadedAt() time.Time { return t.loadedAt }

// Len is the number of priced models.
func (t *Table) Len() int { return len(t.prices) }

// Lookup returns the price for model.
func (t *Table) Lookup(model string) (Price, bool) {
	if t == nil {
		return Price{}, false
	}
	p, ok := t.prices[normalizeModel(model)]
	return p, ok
}

// Cost prices tokens for model. ok is false when the model has no entry; the
// returned cost is then zero.
func (t *Table) Cost(model string, tokens Tokens) (cost Nanos, ok bool) {
	p, ok := t.Lookup(model)
	if !ok {
		return 0, false
	}
	return p.Cost(tokens), true
}

// Models returns the priced model names in sorted order.
func (t *Table) Models() []string {
	out := make([]string, 0, len(t.prices))
	for m := range t.prices {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func normalizeModel(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	// Gemini reports resource names ("models/gemini-2.5-pro").
	return strings.TrimPrefix(model, "models/")
}

// Catalog publishes the current Table. Readers never block writers.
type Catalog struct {
	cur atomic.Pointer[Table]
}

// NewCatalog returns a catalog serving t. A nil t serves an empty table.
func NewCatalog(t *Table) *Catalog {
	if t == nil {
		t = NewTable("empty", nil)
	}
	c := &Catalog{}
	c.cur.Store(t)
	return c
}

// Current returns the table in effect.
func (c *Catalog) Current() *Table { return c.cur.Load() }

// Replace swaps in t and returns the table it replaced.
func (c *Catalog) Replace(t *Table) *Table {
	return c.cur.Swap(t)
}
