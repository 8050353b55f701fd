package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Nanos is an amount of money in nano-USD (1e-9 USD). All stored costs and
// daily limits use this unit so aggregation is plain integer addition.
type Nanos int64

// NanosPerDollar is the number of Nanos in one USD.
const NanosPerDollar = 1_000_000_000

// Dollars converts n to an exact decimal USD amount.
func (n Nanos) Dollars() decimal.Decimal {
	return decimal.New(int64(n), -9)
}

// String renders n as a dollar amount with two decimals, switching to six
// decimals for non-zero amounts below one cent.
func (n Nanos) String() string {
	d := n.Dollars()
	if n != 0 && d.Abs().LessThan(decimal.New(1, -2)) {
		return "$" + d.StringFixed(6)
	}
	return "$" + d.StringFixed(2)
}

// ParseDollars parses a non-negative USD amount such as "5", "5.00" or
// "$0.25" into Nanos. Sub-nano precision is rounded half away from zero.
func ParseDollars(s string) (Nanos, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "$")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("pricing: invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("pricing: amount %q must not be negative", s)
	}
	return Nanos(d.Shift(9).Round(0).IntPart()), nil
}

// Tokens groups the four token classes a provider reports for one call.
type Tokens struct {
	Input      int64 `json:"input_tokens"`
	Output     int64 `json:"output_tokens"`
	CacheWrite int64 `json:"cache_write_tokens"`
	CacheRead  int64 `json:"cache_read_tokens"`
}

// Total is the sum of all token classes.
func (t Tokens) Total() int64 {
	return t.Input + t.Output + t.CacheWrite + t.CacheRead
}

// Add returns the element-wise sum of t and o.
func (t Tokens) Add(o Tokens) Tokens {
	return Tokens{
		Input:      t.Input + o.Input,
		Output:     t.Output + o.Output,
		CacheWrite: t.CacheWrite + o.CacheWrite,
		CacheRead:  t.CacheRead + o.CacheRead,
	}
}

// IsZero reports whether no tokens were counted.
func (t Tokens) IsZero() bool { return t == Tokens{} }

// Validate rejects negative counts.
func (t Tokens) Validate() error {
	if t.Input < 0 || t.Output < 0 || t.CacheWrite < 0 || t.CacheRead < 0 {
		return fmt.Errorf("pricing: token counts must not be negative")
	}
	return nil
}
