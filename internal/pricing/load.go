package pricing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// fileFormat is the on-disk price table. Prices are USD per one million
// tokens; they are kept as strings so no float rounding happens on load.
//
//	version: "2026-10"
//	models:
//	  gpt-4o:
//	    input: "2.50"
//	    output: "10.00"
//	    cache_read: "1.25"
type fileFormat struct {
	Version string               `yaml:"version"`
	Models  map[string]filePrice `yaml:"models"`
}

type filePrice struct {
	Input      string `yaml:"input"`
	Output     string `yaml:"output"`
	CacheWrite string `yaml:"cache_write"`
	CacheRead  string `yaml:"cache_read"`
}

// Parse decodes a YAML price table.
func Parse(r io.Reader) (*Table, error) {
	var f fileFormat
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("pricing: decode: %w", err)
	}

	prices := make(map[string]Price, len(f.Models))
	for model, fp := range f.Models {
		var (
			p   Price
			err error
		)
		if p.Input, err = parsePrice(fp.Input); err != nil {
			return nil, fmt.Errorf("pricing: model %s input: %w", model, err)
		}
		if p.Output, err = parsePrice(fp.Output); err != nil {
			return nil, fmt.Errorf("pricing: model %s output: %w", model, err)
		}
		if p.CacheWrite, err = parsePrice(fp.CacheWrite); err != nil {
			return nil, fmt.Errorf("pricing: model %s cache_write: %w", model, err)
		}
		if p.CacheRead, err = parsePrice(fp.CacheRead); err != nil {
			return nil, fmt.Errorf("pricing: model %s cache_read: %w", model, err)
		}
		prices[model] = p
	}

	version := f.Version
	if version == "" {
		version = "unversioned"
	}
	return NewTable(version, prices), nil
}

// LoadFile reads and parses the price table at path.
func LoadFile(path string) (*Table, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pricing: open %s: %w", path, err)
	}
	defer fh.Close()
	return Parse(fh)
}

func parsePrice(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative price %s", s)
	}
	return d, nil
}

// WatchFile polls path every interval and swaps a freshly parsed table into
// c whenever the file's modification time changes. A file that fails to
// parse leaves the current table in place. It returns when ctx is done.
func WatchFile(ctx context.Context, c *Catalog, path string, interval time.Duration, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	var lastMod time.Time
	if fi, err := os.Stat(path); err == nil {
		lastMod = fi.ModTime()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fi, err := os.Stat(path)
		if err != nil {
			log.Warn("pricing_stat_failed", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		if !fi.ModTime().After(lastMod) {
			continue
		}
		lastMod = fi.ModTime()

		t, err := LoadFile(path)
		if err != nil {
			log.Error("pricing_reload_failed", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		prev := c.Replace(t)
		log.Info("pricing_reloaded",
			slog.String("version", t.Version()),
			slog.String("previous_version", prev.Version()),
			slog.Int("models", t.Len()),
		)
	}
}
