package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nulpointcorp/keygate/internal/config"
	"github.com/nulpointcorp/keygate/internal/keys"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig() *config.Config {
	return &config.Config{
		Port:           8080,
		LogLevel:       "info",
		Store:          "memory",
		BucketLocation: time.UTC,
		Pricing:        config.PricingConfig{Refresh: time.Minute},
		Admission:      config.AdmissionConfig{Timeout: time.Second, KeyCacheTTL: time.Second},
		Channels: config.ChannelConfig{
			Refresh:          time.Second,
			FailureThreshold: 5,
			Cooldown:         time.Second,
			ProbeRatio:       0.1,
		},
		Usage:           config.UsageConfig{IdempotencyTTL: time.Hour, RetentionDays: 30},
		Events:          config.EventsConfig{Sink: "log"},
		ProviderTimeout: time.Second,
		HealthInterval:  time.Hour,
		CORSOrigins:     []string{"*"},
	}
}

func TestRedactURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"redis://:secret@localhost:6379", "redis://***@localhost:6379"},
		{"redis://user:pw@cache:6379/0", "redis://***@cache:6379/0"},
		{"redis://localhost:6379", "redis://localhost:6379"},
		{"postgres://u:p@db/keygate?x=1", "postgres://***@db/keygate?x=1"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := redactURL(tc.in); got != tc.want {
			t.Errorf("redactURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestOpenBackend_UnknownKind(t *testing.T) {
	cfg := testConfig()
	cfg.Store = "etcd"
	if _, err := OpenBackend(context.Background(), cfg, discard); err == nil {
		t.Fatal("expected error for unknown store kind")
	}
}

func TestOpenBackend_SQLite(t *testing.T) {
	cfg := testConfig()
	cfg.Store = "sql"
	cfg.DatabaseDSN = filepath.Join(t.TempDir(), "keygate.db")

	b, err := OpenBackend(context.Background(), cfg, discard)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if err := b.Store.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
	if b.Redis != nil {
		t.Error("no redis client expected without REDIS_URL")
	}
}

func TestNew_MemoryStoreWithSeed(t *testing.T) {
	dir := t.TempDir()
	seed := filepath.Join(dir, "seed.yaml")
	err := os.WriteFile(seed, []byte(`
channels:
  - id: oa-1
    family: openai
    credential: sk-test
    base_url: http://127.0.0.1:1
    active: true
keys:
  - id: k1
    user_id: u1
    secret: kg-dev-secret
    family: openai
    daily_limit: "5.00"
`), 0o600)
	if err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.SeedFile = seed

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, cfg, discard, "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	k, err := keys.Lookup(ctx, a.backend.Store, "kg-dev-secret")
	if err != nil {
		t.Fatalf("seeded key not found: %v", err)
	}
	if k.ID != "k1" {
		t.Errorf("key id = %q", k.ID)
	}
	if _, err := a.backend.Store.GetChannel(ctx, "oa-1"); err != nil {
		t.Errorf("seeded channel not found: %v", err)
	}
	if a.local == nil {
		t.Error("in-process limiter expected without redis")
	}
}

func TestNew_MissingPricingFile(t *testing.T) {
	cfg := testConfig()
	cfg.Pricing.File = filepath.Join(t.TempDir(), "missing.yaml")

	if _, err := New(context.Background(), cfg, discard, "test"); err == nil {
		t.Fatal("expected error for a missing pricing file")
	}
}

func TestClose_Idempotent(t *testing.T) {
	a, err := New(context.Background(), testConfig(), discard, "test")
	if err != nil {
		t.Fatal(err)
	}
	a.Close()
	a.Close()
}
