package proxy

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/keygate/internal/channel"
	"github.com/nulpointcorp/keygate/internal/store/memstore"
)

// stubProber fails the channels listed in down.
type stubProber struct {
	mu     sync.Mutex
	down   map[string]bool
	probed map[string]int
}

func newStubProber(down ...string) *stubProber {
	p := &stubProber{down: map[string]bool{}, probed: map[string]int{}}
	for _, id := range down {
		p.down[id] = true
	}
	return p
}

func (p *stubProber) HealthCheck(_ context.Context, ch channel.Channel) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed[ch.ID]++
	if p.down[ch.ID] {
		return errors.New("unreachable")
	}
	return nil
}

func (p *stubProber) setDown(id string, down bool) {
	p.mu.Lock()
	p.down[id] = down
	p.mu.Unlock()
}

func (p *stubProber) count(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probed[id]
}

func healthPool(t *testing.T, chans ...channel.Channel) *channel.Pool {
	t.Helper()
	return healthPoolWith(t, channel.BreakerConfig{}, chans...)
}

func healthPoolWith(t *testing.T, cfg channel.BreakerConfig, chans ...channel.Channel) *channel.Pool {
	t.Helper()
	st := memstore.New(time.Hour)
	for _, c := range chans {
		if err := st.SaveChannel(context.Background(), c); err != nil {
			t.Fatal(err)
		}
	}
	return channel.NewPool(st, channel.PoolOptions{ProbeRatio: -1, Breaker: cfg, Logger: discard})
}

func TestNewHealthChecker_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for nil context")
		}
	}()
	NewHealthChecker(nil, nil, nil, HealthOptions{})
}

func TestHealthChecker_InitialProbe(t *testing.T) {
	pool := healthPool(t,
		channel.Channel{ID: "c1", Family: channel.FamilyOpenAI, Active: true},
		channel.Channel{ID: "c2", Family: channel.FamilyAnthropic, Active: true},
		channel.Channel{ID: "off", Family: channel.FamilyOpenAI},
	)
	prober := newStubProber("c2")
	hc := NewHealthChecker(context.Background(), pool, prober, HealthOptions{Logger: discard})
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Channels["c1"] != "ok" || snap.Channels["c2"] != "degraded" {
		t.Errorf("channels = %v", snap.Channels)
	}
	if _, ok := snap.Channels["off"]; ok {
		t.Error("inactive channels are not probed")
	}
	if snap.Status != "degraded" || snap.Store != "ok" {
		t.Errorf("snapshot = %+v", snap)
	}
	if !hc.ReadinessOK() {
		t.Error("store is ready")
	}
	if h := pool.Breaker().Health("c2"); h.Failures != 1 {
		t.Errorf("failed probe should count against c2, health = %+v", h)
	}
}

func TestHealthChecker_StoreDown(t *testing.T) {
	pool := healthPool(t)
	hc := NewHealthChecker(context.Background(), pool, newStubProber(), HealthOptions{
		StoreReady: func(context.Context) error { return errors.New("connection refused") },
		Logger:     discard,
	})
	defer hc.Close()

	if hc.ReadinessOK() {
		t.Error("readiness should fail while the store is down")
	}
	if snap := hc.Snapshot(); snap.Store != "down" || snap.Status != "degraded" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestHealthChecker_SuccessfulProbeRecoversChannel(t *testing.T) {
	pool := healthPoolWith(t, channel.BreakerConfig{FailureThreshold: 2, Cooldown: 20 * time.Millisecond},
		channel.Channel{ID: "c1", Family: channel.FamilyOpenAI, Active: true})
	pool.Report("c1", false)
	pool.Report("c1", false)
	if pool.Breaker().State("c1") != channel.StateOpen {
		t.Fatal("setup: breaker should be open")
	}
	time.Sleep(30 * time.Millisecond)

	hc := NewHealthChecker(context.Background(), pool, newStubProber(), HealthOptions{Logger: discard})
	defer hc.Close()

	if st := pool.Breaker().State("c1"); st != channel.StateClosed {
		t.Errorf("state = %s", st)
	}
	if _, err := pool.Select(context.Background(), channel.FamilyOpenAI); err != nil {
		t.Errorf("select after recovery: %v", err)
	}
}

func TestHealthChecker_HealthyCheckWaitsForCooldown(t *testing.T) {
	pool := healthPoolWith(t, channel.BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour},
		channel.Channel{ID: "c1", Family: channel.FamilyOpenAI, Active: true})
	pool.Report("c1", false)
	pool.Report("c1", false)

	hc := NewHealthChecker(context.Background(), pool, newStubProber(), HealthOptions{Logger: discard})
	defer hc.Close()

	if snap := hc.Snapshot(); snap.Channels["c1"] != "ok" {
		t.Errorf("probe status = %q, want ok", snap.Channels["c1"])
	}
	if st := pool.Breaker().State("c1"); st != channel.StateOpen {
		t.Errorf("a probe during the cool-down must not close the breaker, state = %s", st)
	}
	if _, err := pool.Select(context.Background(), channel.FamilyOpenAI); !errors.Is(err, channel.ErrNoChannel) {
		t.Errorf("select during cool-down: %v", err)
	}
}

func TestHealthChecker_NudgeProbesFamilyEarly(t *testing.T) {
	pool := healthPool(t,
		channel.Channel{ID: "c1", Family: channel.FamilyOpenAI, Active: true},
		channel.Channel{ID: "c2", Family: channel.FamilyAnthropic, Active: true},
	)
	prober := newStubProber("c1")
	hc := NewHealthChecker(context.Background(), pool, prober, HealthOptions{Interval: time.Hour, Logger: discard})
	defer hc.Close()

	prober.setDown("c1", false)
	hc.Nudge(channel.FamilyOpenAI)

	deadline := time.Now().Add(2 * time.Second)
	for hc.Snapshot().Channels["c1"] != "ok" {
		if time.Now().After(deadline) {
			t.Fatal("nudge did not trigger a probe")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := prober.count("c2"); n != 1 {
		t.Errorf("other families should not be probed by a nudge, c2 probed %d times", n)
	}
}

func TestHealthChecker_CloseIsIdempotent(t *testing.T) {
	hc := NewHealthChecker(context.Background(), healthPool(t), newStubProber(), HealthOptions{Logger: discard})
	hc.Close()
	hc.Close()
	hc.Nudge(channel.FamilyGemini)
}

func TestServer_HealthEndpoints(t *testing.T) {
	pool := healthPool(t)
	hc := NewHealthChecker(context.Background(), pool, newStubProber(), HealthOptions{
		StoreReady: func(context.Context) error { return errors.New("down") },
		Logger:     discard,
	})
	defer hc.Close()

	env := newEnv(t, func(o *Options) { o.Health = hc })

	resp, data := env.do(t, "GET", "/readiness", nil, nil)
	if resp.StatusCode != 503 {
		t.Errorf("readiness: status = %d, body = %s", resp.StatusCode, data)
	}
	resp, data = env.do(t, "GET", "/health", nil, nil)
	if resp.StatusCode != 200 || !bytes.Contains(data, []byte(`"store":"down"`)) {
		t.Errorf("health: status = %d, body = %s", resp.StatusCode, data)
	}
}
