package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type stubStore struct {
	mu      sync.Mutex
	chans   map[string]Channel
	listErr error
	lists   int
}

func newStubStore(chans ...Channel) *stubStore {
	s := &stubStore{chans: make(map[string]Channel)}
	for _, c := range chans {
		s.chans[c.ID] = c
	}
	return s
}

func (s *stubStore) ListChannels(context.Context) ([]Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]Channel, 0, len(s.chans))
	for _, c := range s.chans {
		out = append(out, c)
	}
	return out, nil
}

func (s *stubStore) GetChannel(_ context.Context, id string) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chans[id]
	if !ok {
		return Channel{}, ErrNotFound
	}
	return c, nil
}

func (s *stubStore) put(c Channel) {
	s.mu.Lock()
	s.chans[c.ID] = c
	s.mu.Unlock()
}

func openAI(id string) Channel {
	return Channel{ID: id, Family: FamilyOpenAI, Active: true}
}

func newTestPool(store Store, clock *fakeClock) *Pool {
	p := NewPool(store, PoolOptions{
		Refresh:    time.Second,
		ProbeRatio: -1,
		Breaker:    BreakerConfig{FailureThreshold: 2, Cooldown: 10 * time.Second},
	})
	p.now = clock.Now
	p.breaker.now = clock.Now
	return p
}

func TestPool_SkipsInactiveDeletedAndOtherFamilies(t *testing.T) {
	store := newStubStore(
		Channel{ID: "a", Family: FamilyOpenAI, Active: false},
		Channel{ID: "b", Family: FamilyOpenAI, Active: true, Deleted: true},
		Channel{ID: "c", Family: FamilyAnthropic, Active: true},
		openAI("d"),
	)
	p := newTestPool(store, newFakeClock())

	for i := 0; i < 10; i++ {
		c, err := p.Select(context.Background(), FamilyOpenAI)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if c.ID != "d" {
			t.Fatalf("selected %s, want d", c.ID)
		}
	}
}

func TestPool_RoundRobinAmongHealthy(t *testing.T) {
	p := newTestPool(newStubStore(openAI("a"), openAI("b"), openAI("c")), newFakeClock())

	seen := map[string]int{}
	for i := 0; i < 9; i++ {
		c, err := p.Select(context.Background(), FamilyOpenAI)
		if err != nil {
			t.Fatal(err)
		}
		seen[c.ID]++
	}
	for _, id := range []string{"a", "b", "c"} {
		if seen[id] != 3 {
			t.Errorf("channel %s selected %d times, want 3", id, seen[id])
		}
	}
}

func TestPool_PrefersChannelsWithoutRecentFailures(t *testing.T) {
	p := newTestPool(newStubStore(openAI("a"), openAI("b")), newFakeClock())
	p.Report("a", false)

	for i := 0; i < 5; i++ {
		c, _ := p.Select(context.Background(), FamilyOpenAI)
		if c.ID != "b" {
			t.Fatalf("selected %s, want b", c.ID)
		}
	}
}

func TestPool_FallsBackToDegradedClosedChannel(t *testing.T) {
	p := newTestPool(newStubStore(openAI("a")), newFakeClock())
	p.Report("a", false)

	c, err := p.Select(context.Background(), FamilyOpenAI)
	if err != nil || c.ID != "a" {
		t.Fatalf("got %v, %v; want a", c.ID, err)
	}
}

func TestPool_NeverReturnsOpenChannel(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(newStubStore(openAI("healthy"), openAI("broken")), clock)
	p.Report("broken", false)
	p.Report("broken", false)

	for i := 0; i < 20; i++ {
		c, err := p.Select(context.Background(), FamilyOpenAI)
		if err != nil {
			t.Fatal(err)
		}
		if c.ID == "broken" {
			t.Fatal("open channel must not be selected")
		}
	}
}

func TestPool_NoChannelAvailable(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(newStubStore(openAI("a")), clock)
	p.Report("a", false)
	p.Report("a", false)

	var nudged Family
	p.SetNudge(func(f Family) { nudged = f })

	_, err := p.Select(context.Background(), FamilyOpenAI)
	if !errors.Is(err, ErrNoChannel) {
		t.Fatalf("expected ErrNoChannel, got %v", err)
	}
	if nudged != FamilyOpenAI {
		t.Errorf("expected nudge for openai, got %q", nudged)
	}

	if _, err := p.Select(context.Background(), FamilyGemini); !errors.Is(err, ErrNoChannel) {
		t.Errorf("empty family: expected ErrNoChannel, got %v", err)
	}
}

func TestPool_HalfOpenTrialWhenNothingHealthy(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(newStubStore(openAI("a")), clock)
	p.Report("a", false)
	p.Report("a", false)
	clock.Advance(10 * time.Second)

	c, err := p.Select(context.Background(), FamilyOpenAI)
	if err != nil || c.ID != "a" {
		t.Fatalf("expected trial on a, got %q, %v", c.ID, err)
	}

	// The single trial is taken; concurrent callers see no channel.
	if _, err := p.Select(context.Background(), FamilyOpenAI); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("expected ErrNoChannel while trial in flight, got %v", err)
	}

	p.Report("a", true)
	if c, err := p.Select(context.Background(), FamilyOpenAI); err != nil || c.ID != "a" {
		t.Fatalf("expected a after recovery, got %q, %v", c.ID, err)
	}
}

func TestPool_StragglerSuccessesKeepChannelExcluded(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(newStubStore(openAI("a"), openAI("b")), clock)
	p.Report("a", false)
	p.Report("a", false)
	clock.Advance(time.Second)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		selected = map[string]int{}
	)
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			p.Report("a", true)
		}()
		go func() {
			defer wg.Done()
			c, err := p.Select(context.Background(), FamilyOpenAI)
			if err != nil {
				t.Errorf("select: %v", err)
				return
			}
			mu.Lock()
			selected[c.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if selected["a"] != 0 {
		t.Errorf("open channel selected %d times during its cool-down", selected["a"])
	}
	if st := p.breaker.State("a"); st != StateOpen {
		t.Fatalf("state = %v, want open", st)
	}

	clock.Advance(9 * time.Second)
	p.random = func() float64 { return 0 }
	p.probeRatio = 1
	if c, _ := p.Select(context.Background(), FamilyOpenAI); c.ID != "a" {
		t.Fatalf("expected trial on a after cool-down, got %s", c.ID)
	}
	p.Report("a", true)
	if st := p.breaker.State("a"); st != StateClosed {
		t.Errorf("trial success should close a, got %v", st)
	}
}

func TestPool_OpportunisticTrial(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(newStubStore(openAI("a"), openAI("b")), clock)
	p.probeRatio = 0.5
	p.random = func() float64 { return 0.1 }

	p.Report("b", false)
	p.Report("b", false)
	clock.Advance(10 * time.Second)

	c, _ := p.Select(context.Background(), FamilyOpenAI)
	if c.ID != "b" {
		t.Fatalf("expected trial on b, got %s", c.ID)
	}
	if p.breaker.State("b") != StateHalfOpen {
		t.Errorf("expected b half_open, got %v", p.breaker.State("b"))
	}
}

func TestPool_SnapshotRefreshIsBounded(t *testing.T) {
	clock := newFakeClock()
	store := newStubStore(openAI("a"))
	p := newTestPool(store, clock)

	if _, err := p.Select(context.Background(), FamilyOpenAI); err != nil {
		t.Fatal(err)
	}
	store.put(Channel{ID: "a", Family: FamilyOpenAI, Active: false})

	// Within the refresh window the cached snapshot is used.
	if _, err := p.Select(context.Background(), FamilyOpenAI); err != nil {
		t.Fatalf("within refresh window: %v", err)
	}

	clock.Advance(time.Second)
	if _, err := p.Select(context.Background(), FamilyOpenAI); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("after refresh: expected ErrNoChannel, got %v", err)
	}
	if store.lists != 2 {
		t.Errorf("store listed %d times, want 2", store.lists)
	}
}

func TestPool_StoreErrorPropagates(t *testing.T) {
	store := newStubStore()
	store.listErr = errors.New("boom")
	p := newTestPool(store, newFakeClock())

	_, err := p.Select(context.Background(), FamilyOpenAI)
	if err == nil || errors.Is(err, ErrNoChannel) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestPool_Resolve(t *testing.T) {
	store := newStubStore(openAI("ok"), Channel{ID: "off", Family: FamilyOpenAI}, Channel{ID: "gone", Family: FamilyOpenAI, Active: true, Deleted: true})
	p := newTestPool(store, newFakeClock())

	if c, err := p.Resolve(context.Background(), "ok"); err != nil || c.ID != "ok" {
		t.Errorf("ok: %v, %v", c.ID, err)
	}
	if _, err := p.Resolve(context.Background(), "off"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("off: expected ErrUnavailable, got %v", err)
	}
	if _, err := p.Resolve(context.Background(), "gone"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("gone: expected ErrUnavailable, got %v", err)
	}
	if _, err := p.Resolve(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: expected ErrNotFound, got %v", err)
	}
}

func TestParseFamily(t *testing.T) {
	if f, err := ParseFamily(" OpenAI "); err != nil || f != FamilyOpenAI {
		t.Errorf("got %q, %v", f, err)
	}
	if _, err := ParseFamily("mistral"); err == nil {
		t.Error("expected error for unsupported family")
	}
}
