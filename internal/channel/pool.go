package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Default pool settings.
const (
	DefaultRefresh    = 5 * time.Second
	DefaultProbeRatio = 0.1
)

// PoolOptions holds optional tuning parameters for a Pool.
type PoolOptions struct {
	// Refresh bounds how stale the cached channel list may get. Default: 5s.
	Refresh time.Duration

	// ProbeRatio is the probability that a selection goes to a channel whose
	// cool-down has elapsed even though healthy channels exist. When no
	// healthy channel exists a trial candidate is always used. Default: 0.1.
	// Negative disables opportunistic trials.
	ProbeRatio float64

	// Breaker configures the per-channel circuit breaker.
	Breaker BreakerConfig

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Pool selects channels for unbound keys and records call outcomes.
type Pool struct {
	store   Store
	breaker *Breaker
	log     *slog.Logger

	refresh    time.Duration
	probeRatio float64
	random     func() float64
	now        func() time.Time

	mu       sync.RWMutex
	snapshot []Channel
	loadedAt time.Time
	sf       singleflight.Group

	rr map[Family]*atomic.Uint64

	nudge func(Family)
}

// NewPool returns a pool reading channels from store.
func NewPool(store Store, opts PoolOptions) *Pool {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	refresh := opts.Refresh
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	ratio := opts.ProbeRatio
	if ratio == 0 {
		ratio = DefaultProbeRatio
	}

	p := &Pool{
		store:      store,
		breaker:    NewBreaker(opts.Breaker),
		log:        log,
		refresh:    refresh,
		probeRatio: ratio,
		random:     rand.Float64,
		now:        time.Now,
		rr:         make(map[Family]*atomic.Uint64, len(Families)),
	}
	for _, f := range Families {
		p.rr[f] = &atomic.Uint64{}
	}
	return p
}

// Breaker exposes the pool's circuit breaker (for metrics wiring).
func (p *Pool) Breaker() *Breaker { return p.breaker }

// SetNudge registers fn to be called when a family has no eligible channel,
// so a health prober can re-check it early.
func (p *Pool) SetNudge(fn func(Family)) { p.nudge = fn }

// Select returns a channel of family able to take a call now, or
// ErrNoChannel.
//
// Candidates are active, non-deleted channels of the family whose circuit is
// not open. Channels with no consecutive failures are preferred over closed
// channels with some; ties rotate round-robin. A channel whose cool-down has
// elapsed is given a single trial call, always when nothing healthier
// exists and otherwise with probability ProbeRatio.
func (p *Pool) Select(ctx context.Context, family Family) (Channel, error) {
	chans, err := p.channels(ctx)
	if err != nil {
		return Channel{}, err
	}

	var healthy, degraded, trial []Channel
	for _, c := range chans {
		if c.Family != family || !c.Serviceable() {
			continue
		}
		h := p.breaker.Health(c.ID)
		switch {
		case h.State == StateClosed && h.Failures == 0:
			healthy = append(healthy, c)
		case h.State == StateClosed:
			degraded = append(degraded, c)
		case h.TrialReady:
			trial = append(trial, c)
		}
	}

	primary := healthy
	if len(primary) == 0 {
		primary = degraded
	}

	counter := p.rr[family]
	if counter == nil {
		counter = &atomic.Uint64{}
	}

	if len(trial) > 0 && (len(primary) == 0 || p.random() < p.probeRatio) {
		start := counter.Load()
		for i := range trial {
			c := trial[(start+uint64(i))%uint64(len(trial))]
			// Allow claims the single trial slot; losing the race means
			// another request already holds it.
			if p.breaker.Allow(c.ID) {
				p.log.DebugContext(ctx, "channel_trial",
					slog.String("channel_id", c.ID),
					slog.String("family", string(family)),
				)
				return c, nil
			}
		}
	}

	if len(primary) > 0 {
		n := counter.Add(1) - 1
		return primary[n%uint64(len(primary))], nil
	}

	if p.nudge != nil {
		p.nudge(family)
	}
	return Channel{}, ErrNoChannel
}

// Resolve returns the channel bound to a key. It reads the store directly so
// a bound key always sees the channel's current status.
func (p *Pool) Resolve(ctx context.Context, id string) (Channel, error) {
	c, err := p.store.GetChannel(ctx, id)
	if err != nil {
		return Channel{}, err
	}
	if !c.Serviceable() {
		return Channel{}, fmt.Errorf("%w: %s", ErrUnavailable, id)
	}
	return c, nil
}

// Report records the outcome of a call made through channel id.
func (p *Pool) Report(id string, ok bool) {
	if ok {
		p.breaker.RecordSuccess(id)
		return
	}
	p.breaker.RecordFailure(id)
}

// Serviceable returns every active, non-deleted channel from the current
// snapshot.
func (p *Pool) Serviceable(ctx context.Context) ([]Channel, error) {
	chans, err := p.channels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Channel, 0, len(chans))
	for _, c := range chans {
		if c.Serviceable() {
			out = append(out, c)
		}
	}
	return out, nil
}

// Invalidate forces the next selection to reload channels from the store.
func (p *Pool) Invalidate() {
	p.mu.Lock()
	p.loadedAt = time.Time{}
	p.mu.Unlock()
}

func (p *Pool) channels(ctx context.Context) ([]Channel, error) {
	p.mu.RLock()
	snap, loadedAt := p.snapshot, p.loadedAt
	p.mu.RUnlock()

	if !loadedAt.IsZero() && p.now().Sub(loadedAt) < p.refresh {
		return snap, nil
	}

	v, err, _ := p.sf.Do("channels", func() (any, error) {
		chans, err := p.store.ListChannels(ctx)
		if err != nil {
			return nil, err
		}
		sort.Slice(chans, func(i, j int) bool { return chans[i].ID < chans[j].ID })

		p.mu.Lock()
		p.snapshot = chans
		p.loadedAt = p.now()
		p.mu.Unlock()
		return chans, nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("channel: list: %w", err)
	}
	return v.([]Channel), nil
}
