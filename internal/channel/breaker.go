package channel

import (
	"sync"
	"time"
)

// State is the circuit state of one channel.
//
//	StateClosed   normal operation; the channel is selectable.
//	StateOpen     the channel tripped; it is skipped until the cool-down ends.
//	StateHalfOpen one trial call is in flight to decide recovery.
type State int

const (
	StateClosed   State = 0
	StateOpen     State = 1
	StateHalfOpen State = 2
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Defaults used when BreakerConfig fields are zero.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

// BreakerConfig holds circuit breaker tuning parameters.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Default: 5.
	FailureThreshold int

	// Cooldown is how long an open circuit waits before admitting a single
	// trial call, and how long a trial may stay unreported before another
	// one is allowed. Default: 30s.
	Cooldown time.Duration
}

func (c BreakerConfig) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return DefaultFailureThreshold
}

func (c BreakerConfig) cooldown() time.Duration {
	if c.Cooldown > 0 {
		return c.Cooldown
	}
	return DefaultCooldown
}

// channelCB is the per-channel breaker state.
type channelCB struct {
	mu sync.Mutex

	state         State
	failures      int       // consecutive failures while closed
	openedAt      time.Time // when the circuit last opened
	probeInflight bool
	probeAt       time.Time // when the current trial started
}

// Health is a point-in-time view of a channel breaker, used for selection.
type Health struct {
	State    State
	Failures int
	// TrialReady is true when the channel is not closed but may receive a
	// trial call right now.
	TrialReady bool
}

// Breaker tracks an independent circuit per channel ID. Channels are added
// lazily on first use. It is safe for concurrent use.
type Breaker struct {
	mu       sync.RWMutex
	breakers map[string]*channelCB
	cfg      BreakerConfig

	now          func() time.Time
	onTransition func(channelID string, to State)
}

// NewBreaker returns a Breaker with cfg.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		breakers: make(map[string]*channelCB),
		cfg:      cfg,
		now:      time.Now,
	}
}

// OnTransition registers fn to be called after every state change. fn runs
// outside the breaker lock.
func (b *Breaker) OnTransition(fn func(channelID string, to State)) {
	b.onTransition = fn
}

// Health returns the current view of id without changing it.
func (b *Breaker) Health(id string) Health {
	cb := b.get(id)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	h := Health{State: cb.state, Failures: cb.failures}
	switch cb.state {
	case StateOpen:
		h.TrialReady = b.now().Sub(cb.openedAt) >= b.cfg.cooldown()
	case StateHalfOpen:
		h.TrialReady = !cb.probeInflight || b.now().Sub(cb.probeAt) >= b.cfg.cooldown()
	}
	return h
}

// Allow reports whether id may receive the next call.
//
//   - Closed   → always true.
//   - Open     → false until the cool-down elapses; then the breaker moves
//     to HalfOpen and admits exactly one trial.
//   - HalfOpen → true only when no trial is in flight, or the current trial
//     has gone unreported for a full cool-down.
func (b *Breaker) Allow(id string) bool {
	cb := b.get(id)
	now := b.now()

	cb.mu.Lock()
	transitioned := false
	allowed := false
	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if now.Sub(cb.openedAt) >= b.cfg.cooldown() {
			cb.state = StateHalfOpen
			cb.probeInflight = true
			cb.probeAt = now
			transitioned = true
			allowed = true
		}
	case StateHalfOpen:
		if !cb.probeInflight || now.Sub(cb.probeAt) >= b.cfg.cooldown() {
			cb.probeInflight = true
			cb.probeAt = now
			allowed = true
		}
	}
	cb.mu.Unlock()

	if transitioned {
		b.notify(id, StateHalfOpen)
	}
	return allowed
}

// RecordSuccess counts a successful call. A closed circuit clears its
// failure count and a half-open circuit closes. Successes reported while
// open are ignored: they come from calls admitted before the trip, and the
// channel stays excluded until the cool-down and a trial.
func (b *Breaker) RecordSuccess(id string) {
	cb := b.get(id)

	cb.mu.Lock()
	closed := false
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.state = StateClosed
		cb.failures = 0
		cb.probeInflight = false
		closed = true
	}
	cb.mu.Unlock()

	if closed {
		b.notify(id, StateClosed)
	}
}

// RecordFailure counts a failed call. A closed circuit opens after
// FailureThreshold consecutive failures; a failed trial reopens at once.
// Failures reported while already open do not extend the cool-down.
func (b *Breaker) RecordFailure(id string) {
	cb := b.get(id)
	now := b.now()

	cb.mu.Lock()
	opened := false
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= b.cfg.failureThreshold() {
			cb.state = StateOpen
			cb.openedAt = now
			opened = true
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.openedAt = now
		cb.probeInflight = false
		opened = true
	}
	cb.mu.Unlock()

	if opened {
		b.notify(id, StateOpen)
	}
}

// State returns the current state for id.
func (b *Breaker) State(id string) State {
	cb := b.get(id)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Forget drops all state for id, e.g. after the channel is retired.
func (b *Breaker) Forget(id string) {
	b.mu.Lock()
	delete(b.breakers, id)
	b.mu.Unlock()
}

func (b *Breaker) get(id string) *channelCB {
	b.mu.RLock()
	cb, ok := b.breakers[id]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok = b.breakers[id]; ok {
		return cb
	}
	cb = &channelCB{state: StateClosed}
	b.breakers[id] = cb
	return cb
}

func (b *Breaker) notify(id string, to State) {
	if b.onTransition != nil {
		b.onTransition(id, to)
	}
}
