// Package admission decides whether a presented credential may make a call,
// and through which channel.
//
// Admit runs the checks in a fixed order: key lookup, status, live expiry,
// per-key RPM, daily cost quota, channel resolution. Any store error or
// timeout denies with ADMISSION_UNAVAILABLE; the controller never admits on
// a failed read.
//
// The quota check is advisory. Usage is recorded after the call, so a burst
// of concurrent admissions may overshoot a daily limit by roughly
// concurrency × average call cost.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/keygate/internal/channel"
	"github.com/nulpointcorp/keygate/internal/keys"
	"github.com/nulpointcorp/keygate/internal/pricing"
	"github.com/nulpointcorp/keygate/internal/usage"
)

// DefaultTimeout bounds a whole admission.
const DefaultTimeout = 2 * time.Second

// Reason is a machine-readable denial code.
type Reason string

const (
	ReasonUnknownKey         Reason = "UNKNOWN_KEY"
	ReasonKeyInactive        Reason = "KEY_INACTIVE"
	ReasonKeyExpired         Reason = "KEY_EXPIRED"
	ReasonQuotaExceeded      Reason = "QUOTA_EXCEEDED"
	ReasonRateLimited        Reason = "RATE_LIMITED"
	ReasonChannelUnavailable Reason = "CHANNEL_UNAVAILABLE"
	ReasonNoChannel          Reason = "NO_CHANNEL_AVAILABLE"
	ReasonUnavailable        Reason = "ADMISSION_UNAVAILABLE"
)

// Class groups reasons by how a caller should react.
type Class string

const (
	ClassAuthentication      Class = "AuthenticationFailure"
	ClassQuota               Class = "QuotaFailure"
	ClassResourceUnavailable Class = "ResourceUnavailable"
)

// Class returns the reason's class. Unknown reasons count as unavailable.
func (r Reason) Class() Class {
	switch r {
	case ReasonUnknownKey, ReasonKeyInactive, ReasonKeyExpired:
		return ClassAuthentication
	case ReasonQuotaExceeded, ReasonRateLimited:
		return ClassQuota
	default:
		return ClassResourceUnavailable
	}
}

// Denial is the error returned when a credential is not admitted.
type Denial struct {
	Reason Reason
	// KeyID is empty for UNKNOWN_KEY.
	KeyID string
	// Status is the stored key status for KEY_INACTIVE.
	Status keys.Status
	// Cause is the underlying error, if any.
	Cause error
}

func (d *Denial) Error() string {
	msg := "admission: denied: " + string(d.Reason)
	if d.KeyID != "" {
		msg += " (key " + d.KeyID + ")"
	}
	if d.Cause != nil {
		msg += ": " + d.Cause.Error()
	}
	return msg
}

func (d *Denial) Unwrap() error { return d.Cause }

// AsDenial extracts a *Denial from err.
func AsDenial(err error) (*Denial, bool) {
	var d *Denial
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// Grant is the immutable result of a successful admission. It carries what
// the forwarding layer and the usage meter need to attribute the call.
type Grant struct {
	KeyID     string          `json:"key_id"`
	UserID    string          `json:"user_id"`
	ChannelID string          `json:"channel_id"`
	Family    channel.Family  `json:"family"`
	Bound     bool            `json:"bound"`
	Channel   channel.Channel `json:"channel"`

	DailyLimit *pricing.Nanos `json:"daily_limit,omitempty"`
	Consumed   pricing.Nanos  `json:"consumed"`
	// Remaining is nil when the key has no daily limit.
	Remaining *pricing.Nanos `json:"remaining,omitempty"`

	Day      string    `json:"day"`
	IssuedAt time.Time `json:"issued_at"`
}

// UsageReader reads the day's consumed cost for a key.
type UsageReader interface {
	DayCost(ctx context.Context, keyID, day string) (pricing.Nanos, error)
}

// Limiter enforces per-key requests per minute. An error with allowed=true
// means the limiter degraded open.
type Limiter interface {
	Allow(ctx context.Context, keyID string, limit int) (bool, error)
}

// Observer receives admission outcomes. An empty reason is a grant.
type Observer interface {
	ObserveAdmission(reason string, dur time.Duration)
	RecordSelection(family, channelID, mode string)
}

// Options holds optional dependencies and tuning for a Controller.
type Options struct {
	// Timeout bounds one admission. Default: DefaultTimeout.
	Timeout time.Duration

	// Calendar maps instants to day buckets. The zero value is UTC.
	Calendar usage.Calendar

	// Limiter enforces per-key RPM limits. Nil disables them.
	Limiter Limiter

	Observer Observer

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Controller admits or denies credentials.
type Controller struct {
	keys  keys.Store
	pool  *channel.Pool
	usage UsageReader

	timeout  time.Duration
	cal      usage.Calendar
	limiter  Limiter
	observer Observer
	log      *slog.Logger
	now      func() time.Time
}

// New returns a Controller. ks is usually a keys.CachedStore.
func New(ks keys.Store, pool *channel.Pool, ur UsageReader, opts Options) *Controller {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		keys:     ks,
		pool:     pool,
		usage:    ur,
		timeout:  timeout,
		cal:      opts.Calendar,
		limiter:  opts.Limiter,
		observer: opts.Observer,
		log:      log,
		now:      time.Now,
	}
}

// Admit resolves credential to a Grant, or returns a *Denial.
func (c *Controller) Admit(ctx context.Context, credential string) (Grant, error) {
	start := c.now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	g, err := c.admit(ctx, credential, start)
	c.finish(ctx, g, err, start)
	return g, err
}

func (c *Controller) admit(ctx context.Context, credential string, now time.Time) (Grant, error) {
	k, err := keys.Lookup(ctx, c.keys, credential)
	if errors.Is(err, keys.ErrNotFound) {
		return Grant{}, &Denial{Reason: ReasonUnknownKey}
	}
	if err != nil {
		return Grant{}, &Denial{Reason: ReasonUnavailable, Cause: err}
	}

	if k.Status != keys.StatusActive {
		return Grant{}, &Denial{Reason: ReasonKeyInactive, KeyID: k.ID, Status: k.Status}
	}
	if k.ExpiredAt(now) {
		return Grant{}, &Denial{Reason: ReasonKeyExpired, KeyID: k.ID, Status: k.Status}
	}

	if c.limiter != nil && k.RPMLimit > 0 {
		allowed, err := c.limiter.Allow(ctx, k.ID, k.RPMLimit)
		if err != nil {
			c.log.WarnContext(ctx, "rate_limit_degraded",
				slog.String("key_id", k.ID),
				slog.String("error", err.Error()),
			)
		}
		if !allowed {
			return Grant{}, &Denial{Reason: ReasonRateLimited, KeyID: k.ID}
		}
	}

	day := c.cal.Day(now)
	g := Grant{
		KeyID:      k.ID,
		UserID:     k.UserID,
		Bound:      k.Bound(),
		DailyLimit: k.DailyLimit,
		Day:        day,
		IssuedAt:   now.UTC(),
	}

	if k.DailyLimit != nil {
		consumed, err := c.usage.DayCost(ctx, k.ID, day)
		if err != nil {
			return Grant{}, &Denial{Reason: ReasonUnavailable, KeyID: k.ID, Cause: err}
		}
		if err := ctx.Err(); err != nil {
			return Grant{}, &Denial{Reason: ReasonUnavailable, KeyID: k.ID, Cause: err}
		}
		g.Consumed = consumed
		if consumed >= *k.DailyLimit {
			return Grant{}, &Denial{Reason: ReasonQuotaExceeded, KeyID: k.ID}
		}
		remaining := *k.DailyLimit - consumed
		g.Remaining = &remaining
	}

	ch, mode, err := c.resolveChannel(ctx, k)
	if err != nil {
		return Grant{}, err
	}
	g.Channel = ch
	g.ChannelID = ch.ID
	g.Family = ch.Family

	if c.observer != nil {
		c.observer.RecordSelection(string(ch.Family), ch.ID, mode)
	}
	return g, nil
}

func (c *Controller) resolveChannel(ctx context.Context, k keys.Key) (channel.Channel, string, error) {
	if k.Bound() {
		ch, err := c.pool.Resolve(ctx, k.ChannelID)
		switch {
		case err == nil:
			return ch, "bound", nil
		case errors.Is(err, channel.ErrNotFound), errors.Is(err, channel.ErrUnavailable):
			return channel.Channel{}, "", &Denial{Reason: ReasonChannelUnavailable, KeyID: k.ID, Cause: err}
		default:
			return channel.Channel{}, "", &Denial{Reason: ReasonUnavailable, KeyID: k.ID, Cause: err}
		}
	}

	ch, err := c.pool.Select(ctx, k.Family)
	switch {
	case err == nil:
		return ch, "pool", nil
	case errors.Is(err, channel.ErrNoChannel):
		return channel.Channel{}, "", &Denial{
			Reason: ReasonNoChannel,
			KeyID:  k.ID,
			Cause:  fmt.Errorf("family %s: %w", k.Family, err),
		}
	default:
		return channel.Channel{}, "", &Denial{Reason: ReasonUnavailable, KeyID: k.ID, Cause: err}
	}
}

func (c *Controller) finish(ctx context.Context, g Grant, err error, start time.Time) {
	dur := c.now().Sub(start)
	if err == nil {
		if c.observer != nil {
			c.observer.ObserveAdmission("", dur)
		}
		c.log.DebugContext(ctx, "admission_granted",
			slog.String("key_id", g.KeyID),
			slog.String("channel_id", g.ChannelID),
			slog.Duration("latency", dur),
		)
		return
	}

	d, ok := AsDenial(err)
	if !ok {
		d = &Denial{Reason: ReasonUnavailable, Cause: err}
	}
	if c.observer != nil {
		c.observer.ObserveAdmission(string(d.Reason), dur)
	}

	attrs := []any{
		slog.String("reason", string(d.Reason)),
		slog.String("key_id", d.KeyID),
		slog.Duration("latency", dur),
	}
	if d.Status != "" {
		attrs = append(attrs, slog.String("status", string(d.Status)))
	}
	if d.Cause != nil {
		attrs = append(attrs, slog.String("error", d.Cause.Error()))
	}
	if d.Reason.Class() == ClassResourceUnavailable {
		c.log.WarnContext(ctx, "admission_denied", attrs...)
		return
	}
	c.log.InfoContext(ctx, "admission_denied", attrs...)
}
