package admin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nulpointcorp/keygate/internal/channel"
	"github.com/nulpointcorp/keygate/internal/keys"
	"github.com/nulpointcorp/keygate/internal/pricing"
	"github.com/nulpointcorp/keygate/internal/store"
	"github.com/nulpointcorp/keygate/internal/store/memstore"
	"github.com/nulpointcorp/keygate/internal/usage"
)

func newService(t *testing.T) (*Service, *memstore.Store) {
	t.Helper()
	st := memstore.New(time.Hour)
	svc := New(st)
	svc.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	if err := svc.AddChannel(context.Background(), channel.Channel{
		ID: "oa-1", Family: channel.FamilyOpenAI, Credential: "sk-x", Active: true,
	}); err != nil {
		t.Fatal(err)
	}
	return svc, st
}

func nanos(n pricing.Nanos) *pricing.Nanos { return &n }

func TestCreateKey_SecretResolves(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	k, secret, err := svc.CreateKey(ctx, NewKey{UserID: "u1", Family: channel.FamilyOpenAI, DailyLimit: nanos(5e9)})
	if err != nil {
		t.Fatal(err)
	}
	if k.ID == "" || secret == "" {
		t.Fatalf("key = %+v, secret = %q", k, secret)
	}
	if k.SecretHash == secret {
		t.Error("the clear secret must not be stored")
	}

	got, err := keys.Lookup(ctx, st, secret)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != k.ID || got.Status != keys.StatusActive || *got.DailyLimit != 5e9 {
		t.Errorf("stored key = %+v", got)
	}
}

func TestCreateKey_Validation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		nk   NewKey
	}{
		{"unbound without family", NewKey{UserID: "u1"}},
		{"unknown bound channel", NewKey{UserID: "u1", ChannelID: "nope"}},
		{"negative rpm", NewKey{UserID: "u1", Family: channel.FamilyOpenAI, RPMLimit: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := svc.CreateKey(ctx, tc.nk); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, _, err := svc.CreateKey(ctx, NewKey{ID: "bound", UserID: "u1", ChannelID: "oa-1"}); err != nil {
		t.Errorf("bound key: %v", err)
	}
	if _, _, err := svc.CreateKey(ctx, NewKey{ID: "bound", UserID: "u1", ChannelID: "oa-1"}); !errors.Is(err, store.ErrExists) {
		t.Errorf("duplicate id: err = %v", err)
	}
}

func TestSetKeyStatusAndLimits(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	k, _, err := svc.CreateKey(ctx, NewKey{ID: "k1", UserID: "u1", Family: channel.FamilyOpenAI})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.SetKeyStatus(ctx, k.ID, keys.StatusRevoked); err != nil {
		t.Fatal(err)
	}
	rpm := 60
	if _, err := svc.SetKeyLimits(ctx, k.ID, Limits{Daily: nanos(1e9), RPM: &rpm}); err != nil {
		t.Fatal(err)
	}

	got, err := st.GetKey(ctx, k.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != keys.StatusRevoked || got.DailyLimit == nil || *got.DailyLimit != 1e9 || got.RPMLimit != 60 {
		t.Errorf("key = %+v", got)
	}

	if _, err := svc.SetKeyLimits(ctx, k.ID, Limits{ClearDaily: true}); err != nil {
		t.Fatal(err)
	}
	got, _ = st.GetKey(ctx, k.ID)
	if got.DailyLimit != nil || got.RPMLimit != 60 {
		t.Errorf("after clearing daily limit: %+v", got)
	}

	if _, err := svc.SetKeyStatus(ctx, "missing", keys.StatusActive); !errors.Is(err, keys.ErrNotFound) {
		t.Errorf("missing key: err = %v", err)
	}
}

func TestDeleteKey(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	_, secret, err := svc.CreateKey(ctx, NewKey{ID: "k1", UserID: "u1", Family: channel.FamilyOpenAI})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.DeleteKey(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if _, err := keys.Lookup(ctx, st, secret); !errors.Is(err, keys.ErrNotFound) {
		t.Errorf("deleted key still resolves: err = %v", err)
	}
	if err := svc.DeleteKey(ctx, "k1"); !errors.Is(err, keys.ErrNotFound) {
		t.Errorf("second delete: err = %v", err)
	}
}

func TestChannels(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	err := svc.AddChannel(ctx, channel.Channel{ID: "oa-1", Family: channel.FamilyOpenAI})
	if !errors.Is(err, store.ErrExists) {
		t.Errorf("duplicate add: err = %v", err)
	}
	if err := svc.AddChannel(ctx, channel.Channel{ID: "x", Family: "azure"}); err == nil {
		t.Error("unknown family should be rejected")
	}

	off := false
	url := "http://proxy.internal/v1"
	c, err := svc.UpdateChannel(ctx, "oa-1", ChannelUpdate{Active: &off, BaseURL: &url})
	if err != nil {
		t.Fatal(err)
	}
	if c.Active || c.BaseURL != url || c.Credential != "sk-x" {
		t.Errorf("updated channel = %+v", c)
	}

	if err := svc.RetireChannel(ctx, "oa-1"); err != nil {
		t.Fatal(err)
	}
	got, err := st.GetChannel(ctx, "oa-1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Deleted || got.Serviceable() {
		t.Errorf("retired channel = %+v", got)
	}
	if _, err := svc.UpdateChannel(ctx, "oa-1", ChannelUpdate{Active: &off}); err == nil {
		t.Error("a retired channel cannot be updated")
	}

	list, err := svc.ListChannels(ctx)
	if err != nil || len(list) != 1 {
		t.Errorf("list = %v, err = %v", list, err)
	}
}

func TestCorrectUsage(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	if _, _, err := svc.CreateKey(ctx, NewKey{ID: "k1", UserID: "u1", Family: channel.FamilyOpenAI}); err != nil {
		t.Fatal(err)
	}
	b := usage.Bucket{KeyID: "k1", Model: "gpt-4o", Day: "2026-03-10"}
	if _, err := st.Increment(ctx, b, usage.Counters{
		Requests: 3, Successes: 3,
		Tokens: pricing.Tokens{Input: 3000, Output: 1500},
		Cost:   21_000_000,
	}, "call-1"); err != nil {
		t.Fatal(err)
	}

	agg, err := svc.CorrectUsage(ctx, Correction{
		KeyID: "k1", Model: "gpt-4o", Day: "2026-03-10",
		Requests: -1, Successes: -1,
		Tokens: pricing.Tokens{Input: -1000, Output: -500},
		Cost:   -7_000_000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if agg.Requests != 2 || agg.Cost != 14_000_000 {
		t.Errorf("corrected = %+v", agg)
	}
	if cost, _ := st.DayCost(ctx, "k1", "2026-03-10"); cost != 14_000_000 {
		t.Errorf("day cost = %d", cost)
	}

	_, err = svc.CorrectUsage(ctx, Correction{KeyID: "k1", Model: "gpt-4o", Day: "2026-03-10", Cost: -20_000_000})
	if err == nil {
		t.Error("a correction below zero should be rejected")
	}
	if cost, _ := st.DayCost(ctx, "k1", "2026-03-10"); cost != 14_000_000 {
		t.Errorf("rejected correction changed the bucket: %d", cost)
	}

	for _, c := range []Correction{
		{KeyID: "k1", Model: "gpt-4o", Day: "10/03/2026", Cost: 1},
		{KeyID: "k1", Day: "2026-03-10", Cost: 1},
		{KeyID: "k1", Model: "gpt-4o", Day: "2026-03-10"},
		{KeyID: "ghost", Model: "gpt-4o", Day: "2026-03-10", Cost: 1},
	} {
		if _, err := svc.CorrectUsage(ctx, c); err == nil {
			t.Errorf("correction %+v should be rejected", c)
		}
	}
}
