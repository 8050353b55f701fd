// Package redisstore keeps keys, channels and usage aggregates in Redis.
//
// Usage increments run as one Lua script per record: the call receipt, every
// counter of the bucket, the per-day cost counter and the day index are
// updated together or not at all. The global index of keys with usage is
// written just before the script. All usage keys of one API key share a hash
// tag so the script stays on one slot.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/keygate/internal/channel"
	"github.com/nulpointcorp/keygate/internal/keys"
	"github.com/nulpointcorp/keygate/internal/pricing"
	"github.com/nulpointcorp/keygate/internal/store"
	"github.com/nulpointcorp/keygate/internal/usage"
)

const (
	defaultPrefix = "keygate"

	fieldRequests   = "requests"
	fieldSuccesses  = "successes"
	fieldFailures   = "failures"
	fieldInput      = "input_tokens"
	fieldOutput     = "output_tokens"
	fieldCacheWrite = "cache_write_tokens"
	fieldCacheRead  = "cache_read_tokens"
	fieldCost       = "cost_nanos"
)

// incrementScript applies one usage record.
// KEYS[1] = call receipt key
// KEYS[2] = bucket hash
// KEYS[3] = model set for the day
// KEYS[4] = day cost counter
// KEYS[5] = day index (sorted set)
// ARGV[1] = receipt TTL in ms, "0" to skip idempotency
// ARGV[2] = model, ARGV[3] = day, ARGV[4] = day score
// ARGV[5..12] = requests, successes, failures, input, output, cache_write, cache_read, cost
// Returns 1 if applied, 0 for a duplicate call.
var incrementScript = redis.NewScript(`
	if ARGV[1] ~= '0' then
		if not redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[1]) then
			return 0
		end
	end

	redis.call('HINCRBY', KEYS[2], 'requests', ARGV[5])
	redis.call('HINCRBY', KEYS[2], 'successes', ARGV[6])
	redis.call('HINCRBY', KEYS[2], 'failures', ARGV[7])
	redis.call('HINCRBY', KEYS[2], 'input_tokens', ARGV[8])
	redis.call('HINCRBY', KEYS[2], 'output_tokens', ARGV[9])
	redis.call('HINCRBY', KEYS[2], 'cache_write_tokens', ARGV[10])
	redis.call('HINCRBY', KEYS[2], 'cache_read_tokens', ARGV[11])
	redis.call('HINCRBY', KEYS[2], 'cost_nanos', ARGV[12])

	redis.call('SADD', KEYS[3], ARGV[2])
	redis.call('INCRBY', KEYS[4], ARGV[12])
	redis.call('ZADD', KEYS[5], ARGV[4], ARGV[3])
	return 1
`)

// createKeyScript inserts a key only if neither its ID nor its hash exists.
// KEYS[1] = key record, KEYS[2] = hash index
// ARGV[1] = JSON record, ARGV[2] = key ID
var createKeyScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
		return 0
	end
	redis.call('SET', KEYS[1], ARGV[1])
	redis.call('SET', KEYS[2], ARGV[2])
	return 1
`)

// Store implements store.Store on Redis.
type Store struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

var _ store.Store = (*Store)(nil)

// New returns a Store using rdb. The client is owned by the caller.
func New(rdb *redis.Client, idempotencyTTL time.Duration) *Store {
	return &Store{rdb: rdb, prefix: defaultPrefix, ttl: idempotencyTTL}
}

// keyRecord is the stored form of keys.Key; unlike the API shape it carries
// the secret hash.
type keyRecord struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name,omitempty"`
	SecretHash string     `json:"secret_hash"`
	ChannelID  string     `json:"channel_id,omitempty"`
	Family     string     `json:"family,omitempty"`
	Status     string     `json:"status"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	DailyLimit *int64     `json:"daily_limit_nanos,omitempty"`
	RPMLimit   int        `json:"rpm_limit,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

func toKeyRecord(k keys.Key) keyRecord {
	r := keyRecord{
		ID:         k.ID,
		UserID:     k.UserID,
		Name:       k.Name,
		SecretHash: k.SecretHash,
		ChannelID:  k.ChannelID,
		Family:     string(k.Family),
		Status:     string(k.Status),
		ExpiresAt:  k.ExpiresAt,
		RPMLimit:   k.RPMLimit,
		CreatedAt:  k.CreatedAt,
		DeletedAt:  k.DeletedAt,
	}
	if k.DailyLimit != nil {
		v := int64(*k.DailyLimit)
		r.DailyLimit = &v
	}
	return r
}

func (r keyRecord) key() keys.Key {
	k := keys.Key{
		ID:         r.ID,
		UserID:     r.UserID,
		Name:       r.Name,
		SecretHash: r.SecretHash,
		ChannelID:  r.ChannelID,
		Family:     channel.Family(r.Family),
		Status:     keys.Status(r.Status),
		ExpiresAt:  r.ExpiresAt,
		RPMLimit:   r.RPMLimit,
		CreatedAt:  r.CreatedAt,
		DeletedAt:  r.DeletedAt,
	}
	if r.DailyLimit != nil {
		v := pricing.Nanos(*r.DailyLimit)
		k.DailyLimit = &v
	}
	return k
}

type channelRecord struct {
	ID         string `json:"id"`
	Family     string `json:"family"`
	Name       string `json:"name,omitempty"`
	BaseURL    string `json:"base_url,omitempty"`
	Credential string `json:"credential,omitempty"`
	Active     bool   `json:"active"`
	Deleted    bool   `json:"deleted"`
}

func (s *Store) keyKey(id string) string { return s.prefix + ":key:" + id }
func (s *Store) hashKey(hash string) string { return s.prefix + ":keyhash:" + hash }
func (s *Store) channelsKey() string { return s.prefix + ":channels" }
func (s *Store) usageKeysKey() string { return s.prefix + ":usage:keys" }
func (s *Store) usagePrefix(keyID string) string {
	return s.prefix + ":usage:{" + keyID + "}"
}
func (s *Store) bucketKey(keyID, day, model string) string {
	return s.usagePrefix(keyID) + ":" + day + ":m:" + model
}
func (s *Store) modelsKey(keyID, day string) string { return s.usagePrefix(keyID) + ":" + day + ":models" }
func (s *Store) costKey(keyID, day string) string { return s.usagePrefix(keyID) + ":" + day + ":cost" }
func (s *Store) daysKey(keyID string) string { return s.usagePrefix(keyID) + ":days" }
func (s *Store) receiptKey(keyID, callID string) string {
	return s.usagePrefix(keyID) + ":call:" + callID
}

// dayScore turns "2026-10-18" into 20261018.
func dayScore(day string) (int64, error) {
	return strconv.ParseInt(strings.ReplaceAll(day, "-", ""), 10, 64)
}

// LookupByHash implements keys.Store.
func (s *Store) LookupByHash(ctx context.Context, hash string) (keys.Key, error) {
	id, err := s.rdb.Get(ctx, s.hashKey(hash)).Result()
	if errors.Is(err, redis.Nil) {
		return keys.Key{}, keys.ErrNotFound
	}
	if err != nil {
		return keys.Key{}, fmt.Errorf("redisstore: lookup hash: %w", err)
	}
	return s.GetKey(ctx, id)
}

// GetKey implements keys.Store.
func (s *Store) GetKey(ctx context.Context, id string) (keys.Key, error) {
	k, err := s.rawKey(ctx, id)
	if err != nil {
		return keys.Key{}, err
	}
	if k.DeletedAt != nil {
		return keys.Key{}, keys.ErrNotFound
	}
	return k, nil
}

func (s *Store) rawKey(ctx context.Context, id string) (keys.Key, error) {
	raw, err := s.rdb.Get(ctx, s.keyKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return keys.Key{}, keys.ErrNotFound
	}
	if err != nil {
		return keys.Key{}, fmt.Errorf("redisstore: get key %s: %w", id, err)
	}
	var rec keyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return keys.Key{}, fmt.Errorf("redisstore: decode key %s: %w", id, err)
	}
	return rec.key(), nil
}

// CreateKey implements store.Store.
func (s *Store) CreateKey(ctx context.Context, k keys.Key) error {
	if err := store.ValidateKey(k); err != nil {
		return err
	}
	raw, err := json.Marshal(toKeyRecord(k))
	if err != nil {
		return fmt.Errorf("redisstore: encode key: %w", err)
	}
	ok, err := createKeyScript.Run(ctx, s.rdb,
		[]string{s.keyKey(k.ID), s.hashKey(k.SecretHash)},
		raw, k.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("redisstore: create key: %w", err)
	}
	if ok == 0 {
		return store.ErrExists
	}
	return nil
}

// SaveKey implements store.Store.
func (s *Store) SaveKey(ctx context.Context, k keys.Key) error {
	if err := store.ValidateKey(k); err != nil {
		return err
	}
	prev, err := s.rawKey(ctx, k.ID)
	if err != nil {
		return err
	}
	if prev.SecretHash != k.SecretHash {
		owner, err := s.rdb.Get(ctx, s.hashKey(k.SecretHash)).Result()
		if err == nil && owner != k.ID {
			return store.ErrExists
		}
	}

	raw, err := json.Marshal(toKeyRecord(k))
	if err != nil {
		return fmt.Errorf("redisstore: encode key: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if prev.SecretHash != k.SecretHash {
			p.Del(ctx, s.hashKey(prev.SecretHash))
		}
		p.Set(ctx, s.keyKey(k.ID), raw, 0)
		p.Set(ctx, s.hashKey(k.SecretHash), k.ID, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: save key %s: %w", k.ID, err)
	}
	return nil
}

// ListChannels implements channel.Store.
func (s *Store) ListChannels(ctx context.Context) ([]channel.Channel, error) {
	all, err := s.rdb.HGetAll(ctx, s.channelsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list channels: %w", err)
	}
	out := make([]channel.Channel, 0, len(all))
	for id, raw := range all {
		c, err := decodeChannel(raw)
		if err != nil {
			return nil, fmt.Errorf("redisstore: decode channel %s: %w", id, err)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetChannel implements channel.Store.
func (s *Store) GetChannel(ctx context.Context, id string) (channel.Channel, error) {
	raw, err := s.rdb.HGet(ctx, s.channelsKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return channel.Channel{}, channel.ErrNotFound
	}
	if err != nil {
		return channel.Channel{}, fmt.Errorf("redisstore: get channel %s: %w", id, err)
	}
	return decodeChannel(raw)
}

// SaveChannel implements store.Store.
func (s *Store) SaveChannel(ctx context.Context, c channel.Channel) error {
	if err := store.ValidateChannel(c); err != nil {
		return err
	}
	raw, err := json.Marshal(channelRecord{
		ID:         c.ID,
		Family:     string(c.Family),
		Name:       c.Name,
		BaseURL:    c.BaseURL,
		Credential: c.Credential,
		Active:     c.Active,
		Deleted:    c.Deleted,
	})
	if err != nil {
		return fmt.Errorf("redisstore: encode channel: %w", err)
	}
	if err := s.rdb.HSet(ctx, s.channelsKey(), c.ID, raw).Err(); err != nil {
		return fmt.Errorf("redisstore: save channel %s: %w", c.ID, err)
	}
	return nil
}

func decodeChannel(raw string) (channel.Channel, error) {
	var r channelRecord
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return channel.Channel{}, err
	}
	return channel.Channel{
		ID:         r.ID,
		Family:     channel.Family(r.Family),
		Name:       r.Name,
		BaseURL:    r.BaseURL,
		Credential: r.Credential,
		Active:     r.Active,
		Deleted:    r.Deleted,
	}, nil
}

// Increment implements usage.Store.
func (s *Store) Increment(ctx context.Context, b usage.Bucket, d usage.Counters, callID string) (bool, error) {
	score, err := dayScore(b.Day)
	if err != nil {
		return false, fmt.Errorf("redisstore: bad day %q: %w", b.Day, err)
	}

	ttl := "0"
	if callID != "" {
		ttl = strconv.FormatInt(max(s.ttl.Milliseconds(), 1), 10)
	}

	// Index of keys with usage, read by Prune. It lives outside the key's
	// hash slot, so it is written first: a failure here leaves nothing
	// applied, and an entry without usage is harmless.
	if err := s.rdb.SAdd(ctx, s.usageKeysKey(), b.KeyID).Err(); err != nil {
		return false, fmt.Errorf("redisstore: index key: %w", err)
	}

	res, err := incrementScript.Run(ctx, s.rdb,
		[]string{
			s.receiptKey(b.KeyID, callID),
			s.bucketKey(b.KeyID, b.Day, b.Model),
			s.modelsKey(b.KeyID, b.Day),
			s.costKey(b.KeyID, b.Day),
			s.daysKey(b.KeyID),
		},
		ttl, b.Model, b.Day, score,
		d.Requests, d.Successes, d.Failures,
		d.Tokens.Input, d.Tokens.Output, d.Tokens.CacheWrite, d.Tokens.CacheRead,
		int64(d.Cost),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redisstore: increment: %w", err)
	}
	if res == 0 {
		return false, nil
	}

	return true, nil
}

// Aggregates implements usage.Store.
func (s *Store) Aggregates(ctx context.Context, keyID, fromDay, toDay string) ([]usage.Aggregate, error) {
	from, err := dayScore(fromDay)
	if err != nil {
		return nil, fmt.Errorf("redisstore: bad day %q: %w", fromDay, err)
	}
	to, err := dayScore(toDay)
	if err != nil {
		return nil, fmt.Errorf("redisstore: bad day %q: %w", toDay, err)
	}

	days, err := s.rdb.ZRangeByScore(ctx, s.daysKey(keyID), &redis.ZRangeBy{
		Min: strconv.FormatInt(from, 10),
		Max: strconv.FormatInt(to, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: days: %w", err)
	}
	if len(days) == 0 {
		return nil, nil
	}

	modelCmds := make([]*redis.StringSliceCmd, len(days))
	if _, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, day := range days {
			modelCmds[i] = p.SMembers(ctx, s.modelsKey(keyID, day))
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("redisstore: models: %w", err)
	}

	var buckets []usage.Bucket
	for i, day := range days {
		models := modelCmds[i].Val()
		sort.Strings(models)
		for _, m := range models {
			buckets = append(buckets, usage.Bucket{KeyID: keyID, Model: m, Day: day})
		}
	}

	hashCmds := make([]*redis.MapStringStringCmd, len(buckets))
	if _, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, b := range buckets {
			hashCmds[i] = p.HGetAll(ctx, s.bucketKey(b.KeyID, b.Day, b.Model))
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("redisstore: buckets: %w", err)
	}

	out := make([]usage.Aggregate, 0, len(buckets))
	for i, b := range buckets {
		c, err := parseCounters(hashCmds[i].Val())
		if err != nil {
			return nil, fmt.Errorf("redisstore: bucket %s/%s/%s: %w", b.KeyID, b.Day, b.Model, err)
		}
		out = append(out, usage.Aggregate{Bucket: b, Counters: c})
	}
	return out, nil
}

func parseCounters(h map[string]string) (usage.Counters, error) {
	var c usage.Counters
	fields := []struct {
		name string
		dst  *int64
	}{
		{fieldRequests, &c.Requests},
		{fieldSuccesses, &c.Successes},
		{fieldFailures, &c.Failures},
		{fieldInput, &c.Tokens.Input},
		{fieldOutput, &c.Tokens.Output},
		{fieldCacheWrite, &c.Tokens.CacheWrite},
		{fieldCacheRead, &c.Tokens.CacheRead},
	}
	for _, f := range fields {
		raw, ok := h[f.name]
		if !ok {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return usage.Counters{}, fmt.Errorf("field %s: %w", f.name, err)
		}
		*f.dst = v
	}
	if raw, ok := h[fieldCost]; ok {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return usage.Counters{}, fmt.Errorf("field %s: %w", fieldCost, err)
		}
		c.Cost = pricing.Nanos(v)
	}
	return c, nil
}

// DayCost implements usage.Store.
func (s *Store) DayCost(ctx context.Context, keyID, day string) (pricing.Nanos, error) {
	v, err := s.rdb.Get(ctx, s.costKey(keyID, day)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redisstore: day cost: %w", err)
	}
	return pricing.Nanos(v), nil
}

// Prune implements usage.Store.
func (s *Store) Prune(ctx context.Context, beforeDay string) (int64, error) {
	cutoff, err := dayScore(beforeDay)
	if err != nil {
		return 0, fmt.Errorf("redisstore: bad day %q: %w", beforeDay, err)
	}

	keyIDs, err := s.rdb.SMembers(ctx, s.usageKeysKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: usage keys: %w", err)
	}

	var pruned int64
	for _, keyID := range keyIDs {
		if ctx.Err() != nil {
			return pruned, ctx.Err()
		}
		days, err := s.rdb.ZRangeByScore(ctx, s.daysKey(keyID), &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + strconv.FormatInt(cutoff, 10),
		}).Result()
		if err != nil {
			return pruned, fmt.Errorf("redisstore: days of %s: %w", keyID, err)
		}
		for _, day := range days {
			models, err := s.rdb.SMembers(ctx, s.modelsKey(keyID, day)).Result()
			if err != nil {
				return pruned, fmt.Errorf("redisstore: models of %s/%s: %w", keyID, day, err)
			}
			del := make([]string, 0, len(models)+2)
			for _, m := range models {
				del = append(del, s.bucketKey(keyID, day, m))
			}
			del = append(del, s.modelsKey(keyID, day), s.costKey(keyID, day))

			_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Del(ctx, del...)
				p.ZRem(ctx, s.daysKey(keyID), day)
				return nil
			})
			if err != nil {
				return pruned, fmt.Errorf("redisstore: prune %s/%s: %w", keyID, day, err)
			}
			pruned += int64(len(models))
		}
	}
	return pruned, nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close implements store.Store. The client belongs to the caller.
func (s *Store) Close() error { return nil }
