package sqlstore

import (
	"time"

	"github.com/nulpointcorp/keygate/internal/channel"
	"github.com/nulpointcorp/keygate/internal/keys"
	"github.com/nulpointcorp/keygate/internal/pricing"
	"github.com/nulpointcorp/keygate/internal/usage"
)

// APIKey is the keygate_api_keys row.
type APIKey struct {
	ID              string     `gorm:"type:varchar(64);primaryKey"`
	UserID          string     `gorm:"type:varchar(64);not null;index"`
	Name            string     `gorm:"type:varchar(255)"`
	SecretHash      string     `gorm:"type:char(64);not null;uniqueIndex"`
	ChannelID       string     `gorm:"type:varchar(64)"`
	Family          string     `gorm:"type:varchar(32)"`
	Status          string     `gorm:"type:varchar(16);not null"`
	ExpiresAt       *time.Time `gorm:"index"`
	DailyLimitNanos *int64
	RPMLimit        int
	CreatedAt       time.Time  `gorm:"not null"`
	UpdatedAt       time.Time  `gorm:"not null"`
	DeletedAt       *time.Time `gorm:"index"`
}

func (APIKey) TableName() string { return "keygate_api_keys" }

func apiKeyFrom(k keys.Key) APIKey {
	row := APIKey{
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
		row.DailyLimitNanos = &v
	}
	return row
}

func (r APIKey) key() keys.Key {
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
	if r.DailyLimitNanos != nil {
		v := pricing.Nanos(*r.DailyLimitNanos)
		k.DailyLimit = &v
	}
	return k
}

// Channel is the keygate_channels row.
type Channel struct {
	ID         string `gorm:"type:varchar(64);primaryKey"`
	Family     string `gorm:"type:varchar(32);not null;index"`
	Name       string `gorm:"type:varchar(255)"`
	BaseURL    string `gorm:"type:text"`
	Credential string `gorm:"type:text"`
	Active     bool   `gorm:"not null"`
	Deleted    bool   `gorm:"not null"`
	UpdatedAt  time.Time
}

func (Channel) TableName() string { return "keygate_channels" }

func (r Channel) channel() channel.Channel {
	return channel.Channel{
		ID:         r.ID,
		Family:     channel.Family(r.Family),
		Name:       r.Name,
		BaseURL:    r.BaseURL,
		Credential: r.Credential,
		Active:     r.Active,
		Deleted:    r.Deleted,
	}
}

// UsageAggregate is one (key, model, day) bucket.
type UsageAggregate struct {
	KeyID            string `gorm:"type:varchar(64);primaryKey"`
	Day              string `gorm:"type:char(10);primaryKey;index"`
	Model            string `gorm:"type:varchar(255);primaryKey"`
	Requests         int64  `gorm:"not null"`
	Successes        int64  `gorm:"not null"`
	Failures         int64  `gorm:"not null"`
	InputTokens      int64  `gorm:"not null"`
	OutputTokens     int64  `gorm:"not null"`
	CacheWriteTokens int64  `gorm:"not null"`
	CacheReadTokens  int64  `gorm:"not null"`
	CostNanos        int64  `gorm:"not null"`
	UpdatedAt        time.Time
}

func (UsageAggregate) TableName() string { return "keygate_usage_aggregates" }

func (r UsageAggregate) aggregate() usage.Aggregate {
	return usage.Aggregate{
		Bucket: usage.Bucket{KeyID: r.KeyID, Model: r.Model, Day: r.Day},
		Counters: usage.Counters{
			Requests:  r.Requests,
			Successes: r.Successes,
			Failures:  r.Failures,
			Tokens: pricing.Tokens{
				Input:      r.InputTokens,
				Output:     r.OutputTokens,
				CacheWrite: r.CacheWriteTokens,
				CacheRead:  r.CacheReadTokens,
			},
			Cost: pricing.Nanos(r.CostNanos),
		},
	}
}

// UsageReceipt remembers an applied call ID of a key until ExpiresAt.
// CallID fits usage.MaxCallIDLen.
type UsageReceipt struct {
	KeyID     string    `gorm:"type:varchar(64);primaryKey"`
	CallID    string    `gorm:"type:varchar(128);primaryKey"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

func (UsageReceipt) TableName() string { return "keygate_usage_receipts" }

// Models lists every table for migration.
func Models() []any {
	return []any{&APIKey{}, &Channel{}, &UsageAggregate{}, &UsageReceipt{}}
}
