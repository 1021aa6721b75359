package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/paygate/paygate/pkg/utils"
)

// KeyPrefix is the opaque bearer prefix for all issued keys.
const KeyPrefix = "pg_"

// Quota holds per-key daily/monthly limits and their running counters. Zero
// limits mean unlimited. Anchors mark the UTC day/month the counters belong
// to; counters whose anchor is stale are rolled over lazily.
type Quota struct {
	DailyCallLimit     int64 `json:"dailyCallLimit,omitempty"`
	MonthlyCallLimit   int64 `json:"monthlyCallLimit,omitempty"`
	DailyCreditLimit   int64 `json:"dailyCreditLimit,omitempty"`
	MonthlyCreditLimit int64 `json:"monthlyCreditLimit,omitempty"`

	DailyCalls     int64 `json:"quotaDailyCalls"`
	DailyCredits   int64 `json:"quotaDailyCredits"`
	MonthlyCalls   int64 `json:"quotaMonthlyCalls"`
	MonthlyCredits int64 `json:"quotaMonthlyCredits"`

	DayAnchor   time.Time `json:"quotaDayAnchor"`
	MonthAnchor time.Time `json:"quotaMonthAnchor"`
}

// Clone returns a deep copy.
func (q *Quota) Clone() *Quota {
	if q == nil {
		return nil
	}
	c := *q
	return &c
}

// KeyRecord is the central entity: one issued API key and its balance,
// counters, and policy settings. The key value is immutable once issued;
// rotation issues a new record.
type KeyRecord struct {
	Key        string    `json:"key"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt,omitempty"`

	Credits    int64 `json:"credits"`
	TotalSpent int64 `json:"totalSpent"`
	TotalCalls int64 `json:"totalCalls"`

	Active    bool       `json:"active"`
	Suspended bool       `json:"suspended"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	AllowedTools []string          `json:"allowedTools,omitempty"`
	DeniedTools  []string          `json:"deniedTools,omitempty"`
	IPAllowlist  []string          `json:"ipAllowlist,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`

	SpendingLimit int64  `json:"spendingLimit,omitempty"`
	Quota         *Quota `json:"quota,omitempty"`

	// extra carries fields this version does not know about so the state
	// file round-trips additive schema changes without losing them.
	extra map[string]json.RawMessage
}

// Expired reports whether the key has an expiry in the past.
func (r *KeyRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// Usable reports whether the key may authorize a call right now.
func (r *KeyRecord) Usable(now time.Time) bool {
	return r.Active && !r.Suspended && !r.Expired(now)
}

// MaskedKey returns the key with its middle hidden, for exports and logs.
func (r *KeyRecord) MaskedKey() string {
	return utils.MaskKey(r.Key)
}

// Clone returns a deep copy safe to hand outside the store.
func (r *KeyRecord) Clone() *KeyRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	c.AllowedTools = utils.CloneStringSet(r.AllowedTools)
	c.DeniedTools = utils.CloneStringSet(r.DeniedTools)
	c.IPAllowlist = utils.CloneStringSet(r.IPAllowlist)
	c.Tags = utils.CloneStringMap(r.Tags)
	c.Quota = r.Quota.Clone()
	if r.extra != nil {
		c.extra = make(map[string]json.RawMessage, len(r.extra))
		for k, v := range r.extra {
			c.extra[k] = v
		}
	}
	return &c
}

type keyRecordAlias KeyRecord

// UnmarshalJSON decodes a record and stashes unrecognized fields so they
// survive re-serialization.
func (r *KeyRecord) UnmarshalJSON(data []byte) error {
	var a keyRecordAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*r = KeyRecord(a)

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	known, err := json.Marshal(a)
	if err != nil {
		return err
	}
	var knownFields map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownFields); err != nil {
		return err
	}
	for k := range knownFields {
		delete(all, k)
	}
	if len(all) > 0 {
		r.extra = all
	}
	return nil
}

// MarshalJSON re-emits stashed unknown fields alongside the known ones.
func (r KeyRecord) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(keyRecordAlias(r))
	if err != nil {
		return nil, err
	}
	if len(r.extra) == 0 {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// GenerateKey issues a fresh pg_-prefixed secret: 32 random bytes hex-encoded.
func GenerateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(b), nil
}
