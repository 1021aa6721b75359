// Package keystore is the single source of truth for API key state. All
// mutations go through the store and are serialized by one write lock; reads
// return deep-copied snapshots. Every mutation schedules a debounced flush to
// the JSON state file and fires the mutation hook (used by the Redis mirror).
package keystore

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/paygate/paygate/internal/errors"
	"github.com/paygate/paygate/internal/logger"
)

// EventType labels a store mutation for the hook/mirror layer.
type EventType string

const (
	EventCreated   EventType = "key.created"
	EventUpdated   EventType = "key.updated"
	EventRevoked   EventType = "key.revoked"
	EventSuspended EventType = "key.suspended"
	EventResumed   EventType = "key.resumed"
	EventRotated   EventType = "key.rotated"
	EventDeducted  EventType = "credits.deducted"
	EventAdded     EventType = "credits.added"
	EventRefunded  EventType = "credits.refunded"
)

// Event describes one store mutation. Remote marks events that were applied
// from another instance and must not be re-published.
type Event struct {
	Type   EventType  `json:"type"`
	Key    string     `json:"key"`
	Amount int64      `json:"amount,omitempty"`
	OldKey string     `json:"oldKey,omitempty"`
	Record *KeyRecord `json:"record,omitempty"`
	Remote bool       `json:"remote,omitempty"`
}

// Hook receives every local mutation after it commits.
type Hook func(Event)

// CreateOpts are the optional settings accepted at key creation.
type CreateOpts struct {
	AllowedTools []string
	DeniedTools  []string
	ExpiresAt    *time.Time
	Quota        *Quota
	Tags         map[string]string
	IPAllowlist  []string
}

// Store owns the key map. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	keys map[string]*KeyRecord

	persister *persister
	hook      Hook
	now       func() time.Time
}

// New creates an empty store. A nil persister disables persistence (tests).
func New(p *persister) *Store {
	return &Store{
		keys:      make(map[string]*KeyRecord),
		persister: p,
		now:       time.Now,
	}
}

// SetHook installs the mutation hook. Must be called before traffic starts.
func (s *Store) SetHook(h Hook) {
	s.hook = h
}

// SetClock overrides the time source (tests).
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) emit(ev Event) {
	if s.hook != nil {
		s.hook(ev)
	}
}

func (s *Store) dirty() {
	if s.persister != nil {
		s.persister.schedule(s.Snapshot)
	}
}

// CreateKey issues a fresh key with the given balance and options.
func (s *Store) CreateKey(name string, credits int64, opts CreateOpts) (*KeyRecord, error) {
	if credits < 0 {
		return nil, fmt.Errorf("%w: credits must be non-negative", errors.ErrInvalidInput)
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	rec := &KeyRecord{
		Key:          key,
		Name:         name,
		CreatedAt:    now,
		Credits:      credits,
		Active:       true,
		AllowedTools: opts.AllowedTools,
		DeniedTools:  opts.DeniedTools,
		ExpiresAt:    opts.ExpiresAt,
		Quota:        opts.Quota,
		Tags:         opts.Tags,
		IPAllowlist:  opts.IPAllowlist,
	}

	s.mu.Lock()
	s.keys[key] = rec
	snap := rec.Clone()
	s.mu.Unlock()

	s.dirty()
	s.emit(Event{Type: EventCreated, Key: key, Record: snap})
	return snap, nil
}

// ImportKey inserts a pre-chosen key value (admin use). Fails on duplicates.
func (s *Store) ImportKey(key, name string, credits int64) (*KeyRecord, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: key must not be empty", errors.ErrInvalidInput)
	}
	if credits < 0 {
		return nil, fmt.Errorf("%w: credits must be non-negative", errors.ErrInvalidInput)
	}
	rec := &KeyRecord{
		Key:       key,
		Name:      name,
		CreatedAt: s.now().UTC(),
		Credits:   credits,
		Active:    true,
	}

	s.mu.Lock()
	if _, exists := s.keys[key]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: key already exists", errors.ErrConflict)
	}
	s.keys[key] = rec
	snap := rec.Clone()
	s.mu.Unlock()

	s.dirty()
	s.emit(Event{Type: EventCreated, Key: key, Record: snap})
	return snap, nil
}

// GetKey returns a snapshot of a usable-for-lookup key: present, active, and
// not expired. Suspension does not hide the key; the gate denies it with its
// own reason.
func (s *Store) GetKey(key string) *KeyRecord {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.keys[key]
	if !ok || !rec.Active || rec.Expired(now) {
		return nil
	}
	return rec.Clone()
}

// GetKeyRaw returns the record regardless of active/expired state.
func (s *Store) GetKeyRaw(key string) *KeyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.keys[key]
	if !ok {
		return nil
	}
	return rec.Clone()
}

// ListKeys returns snapshots of every record.
func (s *Store) ListKeys() []*KeyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*KeyRecord, 0, len(s.keys))
	for _, rec := range s.keys {
		out = append(out, rec.Clone())
	}
	return out
}

// ListKeysByTag filters by "name" or "name=value".
func (s *Store) ListKeysByTag(tagQuery string) []*KeyRecord {
	name, value, hasValue := strings.Cut(tagQuery, "=")
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*KeyRecord
	for _, rec := range s.keys {
		v, ok := rec.Tags[name]
		if !ok {
			continue
		}
		if hasValue && v != value {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out
}

// DeductCredits atomically charges amount and returns the remaining balance.
// It succeeds only when the key is usable, the balance covers the amount, and
// the spending limit (if any) is not exceeded. This is the gate's
// linearization point: two concurrent calls cannot both succeed past the
// balance.
func (s *Store) DeductCredits(key string, amount int64) (int64, bool) {
	if amount < 0 {
		return 0, false
	}
	now := s.now()

	s.mu.Lock()
	rec, ok := s.keys[key]
	if !ok || !rec.Usable(now) || rec.Credits < amount {
		s.mu.Unlock()
		return 0, false
	}
	if rec.SpendingLimit > 0 && rec.TotalSpent+amount > rec.SpendingLimit {
		s.mu.Unlock()
		return 0, false
	}
	rec.Credits -= amount
	rec.TotalSpent += amount
	rec.TotalCalls++
	rec.LastUsedAt = now.UTC()
	remaining := rec.Credits
	s.mu.Unlock()

	s.dirty()
	s.emit(Event{Type: EventDeducted, Key: key, Amount: amount})
	return remaining, true
}

// AddCredits tops up the balance. Rejects inactive keys.
func (s *Store) AddCredits(key string, amount int64) bool {
	if amount < 0 {
		return false
	}
	s.mu.Lock()
	rec, ok := s.keys[key]
	if !ok || !rec.Active {
		s.mu.Unlock()
		return false
	}
	rec.Credits += amount
	s.mu.Unlock()

	s.dirty()
	s.emit(Event{Type: EventAdded, Key: key, Amount: amount})
	return true
}

// RefundCredits inverts a deduction exactly: credits go back up, totalSpent
// back down. TotalCalls is untouched; the call happened.
func (s *Store) RefundCredits(key string, amount int64) bool {
	if amount <= 0 {
		return false
	}
	s.mu.Lock()
	rec, ok := s.keys[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	rec.Credits += amount
	rec.TotalSpent -= amount
	if rec.TotalSpent < 0 {
		rec.TotalSpent = 0
	}
	s.mu.Unlock()

	s.dirty()
	s.emit(Event{Type: EventRefunded, Key: key, Amount: amount})
	return true
}

// CheckAndRecordQuota runs check and record functions over the record's
// quota inside the write lock so the decision and the counter bump are one
// critical section. check may be nil to record unconditionally.
func (s *Store) CheckAndRecordQuota(key string, check func(*Quota) (errors.Reason, bool), record func(*Quota)) (errors.Reason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[key]
	if !ok {
		return errors.ReasonInvalidAPIKey, false
	}
	if check != nil {
		if reason, allowed := check(rec.Quota); !allowed {
			return reason, false
		}
	}
	if record != nil {
		record(rec.Quota)
	}
	return "", true
}

// RevokeKey permanently deactivates a key.
func (s *Store) RevokeKey(key string) bool {
	return s.setFlag(key, EventRevoked, func(rec *KeyRecord) { rec.Active = false })
}

// SuspendKey soft-pauses a key.
func (s *Store) SuspendKey(key string) bool {
	return s.setFlag(key, EventSuspended, func(rec *KeyRecord) { rec.Suspended = true })
}

// ResumeKey clears a suspension.
func (s *Store) ResumeKey(key string) bool {
	return s.setFlag(key, EventResumed, func(rec *KeyRecord) { rec.Suspended = false })
}

func (s *Store) setFlag(key string, ev EventType, mutate func(*KeyRecord)) bool {
	s.mu.Lock()
	rec, ok := s.keys[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	mutate(rec)
	snap := rec.Clone()
	s.mu.Unlock()

	s.dirty()
	s.emit(Event{Type: ev, Key: key, Record: snap})
	return true
}

// RotateKey issues a new key value carrying over every counter and setting,
// and deactivates the old key in the same critical section.
func (s *Store) RotateKey(oldKey string) (*KeyRecord, error) {
	newKey, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	old, ok := s.keys[oldKey]
	if !ok || !old.Active {
		s.mu.Unlock()
		return nil, errors.ErrNotFound
	}
	rotated := old.Clone()
	rotated.Key = newKey
	old.Active = false
	s.keys[newKey] = rotated
	snap := rotated.Clone()
	s.mu.Unlock()

	s.dirty()
	s.emit(Event{Type: EventRotated, Key: newKey, OldKey: oldKey, Record: snap})
	return snap, nil
}

// SetACL replaces the allowed/denied tool sets.
func (s *Store) SetACL(key string, allowed, denied []string) bool {
	return s.update(key, func(rec *KeyRecord) {
		rec.AllowedTools = allowed
		rec.DeniedTools = denied
	})
}

// SetExpiry replaces the expiry instant. Nil clears it.
func (s *Store) SetExpiry(key string, at *time.Time) bool {
	return s.update(key, func(rec *KeyRecord) { rec.ExpiresAt = at })
}

// SetQuota replaces the quota settings. Nil clears them.
func (s *Store) SetQuota(key string, q *Quota) bool {
	return s.update(key, func(rec *KeyRecord) { rec.Quota = q })
}

// SetTags replaces the tag map.
func (s *Store) SetTags(key string, tags map[string]string) bool {
	return s.update(key, func(rec *KeyRecord) { rec.Tags = tags })
}

// SetIPAllowlist replaces the IP allowlist. Nil clears it.
func (s *Store) SetIPAllowlist(key string, ips []string) bool {
	return s.update(key, func(rec *KeyRecord) { rec.IPAllowlist = ips })
}

// SetSpendingLimit replaces the cumulative spend cap. Zero clears it.
func (s *Store) SetSpendingLimit(key string, limit int64) bool {
	return s.update(key, func(rec *KeyRecord) { rec.SpendingLimit = limit })
}

func (s *Store) update(key string, mutate func(*KeyRecord)) bool {
	return s.setFlag(key, EventUpdated, mutate)
}

// ApplyRemote upserts a record mirrored from another instance. The resulting
// hook event is marked Remote so the sync layer does not re-publish it.
func (s *Store) ApplyRemote(rec *KeyRecord) {
	if rec == nil || rec.Key == "" {
		return
	}
	s.mu.Lock()
	s.keys[rec.Key] = rec.Clone()
	s.mu.Unlock()

	s.dirty()
	s.emit(Event{Type: EventUpdated, Key: rec.Key, Record: rec.Clone(), Remote: true})
}

// Snapshot returns a deep copy of every record, for persistence and warm-up.
func (s *Store) Snapshot() []*KeyRecord {
	return s.ListKeys()
}

// Load replaces the store contents (startup only, before traffic).
func (s *Store) Load(records []*KeyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = make(map[string]*KeyRecord, len(records))
	for _, rec := range records {
		if rec != nil && rec.Key != "" {
			s.keys[rec.Key] = rec.Clone()
		}
	}
}

// Close flushes pending state synchronously.
func (s *Store) Close() {
	if s.persister == nil {
		return
	}
	if err := s.persister.flushNow(s.Snapshot); err != nil {
		logger.Error("final state flush failed", "error", err)
	}
}
