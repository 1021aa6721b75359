// Package meter records usage and audit events in bounded in-memory rings.
// When a ring is full the oldest event is dropped; durability belongs to the
// webhook stream, not to these buffers.
package meter

import (
	"sync"
	"time"

	"github.com/paygate/paygate/pkg/utils"
)

// UsageEvent records one gate decision, allowed or denied.
type UsageEvent struct {
	Time       time.Time `json:"time"`
	CallID     string    `json:"callId"`
	Key        string    `json:"key"`
	Tool       string    `json:"tool"`
	Backend    string    `json:"backend,omitempty"`
	Credits    int64     `json:"credits"`
	DurationMS int64     `json:"durationMs"`
	Allowed    bool      `json:"allowed"`
	Reason     string    `json:"reason,omitempty"`
	Shadow     bool      `json:"shadow,omitempty"`
	Refunded   bool      `json:"refunded,omitempty"`
	RemoteIP   string    `json:"remoteIp,omitempty"`
}

// AuditEvent records an administrative action or a policy denial.
type AuditEvent struct {
	Time   time.Time `json:"time"`
	Action string    `json:"action"`
	Key    string    `json:"key,omitempty"`
	Actor  string    `json:"actor,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

type ring[T any] struct {
	buf   []T
	head  int // index of oldest
	count int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = v
		r.count++
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

// all returns events oldest-first.
func (r *ring[T]) all() []T {
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Meter holds the usage and audit rings. Safe for concurrent use.
type Meter struct {
	mu    sync.RWMutex
	usage *ring[UsageEvent]
	audit *ring[AuditEvent]
}

// New creates a meter with the given ring capacities.
func New(usageCap, auditCap int) *Meter {
	return &Meter{
		usage: newRing[UsageEvent](usageCap),
		audit: newRing[AuditEvent](auditCap),
	}
}

// RecordUsage appends a usage event, evicting the oldest when full.
func (m *Meter) RecordUsage(ev UsageEvent) {
	m.mu.Lock()
	m.usage.push(ev)
	m.mu.Unlock()
}

// RecordAudit appends an audit event, evicting the oldest when full.
func (m *Meter) RecordAudit(ev AuditEvent) {
	m.mu.Lock()
	m.audit.push(ev)
	m.mu.Unlock()
}

// UsageQuery filters a usage listing. Zero values mean no filter.
type UsageQuery struct {
	Since  time.Time
	Until  time.Time
	Key    string
	Tool   string
	Denied bool // only denied events
	Limit  int
	Offset int
}

// QueryUsage returns matching events, oldest first.
func (m *Meter) QueryUsage(q UsageQuery) []UsageEvent {
	m.mu.RLock()
	events := m.usage.all()
	m.mu.RUnlock()

	matched := make([]UsageEvent, 0, len(events))
	for _, ev := range events {
		if !q.Since.IsZero() && ev.Time.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && ev.Time.After(q.Until) {
			continue
		}
		if q.Key != "" && ev.Key != q.Key {
			continue
		}
		if q.Tool != "" && ev.Tool != q.Tool {
			continue
		}
		if q.Denied && ev.Allowed {
			continue
		}
		matched = append(matched, ev)
	}
	return paginate(matched, q.Offset, q.Limit)
}

// QueryAudit returns audit events in [since, until], oldest first.
func (m *Meter) QueryAudit(since, until time.Time, limit, offset int) []AuditEvent {
	m.mu.RLock()
	events := m.audit.all()
	m.mu.RUnlock()

	matched := make([]AuditEvent, 0, len(events))
	for _, ev := range events {
		if !since.IsZero() && ev.Time.Before(since) {
			continue
		}
		if !until.IsZero() && ev.Time.After(until) {
			continue
		}
		matched = append(matched, ev)
	}
	return paginate(matched, offset, limit)
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// Stats summarizes the retained usage window.
type Stats struct {
	TotalCalls     int64            `json:"totalCalls"`
	AllowedCalls   int64            `json:"allowedCalls"`
	DeniedCalls    int64            `json:"deniedCalls"`
	CreditsCharged int64            `json:"creditsCharged"`
	ByTool         map[string]int64 `json:"byTool"`
	ByReason       map[string]int64 `json:"byReason"`
}

// UsageStats aggregates the retained events.
func (m *Meter) UsageStats() Stats {
	m.mu.RLock()
	events := m.usage.all()
	m.mu.RUnlock()

	st := Stats{ByTool: make(map[string]int64), ByReason: make(map[string]int64)}
	for _, ev := range events {
		st.TotalCalls++
		if ev.Allowed {
			st.AllowedCalls++
			st.CreditsCharged += ev.Credits
		} else {
			st.DeniedCalls++
			st.ByReason[ev.Reason]++
		}
		if ev.Tool != "" {
			st.ByTool[ev.Tool]++
		}
	}
	return st
}

// Masked returns a copy of the event with the key masked for export.
func (ev UsageEvent) Masked() UsageEvent {
	ev.Key = utils.MaskKey(ev.Key)
	return ev
}
