package gate

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/paygate/paygate/internal/errors"
	"github.com/paygate/paygate/internal/logger"
)

// Call describes one tool invocation as seen by plugins.
type Call struct {
	CallID   string
	APIKey   string
	Tool     string
	Args     json.RawMessage
	ClientIP string
	Time     time.Time
}

// Plugin is the base interface. Capabilities are optional: a plugin opts into
// a hook by implementing the matching interface below.
type Plugin interface {
	Name() string
}

// BeforeGater may veto a call before the policy pipeline prices it. The first
// non-nil veto wins.
type BeforeGater interface {
	BeforeGate(ctx context.Context, call Call) *errors.DenyError
}

// PriceTransformer may replace the base price. The first non-nil answer wins.
type PriceTransformer interface {
	TransformPrice(ctx context.Context, call Call, base int64) *int64
}

// AfterGater observes every allowed decision.
type AfterGater interface {
	AfterGate(ctx context.Context, call Call, d Decision)
}

// BeforeToolCaller runs just before the backend is invoked.
type BeforeToolCaller interface {
	BeforeToolCall(ctx context.Context, call Call)
}

// AfterToolCaller runs after the backend responds.
type AfterToolCaller interface {
	AfterToolCall(ctx context.Context, call Call, backendErr error)
}

// Denier observes every denial.
type Denier interface {
	OnDeny(ctx context.Context, call Call, reason errors.Reason)
}

// Registry holds plugins in registration order. Hook errors and panics are
// isolated per call and never affect the decision.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a plugin. Registration order is invocation order.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	r.plugins = append(r.plugins, p)
	r.mu.Unlock()
}

func (r *Registry) list() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

func guard(name, hook string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("plugin hook panicked", "plugin", name, "hook", hook, "panic", rec)
		}
	}()
	fn()
}

func (r *Registry) beforeGate(ctx context.Context, call Call) *errors.DenyError {
	var deny *errors.DenyError
	for _, p := range r.list() {
		bg, ok := p.(BeforeGater)
		if !ok {
			continue
		}
		guard(p.Name(), "beforeGate", func() { deny = bg.BeforeGate(ctx, call) })
		if deny != nil {
			return deny
		}
	}
	return nil
}

func (r *Registry) transformPrice(ctx context.Context, call Call, base int64) int64 {
	for _, p := range r.list() {
		tp, ok := p.(PriceTransformer)
		if !ok {
			continue
		}
		var override *int64
		guard(p.Name(), "transformPrice", func() { override = tp.TransformPrice(ctx, call, base) })
		if override != nil {
			return *override
		}
	}
	return base
}

func (r *Registry) afterGate(ctx context.Context, call Call, d Decision) {
	for _, p := range r.list() {
		if ag, ok := p.(AfterGater); ok {
			guard(p.Name(), "afterGate", func() { ag.AfterGate(ctx, call, d) })
		}
	}
}

// BeforeToolCall cascades to every interested plugin.
func (r *Registry) BeforeToolCall(ctx context.Context, call Call) {
	for _, p := range r.list() {
		if h, ok := p.(BeforeToolCaller); ok {
			guard(p.Name(), "beforeToolCall", func() { h.BeforeToolCall(ctx, call) })
		}
	}
}

// AfterToolCall cascades to every interested plugin.
func (r *Registry) AfterToolCall(ctx context.Context, call Call, backendErr error) {
	for _, p := range r.list() {
		if h, ok := p.(AfterToolCaller); ok {
			guard(p.Name(), "afterToolCall", func() { h.AfterToolCall(ctx, call, backendErr) })
		}
	}
}

func (r *Registry) onDeny(ctx context.Context, call Call, reason errors.Reason) {
	for _, p := range r.list() {
		if d, ok := p.(Denier); ok {
			guard(p.Name(), "onDeny", func() { d.OnDeny(ctx, call, reason) })
		}
	}
}
