// Package gate is the decision engine: every tools/call passes through an
// ordered policy pipeline that authenticates the key, applies ACLs, rate
// limits and quotas, prices the call, and charges credits atomically. The
// credit deduction is the single linearization point per key; everything
// before it runs under shared access.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/paygate/paygate/internal/errors"
	"github.com/paygate/paygate/internal/keystore"
	"github.com/paygate/paygate/internal/meter"
	"github.com/paygate/paygate/internal/metrics"
	"github.com/paygate/paygate/internal/quota"
	"github.com/paygate/paygate/internal/ratelimit"
	"github.com/paygate/paygate/internal/webhook"
	"github.com/paygate/paygate/pkg/utils"
)

// TeamChecker lets an external team/budget system veto calls. Check returns
// an empty reason to allow.
type TeamChecker interface {
	Check(apiKey string, credits int64) errors.Reason
}

// Config holds the gate's policy settings.
type Config struct {
	Maintenance     bool
	ShadowMode      bool
	RefundOnFailure bool

	DefaultCreditsPerCall int64
	PerKBSurcharge        int64
	ToolCredits           map[string]int64
	ToolRateLimits        map[string]int
	PerKeyPerMinute       int
}

// Decision is the outcome of Evaluate. On denial Reason is set; in shadow
// mode a would-be denial is returned as an allow with ShadowOverridden set
// and nothing charged.
type Decision struct {
	Call             Call
	Allowed          bool
	Reason           errors.Reason
	Detail           string
	CreditsCharged   int64
	Remaining        int64
	ShadowOverridden bool
	RateLimit        ratelimit.Result
}

// Gate wires the policy pipeline to the stores and event sinks.
type Gate struct {
	cfg     Config
	// maintenance is toggled at runtime by the admin surface while
	// Evaluate reads it concurrently.
	maintenance atomic.Bool

	store   *keystore.Store
	limiter *ratelimit.Limiter
	meter   *meter.Meter
	hooks   *webhook.Dispatcher
	plugins *Registry
	team    TeamChecker
	now     func() time.Time

	// refunded tracks call IDs already refunded so Finalize is idempotent.
	refMu     sync.Mutex
	refunded  map[string]struct{}
	refOrder  []string
	refBudget int
}

// New creates a gate. team may be nil; hooks may be nil (no webhook URL).
func New(cfg Config, store *keystore.Store, limiter *ratelimit.Limiter, m *meter.Meter, hooks *webhook.Dispatcher, plugins *Registry, team TeamChecker) *Gate {
	if plugins == nil {
		plugins = NewRegistry()
	}
	g := &Gate{
		cfg:       cfg,
		store:     store,
		limiter:   limiter,
		meter:     m,
		hooks:     hooks,
		plugins:   plugins,
		team:      team,
		now:       time.Now,
		refunded:  make(map[string]struct{}),
		refBudget: 16384,
	}
	g.maintenance.Store(cfg.Maintenance)
	return g
}

// Plugins exposes the registry for the tool-call hooks.
func (g *Gate) Plugins() *Registry { return g.plugins }

// SetMaintenance toggles maintenance mode at runtime.
func (g *Gate) SetMaintenance(on bool) { g.maintenance.Store(on) }

// Evaluate runs the policy pipeline for one tools/call.
func (g *Gate) Evaluate(ctx context.Context, apiKey, tool string, args json.RawMessage, clientIP string) Decision {
	call := Call{
		CallID:   uuid.NewString(),
		APIKey:   apiKey,
		Tool:     tool,
		Args:     args,
		ClientIP: clientIP,
		Time:     g.now().UTC(),
	}

	if g.maintenance.Load() {
		return g.deny(ctx, call, errors.ReasonMaintenance, "gateway is in maintenance mode", false)
	}
	if apiKey == "" {
		return g.deny(ctx, call, errors.ReasonMissingAPIKey, "provide an API key via the Authorization header", false)
	}

	rec := g.store.GetKeyRaw(apiKey)
	switch {
	case rec == nil || !rec.Active:
		return g.deny(ctx, call, errors.ReasonInvalidAPIKey, "unknown or revoked API key", false)
	case rec.Expired(call.Time):
		return g.deny(ctx, call, errors.ReasonKeyExpired, "API key has expired", false)
	case rec.Suspended:
		return g.deny(ctx, call, errors.ReasonKeySuspended, "API key is suspended", false)
	}

	if veto := g.plugins.beforeGate(ctx, call); veto != nil {
		return g.deny(ctx, call, veto.Reason, veto.Detail, false)
	}

	if !ipAllowed(clientIP, rec.IPAllowlist) {
		return g.deny(ctx, call, errors.ReasonIPNotAllowed, fmt.Sprintf("client IP %s is not on the allowlist", clientIP), false)
	}

	// ACL: an explicit deny always beats the allow list.
	for _, denied := range rec.DeniedTools {
		if denied == tool {
			return g.deny(ctx, call, errors.ReasonToolDenied, "tool is on the key's deny list", false)
		}
	}
	if len(rec.AllowedTools) > 0 {
		found := false
		for _, allowed := range rec.AllowedTools {
			if allowed == tool {
				found = true
				break
			}
		}
		if !found {
			return g.deny(ctx, call, errors.ReasonToolNotAllowed, "tool is not on the key's allow list", false)
		}
	}

	// Denials from here on are shadow-eligible.
	rl := g.limiter.Check("key:"+apiKey, int64(g.cfg.PerKeyPerMinute))
	if !rl.Allowed {
		d := g.deny(ctx, call, errors.ReasonRateLimited, "per-key rate limit exceeded", true)
		d.RateLimit = rl
		return d
	}
	if toolLimit, ok := g.cfg.ToolRateLimits[tool]; ok {
		if trl := g.limiter.Check("key:"+apiKey+"|tool:"+tool, int64(toolLimit)); !trl.Allowed {
			d := g.deny(ctx, call, errors.ReasonRateLimitedTool, "per-tool rate limit exceeded", true)
			d.RateLimit = trl
			return d
		}
	}

	price := g.price(ctx, call)

	if reason, ok := g.store.CheckAndRecordQuota(apiKey, func(q *keystore.Quota) (errors.Reason, bool) {
		return quota.Check(q, price, call.Time)
	}, nil); !ok {
		d := g.deny(ctx, call, reason, "usage quota exceeded", true)
		d.RateLimit = rl
		return d
	}

	if g.team != nil {
		if reason := g.team.Check(apiKey, price); reason != "" {
			d := g.deny(ctx, call, reason, "team policy denied the call", true)
			d.RateLimit = rl
			return d
		}
	}

	if rec.SpendingLimit > 0 && rec.TotalSpent+price > rec.SpendingLimit {
		d := g.deny(ctx, call, errors.ReasonSpendingLimit, "key spending limit reached", true)
		d.RateLimit = rl
		return d
	}

	remaining, ok := g.store.DeductCredits(apiKey, price)
	if !ok {
		d := g.deny(ctx, call, errors.ReasonInsufficientCredits, "top up to continue", true)
		d.RateLimit = rl
		return d
	}

	g.store.CheckAndRecordQuota(apiKey, nil, func(q *keystore.Quota) {
		quota.Record(q, price, call.Time)
	})

	d := Decision{
		Call:           call,
		Allowed:        true,
		CreditsCharged: price,
		Remaining:      remaining,
		RateLimit:      rl,
	}
	metrics.RecordGateDecision(tool, "allowed")
	metrics.RecordCreditsCharged(tool, price)
	g.plugins.afterGate(ctx, call, d)
	return d
}

// price computes the credit cost: pricing table or default, plugin override,
// then the per-KiB input surcharge.
func (g *Gate) price(ctx context.Context, call Call) int64 {
	base := g.cfg.DefaultCreditsPerCall
	if p, ok := g.cfg.ToolCredits[call.Tool]; ok {
		base = p
	}
	price := g.plugins.transformPrice(ctx, call, base)
	if g.cfg.PerKBSurcharge > 0 && len(call.Args) > 0 {
		kb := (int64(len(call.Args)) + 1023) / 1024
		price += kb * g.cfg.PerKBSurcharge
	}
	if price < 0 {
		price = 0
	}
	return price
}

// deny finishes a denial: in shadow mode post-ACL denials become allows with
// nothing charged. Event order is usage, then audit, then webhook.
func (g *Gate) deny(ctx context.Context, call Call, reason errors.Reason, detail string, shadowEligible bool) Decision {
	if g.cfg.ShadowMode && shadowEligible {
		d := Decision{
			Call:             call,
			Allowed:          true,
			Reason:           reason,
			Detail:           detail,
			ShadowOverridden: true,
		}
		metrics.RecordGateDecision(call.Tool, "shadow_"+string(reason))
		g.plugins.afterGate(ctx, call, d)
		return d
	}

	g.meter.RecordUsage(meter.UsageEvent{
		Time:     call.Time,
		CallID:   call.CallID,
		Key:      call.APIKey,
		Tool:     call.Tool,
		Allowed:  false,
		Reason:   string(reason),
		RemoteIP: call.ClientIP,
	})
	g.meter.RecordAudit(meter.AuditEvent{
		Time:   call.Time,
		Action: "gate.deny",
		Key:    call.APIKey,
		Detail: fmt.Sprintf("%s: %s (tool %s)", reason, detail, call.Tool),
	})
	g.hooks.Emit("call.denied", map[string]any{
		"callId": call.CallID,
		"key":    utils.MaskKey(call.APIKey),
		"tool":   call.Tool,
		"reason": string(reason),
	})
	metrics.RecordGateDecision(call.Tool, string(reason))
	g.plugins.onDeny(ctx, call, reason)

	return Decision{Call: call, Reason: reason, Detail: detail}
}

// Finalize completes a previously allowed decision after the backend call.
// It records the usage event (with duration and backend outcome) and, when
// refund-on-failure is enabled and the backend failed, credits the charge
// back exactly once per call ID.
func (g *Gate) Finalize(ctx context.Context, d Decision, backendErr error, duration time.Duration) {
	if !d.Allowed {
		return
	}
	refunded := false
	if backendErr != nil && g.cfg.RefundOnFailure && d.CreditsCharged > 0 {
		refunded = g.refund(d)
	}

	reason := ""
	if backendErr != nil {
		reason = string(errors.FailureReason(backendErr))
	} else if d.ShadowOverridden {
		reason = string(d.Reason)
	}

	g.meter.RecordUsage(meter.UsageEvent{
		Time:       d.Call.Time,
		CallID:     d.Call.CallID,
		Key:        d.Call.APIKey,
		Tool:       d.Call.Tool,
		Credits:    d.CreditsCharged,
		DurationMS: duration.Milliseconds(),
		Allowed:    true,
		Reason:     reason,
		Shadow:     d.ShadowOverridden,
		Refunded:   refunded,
		RemoteIP:   d.Call.ClientIP,
	})
	g.meter.RecordAudit(meter.AuditEvent{
		Time:   d.Call.Time,
		Action: "gate.allow",
		Key:    d.Call.APIKey,
		Detail: fmt.Sprintf("tool %s charged %d credits", d.Call.Tool, d.CreditsCharged),
	})
	if refunded {
		g.meter.RecordAudit(meter.AuditEvent{
			Time:   g.now().UTC(),
			Action: "credits.refund",
			Key:    d.Call.APIKey,
			Detail: fmt.Sprintf("refunded %d credits for call %s", d.CreditsCharged, d.Call.CallID),
		})
		g.hooks.Emit("credits.refund", map[string]any{
			"callId":  d.Call.CallID,
			"key":     utils.MaskKey(d.Call.APIKey),
			"credits": d.CreditsCharged,
		})
		metrics.RecordRefund(d.CreditsCharged)
	}
	g.hooks.Emit("call.completed", map[string]any{
		"callId":   d.Call.CallID,
		"key":      utils.MaskKey(d.Call.APIKey),
		"tool":     d.Call.Tool,
		"credits":  d.CreditsCharged,
		"refunded": refunded,
		"failed":   backendErr != nil,
	})
}

func (g *Gate) refund(d Decision) bool {
	g.refMu.Lock()
	if _, done := g.refunded[d.Call.CallID]; done {
		g.refMu.Unlock()
		return false
	}
	g.refunded[d.Call.CallID] = struct{}{}
	g.refOrder = append(g.refOrder, d.Call.CallID)
	if len(g.refOrder) > g.refBudget {
		oldest := g.refOrder[0]
		g.refOrder = g.refOrder[1:]
		delete(g.refunded, oldest)
	}
	g.refMu.Unlock()

	return g.store.RefundCredits(d.Call.APIKey, d.CreditsCharged)
}
