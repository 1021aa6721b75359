package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/paygate/paygate/internal/keystore"
	"github.com/paygate/paygate/internal/logger"
	"github.com/paygate/paygate/internal/meter"
	"github.com/paygate/paygate/pkg/utils"
)

// keyView is the admin-facing projection of a key record. The full secret is
// only ever emitted at creation and rotation.
type keyView struct {
	Key           string            `json:"key"`
	Name          string            `json:"name"`
	Credits       int64             `json:"credits"`
	TotalSpent    int64             `json:"totalSpent"`
	TotalCalls    int64             `json:"totalCalls"`
	Active        bool              `json:"active"`
	Suspended     bool              `json:"suspended"`
	CreatedAt     time.Time         `json:"createdAt"`
	LastUsedAt    *time.Time        `json:"lastUsedAt,omitempty"`
	ExpiresAt     *time.Time        `json:"expiresAt,omitempty"`
	AllowedTools  []string          `json:"allowedTools,omitempty"`
	DeniedTools   []string          `json:"deniedTools,omitempty"`
	IPAllowlist   []string          `json:"ipAllowlist,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	SpendingLimit int64             `json:"spendingLimit,omitempty"`
	Quota         *keystore.Quota   `json:"quota,omitempty"`
}

func newKeyView(rec *keystore.KeyRecord, revealSecret bool) keyView {
	key := rec.MaskedKey()
	if revealSecret {
		key = rec.Key
	}
	v := keyView{
		Key:           key,
		Name:          rec.Name,
		Credits:       rec.Credits,
		TotalSpent:    rec.TotalSpent,
		TotalCalls:    rec.TotalCalls,
		Active:        rec.Active,
		Suspended:     rec.Suspended,
		CreatedAt:     rec.CreatedAt,
		ExpiresAt:     rec.ExpiresAt,
		AllowedTools:  rec.AllowedTools,
		DeniedTools:   rec.DeniedTools,
		IPAllowlist:   rec.IPAllowlist,
		Tags:          rec.Tags,
		SpendingLimit: rec.SpendingLimit,
		Quota:         rec.Quota,
	}
	if !rec.LastUsedAt.IsZero() {
		t := rec.LastUsedAt
		v.LastUsedAt = &t
	}
	return v
}

func keyViews(recs []*keystore.KeyRecord) []keyView {
	out := make([]keyView, len(recs))
	for i, rec := range recs {
		out[i] = newKeyView(rec, false)
	}
	return out
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// audit records an administrative action against the audit trail.
func (h *Handler) audit(action, key, detail string) {
	h.meter.RecordAudit(meter.AuditEvent{
		Time:   time.Now().UTC(),
		Action: action,
		Key:    key,
		Actor:  "admin",
		Detail: detail,
	})
}

type quotaRequest struct {
	DailyCallLimit     int64 `json:"dailyCallLimit"`
	MonthlyCallLimit   int64 `json:"monthlyCallLimit"`
	DailyCreditLimit   int64 `json:"dailyCreditLimit"`
	MonthlyCreditLimit int64 `json:"monthlyCreditLimit"`
}

func (q *quotaRequest) toQuota() *keystore.Quota {
	if q == nil {
		return nil
	}
	if q.DailyCallLimit == 0 && q.MonthlyCallLimit == 0 &&
		q.DailyCreditLimit == 0 && q.MonthlyCreditLimit == 0 {
		return nil
	}
	return &keystore.Quota{
		DailyCallLimit:     q.DailyCallLimit,
		MonthlyCallLimit:   q.MonthlyCallLimit,
		DailyCreditLimit:   q.DailyCreditLimit,
		MonthlyCreditLimit: q.MonthlyCreditLimit,
	}
}

func (h *Handler) handleKeyCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string            `json:"name"`
		Credits      int64             `json:"credits"`
		AllowedTools []string          `json:"allowedTools"`
		DeniedTools  []string          `json:"deniedTools"`
		ExpiresAt    *time.Time        `json:"expiresAt"`
		Tags         map[string]string `json:"tags"`
		IPAllowlist  []string          `json:"ipAllowlist"`
		Quota        *quotaRequest     `json:"quota"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	if req.Credits < 0 {
		writeError(w, r, http.StatusBadRequest, "credits must be non-negative")
		return
	}

	rec, err := h.store.CreateKey(req.Name, req.Credits, keystore.CreateOpts{
		AllowedTools: req.AllowedTools,
		DeniedTools:  req.DeniedTools,
		ExpiresAt:    req.ExpiresAt,
		Quota:        req.Quota.toQuota(),
		Tags:         req.Tags,
		IPAllowlist:  req.IPAllowlist,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to create key")
		return
	}
	h.audit("key.created", rec.Key, fmt.Sprintf("key %q with %d credits", req.Name, req.Credits))
	logger.WithContext(r.Context()).Info("api key created", "key", rec.MaskedKey(), "name", req.Name)
	writeJSON(w, http.StatusCreated, newKeyView(rec, true))
}

func (h *Handler) handleKeyList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"keys": keyViews(h.store.ListKeys())})
}

// keyTarget decodes the common {key: ...} mutation body.
func keyTarget(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		writeError(w, r, http.StatusBadRequest, "key is required")
		return "", false
	}
	return req.Key, true
}

func (h *Handler) handleKeyRevoke(w http.ResponseWriter, r *http.Request) {
	key, ok := keyTarget(w, r)
	if !ok {
		return
	}
	if !h.store.RevokeKey(key) {
		writeError(w, r, http.StatusNotFound, "unknown key")
		return
	}
	h.audit("key.revoked", key, "")
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true, "key": utils.MaskKey(key)})
}

func (h *Handler) handleKeySuspend(w http.ResponseWriter, r *http.Request) {
	key, ok := keyTarget(w, r)
	if !ok {
		return
	}
	if !h.store.SuspendKey(key) {
		writeError(w, r, http.StatusNotFound, "unknown key")
		return
	}
	h.audit("key.suspended", key, "")
	writeJSON(w, http.StatusOK, map[string]any{"suspended": true, "key": utils.MaskKey(key)})
}

func (h *Handler) handleKeyResume(w http.ResponseWriter, r *http.Request) {
	key, ok := keyTarget(w, r)
	if !ok {
		return
	}
	if !h.store.ResumeKey(key) {
		writeError(w, r, http.StatusNotFound, "unknown key")
		return
	}
	h.audit("key.resumed", key, "")
	writeJSON(w, http.StatusOK, map[string]any{"suspended": false, "key": utils.MaskKey(key)})
}

func (h *Handler) handleKeyRotate(w http.ResponseWriter, r *http.Request) {
	key, ok := keyTarget(w, r)
	if !ok {
		return
	}
	rec, err := h.store.RotateKey(key)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "unknown key")
		return
	}
	h.audit("key.rotated", rec.Key, fmt.Sprintf("rotated from %s", utils.MaskKey(key)))
	writeJSON(w, http.StatusOK, newKeyView(rec, true))
}

func (h *Handler) handleKeyACL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key          string   `json:"key"`
		AllowedTools []string `json:"allowedTools"`
		DeniedTools  []string `json:"deniedTools"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !h.store.SetACL(req.Key, req.AllowedTools, req.DeniedTools) {
		writeError(w, r, http.StatusNotFound, "unknown key")
		return
	}
	h.audit("key.acl", req.Key, fmt.Sprintf("allow=%v deny=%v", req.AllowedTools, req.DeniedTools))
	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (h *Handler) handleKeyExpiry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key       string     `json:"key"`
		ExpiresAt *time.Time `json:"expiresAt"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !h.store.SetExpiry(req.Key, req.ExpiresAt) {
		writeError(w, r, http.StatusNotFound, "unknown key")
		return
	}
	h.audit("key.expiry", req.Key, fmt.Sprintf("expiresAt=%v", req.ExpiresAt))
	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (h *Handler) handleKeyQuota(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
		quotaRequest
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !h.store.SetQuota(req.Key, req.quotaRequest.toQuota()) {
		writeError(w, r, http.StatusNotFound, "unknown key")
		return
	}
	h.audit("key.quota", req.Key, "quota updated")
	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (h *Handler) handleKeyTags(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key  string            `json:"key"`
		Tags map[string]string `json:"tags"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !h.store.SetTags(req.Key, req.Tags) {
		writeError(w, r, http.StatusNotFound, "unknown key")
		return
	}
	h.audit("key.tags", req.Key, "tags updated")
	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (h *Handler) handleKeyIP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key         string   `json:"key"`
		IPAllowlist []string `json:"ipAllowlist"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !h.store.SetIPAllowlist(req.Key, req.IPAllowlist) {
		writeError(w, r, http.StatusNotFound, "unknown key")
		return
	}
	h.audit("key.ip", req.Key, fmt.Sprintf("allowlist=%v", req.IPAllowlist))
	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (h *Handler) handleKeySearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tag string `json:"tag"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Tag == "" {
		writeError(w, r, http.StatusBadRequest, "tag is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keyViews(h.store.ListKeysByTag(req.Tag))})
}

func (h *Handler) handleTopup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key     string `json:"key"`
		Credits int64  `json:"credits"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Credits <= 0 {
		writeError(w, r, http.StatusBadRequest, "credits must be positive")
		return
	}
	if !h.store.AddCredits(req.Key, req.Credits) {
		writeError(w, r, http.StatusNotFound, "unknown or revoked key")
		return
	}
	rec := h.store.GetKeyRaw(req.Key)
	h.audit("credits.topup", req.Key, fmt.Sprintf("added %d credits", req.Credits))
	writeJSON(w, http.StatusOK, map[string]any{
		"key":     utils.MaskKey(req.Key),
		"credits": rec.Credits,
	})
}

func (h *Handler) handleLimits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key           string `json:"key"`
		SpendingLimit int64  `json:"spendingLimit"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !h.store.SetSpendingLimit(req.Key, req.SpendingLimit) {
		writeError(w, r, http.StatusNotFound, "unknown key")
		return
	}
	h.audit("key.limits", req.Key, fmt.Sprintf("spendingLimit=%d", req.SpendingLimit))
	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}

// usageQueryFrom parses the shared usage filter parameters.
func usageQueryFrom(r *http.Request) meter.UsageQuery {
	q := meter.UsageQuery{
		Key:  r.URL.Query().Get("key"),
		Tool: r.URL.Query().Get("tool"),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.Since = t
		}
	}
	if v := r.URL.Query().Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.Until = t
		}
	}
	if v := r.URL.Query().Get("denied"); v != "" {
		q.Denied, _ = strconv.ParseBool(v)
	}
	q.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	q.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return q
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	q := usageQueryFrom(r)
	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="usage.csv"`)
		if err := h.meter.ExportUsageCSV(w, q); err != nil {
			logger.Error("usage csv export failed", "error", err)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := h.meter.ExportUsageJSON(w, q); err != nil {
		logger.Error("usage json export failed", "error", err)
	}
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := usageQueryFrom(r)
	events := h.meter.QueryAudit(q.Since, q.Until, q.Limit, q.Offset)
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="audit.json"`)
	if err := h.meter.ExportAuditJSON(w); err != nil {
		logger.Error("audit export failed", "error", err)
	}
}

func (h *Handler) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	events := h.meter.QueryAudit(time.Time{}, time.Time{}, 0, 0)
	byAction := make(map[string]int64)
	for _, ev := range events {
		byAction[ev.Action]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":    len(events),
		"byAction": byAction,
		"usage":    h.meter.UsageStats(),
	})
}

func (h *Handler) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"dropped":     h.hooks.Dropped(),
		"deadLetters": h.hooks.DeadLetters(),
	})
}

func (h *Handler) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	h.gate.SetMaintenance(req.Enabled)
	h.audit("maintenance.set", "", fmt.Sprintf("enabled=%v", req.Enabled))
	logger.Info("maintenance mode changed", "enabled", req.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{"maintenance": req.Enabled})
}

func (h *Handler) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.billing == nil || !h.billing.Enabled() {
		writeError(w, r, http.StatusServiceUnavailable, "stripe not configured")
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "failed to read request body")
		return
	}
	if err := h.billing.HandleWebhook(payload, r.Header.Get("Stripe-Signature")); err != nil {
		logger.Warn("stripe webhook rejected", "error", err)
		writeError(w, r, http.StatusBadRequest, "webhook rejected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

func (h *Handler) handleStripeCheckout(w http.ResponseWriter, r *http.Request) {
	if h.billing == nil {
		writeError(w, r, http.StatusServiceUnavailable, "stripe not configured")
		return
	}
	var req struct {
		Key         string `json:"key"`
		Credits     int64  `json:"credits"`
		AmountCents int64  `json:"amountCents"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	url, err := h.billing.CreateCheckout(req.Key, req.Credits, req.AmountCents)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	h.audit("stripe.checkout", req.Key, fmt.Sprintf("%d credits for %d cents", req.Credits, req.AmountCents))
	writeJSON(w, http.StatusOK, map[string]any{"url": url})
}
