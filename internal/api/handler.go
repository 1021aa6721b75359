// Package api is the HTTP face of the gateway: the /mcp JSON-RPC endpoint
// (JSON or SSE per Accept), the admin key-management surface, self-service
// balance, usage/audit exports, pricing discovery, and the Stripe webhook.
package api

import (
	"encoding/json"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/paygate/paygate/config"
	"github.com/paygate/paygate/internal/billing"
	"github.com/paygate/paygate/internal/gate"
	"github.com/paygate/paygate/internal/keystore"
	"github.com/paygate/paygate/internal/logger"
	"github.com/paygate/paygate/internal/meter"
	"github.com/paygate/paygate/internal/metrics"
	middlewares "github.com/paygate/paygate/internal/middleware"
	"github.com/paygate/paygate/internal/router"
	"github.com/paygate/paygate/internal/webhook"
)

// Handler holds the wired components behind the HTTP surface.
type Handler struct {
	cfg      *config.Config
	store    *keystore.Store
	gate     *gate.Gate
	router   *router.Router
	meter    *meter.Meter
	hooks    *webhook.Dispatcher
	billing  *billing.Service
	sessions *sessionRegistry

	version   string
	buildTime string
	gitCommit string
	startTime time.Time
}

// NewHandler creates the HTTP handler. hooks and billing may be nil when the
// corresponding integration is not configured.
func NewHandler(cfg *config.Config, store *keystore.Store, g *gate.Gate, rt *router.Router, m *meter.Meter, hooks *webhook.Dispatcher, bill *billing.Service, version, buildTime, gitCommit string) *Handler {
	return &Handler{
		cfg:       cfg,
		store:     store,
		gate:      g,
		router:    rt,
		meter:     m,
		hooks:     hooks,
		billing:   bill,
		sessions:  newSessionRegistry(cfg.Server.SessionTTL),
		version:   version,
		buildTime: buildTime,
		gitCommit: gitCommit,
		startTime: time.Now(),
	}
}

// Close releases the session registry.
func (h *Handler) Close() {
	h.sessions.close()
}

// RegisterRoutes registers all API routes. Admin routes sit behind the
// per-IP throttle and the X-Admin-Key check.
func (h *Handler) RegisterRoutes(r *chi.Mux) {
	r.Use(h.recoverPanic)

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Get("/version", h.handleVersion)
	r.Get("/pricing", h.handlePricing)
	r.Get("/.well-known/mcp-payment", h.handleWellKnown)
	if h.cfg.Metrics.Enabled {
		r.Handle(h.cfg.Metrics.Path, metrics.Handler())
	}

	r.Post("/mcp", h.handleMCPPost)
	r.Get("/mcp", h.handleMCPStream)
	r.Delete("/mcp", h.handleMCPDelete)
	r.Get("/balance", h.handleBalance)
	r.Post("/stripe/webhook", h.handleStripeWebhook)

	r.Group(func(r chi.Router) {
		r.Use(middlewares.AdminThrottle(h.cfg.Admin.PerIPPerSecond))
		r.Use(middlewares.AdminKey(h.cfg.Admin.AdminKey))

		r.Post("/keys", h.handleKeyCreate)
		r.Get("/keys", h.handleKeyList)
		r.Post("/keys/revoke", h.handleKeyRevoke)
		r.Post("/keys/suspend", h.handleKeySuspend)
		r.Post("/keys/resume", h.handleKeyResume)
		r.Post("/keys/rotate", h.handleKeyRotate)
		r.Post("/keys/acl", h.handleKeyACL)
		r.Post("/keys/expiry", h.handleKeyExpiry)
		r.Post("/keys/quota", h.handleKeyQuota)
		r.Post("/keys/tags", h.handleKeyTags)
		r.Post("/keys/ip", h.handleKeyIP)
		r.Post("/keys/search", h.handleKeySearch)
		r.Post("/topup", h.handleTopup)
		r.Post("/limits", h.handleLimits)
		r.Get("/usage", h.handleUsage)
		r.Get("/audit", h.handleAudit)
		r.Get("/audit/export", h.handleAuditExport)
		r.Get("/audit/stats", h.handleAuditStats)
		r.Get("/webhooks/deadletter", h.handleDeadLetters)
		r.Post("/maintenance", h.handleMaintenance)
		r.Post("/stripe/checkout", h.handleStripeCheckout)
	})
}

// errorBody is the uniform non-RPC error shape.
type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	writeJSON(w, statusCode, errorBody{
		Error:     message,
		RequestID: chimiddleware.GetReqID(r.Context()),
	})
}

func (h *Handler) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				metrics.IncInternalErrors()
				logger.WithContext(r.Context()).Error("panic in handler",
					"panic", rec,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				writeError(w, r, http.StatusInternalServerError, "internal_error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// apiKeyFrom extracts the caller's key from X-API-Key or a bearer token.
func apiKeyFrom(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// clientIP assumes the RealIP middleware has already folded any proxy
// headers into RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"version":       h.version,
		"uptimeSeconds": int64(time.Since(h.startTime).Seconds()),
	})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if !h.router.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"degraded": h.router.Degraded(),
		"backends": h.router.Backends(),
	})
}

func (h *Handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":   h.version,
		"buildTime": h.buildTime,
		"gitCommit": h.gitCommit,
	})
}

func (h *Handler) handlePricing(w http.ResponseWriter, r *http.Request) {
	tools := h.cfg.Pricing.ToolCredits
	if tools == nil {
		tools = map[string]int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"currency":              "credits",
		"defaultCreditsPerCall": h.cfg.Pricing.DefaultCreditsPerCall,
		"perKBSurcharge":        h.cfg.Pricing.PerKBSurcharge,
		"tools":                 tools,
	})
}

// handleWellKnown serves the payment discovery document for MCP clients.
func (h *Handler) handleWellKnown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":               h.version,
		"payment":               "credits",
		"pricingEndpoint":       "/pricing",
		"balanceEndpoint":       "/balance",
		"defaultCreditsPerCall": h.cfg.Pricing.DefaultCreditsPerCall,
		"stripeEnabled":         h.billing != nil && h.billing.Enabled(),
	})
}

// handleBalance is client self-service: the key authenticates itself.
func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	rec := h.store.GetKeyRaw(apiKeyFrom(r))
	if rec == nil || !rec.Active {
		writeError(w, r, http.StatusUnauthorized, "invalid_api_key")
		return
	}
	w.Header().Set("X-Credits-Remaining", strconv.FormatInt(rec.Credits, 10))
	writeJSON(w, http.StatusOK, map[string]any{
		"key":           rec.MaskedKey(),
		"name":          rec.Name,
		"credits":       rec.Credits,
		"totalSpent":    rec.TotalSpent,
		"totalCalls":    rec.TotalCalls,
		"suspended":     rec.Suspended,
		"expiresAt":     rec.ExpiresAt,
		"spendingLimit": rec.SpendingLimit,
	})
}
