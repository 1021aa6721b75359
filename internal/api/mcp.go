package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/paygate/paygate/internal/errors"
	"github.com/paygate/paygate/internal/gate"
	"github.com/paygate/paygate/internal/logger"
	"github.com/paygate/paygate/internal/mcp"
	middlewares "github.com/paygate/paygate/internal/middleware"
)

// wantsSSE reports whether the client asked for a streamed response. Clients
// that accept both get plain JSON.
func wantsSSE(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/event-stream") &&
		!strings.Contains(accept, "application/json")
}

// writeRPC sends a JSON-RPC response as JSON or as a single SSE message.
func (h *Handler) writeRPC(w http.ResponseWriter, r *http.Request, resp *mcp.Response) {
	if resp.JSONRPC == "" {
		resp.JSONRPC = "2.0"
	}
	if !wantsSSE(r) {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
}

func denyResponse(id json.RawMessage, reason errors.Reason, detail string) *mcp.Response {
	msg := string(reason)
	if detail != "" {
		msg = fmt.Sprintf("%s: %s", reason, detail)
	}
	return mcp.NewErrorResponse(id, reason.JSONRPCCode(), msg, map[string]any{"reason": string(reason)})
}

// backendErrorResponse surfaces a backend failure with the original JSON-RPC
// code/message/data when available.
func backendErrorResponse(id json.RawMessage, err error) *mcp.Response {
	var rpcErr *mcp.Error
	if stderrors.As(err, &rpcErr) {
		return mcp.NewErrorResponse(id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	var be *errors.BackendError
	if stderrors.As(err, &be) && be.Message != "" {
		code := be.Code
		if code == 0 {
			code = errors.CodeDenied
		}
		return mcp.NewErrorResponse(id, code, be.Message, be.Data)
	}
	reason := errors.FailureReason(err)
	return mcp.NewErrorResponse(id, reason.JSONRPCCode(), err.Error(), map[string]any{"reason": string(reason)})
}

func retryAfterSeconds(d gate.Decision) int {
	if !d.RateLimit.ResetAt.IsZero() {
		if secs := int(time.Until(d.RateLimit.ResetAt).Seconds()) + 1; secs > 0 {
			return secs
		}
	}
	return 60
}

func (h *Handler) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	apiKey := apiKeyFrom(r)
	// Sessions exist only for resolvable keys, so anonymous or garbage-key
	// requests cannot fill the registry.
	if h.store.GetKey(apiKey) != nil {
		sess := h.sessions.attach(r.Header.Get("Mcp-Session-Id"), apiKey)
		w.Header().Set("Mcp-Session-Id", sess.ID)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if stderrors.As(err, &tooBig) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req mcp.Request
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeRPC(w, r, denyResponse(nil, errors.ReasonParseError, "invalid JSON"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		h.writeRPC(w, r, denyResponse(req.ID, errors.ReasonInvalidRequest, "jsonrpc must be 2.0 with a method"))
		return
	}
	if req.IsNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "tools/call":
		h.handleToolsCall(w, r, &req, apiKey)
	case "tools/list":
		if resp, ok := h.requireKey(w, r, &req, apiKey); !ok {
			h.writeRPC(w, r, resp)
			return
		}
		list, err := h.router.ToolsList(r.Context())
		if err != nil {
			h.writeRPC(w, r, backendErrorResponse(req.ID, err))
			return
		}
		resp, err := mcp.NewResponse(req.ID, list)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		h.writeRPC(w, r, resp)
	default:
		if resp, ok := h.requireKey(w, r, &req, apiKey); !ok {
			h.writeRPC(w, r, resp)
			return
		}
		resp, err := h.router.Forward(r.Context(), &req)
		if err != nil {
			h.writeRPC(w, r, backendErrorResponse(req.ID, err))
			return
		}
		resp.ID = req.ID
		h.writeRPC(w, r, resp)
	}
}

// requireKey authenticates non-gated methods (tools/list, forwards). It sets
// the credits header when the key resolves.
func (h *Handler) requireKey(w http.ResponseWriter, r *http.Request, req *mcp.Request, apiKey string) (*mcp.Response, bool) {
	if apiKey == "" {
		return denyResponse(req.ID, errors.ReasonMissingAPIKey, "provide an API key"), false
	}
	rec := h.store.GetKey(apiKey)
	if rec == nil {
		return denyResponse(req.ID, errors.ReasonInvalidAPIKey, "unknown or revoked API key"), false
	}
	w.Header().Set("X-Credits-Remaining", strconv.FormatInt(rec.Credits, 10))
	return nil, true
}

func (h *Handler) handleToolsCall(w http.ResponseWriter, r *http.Request, req *mcp.Request, apiKey string) {
	params, err := mcp.ParseCallParams(req.Params)
	if err != nil {
		h.writeRPC(w, r, denyResponse(req.ID, errors.ReasonInvalidRequest, err.Error()))
		return
	}

	d := h.gate.Evaluate(r.Context(), apiKey, params.Name, params.Arguments, clientIP(r))
	middlewares.RateLimitHeaders(w, d.RateLimit.Limit, d.RateLimit.Remaining, d.RateLimit.ResetAt)
	if !d.Allowed {
		if d.Reason.Retryable() {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d)))
		}
		h.writeRPC(w, r, denyResponse(req.ID, d.Reason, d.Detail))
		return
	}
	w.Header().Set("X-Credits-Remaining", strconv.FormatInt(d.Remaining, 10))

	ctx := r.Context()
	if h.cfg.Gate.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.Gate.CallTimeout)
		defer cancel()
	}

	h.gate.Plugins().BeforeToolCall(ctx, d.Call)
	start := time.Now()
	resp, err := h.router.CallTool(ctx, params.Name, params.Arguments)
	backendErr := err
	if backendErr == nil && resp.Error != nil {
		backendErr = resp.Error
	}
	h.gate.Plugins().AfterToolCall(ctx, d.Call, backendErr)
	h.gate.Finalize(ctx, d, backendErr, time.Since(start))

	if err != nil {
		h.writeRPC(w, r, backendErrorResponse(req.ID, err))
		return
	}
	resp.ID = req.ID
	h.writeRPC(w, r, resp)
}

// handleMCPStream opens the server-to-client SSE channel for a session.
func (h *Handler) handleMCPStream(w http.ResponseWriter, r *http.Request) {
	apiKey := apiKeyFrom(r)
	if h.store.GetKey(apiKey) == nil {
		writeError(w, r, http.StatusUnauthorized, "invalid_api_key")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sess := h.sessions.attach(r.Header.Get("Mcp-Session-Id"), apiKey)
	w.Header().Set("Mcp-Session-Id", sess.ID)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := sess.subscribe()
	defer sess.unsubscribe(ch)

	keepalive := h.cfg.Server.SSEKeepalive
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
			sess.touch(time.Now())
		}
	}
}

func (h *Handler) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	apiKey := apiKeyFrom(r)
	if h.store.GetKey(apiKey) == nil {
		writeError(w, r, http.StatusUnauthorized, "invalid_api_key")
		return
	}
	id := r.Header.Get("Mcp-Session-Id")
	if id == "" {
		writeError(w, r, http.StatusBadRequest, "missing Mcp-Session-Id header")
		return
	}
	if !h.sessions.delete(id) {
		writeError(w, r, http.StatusNotFound, "unknown session")
		return
	}
	logger.WithContext(r.Context()).Info("session terminated", "session", id)
	w.WriteHeader(http.StatusNoContent)
}
