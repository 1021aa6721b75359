package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/paygate/paygate/config"
	"github.com/paygate/paygate/internal/gate"
	"github.com/paygate/paygate/internal/keystore"
	"github.com/paygate/paygate/internal/mcp"
	"github.com/paygate/paygate/internal/meter"
	"github.com/paygate/paygate/internal/ratelimit"
	"github.com/paygate/paygate/internal/router"
)

const testAdminKey = "test-admin-secret"

// fakeTransport is an in-process backend serving echo and fail tools.
type fakeTransport struct {
	mu      sync.Mutex
	running bool
}

func (f *fakeTransport) Start(ctx context.Context) error {
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeTransport) Call(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	switch req.Method {
	case "tools/list":
		return mcp.NewResponse(nil, &mcp.ListResult{Tools: []mcp.Tool{{Name: "echo"}, {Name: "fail"}}})
	case "tools/call":
		cp, err := mcp.ParseCallParams(req.Params)
		if err != nil {
			return nil, err
		}
		if cp.Name == "fail" {
			return &mcp.Response{JSONRPC: "2.0", Error: &mcp.Error{Code: -32050, Message: "tool exploded"}}, nil
		}
		return mcp.NewResponse(nil, map[string]any{
			"content": []map[string]any{{"type": "text", "text": "ok"}},
		})
	case "initialize":
		return mcp.NewResponse(nil, map[string]any{"protocolVersion": "2024-11-05"})
	}
	return &mcp.Response{JSONRPC: "2.0", Error: &mcp.Error{Code: -32601, Message: "Method not found"}}, nil
}

type env struct {
	handler *Handler
	server  *httptest.Server
	store   *keystore.Store
	meter   *meter.Meter
}

func newTestEnv(t *testing.T, mutate func(*gate.Config)) *env {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{
			SessionTTL:   time.Minute,
			SSEKeepalive: 100 * time.Millisecond,
		},
		Gate:    config.GateConfig{CallTimeout: 5 * time.Second},
		Pricing: config.PricingConfig{DefaultCreditsPerCall: 1},
		Admin:   config.AdminConfig{AdminKey: testAdminKey, PerIPPerSecond: 10000},
	}
	gcfg := gate.Config{DefaultCreditsPerCall: 1, PerKeyPerMinute: 1000}
	if mutate != nil {
		mutate(&gcfg)
	}

	store := keystore.New(nil)
	limiter := ratelimit.New()
	m := meter.New(1000, 1000)
	g := gate.New(gcfg, store, limiter, m, nil, nil, nil)

	rt := router.New([]router.Backend{{Prefix: "util", Transport: &fakeTransport{}}})
	if err := rt.Start(context.Background(), time.Second); err != nil {
		t.Fatalf("router start: %v", err)
	}

	h := NewHandler(cfg, store, g, rt, m, nil, nil, "test", "", "")
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		h.Close()
		rt.Stop(context.Background())
		limiter.Close()
	})
	return &env{handler: h, server: srv, store: store, meter: m}
}

func (e *env) newKey(t *testing.T, credits int64) string {
	t.Helper()
	rec, err := e.store.CreateKey("test", credits, keystore.CreateOpts{})
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	return rec.Key
}

// rpc posts a JSON-RPC body to /mcp and decodes the response.
func (e *env) rpc(t *testing.T, apiKey, body string, headers map[string]string) (*http.Response, *mcp.Response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/mcp", strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	httpResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post /mcp: %v", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusAccepted {
		return httpResp, nil
	}
	var resp mcp.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return httpResp, &resp
}

// adminReq sends an authenticated admin request and decodes the JSON body.
func (e *env) adminReq(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Key", testAdminKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if buf.Len() > 0 && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		json.Unmarshal(buf.Bytes(), &out)
	}
	if out == nil {
		out = map[string]any{"_raw": buf.String()}
	}
	return resp, out
}

func TestHealthReadyVersion(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, err := http.Get(e.server.URL + "/health")
	if err != nil {
		t.Fatalf("get /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d", resp.StatusCode)
	}

	resp, err = http.Get(e.server.URL + "/ready")
	if err != nil {
		t.Fatalf("get /ready: %v", err)
	}
	var ready map[string]any
	json.NewDecoder(resp.Body).Decode(&ready)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/ready status = %d", resp.StatusCode)
	}
	if ready["degraded"] != false {
		t.Errorf("degraded = %v", ready["degraded"])
	}

	resp, err = http.Get(e.server.URL + "/version")
	if err != nil {
		t.Fatalf("get /version: %v", err)
	}
	var version map[string]string
	json.NewDecoder(resp.Body).Decode(&version)
	resp.Body.Close()
	if version["version"] != "test" {
		t.Errorf("version = %q", version["version"])
	}
}

func TestPricingDiscovery(t *testing.T) {
	e := newTestEnv(t, nil)

	for _, path := range []string{"/pricing", "/.well-known/mcp-payment"} {
		resp, err := http.Get(e.server.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		var body map[string]any
		json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
		if body["defaultCreditsPerCall"] != float64(1) {
			t.Errorf("%s defaultCreditsPerCall = %v", path, body["defaultCreditsPerCall"])
		}
	}
}

func TestBalanceSelfService(t *testing.T) {
	e := newTestEnv(t, nil)
	key := e.newKey(t, 25)

	req, _ := http.NewRequest(http.MethodGet, e.server.URL+"/balance", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get /balance: %v", err)
	}
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["credits"] != float64(25) {
		t.Errorf("credits = %v", body["credits"])
	}
	if full, ok := body["key"].(string); !ok || full == key {
		t.Error("balance must not expose the full key")
	}

	// No key at all is unauthorized.
	resp, err = http.Get(e.server.URL + "/balance")
	if err != nil {
		t.Fatalf("get /balance: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous balance status = %d", resp.StatusCode)
	}
}

func TestAdminSurfaceRequiresKey(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, err := http.Post(e.server.URL+"/keys", "application/json", strings.NewReader(`{"name":"x"}`))
	if err != nil {
		t.Fatalf("post /keys: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("unauthenticated admin status = %d", resp.StatusCode)
	}
}

func TestKeyLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, created := e.adminReq(t, http.MethodPost, "/keys", `{"name":"ci","credits":10}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	key, _ := created["key"].(string)
	if !strings.HasPrefix(key, "pg_") {
		t.Fatalf("created key = %q", key)
	}

	// The listing masks the secret.
	resp, listed := e.adminReq(t, http.MethodGet, "/keys", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	raw, _ := json.Marshal(listed)
	if strings.Contains(string(raw), key) {
		t.Error("key listing leaked the full secret")
	}

	// Revoking kills the key for /mcp.
	resp, _ = e.adminReq(t, http.MethodPost, "/keys/revoke", `{"key":"`+key+`"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d", resp.StatusCode)
	}
	_, rpcResp := e.rpc(t, key, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"util:echo"}}`, nil)
	if rpcResp.Error == nil || !strings.Contains(rpcResp.Error.Message, "invalid_api_key") {
		t.Errorf("revoked key error = %+v", rpcResp.Error)
	}
}

func TestRotationContinuity(t *testing.T) {
	e := newTestEnv(t, nil)
	key := e.newKey(t, 10)

	resp, rotated := e.adminReq(t, http.MethodPost, "/keys/rotate", `{"key":"`+key+`"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rotate status = %d", resp.StatusCode)
	}
	newKey, _ := rotated["key"].(string)
	if newKey == "" || newKey == key {
		t.Fatalf("rotated key = %q", newKey)
	}
	if rotated["credits"] != float64(10) {
		t.Errorf("rotated credits = %v", rotated["credits"])
	}

	// Old key is dead, new key works.
	_, old := e.rpc(t, key, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"util:echo"}}`, nil)
	if old.Error == nil || !strings.Contains(old.Error.Message, "invalid_api_key") {
		t.Errorf("old key error = %+v", old.Error)
	}
	httpResp, fresh := e.rpc(t, newKey, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"util:echo"}}`, nil)
	if fresh.Error != nil {
		t.Fatalf("new key error = %+v", fresh.Error)
	}
	if got := httpResp.Header.Get("X-Credits-Remaining"); got != "9" {
		t.Errorf("X-Credits-Remaining = %q", got)
	}
}

func TestTopupAndLimits(t *testing.T) {
	e := newTestEnv(t, nil)
	key := e.newKey(t, 5)

	resp, body := e.adminReq(t, http.MethodPost, "/topup", `{"key":"`+key+`","credits":20}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("topup status = %d", resp.StatusCode)
	}
	if body["credits"] != float64(25) {
		t.Errorf("post-topup credits = %v", body["credits"])
	}

	resp, _ = e.adminReq(t, http.MethodPost, "/limits", `{"key":"`+key+`","spendingLimit":3}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("limits status = %d", resp.StatusCode)
	}
	if rec := e.store.GetKeyRaw(key); rec.SpendingLimit != 3 {
		t.Errorf("spendingLimit = %d", rec.SpendingLimit)
	}
}

func TestUsageExportCSV(t *testing.T) {
	e := newTestEnv(t, nil)
	key := e.newKey(t, 10)
	e.rpc(t, key, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"util:echo"}}`, nil)

	req, _ := http.NewRequest(http.MethodGet, e.server.URL+"/usage?format=csv", nil)
	req.Header.Set("X-Admin-Key", testAdminKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get /usage: %v", err)
	}
	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/csv") {
		t.Errorf("content-type = %q", ct)
	}
	if !strings.Contains(buf.String(), "callId") {
		t.Errorf("csv missing header: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "util:echo") {
		t.Errorf("csv missing the recorded call: %q", buf.String())
	}
	if strings.Contains(buf.String(), key) {
		t.Error("csv leaked the full key")
	}
}

func TestAuditTrailEndpoints(t *testing.T) {
	e := newTestEnv(t, nil)
	key := e.newKey(t, 10)
	e.rpc(t, key, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"util:echo"}}`, nil)

	resp, body := e.adminReq(t, http.MethodGet, "/audit", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit status = %d", resp.StatusCode)
	}
	raw, _ := json.Marshal(body)
	if !strings.Contains(string(raw), "gate.allow") {
		t.Errorf("audit missing gate.allow: %s", raw)
	}

	resp, stats := e.adminReq(t, http.MethodGet, "/audit/stats", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit/stats status = %d", resp.StatusCode)
	}
	if stats["total"] == float64(0) {
		t.Error("audit/stats reports no events")
	}
}

func TestMaintenanceToggle(t *testing.T) {
	e := newTestEnv(t, nil)
	key := e.newKey(t, 10)

	e.adminReq(t, http.MethodPost, "/maintenance", `{"enabled":true}`)
	_, resp := e.rpc(t, key, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"util:echo"}}`, nil)
	if resp.Error == nil || !strings.Contains(resp.Error.Message, "maintenance") {
		t.Errorf("maintenance error = %+v", resp.Error)
	}

	e.adminReq(t, http.MethodPost, "/maintenance", `{"enabled":false}`)
	_, resp = e.rpc(t, key, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"util:echo"}}`, nil)
	if resp.Error != nil {
		t.Errorf("post-maintenance error = %+v", resp.Error)
	}
}

func TestDeadLetterEndpointWithoutDispatcher(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, body := e.adminReq(t, http.MethodGet, "/webhooks/deadletter", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deadletter status = %d", resp.StatusCode)
	}
	if body["dropped"] != float64(0) {
		t.Errorf("dropped = %v", body["dropped"])
	}
}

func TestStripeNotConfigured(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, err := http.Post(e.server.URL+"/stripe/webhook", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("webhook status = %d", resp.StatusCode)
	}
}
