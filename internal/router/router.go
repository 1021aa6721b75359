// Package router fans requests out to the configured backends. Tools are
// namespaced by backend prefix: tools/list merges every backend's tools as
// "prefix:tool", and tools/call strips the prefix to find the owner.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paygate/paygate/internal/errors"
	"github.com/paygate/paygate/internal/logger"
	"github.com/paygate/paygate/internal/mcp"
	"github.com/paygate/paygate/internal/metrics"
	"github.com/paygate/paygate/internal/transport"
)

// Backend pairs a tool-name prefix with its transport.
type Backend struct {
	Prefix    string
	Transport transport.Transport
}

// Router dispatches by prefix over an ordered backend list.
type Router struct {
	backends []Backend
	byPrefix map[string]transport.Transport

	ready    atomic.Bool
	degraded atomic.Bool
}

// New creates a router. Backend order is preserved for merges and for the
// default target of non-tool methods.
func New(backends []Backend) *Router {
	byPrefix := make(map[string]transport.Transport, len(backends))
	for _, b := range backends {
		byPrefix[b.Prefix] = b.Transport
	}
	return &Router{backends: backends, byPrefix: byPrefix}
}

// Start brings every backend up concurrently. If any backend is still not up
// when readyTimeout expires the router becomes ready in degraded mode with
// the partial set.
func (r *Router) Start(ctx context.Context, readyTimeout time.Duration) error {
	if readyTimeout <= 0 {
		readyTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range r.backends {
		b := b
		g.Go(func() error {
			if err := b.Transport.Start(gctx); err != nil {
				logger.Error("backend failed to start", "prefix", b.Prefix, "error", err)
				return fmt.Errorf("backend %s: %w", b.Prefix, err)
			}
			return nil
		})
	}
	err := g.Wait()
	r.ready.Store(true)
	if err != nil || ctx.Err() != nil {
		r.degraded.Store(true)
		logger.Warn("router ready in degraded mode", "error", err)
		return err
	}
	return nil
}

// Stop shuts every backend down concurrently.
func (r *Router) Stop(ctx context.Context) {
	var wg sync.WaitGroup
	for _, b := range r.backends {
		wg.Add(1)
		go func(b Backend) {
			defer wg.Done()
			if err := b.Transport.Stop(ctx); err != nil {
				logger.Warn("backend stop failed", "prefix", b.Prefix, "error", err)
			}
		}(b)
	}
	wg.Wait()
	r.ready.Store(false)
}

// Ready reports whether Start has completed.
func (r *Router) Ready() bool { return r.ready.Load() }

// Degraded reports whether some backends missed the ready window.
func (r *Router) Degraded() bool { return r.degraded.Load() }

// Backends lists the configured prefixes and their liveness.
func (r *Router) Backends() map[string]bool {
	out := make(map[string]bool, len(r.backends))
	for _, b := range r.backends {
		out[b.Prefix] = b.Transport.Running()
	}
	return out
}

// ToolsList queries every running backend in parallel and merges the results
// with prefix renames. Backends that fail are skipped with a warning; the
// merge preserves backend order.
func (r *Router) ToolsList(ctx context.Context) (*mcp.ListResult, error) {
	results := make([][]mcp.Tool, len(r.backends))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range r.backends {
		i, b := i, b
		g.Go(func() error {
			resp, err := b.Transport.Call(gctx, &mcp.Request{Method: "tools/list"})
			if err != nil {
				logger.Warn("tools/list failed", "prefix", b.Prefix, "error", err)
				return nil
			}
			if resp.Error != nil {
				logger.Warn("tools/list rejected", "prefix", b.Prefix, "code", resp.Error.Code)
				return nil
			}
			var list mcp.ListResult
			if err := json.Unmarshal(resp.Result, &list); err != nil {
				logger.Warn("tools/list unparsable", "prefix", b.Prefix, "error", err)
				return nil
			}
			for j := range list.Tools {
				list.Tools[j].Name = b.Prefix + ":" + list.Tools[j].Name
			}
			results[i] = list.Tools
			return nil
		})
	}
	g.Wait()

	merged := &mcp.ListResult{Tools: []mcp.Tool{}}
	for _, tools := range results {
		merged.Tools = append(merged.Tools, tools...)
	}
	return merged, nil
}

// SplitTool separates "prefix:tool" into its parts. ok is false when the
// name carries no prefix.
func SplitTool(name string) (prefix, tool string, ok bool) {
	prefix, tool, ok = strings.Cut(name, ":")
	if !ok || prefix == "" || tool == "" {
		return "", "", false
	}
	return prefix, tool, true
}

// CallTool dispatches a tools/call to the owning backend with the prefix
// stripped. An unknown or missing prefix yields a method-not-found error.
func (r *Router) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.Response, error) {
	prefix, tool, ok := SplitTool(name)
	if !ok {
		if len(r.backends) == 1 {
			// Single-backend deployments may omit the prefix.
			prefix, tool = r.backends[0].Prefix, name
		} else {
			return nil, &mcp.Error{Code: errors.CodeMethodNotFound, Message: "Method not found (unknown prefix)"}
		}
	}
	tr, exists := r.byPrefix[prefix]
	if !exists {
		return nil, &mcp.Error{Code: errors.CodeMethodNotFound, Message: "Method not found (unknown prefix)"}
	}

	params, err := json.Marshal(&mcp.CallParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := tr.Call(ctx, &mcp.Request{Method: "tools/call", Params: params})
	status := "ok"
	if err != nil {
		status = string(errors.FailureReason(err))
	} else if resp.Error != nil {
		status = "backend_error"
	}
	metrics.RecordBackendCall(prefix, status, time.Since(start))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Forward sends a non-tool method (initialize, ping, ...) to the first
// backend.
func (r *Router) Forward(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	if len(r.backends) == 0 {
		return nil, &mcp.Error{Code: errors.CodeMethodNotFound, Message: "Method not found"}
	}
	return r.backends[0].Transport.Call(ctx, req)
}
