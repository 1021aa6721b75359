package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/paygate/paygate/internal/errors"
	"github.com/paygate/paygate/internal/mcp"
)

// HTTP speaks JSON-RPC over POST to a single streamable endpoint. When the
// server answers with text/event-stream, the response is the first message
// frame of the stream; otherwise a plain JSON body.
type HTTP struct {
	prefix string
	url    string
	client *http.Client

	running bool
}

// NewHTTP creates an HTTP transport. The client pools connections; per-call
// deadlines come from the context.
func NewHTTP(prefix, url string) *HTTP {
	return &HTTP{
		prefix: prefix,
		url:    url,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Start marks the transport usable. The endpoint is not probed: remote
// servers may reject anonymous initialize calls, and the first real call
// surfaces reachability anyway.
func (t *HTTP) Start(ctx context.Context) error {
	t.running = true
	return nil
}

// Stop releases pooled connections.
func (t *HTTP) Stop(ctx context.Context) error {
	t.running = false
	t.client.CloseIdleConnections()
	return nil
}

// Running reports whether Start has been called.
func (t *HTTP) Running() bool { return t.running }

// Call POSTs the request and decodes the correlated response.
func (t *HTTP) Call(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	out := *req
	out.JSONRPC = "2.0"
	if len(out.ID) == 0 {
		out.ID = json.RawMessage(`1`)
	}
	body, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("backend %s: marshal request: %w", t.prefix, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("backend %s: build request: %w", t.prefix, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Deny(errors.ReasonBackendTimeout, "backend "+t.prefix+" deadline exceeded")
		}
		return nil, &errors.BackendError{Prefix: t.prefix, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &errors.BackendError{
			Prefix:  t.prefix,
			Message: fmt.Sprintf("endpoint returned HTTP %d", resp.StatusCode),
		}
	}

	var rpc mcp.Response
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		data, err := firstSSEMessage(resp.Body)
		if err != nil {
			return nil, &errors.BackendError{Prefix: t.prefix, Err: err}
		}
		if err := json.Unmarshal(data, &rpc); err != nil {
			return nil, &errors.BackendError{Prefix: t.prefix, Err: fmt.Errorf("decode sse frame: %w", err)}
		}
	} else if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		return nil, &errors.BackendError{Prefix: t.prefix, Err: fmt.Errorf("decode response: %w", err)}
	}
	rpc.ID = nil
	return &rpc, nil
}

// firstSSEMessage reads SSE frames until the first one carrying data and
// returns the joined data lines.
func firstSSEMessage(r io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	var data [][]byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				return bytes.Join(data, []byte("\n")), nil
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, []byte(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")))
		}
		// event:/id:/retry: fields and comments are irrelevant here.
	}
	if len(data) > 0 {
		return bytes.Join(data, []byte("\n")), nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("event stream ended without a message")
}
