package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/paygate/paygate/internal/errors"
	"github.com/paygate/paygate/internal/mcp"
)

func TestHTTPCallJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req mcp.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.JSONRPC != "2.0" || len(req.ID) == 0 {
			t.Errorf("request not normalized: %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"tools":[]}}`, req.ID)
	}))
	defer srv.Close()

	tr := NewHTTP("remote", srv.URL)
	tr.Start(context.Background())
	defer tr.Stop(context.Background())

	resp, err := tr.Call(context.Background(), &mcp.Request{Method: "tools/list"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var result mcp.ListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.Tools == nil {
		t.Error("expected empty tools array")
	}
}

func TestHTTPCallSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive comment\n\n")
		fmt.Fprint(w, "event: message\n")
		fmt.Fprint(w, `data: {"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"hi"}]}}`+"\n\n")
	}))
	defer srv.Close()

	tr := NewHTTP("sse", srv.URL)
	tr.Start(context.Background())
	resp, err := tr.Call(context.Background(), &mcp.Request{Method: "tools/call"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Error != nil || len(resp.Result) == 0 {
		t.Errorf("response = %+v", resp)
	}
}

func TestHTTPCallErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := NewHTTP("flaky", srv.URL)
	tr.Start(context.Background())
	_, err := tr.Call(context.Background(), &mcp.Request{Method: "tools/list"})
	var be *errors.BackendError
	if !stderrors.As(err, &be) || be.Prefix != "flaky" {
		t.Fatalf("err = %v, want BackendError", err)
	}
}

func TestHTTPCallDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server's background read can observe the
		// client closing the connection and cancel the request context;
		// otherwise srv.Close deadlocks waiting on this handler.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	tr := NewHTTP("slow", srv.URL)
	tr.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := tr.Call(ctx, &mcp.Request{Method: "tools/call"})
	if errors.DenyReason(err) != errors.ReasonBackendTimeout {
		t.Fatalf("err = %v, want backend_timeout", err)
	}
}
