package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/paygate/paygate/internal/errors"
	"github.com/paygate/paygate/internal/mcp"
)

// TestHelperProcess is not a real test: re-executed as the test binary it
// acts as a line-delimited JSON-RPC echo server for the stdio transport.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("PAYGATE_HELPER_BACKEND") != "1" {
		return
	}
	defer os.Exit(0)

	out := bufio.NewWriter(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		var req mcp.Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		switch req.Method {
		case "crash":
			os.Exit(3)
		case "silent":
			continue
		}
		result, _ := json.Marshal(map[string]string{"echo": req.Method})
		resp := mcp.Response{JSONRPC: "2.0", ID: req.ID, Result: result}
		line, _ := json.Marshal(&resp)
		out.Write(line)
		out.WriteByte('\n')
		out.Flush()
	}
}

func helperBackend(t *testing.T, respawn bool) *Stdio {
	t.Helper()
	tr := NewStdio("test", os.Args[0], []string{"-test.run=TestHelperProcess"})
	tr.Env = []string{"PAYGATE_HELPER_BACKEND=1"}
	tr.Respawn = respawn
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tr.Stop(ctx)
	})
	return tr
}

func TestStdioCall(t *testing.T) {
	tr := helperBackend(t, false)
	if !tr.Running() {
		t.Fatal("transport should be running after Start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := tr.Call(ctx, &mcp.Request{Method: "tools/list"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var result map[string]string
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result["echo"] != "tools/list" {
		t.Errorf("result = %v", result)
	}
	if resp.ID != nil {
		t.Error("transport must strip its internal request ID")
	}
}

func TestStdioCorrelatesConcurrentCalls(t *testing.T) {
	tr := helperBackend(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			method := fmt.Sprintf("m%d", i)
			resp, err := tr.Call(ctx, &mcp.Request{Method: method})
			if err != nil {
				t.Errorf("call %s: %v", method, err)
				return
			}
			var result map[string]string
			json.Unmarshal(resp.Result, &result)
			if result["echo"] != method {
				t.Errorf("call %s got %v", method, result)
			}
		}(i)
	}
	wg.Wait()
}

func TestStdioTimeoutReleasesWaiter(t *testing.T) {
	tr := helperBackend(t, false)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := tr.Call(ctx, &mcp.Request{Method: "silent"})
	if errors.DenyReason(err) != errors.ReasonBackendTimeout {
		t.Fatalf("err = %v, want backend_timeout", err)
	}
	if !tr.Running() {
		t.Fatal("timeout must not kill the child")
	}
	tr.mu.Lock()
	leaked := len(tr.waiters)
	tr.mu.Unlock()
	if leaked != 0 {
		t.Errorf("leaked waiters = %d", leaked)
	}

	// The child still serves later calls.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if _, err := tr.Call(ctx2, &mcp.Request{Method: "ping"}); err != nil {
		t.Errorf("call after timeout: %v", err)
	}
}

func TestStdioCrashFailsWaiters(t *testing.T) {
	tr := helperBackend(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	var pendingErr error
	go func() {
		defer wg.Done()
		_, pendingErr = tr.Call(ctx, &mcp.Request{Method: "silent"})
	}()
	time.Sleep(100 * time.Millisecond)

	_, crashErr := tr.Call(ctx, &mcp.Request{Method: "crash"})
	wg.Wait()

	if errors.DenyReason(crashErr) != errors.ReasonBackendCrashed {
		t.Errorf("crash call err = %v", crashErr)
	}
	if errors.DenyReason(pendingErr) != errors.ReasonBackendCrashed {
		t.Errorf("pending call err = %v", pendingErr)
	}
	if tr.Running() {
		t.Error("transport should not report running after crash")
	}
	if _, err := tr.Call(ctx, &mcp.Request{Method: "ping"}); errors.DenyReason(err) != errors.ReasonBackendCrashed {
		t.Errorf("call on dead backend: %v", err)
	}
}

func TestStdioRespawn(t *testing.T) {
	if testing.Short() {
		t.Skip("respawn waits out the restart delay")
	}
	tr := helperBackend(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	tr.Call(ctx, &mcp.Request{Method: "crash"})

	deadline := time.Now().Add(10 * time.Second)
	for !tr.Running() {
		if time.Now().After(deadline) {
			t.Fatal("backend never respawned")
		}
		time.Sleep(50 * time.Millisecond)
	}
	if _, err := tr.Call(ctx, &mcp.Request{Method: "ping"}); err != nil {
		t.Errorf("call after respawn: %v", err)
	}
}
