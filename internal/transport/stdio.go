package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/paygate/paygate/internal/errors"
	"github.com/paygate/paygate/internal/logger"
	"github.com/paygate/paygate/internal/mcp"
)

const (
	// maxLineBytes bounds one backend response line.
	maxLineBytes = 16 << 20
	killGrace    = 5 * time.Second
	respawnDelay = time.Second
)

// Stdio runs a backend as a child process and speaks line-delimited JSON-RPC
// over its stdin/stdout. stderr is streamed to the log. Outbound requests get
// fresh integer IDs; a read loop demultiplexes responses to waiters by ID.
type Stdio struct {
	prefix  string
	command string
	args    []string

	// Respawn restarts a crashed child and replays the MCP handshake.
	Respawn bool
	// Env entries are appended to the inherited environment.
	Env []string

	mu      sync.Mutex // guards cmd, stdin, waiters
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	waiters map[int64]chan *mcp.Response

	nextID   atomic.Int64
	running  atomic.Bool
	stopping atomic.Bool
}

// NewStdio creates a stdio transport for the given command line. prefix is
// used in logs and errors.
func NewStdio(prefix, command string, args []string) *Stdio {
	return &Stdio{
		prefix:  prefix,
		command: command,
		args:    args,
		waiters: make(map[int64]chan *mcp.Response),
	}
}

// Start spawns the child and begins demultiplexing its stdout.
func (t *Stdio) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running.Load() {
		return nil
	}

	cmd := exec.Command(t.command, t.args...)
	if len(t.Env) > 0 {
		cmd.Env = append(os.Environ(), t.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("backend %s: stdin pipe: %w", t.prefix, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("backend %s: stdout pipe: %w", t.prefix, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("backend %s: stderr pipe: %w", t.prefix, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("backend %s: start %s: %w", t.prefix, t.command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.running.Store(true)
	logger.Info("backend started", "prefix", t.prefix, "command", t.command, "pid", cmd.Process.Pid)

	go t.drainStderr(stderr)
	go t.readLoop(stdout, cmd)
	return nil
}

// Running reports whether the child is up.
func (t *Stdio) Running() bool {
	return t.running.Load()
}

// Call sends req with a fresh ID and waits for the correlated response. The
// caller's request ID is not forwarded; responses come back with a nil ID and
// the HTTP layer re-stamps the client's.
func (t *Stdio) Call(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	if !t.running.Load() {
		return nil, errors.Deny(errors.ReasonBackendCrashed, "backend "+t.prefix+" is not running")
	}

	id := t.nextID.Add(1)
	out := *req
	out.JSONRPC = "2.0"
	out.ID = json.RawMessage(strconv.FormatInt(id, 10))
	line, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("backend %s: marshal request: %w", t.prefix, err)
	}

	ch := make(chan *mcp.Response, 1)
	t.mu.Lock()
	stdin := t.stdin
	if stdin == nil {
		t.mu.Unlock()
		return nil, errors.Deny(errors.ReasonBackendCrashed, "backend "+t.prefix+" is not running")
	}
	t.waiters[id] = ch
	_, err = stdin.Write(append(line, '\n'))
	if err != nil {
		delete(t.waiters, id)
		t.mu.Unlock()
		return nil, errors.Deny(errors.ReasonBackendCrashed, "backend "+t.prefix+" write failed")
	}
	t.mu.Unlock()

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, errors.Deny(errors.ReasonBackendCrashed, "backend "+t.prefix+" exited")
		}
		resp.ID = nil
		return resp, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.waiters, id)
		t.mu.Unlock()
		return nil, errors.Deny(errors.ReasonBackendTimeout, "backend "+t.prefix+" deadline exceeded")
	}
}

// Notify sends a request without waiting for any response.
func (t *Stdio) Notify(method string, params json.RawMessage) error {
	line, err := json.Marshal(&mcp.Request{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stdin == nil {
		return errors.Deny(errors.ReasonBackendCrashed, "backend "+t.prefix+" is not running")
	}
	_, err = t.stdin.Write(append(line, '\n'))
	return err
}

// Stop cancels outstanding calls and terminates the child: SIGTERM first,
// SIGKILL after a grace period.
func (t *Stdio) Stop(ctx context.Context) error {
	t.stopping.Store(true)
	t.mu.Lock()
	cmd := t.cmd
	t.failWaitersLocked()
	t.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()
	grace := killGrace
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < grace {
			grace = until
		}
	}
	select {
	case <-done:
	case <-time.After(grace):
		logger.Warn("backend ignored SIGTERM, killing", "prefix", t.prefix)
		cmd.Process.Kill()
		<-done
	}
	t.running.Store(false)
	return nil
}

func (t *Stdio) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		logger.Warn("backend stderr", "prefix", t.prefix, "line", scanner.Text())
	}
}

func (t *Stdio) readLoop(stdout io.Reader, cmd *exec.Cmd) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp mcp.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			logger.Warn("backend sent unparsable line", "prefix", t.prefix, "error", err)
			continue
		}
		if len(resp.ID) == 0 {
			// Server-initiated notification; nothing correlates to it.
			continue
		}
		id, err := strconv.ParseInt(string(resp.ID), 10, 64)
		if err != nil {
			logger.Warn("backend response with non-numeric id dropped", "prefix", t.prefix, "id", string(resp.ID))
			continue
		}
		t.mu.Lock()
		ch, ok := t.waiters[id]
		if ok {
			delete(t.waiters, id)
		}
		t.mu.Unlock()
		if !ok {
			logger.Warn("backend response for unknown id dropped", "prefix", t.prefix, "id", id)
			continue
		}
		ch <- &resp
	}

	// Child stdout closed: the process crashed or was stopped.
	t.running.Store(false)
	t.mu.Lock()
	t.stdin = nil
	t.failWaitersLocked()
	t.mu.Unlock()

	if cmd != nil {
		cmd.Wait()
	}
	if t.stopping.Load() {
		return
	}
	logger.Error("backend exited unexpectedly", "prefix", t.prefix)
	if t.Respawn {
		go t.respawn()
	}
}

func (t *Stdio) failWaitersLocked() {
	for id, ch := range t.waiters {
		close(ch)
		delete(t.waiters, id)
	}
}

// respawn restarts the child and replays the MCP handshake so the backend's
// tool registry is warm again.
func (t *Stdio) respawn() {
	time.Sleep(respawnDelay)
	if t.stopping.Load() {
		return
	}
	t.mu.Lock()
	t.cmd = nil
	t.mu.Unlock()
	if err := t.Start(context.Background()); err != nil {
		logger.Error("backend respawn failed", "prefix", t.prefix, "error", err)
		go t.respawn()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := t.Call(ctx, &mcp.Request{Method: "initialize"}); err != nil {
		logger.Warn("backend re-initialize failed", "prefix", t.prefix, "error", err)
	}
	if _, err := t.Call(ctx, &mcp.Request{Method: "tools/list"}); err != nil {
		logger.Warn("backend tools/list refresh failed", "prefix", t.prefix, "error", err)
	}
	logger.Info("backend respawned", "prefix", t.prefix)
}
