package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestDeliverySignedAndShaped(t *testing.T) {
	var mu sync.Mutex
	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = body
		gotSig = r.Header.Get("X-Webhook-Signature")
		mu.Unlock()
	}))
	defer srv.Close()

	d := New(Config{URL: srv.URL, Secret: "s3cret"})
	defer d.Stop()
	d.Emit("call.completed", map[string]any{"tool": "echo", "credits": float64(2)})

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotBody != nil
	})

	mu.Lock()
	defer mu.Unlock()
	var ev Event
	if err := json.Unmarshal(gotBody, &ev); err != nil {
		t.Fatalf("body: %v", err)
	}
	if ev.Type != "call.completed" || ev.ID == "" || ev.Data["tool"] != "echo" {
		t.Errorf("event = %+v", ev)
	}
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	d := New(Config{URL: srv.URL, MaxAttempts: 5})
	defer d.Stop()
	d.Emit("key.created", nil)

	waitFor(t, 10*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 3
	})
	if len(d.DeadLetters()) != 0 {
		t.Error("successful retry must not dead-letter")
	}
}

func TestConfiguredBackoffIsUsed(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 4 {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	// Three retries at the default 1s base would take several seconds; the
	// configured 5ms base must finish well inside the deadline.
	d := New(Config{URL: srv.URL, MaxAttempts: 5, BaseBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})
	defer d.Stop()
	d.Emit("key.created", nil)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 4
	})
	if len(d.DeadLetters()) != 0 {
		t.Error("successful retry must not dead-letter")
	}
}

func TestDeadLetterAfterExhaustedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := New(Config{URL: srv.URL, MaxAttempts: 2, DeadLetterSize: 10})
	defer d.Stop()
	d.Emit("call.denied", map[string]any{"reason": "acl_denied"})

	waitFor(t, 10*time.Second, func() bool { return len(d.DeadLetters()) == 1 })
	dl := d.DeadLetters()[0]
	if dl.Event.Type != "call.denied" || dl.Attempts != 2 || dl.LastErr == "" {
		t.Errorf("dead letter = %+v", dl)
	}
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	d := New(Config{URL: srv.URL, QueueSize: 2, MaxAttempts: 1})
	// The worker picks up one event and blocks on it; overfill the queue.
	d.Emit("e0", nil)
	time.Sleep(50 * time.Millisecond)
	d.Emit("e1", nil)
	d.Emit("e2", nil)
	d.Emit("e3", nil)

	if got := d.Dropped(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
	d.mu.Lock()
	var types []string
	for _, ev := range d.queue {
		types = append(types, ev.Type)
	}
	d.mu.Unlock()
	if len(types) != 2 || types[0] != "e2" || types[1] != "e3" {
		t.Errorf("queued = %v, want [e2 e3]", types)
	}
}

func TestNilDispatcherIsSafe(t *testing.T) {
	var d *Dispatcher
	d.Emit("anything", nil)
	d.Stop()
	if d.DeadLetters() != nil || d.Dropped() != 0 {
		t.Error("nil dispatcher accessors should return zero values")
	}
}
