// Package webhook delivers gateway events to a configured HTTP endpoint.
// Emit never blocks the caller: events land in a bounded queue and a single
// worker drains it, retrying failures with exponential backoff. Events that
// exhaust their retries go to a dead-letter ring for admin inspection.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/paygate/paygate/internal/logger"
	"github.com/paygate/paygate/internal/metrics"
)

// Event is one webhook payload. Data carries event-specific fields.
type Event struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Time time.Time      `json:"time"`
	Data map[string]any `json:"data"`
}

// DeadLetter is a delivery that exhausted its retries.
type DeadLetter struct {
	Event    Event     `json:"event"`
	Attempts int       `json:"attempts"`
	LastErr  string    `json:"lastError"`
	FailedAt time.Time `json:"failedAt"`
}

// Config controls the dispatcher. A zero URL disables delivery entirely.
type Config struct {
	URL            string
	Secret         string
	QueueSize      int
	MaxAttempts    int
	DeadLetterSize int
	Timeout        time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
}

// Dispatcher owns the queue and the delivery worker.
type Dispatcher struct {
	cfg    Config
	client *http.Client

	mu      sync.Mutex
	queue   []Event
	dead    []DeadLetter
	dropped int64
	wake    chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a dispatcher and starts its worker. Returns nil when no URL is
// configured; a nil *Dispatcher is safe to Emit on.
func New(cfg Config) *Dispatcher {
	if cfg.URL == "" {
		return nil
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.DeadLetterSize <= 0 {
		cfg.DeadLetterSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	d := &Dispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go d.worker()
	return d
}

// Emit enqueues an event. When the queue is full the oldest event is dropped
// so the caller never blocks and fresh events win.
func (d *Dispatcher) Emit(eventType string, data map[string]any) {
	if d == nil {
		return
	}
	ev := Event{
		ID:   uuid.NewString(),
		Type: eventType,
		Time: time.Now().UTC(),
		Data: data,
	}

	d.mu.Lock()
	if len(d.queue) >= d.cfg.QueueSize {
		d.queue = d.queue[1:]
		d.dropped++
		metrics.RecordWebhookDelivery("dropped")
	}
	d.queue = append(d.queue, ev)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// DeadLetters returns a copy of the dead-letter ring, oldest first.
func (d *Dispatcher) DeadLetters() []DeadLetter {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetter, len(d.dead))
	copy(out, d.dead)
	return out
}

// Dropped reports how many events were evicted from a full queue.
func (d *Dispatcher) Dropped() int64 {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Stop shuts the worker down. Queued events are abandoned.
func (d *Dispatcher) Stop() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
}

func (d *Dispatcher) worker() {
	defer close(d.done)
	for {
		ev, ok := d.dequeue()
		if !ok {
			select {
			case <-d.stop:
				return
			case <-d.wake:
				continue
			}
		}
		d.deliver(ev)
	}
}

func (d *Dispatcher) dequeue() (Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return Event{}, false
	}
	ev := d.queue[0]
	d.queue = d.queue[1:]
	return ev, true
}

func (d *Dispatcher) deliver(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Error("webhook marshal failed", "event", ev.Type, "error", err)
		return
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.cfg.BaseBackoff
	policy.MaxInterval = d.cfg.MaxBackoff
	policy.MaxElapsedTime = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-d.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempts := 0
	operation := func() error {
		attempts++
		return d.post(ctx, payload)
	}
	err = backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(d.cfg.MaxAttempts-1)), ctx))
	if err == nil {
		metrics.RecordWebhookDelivery("delivered")
		return
	}

	metrics.RecordWebhookDelivery("failed")
	logger.Warn("webhook delivery failed", "event", ev.Type, "id", ev.ID,
		"attempts", attempts, "error", err)
	d.mu.Lock()
	if len(d.dead) >= d.cfg.DeadLetterSize {
		d.dead = d.dead[1:]
	}
	d.dead = append(d.dead, DeadLetter{
		Event:    ev,
		Attempts: attempts,
		LastErr:  err.Error(),
		FailedAt: time.Now().UTC(),
	})
	d.mu.Unlock()
}

func (d *Dispatcher) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(payload, d.cfg.Secret))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("endpoint returned %d", resp.StatusCode)
}

// Sign computes the delivery signature: HMAC-SHA256 of the body, hex-encoded
// with a sha256= prefix.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
