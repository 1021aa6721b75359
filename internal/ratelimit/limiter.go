// Package ratelimit implements fixed-window request counting. Windows are 60
// seconds aligned to the epoch; the first call in a window pays full cost and
// the count drops to zero at the window edge. Scopes are opaque strings, so
// the same limiter serves global per-key limits ("key:<k>") and per-tool
// limits ("key:<k>:tool:<t>").
package ratelimit

import (
	"sync"
	"time"
)

const (
	windowSize    = 60 * time.Second
	sweepInterval = 10 * time.Minute
)

// Result is the outcome of one limit check.
type Result struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

type window struct {
	start time.Time
	count int64
}

// Limiter counts calls per scope in fixed 60s windows. Safe for concurrent
// use. Idle scopes are swept after sweepInterval so one-off keys do not
// accumulate forever.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time

	stop chan struct{}
	once sync.Once
}

// New creates a limiter and starts its background sweeper.
func New() *Limiter {
	l := &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// SetClock overrides the time source (tests).
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Check counts one call against scope and reports whether it fits within
// limit for the current window. A limit of zero or less means unlimited;
// unlimited checks are not counted.
func (l *Limiter) Check(scope string, limit int64) Result {
	if limit <= 0 {
		return Result{Allowed: true, Remaining: -1}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	start := now.Truncate(windowSize)
	w, ok := l.windows[scope]
	if !ok || !w.start.Equal(start) {
		w = &window{start: start}
		l.windows[scope] = w
	}
	resetAt := start.Add(windowSize)

	if w.count >= limit {
		return Result{Allowed: false, Limit: limit, Remaining: 0, ResetAt: resetAt}
	}
	w.count++
	return Result{Allowed: true, Limit: limit, Remaining: limit - w.count, ResetAt: resetAt}
}

// Peek reports the current count for scope without consuming a slot.
func (l *Limiter) Peek(scope string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[scope]
	if !ok || !w.start.Equal(l.now().Truncate(windowSize)) {
		return 0
	}
	return w.count
}

// Close stops the sweeper.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-sweepInterval)
	for scope, w := range l.windows {
		if w.start.Before(cutoff) {
			delete(l.windows, scope)
		}
	}
}
