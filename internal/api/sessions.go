package api

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paygate/paygate/internal/metrics"
)

// session is one Streamable-HTTP correlation context. Subscribers are the
// open SSE streams for this session; publishes never block.
type session struct {
	ID        string
	APIKey    string
	CreatedAt time.Time

	mu       sync.Mutex
	lastSeen time.Time
	subs     map[chan []byte]struct{}
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *session) subscribe() chan []byte {
	ch := make(chan []byte, 8)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *session) unsubscribe(ch chan []byte) {
	s.mu.Lock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
	s.mu.Unlock()
}

// publish fans a message out to every open stream, dropping when a
// subscriber's buffer is full.
func (s *session) publish(msg []byte) {
	s.mu.Lock()
	for ch := range s.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *session) closeSubs() {
	s.mu.Lock()
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
	s.mu.Unlock()
}

// sessionRegistry tracks sessions by ID and evicts the idle ones after ttl.
type sessionRegistry struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*session

	stop     chan struct{}
	stopOnce sync.Once
}

func newSessionRegistry(ttl time.Duration) *sessionRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	r := &sessionRegistry{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*session),
		stop:     make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// attach resolves the session named by id, creating a fresh one when id is
// empty or unknown. The session is touched either way.
func (r *sessionRegistry) attach(id, apiKey string) *session {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if id != "" {
		if s, ok := r.sessions[id]; ok {
			s.touch(now)
			return s
		}
	}
	s := &session{
		ID:        uuid.NewString(),
		APIKey:    apiKey,
		CreatedAt: now,
		lastSeen:  now,
		subs:      make(map[chan []byte]struct{}),
	}
	r.sessions[s.ID] = s
	metrics.SessionOpened()
	return s
}

func (r *sessionRegistry) get(id string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

func (r *sessionRegistry) delete(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.closeSubs()
	metrics.SessionClosed()
	return true
}

func (r *sessionRegistry) sweepLoop() {
	interval := r.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *sessionRegistry) sweep() {
	cutoff := r.now().Add(-r.ttl)
	var evicted []*session
	r.mu.Lock()
	for id, s := range r.sessions {
		s.mu.Lock()
		idle := s.lastSeen.Before(cutoff)
		s.mu.Unlock()
		if idle {
			delete(r.sessions, id)
			evicted = append(evicted, s)
		}
	}
	r.mu.Unlock()
	for _, s := range evicted {
		s.closeSubs()
		metrics.SessionClosed()
	}
}

func (r *sessionRegistry) close() {
	r.stopOnce.Do(func() { close(r.stop) })
}
