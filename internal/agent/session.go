package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nugget/ampere/internal/events"
	"github.com/nugget/ampere/internal/llm"
	"github.com/nugget/ampere/internal/metrics"
)

// Session is one conversation: its ordered history and a cumulative
// round counter. A run holds the session lock for its whole duration,
// so at most one exchange per conversation is in flight.
type Session struct {
	ID string

	mu         sync.Mutex
	messages   []llm.Message
	rounds     int
	createdAt  time.Time
	lastActive time.Time

	// Readable without mu, for the eviction callback.
	size      atomic.Int64
	committed atomic.Int64
	removed   atomic.Bool
}

func newSession(id string, now time.Time) *Session {
	return &Session{ID: id, createdAt: now, lastActive: now}
}

// Messages returns a copy of the stored history.
func (s *Session) Messages() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneHistory(s.messages)
}

// Rounds returns the number of provider round trips committed to this
// session.
func (s *Session) Rounds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rounds
}

// LastActive returns when the session last completed an exchange.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// commit replaces the history. Caller holds s.mu.
func (s *Session) commit(history []llm.Message, rounds int, now time.Time) {
	s.messages = history
	s.rounds += rounds
	s.lastActive = now
	s.size.Store(int64(len(history)))
	s.committed.Store(int64(s.rounds))
}

func cloneHistory(h []llm.Message) []llm.Message {
	out := make([]llm.Message, len(h))
	for i, m := range h {
		if m.ToolCalls != nil {
			m.ToolCalls = append([]llm.ToolCall(nil), m.ToolCalls...)
		}
		out[i] = m
	}
	return out
}

// SessionStore holds conversation sessions. Implementations must be
// safe for concurrent use and must bound their size.
type SessionStore interface {
	Get(id string) (*Session, bool)
	Put(s *Session)
	Remove(id string) bool
	Len() int
}

// LRUSessions is a SessionStore bounded by count and idle time. The
// least recently used session goes first when the store is full;
// sessions idle longer than the TTL expire on their own.
type LRUSessions struct {
	cache   *expirable.LRU[string, *Session]
	bus     *events.Bus
	metrics *metrics.Metrics
}

// NewLRUSessions creates a bounded store. size <= 0 means no count
// bound; ttl <= 0 means no idle expiry. Evictions are published on bus
// as session_evicted events.
func NewLRUSessions(size int, ttl time.Duration, bus *events.Bus, m *metrics.Metrics) *LRUSessions {
	if size < 0 {
		size = 0
	}
	if ttl < 0 {
		ttl = 0
	}
	s := &LRUSessions{bus: bus, metrics: m}
	s.cache = expirable.NewLRU[string, *Session](size, s.onEvict, ttl)
	return s
}

func (s *LRUSessions) onEvict(id string, sess *Session) {
	s.metrics.RecordEviction()
	s.bus.Publish(events.Event{
		Source: events.SourceSessions,
		Kind:   events.KindSessionEvicted,
		Data: map[string]any{
			"conversation_id": id,
			"messages":        int(sess.size.Load()),
			"rounds":          int(sess.committed.Load()),
		},
	})
}

// Get returns the session and marks it recently used.
func (s *LRUSessions) Get(id string) (*Session, bool) {
	return s.cache.Get(id)
}

// Put stores the session and restarts its idle timer.
func (s *LRUSessions) Put(sess *Session) {
	s.cache.Add(sess.ID, sess)
	s.metrics.SetSessions(s.cache.Len())
}

// Remove drops a session. It reports whether the session existed.
func (s *LRUSessions) Remove(id string) bool {
	ok := s.cache.Remove(id)
	s.metrics.SetSessions(s.cache.Len())
	return ok
}

// Len returns the number of stored sessions, expired ones excluded.
func (s *LRUSessions) Len() int {
	return s.cache.Len()
}
