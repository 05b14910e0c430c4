// Package events provides a publish/subscribe bus for conversation
// lifecycle events. Components (orchestration loop, session store,
// protocol router) publish; forwarders deliver to external observers
// such as Home Assistant, MQTT, and the exchange log. The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Publishers.
const (
	SourceAgent    = "agent"    // orchestration loop
	SourceSessions = "sessions" // conversation store
	SourceProvider = "provider" // protocol router
)

// Event kinds, with the Data keys each carries.
const (
	// conversation_id, new_session
	KindRequestStart = "request_start"
	// conversation_id, round, model, tool_choice
	KindLLMCall = "llm_call"
	// conversation_id, round, model, protocol, tokens_in, tokens_out,
	// tool_calls
	KindLLMResponse = "llm_response"
	// conversation_id, tool, call_id
	KindToolCall = "tool_call"
	// conversation_id, tool, call_id, ok, duration_ms
	KindToolDone = "tool_done"
	// conversation_id, strategy, before, after
	KindTruncated = "truncated"
	// conversation_id, response, user_input, messages
	KindConversationFinished = "conversation_finished"
	// conversation_id, kind, error
	KindExchangeFailed = "exchange_failed"
	// model, error; a Responses round retried over chat completions
	KindProtocolFallback = "protocol_fallback"
	// conversation_id, messages, rounds
	KindSessionEvicted = "session_evicted"
)

// Event is one published occurrence. Publish stamps Timestamp when it
// is zero.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Each subscriber has its own
// buffer; an event that does not fit is dropped for that subscriber
// only, so a stalled sink never holds up the orchestration loop.
type Bus struct {
	mu      sync.RWMutex
	subs    map[<-chan Event]chan Event
	dropped atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with room for it and fills a
// zero Timestamp. Safe on a nil bus.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber with a buffer of bufSize events.
// Release it with Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// or already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if send, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(send)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
