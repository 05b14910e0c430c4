package events

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceAgent, Kind: KindRequestStart})
	if b.SubscriberCount() != 0 || b.Dropped() != 0 {
		t.Error("nil bus should report zero subscribers and drops")
	}
}

func TestFanOut(t *testing.T) {
	b := New()
	subs := []<-chan Event{b.Subscribe(4), b.Subscribe(4), b.Subscribe(4)}
	t.Cleanup(func() {
		for _, ch := range subs {
			b.Unsubscribe(ch)
		}
	})

	b.Publish(Event{
		Source: SourceAgent,
		Kind:   KindConversationFinished,
		Data:   map[string]any{"conversation_id": "01J-conv", "response": "Done."},
	})

	for i, ch := range subs {
		e := recv(t, ch)
		if e.Kind != KindConversationFinished || e.Data["response"] != "Done." {
			t.Errorf("subscriber %d got %+v", i, e)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("subscriber %d: timestamp not filled", i)
		}
	}
}

func TestPublishKeepsExplicitTimestamp(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b.Publish(Event{Timestamp: ts, Source: SourceSessions, Kind: KindSessionEvicted})
	if got := recv(t, ch).Timestamp; !got.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", got, ts)
	}
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	b := New()
	slow := b.Subscribe(1)
	fast := b.Subscribe(8)
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Publish(Event{Source: SourceAgent, Kind: KindToolCall, Data: map[string]any{"i": i}})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if got := b.Dropped(); got != 4 {
		t.Errorf("Dropped() = %d, want 4", got)
	}
	if e := recv(t, slow); e.Data["i"] != 0 {
		t.Errorf("slow subscriber kept %v, want the first event", e.Data["i"])
	}
	for i := 0; i < 5; i++ {
		if e := recv(t, fast); e.Data["i"] != i {
			t.Errorf("fast subscriber event %d = %v", i, e.Data["i"])
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	if b.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(ch)
	b.Unsubscribe(ch) // second call is a no-op

	if _, ok := <-ch; ok {
		t.Error("channel still open after Unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", b.SubscriberCount())
	}
	b.Publish(Event{Source: SourceProvider, Kind: KindProtocolFallback})
	if b.Dropped() != 0 {
		t.Error("publish with no subscribers counted a drop")
	}
}

func TestConcurrentUse(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := b.Subscribe(16)
			for i := 0; i < 50; i++ {
				b.Publish(Event{Source: SourceAgent, Kind: KindLLMCall})
			}
			b.Unsubscribe(ch)
		}()
	}
	wg.Wait()
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d after all unsubscribed", b.SubscriberCount())
	}
}
