package usage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/ampere/internal/events"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "usage_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReport(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now()
	recs := []Record{
		{Timestamp: now, ConversationID: "conv-1", Round: 0, Model: "gpt-5", Protocol: "responses", InputTokens: 100, OutputTokens: 50, Outcome: "pending_calls"},
		{Timestamp: now, ConversationID: "conv-1", Round: 1, Model: "gpt-5", Protocol: "chat_completions", InputTokens: 200, OutputTokens: 100, Outcome: "final"},
		{Timestamp: now, ConversationID: "conv-2", Model: "gpt-4o-mini", Protocol: "chat_completions", InputTokens: 50, OutputTokens: 25, Outcome: "error"},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	r, err := s.Report(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if want := (Totals{Rounds: 3, InputTokens: 350, OutputTokens: 175}); r.Total != want {
		t.Errorf("Total = %+v, want %+v", r.Total, want)
	}
	if r.Errors != 1 {
		t.Errorf("Errors = %d, want 1", r.Errors)
	}

	tests := []struct {
		name   string
		groups map[string]Totals
		key    string
		want   Totals
	}{
		{"model gpt-5", r.ByModel, "gpt-5", Totals{Rounds: 2, InputTokens: 300, OutputTokens: 150}},
		{"model mini", r.ByModel, "gpt-4o-mini", Totals{Rounds: 1, InputTokens: 50, OutputTokens: 25}},
		{"protocol chat", r.ByProtocol, "chat_completions", Totals{Rounds: 2, InputTokens: 250, OutputTokens: 125}},
		{"protocol responses", r.ByProtocol, "responses", Totals{Rounds: 1, InputTokens: 100, OutputTokens: 50}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if len(tt.groups) != 2 {
				t.Fatalf("got %d groups, want 2", len(tt.groups))
			}
			if got := tt.groups[tt.key]; got != tt.want {
				t.Errorf("%s = %+v, want %+v", tt.key, got, tt.want)
			}
		})
	}
}

func TestReport_Window(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	for _, ts := range []time.Time{
		base.Add(-2 * time.Hour),
		base,
		base.Add(500 * time.Millisecond),
		base.Add(time.Second),
	} {
		if err := s.Record(ctx, Record{Timestamp: ts, Model: "m", Protocol: "p", Outcome: "final", InputTokens: 1}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	r, err := s.Report(ctx, base, base.Add(time.Second))
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if r.Total.Rounds != 2 {
		t.Errorf("Rounds = %d, want 2 (end is exclusive)", r.Total.Rounds)
	}
}

func TestReport_Empty(t *testing.T) {
	s := testStore(t)
	r, err := s.Report(context.Background(), time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if r.Total != (Totals{}) || r.ByModel == nil || len(r.ByModel) != 0 {
		t.Errorf("Report = %+v, want zero totals and empty groups", r)
	}
}

func TestNewStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")
	s, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Record(context.Background(), Record{Model: "m", Protocol: "p", Outcome: "final"}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	r, err := s.Report(context.Background(), time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if r.Total.Rounds != 1 {
		t.Errorf("Rounds after reopen = %d, want 1", r.Total.Rounds)
	}
}

func TestExchanges(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, text := range []string{"first", "second", "third"} {
		err := s.RecordExchange(ctx, Exchange{
			Timestamp:      base.Add(time.Duration(i) * time.Second),
			ConversationID: "conv-a",
			UserInput:      text,
			Response:       "ok " + text,
			Messages:       json.RawMessage(`[{"role":"system","content":"x"}]`),
		})
		if err != nil {
			t.Fatalf("RecordExchange: %v", err)
		}
	}
	if err := s.RecordExchange(ctx, Exchange{ConversationID: "conv-b", UserInput: "other"}); err != nil {
		t.Fatalf("RecordExchange: %v", err)
	}

	got, err := s.Exchanges(ctx, "conv-a", 2)
	if err != nil {
		t.Fatalf("Exchanges: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d exchanges, want 2", len(got))
	}
	if got[0].UserInput != "third" || got[1].UserInput != "second" {
		t.Errorf("order = %q, %q; want newest first", got[0].UserInput, got[1].UserInput)
	}
	if got[0].ID == "" {
		t.Error("exchange ID was not generated")
	}

	other, err := s.Exchanges(ctx, "conv-b", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 1 || string(other[0].Messages) != "[]" {
		t.Errorf("conv-b = %+v", other)
	}
}

func TestExchangeSink(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sink := s.ExchangeSink()

	// Ignored kind.
	if err := sink.Deliver(ctx, events.Event{Kind: events.KindToolCall}); err != nil {
		t.Fatalf("Deliver(tool_call): %v", err)
	}

	ev := events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindConversationFinished,
		Data: map[string]any{
			"conversation_id": "conv-1",
			"user_input":      "how much solar today?",
			"response":        "12.4 kWh",
			"messages":        []map[string]string{{"role": "system", "content": "p"}},
		},
	}
	if err := sink.Deliver(ctx, ev); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	got, err := s.Exchanges(ctx, "conv-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d exchanges, want 1", len(got))
	}
	if got[0].Response != "12.4 kWh" || got[0].UserInput != "how much solar today?" {
		t.Errorf("exchange = %+v", got[0])
	}
	if string(got[0].Messages) != `[{"content":"p","role":"system"}]` {
		t.Errorf("messages = %s", got[0].Messages)
	}
}

func TestNewStore_InvalidPath(t *testing.T) {
	_, err := NewStore("/nonexistent/path/usage.db")
	if err == nil {
		t.Error("NewStore() should fail for invalid path")
	}
}
