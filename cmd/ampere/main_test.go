package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/ampere/internal/config"
	"github.com/nugget/ampere/internal/events"
	"github.com/nugget/ampere/internal/usage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
homeassistant:
  url: http://ha.local:8123
  token: secret
tools:
  calendar_entity: calendar.energy
  enabled:
    create_event: false
`

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, io.Discard, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: ampere") {
			t.Errorf("run(%v) output missing usage: %q", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-x"}, "unknown flag"},
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"ask without question", []string{"ask"}, "usage: ampere ask"},
		{"missing config", []string{"-config", "/nonexistent/config.yaml", "tools"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), io.Discard, io.Discard, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"version"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "go_version:") {
		t.Errorf("text output = %q", out.String())
	}

	out.Reset()
	if err := run(context.Background(), &out, io.Discard, []string{"-o", "json", "version"}); err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("json output: %v", err)
	}
	if info["version"] == "" {
		t.Error("json output missing version")
	}
}

func TestRun_Tools(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"-config", path, "-o=json", "tools"}); err != nil {
		t.Fatal(err)
	}
	var listed []struct {
		Name     string `json:"name"`
		Executor string `json:"executor"`
	}
	if err := json.Unmarshal(out.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed) != 8 {
		t.Errorf("got %d tools, want 8", len(listed))
	}
	for _, tool := range listed {
		if tool.Name == "create_event" {
			t.Error("disabled tool create_event listed")
		}
		if tool.Executor == "" {
			t.Errorf("tool %s has no executor kind", tool.Name)
		}
	}

	out.Reset()
	if err := run(context.Background(), &out, io.Discard, []string{"-config=" + path, "tools"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "get_statistics") || !strings.HasPrefix(out.String(), "NAME") {
		t.Errorf("text output = %q", out.String())
	}
}

func TestRun_UsageReport(t *testing.T) {
	dataDir := t.TempDir()
	store, err := usage.NewStore(filepath.Join(dataDir, "usage.db"))
	if err != nil {
		t.Fatal(err)
	}
	err = store.Record(context.Background(), usage.Record{
		Model: "gpt-4o-mini", Protocol: "chat_completions", InputTokens: 120, OutputTokens: 30, Outcome: "error",
	})
	store.Close()
	if err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, minimalConfig+"data_dir: "+dataDir+"\n")

	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"-config", path, "usage", "1h"}); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"gpt-4o-mini", "chat_completions", "120", "1 round(s) ended in a provider error"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("text output missing %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	if err := run(context.Background(), &out, io.Discard, []string{"-config", path, "-o", "json", "usage"}); err != nil {
		t.Fatal(err)
	}
	var r usage.Report
	if err := json.Unmarshal(out.Bytes(), &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.Total.Rounds != 1 || r.Errors != 1 {
		t.Errorf("report = %+v", r)
	}

	if err := run(context.Background(), io.Discard, io.Discard, []string{"-config", path, "usage", "soon"}); err == nil {
		t.Error("bad window accepted")
	}
}

type recordingFirer struct {
	eventType string
	data      map[string]any
}

func (r *recordingFirer) FireEvent(_ context.Context, eventType string, data map[string]any) error {
	r.eventType = eventType
	r.data = data
	return nil
}

func TestHAEventSink(t *testing.T) {
	rec := &recordingFirer{}
	sink := haEventSink(rec)

	if err := sink.Deliver(context.Background(), events.Event{Kind: events.KindToolCall}); err != nil {
		t.Fatal(err)
	}
	if rec.eventType != "" {
		t.Errorf("non-finished event fired as %q", rec.eventType)
	}

	data := map[string]any{"response": "done", "user_input": "hi"}
	if err := sink.Deliver(context.Background(), events.Event{Kind: events.KindConversationFinished, Data: data}); err != nil {
		t.Fatal(err)
	}
	if rec.eventType != EventConversationFinished {
		t.Errorf("event type = %q, want %q", rec.eventType, EventConversationFinished)
	}
	if rec.data["response"] != "done" {
		t.Errorf("data = %v", rec.data)
	}
}

func TestSetupTracing_Disabled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	shutdown, err := setupTracing(context.Background(), config.TracingConfig{}, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("no-op shutdown returned %v", err)
	}
}
