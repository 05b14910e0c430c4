package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = "homeassistant:\n  url: http://ha.local:8123\n  token: abc\n"

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, t.TempDir(), minimalYAML)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_Env(t *testing.T) {
	path := writeConfig(t, t.TempDir(), minimalYAML)
	t.Setenv(EnvConfigPath, path)

	got, err := FindConfig("")
	if err != nil || got != path {
		t.Errorf("FindConfig(\"\") = %q, %v; want %q from $%s", got, err, path, EnvConfigPath)
	}

	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := FindConfig(""); err == nil {
		t.Error("missing $AMPERE_CONFIG file should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	dir := t.TempDir()
	writeConfig(t, dir, minimalYAML)
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, t.TempDir(), minimalYAML))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	a := cfg.Agent
	if a.ChatModel != "gpt-5" {
		t.Errorf("chat_model = %q, want gpt-5", a.ChatModel)
	}
	if a.MaxTokens != 3000 || a.MaxFunctionCallsPerConversation != 10 || a.ContextThreshold != 13000 {
		t.Errorf("numeric defaults = %d/%d/%d, want 3000/10/13000",
			a.MaxTokens, a.MaxFunctionCallsPerConversation, a.ContextThreshold)
	}
	if a.ContextTruncateStrategy != "clear" {
		t.Errorf("strategy = %q, want clear", a.ContextTruncateStrategy)
	}
	if a.UseTools || a.AttachUsername {
		t.Error("use_tools and attach_username should default to false")
	}
	if !strings.Contains(a.Prompt, "{{ha_name}}") {
		t.Error("default prompt should reference ha_name")
	}
	if cfg.Provider.BaseURL != DefaultBaseURL {
		t.Errorf("base_url = %q, want %q", cfg.Provider.BaseURL, DefaultBaseURL)
	}
	if !cfg.Tools.IsEnabled("execute_services") {
		t.Error("tools should be enabled by default")
	}
	if cfg.Sessions.MaxSessions != DefaultMaxSessions || cfg.Sessions.IdleTTL != DefaultIdleTTL {
		t.Errorf("sessions = %+v, want defaults", cfg.Sessions)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("AMPERE_TEST_TOKEN", "secret123")
	path := writeConfig(t, t.TempDir(),
		"homeassistant:\n  url: http://ha\n  token: ${AMPERE_TEST_TOKEN}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.HomeAssistant.Token != "secret123" {
		t.Errorf("token = %q, want %q", cfg.HomeAssistant.Token, "secret123")
	}
}

func TestLoad_ToolToggles(t *testing.T) {
	path := writeConfig(t, t.TempDir(), minimalYAML+
		"tools:\n  enabled:\n    add_automation: false\n    get_events: true\n  calendar_entity: calendar.energy\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Tools.IsEnabled("add_automation") {
		t.Error("add_automation should be disabled")
	}
	if !cfg.Tools.IsEnabled("get_events") || !cfg.Tools.IsEnabled("get_attributes") {
		t.Error("explicitly enabled and unlisted tools should be enabled")
	}
	if cfg.Tools.CalendarEntity != "calendar.energy" {
		t.Errorf("calendar_entity = %q", cfg.Tools.CalendarEntity)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing url", "homeassistant:\n  token: x\n", "homeassistant.url"},
		{"missing token", "homeassistant:\n  url: http://ha\n", "homeassistant.token"},
		{"bad strategy", minimalYAML + "agent:\n  context_truncate_strategy: summarize\n", "context_truncate_strategy"},
		{"negative calls", minimalYAML + "agent:\n  max_function_calls_per_conversation: -1\n", "max_function_calls"},
		{"bad top_p", minimalYAML + "agent:\n  top_p: 1.5\n", "top_p"},
		{"azure without version", minimalYAML + "provider:\n  base_url: https://x.openai.azure.com\n", "api_version"},
		{"bad log level", minimalYAML + "log_level: loud\n", "unknown log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestProviderIsAzure(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://api.openai.com/v1", false},
		{"https://myres.openai.azure.com/", true},
		{"", false},
	}
	for _, tt := range tests {
		if got := (ProviderConfig{BaseURL: tt.url}).IsAzure(); got != tt.want {
			t.Errorf("IsAzure(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "INFO", false},
		{"TRACE", "DEBUG-4", false},
		{" warn ", "WARN", false},
		{"warning", "WARN", false},
		{"debug", "DEBUG", false},
		{"Error", "ERROR", false},
		{"info+2", "INFO+2", false},
		{"verbose", "", true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got.String() != tt.want {
			t.Errorf("ParseLogLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, minimalYAML)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	go Watch(ctx, path, 20*time.Millisecond, nil, func(c *Config) { got <- c })

	// Give the watcher a moment to register before editing.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, minimalYAML+"agent:\n  chat_model: gpt-4o\n")

	select {
	case c := <-got:
		if c.Agent.ChatModel != "gpt-4o" {
			t.Errorf("reloaded chat_model = %q, want gpt-4o", c.Agent.ChatModel)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatch_SkipsInvalidEdits(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, minimalYAML)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	go Watch(ctx, path, 20*time.Millisecond, nil, func(c *Config) { got <- c })

	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, "homeassistant:\n  url: http://ha\n") // token missing

	select {
	case c := <-got:
		t.Errorf("invalid config should not be delivered, got %+v", c.HomeAssistant)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNewLogger_RendersTrace(t *testing.T) {
	var buf strings.Builder
	logger := NewLogger(&buf, LevelTrace, "text")
	logger.Log(context.Background(), LevelTrace, "wire dump")

	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("trace level not rendered: %q", buf.String())
	}
}
