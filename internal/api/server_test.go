package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nugget/ampere/internal/agent"
	"github.com/nugget/ampere/internal/connwatch"
	"github.com/nugget/ampere/internal/metrics"
	"github.com/nugget/ampere/internal/tools"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeAgent struct {
	gen      *agent.Generation
	resp     *agent.Response
	err      error
	got      *agent.Request
	sessions map[string]bool
}

func (f *fakeAgent) Run(_ context.Context, req *agent.Request) (*agent.Response, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeAgent) Generation() *agent.Generation { return f.gen }

func (f *fakeAgent) Reset(id string) bool {
	if !f.sessions[id] {
		return false
	}
	delete(f.sessions, id)
	return true
}

type allNatives struct{}

func (allNatives) HasNative(string) bool { return true }

type fakeHealth struct {
	statuses []connwatch.ServiceStatus
	healthy  bool
}

func (f fakeHealth) Status() []connwatch.ServiceStatus { return f.statuses }
func (f fakeHealth) Healthy() bool                     { return f.healthy }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(a *fakeAgent) *Server {
	return NewServer("127.0.0.1", 0, a, testLogger())
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestConversation(t *testing.T) {
	a := &fakeAgent{resp: &agent.Response{
		Speech:         "The heat pump is now off.",
		ConversationID: "01J-conv",
		Model:          "gpt-4o-mini",
		Rounds:         2,
	}}
	rec := do(t, newTestServer(a).Handler(), http.MethodPost, "/v1/conversation",
		`{"text":"turn off the heat pump","user_id":"u1","device_id":"kitchen","language":"en"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	var resp ConversationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Speech != "The heat pump is now off." || resp.ConversationID != "01J-conv" || resp.Rounds != 2 {
		t.Errorf("response = %+v", resp)
	}
	if resp.Error != nil {
		t.Errorf("unexpected error field: %+v", resp.Error)
	}
	if a.got.Text != "turn off the heat pump" || a.got.UserID != "u1" || a.got.DeviceID != "kitchen" || a.got.Language != "en" {
		t.Errorf("agent request = %+v", a.got)
	}
}

func TestConversation_BadRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"text":`},
		{"empty text", `{"text":""}`},
		{"missing text", `{"conversation_id":"abc"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &fakeAgent{}
			rec := do(t, newTestServer(a).Handler(), http.MethodPost, "/v1/conversation", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if a.got != nil {
				t.Error("agent should not run for a rejected request")
			}
		})
	}
}

func TestConversation_Failure(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantKind   string
		wantSpeech string
	}{
		{
			name:       "template",
			err:        &agent.Error{Kind: agent.KindTemplateRender, Op: "render prompt", Err: fmt.Errorf("bad syntax")},
			wantKind:   "template_render",
			wantSpeech: "Sorry, I had a problem with my template: bad syntax",
		},
		{
			name:       "provider timeout",
			err:        &agent.Error{Kind: agent.KindProviderTransport, Op: "send", Err: context.DeadlineExceeded},
			wantKind:   "provider_transport",
			wantSpeech: "Sorry, OpenAI took too long to answer. Please try again.",
		},
		{
			name:       "unclassified",
			err:        fmt.Errorf("boom"),
			wantKind:   "unknown",
			wantSpeech: "Something went wrong: boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &fakeAgent{err: tt.err}
			rec := do(t, newTestServer(a).Handler(), http.MethodPost, "/v1/conversation",
				`{"text":"hi","conversation_id":"c1"}`)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			var resp ConversationResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Speech != tt.wantSpeech {
				t.Errorf("speech = %q, want %q", resp.Speech, tt.wantSpeech)
			}
			if resp.Error == nil || resp.Error.Kind != tt.wantKind {
				t.Errorf("error = %+v, want kind %q", resp.Error, tt.wantKind)
			}
			if resp.ConversationID != "c1" {
				t.Errorf("conversation_id = %q, want c1", resp.ConversationID)
			}
		})
	}
}

func TestReset(t *testing.T) {
	a := &fakeAgent{sessions: map[string]bool{"abc": true}}
	h := newTestServer(a).Handler()

	if rec := do(t, h, http.MethodDelete, "/v1/conversations/abc", ""); rec.Code != http.StatusNoContent {
		t.Errorf("first delete status = %d, want 204", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/v1/conversations/abc", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestTools(t *testing.T) {
	defs := tools.Builtins("calendar.home")
	enabled := func(name string) bool { return name != tools.ToolCreateEvent }
	a := &fakeAgent{gen: &agent.Generation{
		ID:       3,
		Registry: tools.NewRegistry(defs, enabled, allNatives{}, testLogger()),
	}}

	rec := do(t, newTestServer(a).Handler(), http.MethodGet, "/v1/tools", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tools) != len(defs)-1 {
		t.Fatalf("got %d tools, want %d", len(body.Tools), len(defs)-1)
	}
	kinds := make(map[string]string)
	for _, ti := range body.Tools {
		kinds[ti.Name] = ti.Executor
	}
	if _, ok := kinds[tools.ToolCreateEvent]; ok {
		t.Error("disabled tool listed")
	}
	want := map[string]string{
		tools.ToolExecuteServices: "native",
		tools.ToolGetEvents:       "script",
		tools.ToolGetAttributes:   "template",
	}
	for name, kind := range want {
		if kinds[name] != kind {
			t.Errorf("%s executor = %q, want %q", name, kinds[name], kind)
		}
	}
}

func TestTools_NoGeneration(t *testing.T) {
	rec := do(t, newTestServer(&fakeAgent{}).Handler(), http.MethodGet, "/v1/tools", "")
	if !strings.Contains(rec.Body.String(), `"tools":[]`) {
		t.Errorf("body = %s, want empty tool list", rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name       string
		health     HealthSource
		wantCode   int
		wantStatus string
	}{
		{"no health source", nil, http.StatusOK, "healthy"},
		{
			name: "all ready",
			health: fakeHealth{healthy: true, statuses: []connwatch.ServiceStatus{
				{Name: "homeassistant", Ready: true, Required: true, LastCheck: now},
			}},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name: "required down",
			health: fakeHealth{healthy: false, statuses: []connwatch.ServiceStatus{
				{Name: "homeassistant", Ready: false, Required: true, LastCheck: now, LastError: "connection refused"},
			}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeAgent{gen: &agent.Generation{ID: 7}})
			if tt.health != nil {
				s.SetHealth(tt.health)
			}
			rec := do(t, s.Handler(), http.MethodGet, "/health", "")
			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			var resp HealthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if resp.Generation != 7 {
				t.Errorf("generation = %d, want 7", resp.Generation)
			}
		})
	}
}

func TestVersionAndRoot(t *testing.T) {
	h := newTestServer(&fakeAgent{}).Handler()

	rec := do(t, h, http.MethodGet, "/v1/version", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "version") {
		t.Errorf("version: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Ampere") {
		t.Errorf("root: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", rec.Code)
	}
}

func TestMetricsEndpointAndRequestCounting(t *testing.T) {
	m := metrics.New()
	a := &fakeAgent{sessions: map[string]bool{"x": true}}
	s := newTestServer(a)
	s.SetMetrics(m, "/metrics")
	h := s.Handler()

	do(t, h, http.MethodDelete, "/v1/conversations/x", "")
	do(t, h, http.MethodDelete, "/v1/conversations/y", "")

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("DELETE", "DELETE /v1/conversations/{id}", "204")); got != 1 {
		t.Errorf("204 count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("DELETE", "DELETE /v1/conversations/{id}", "404")); got != 1 {
		t.Errorf("404 count = %v, want 1", got)
	}

	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ampere_http_requests_total") {
		t.Error("metrics output missing request counter")
	}
}
