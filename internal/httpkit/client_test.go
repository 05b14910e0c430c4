package httpkit

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewClient_Timeout(t *testing.T) {
	tests := []struct {
		name string
		opts []ClientOption
		want time.Duration
	}{
		{"default", nil, DefaultTimeout},
		{"custom", []ClientOption{WithTimeout(2 * time.Minute)}, 2 * time.Minute},
		{"disabled", []ClientOption{WithTimeout(0)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewClient(tt.opts...).Timeout; got != tt.want {
				t.Errorf("Timeout = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewTransport_Limits(t *testing.T) {
	tr := NewTransport()
	if tr.MaxIdleConnsPerHost != 5 || tr.MaxIdleConns != 20 {
		t.Errorf("idle limits = %d/%d, want 5/20", tr.MaxIdleConnsPerHost, tr.MaxIdleConns)
	}
	if tr.ResponseHeaderTimeout != 0 {
		t.Errorf("ResponseHeaderTimeout = %v, want none", tr.ResponseHeaderTimeout)
	}
	if tr.Proxy == nil {
		t.Error("proxy from environment should be kept")
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	tests := []struct {
		name   string
		opts   []ClientOption
		header string
		check  func(string) bool
	}{
		{"default", nil, "", func(s string) bool { return strings.HasPrefix(s, "Ampere/") }},
		{"override", []ClientOption{WithUserAgent("TestBot/1.0")}, "", func(s string) bool { return s == "TestBot/1.0" }},
		{"caller header kept", nil, "Custom/2.0", func(s string) bool { return s == "Custom/2.0" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
			if tt.header != "" {
				req.Header.Set("User-Agent", tt.header)
			}
			resp, err := NewClient(tt.opts...).Do(req)
			if err != nil {
				t.Fatal(err)
			}
			if got := Snippet(resp.Body, 256); !tt.check(got) {
				t.Errorf("User-Agent = %q", got)
			}
		})
	}
}

func TestSnippet(t *testing.T) {
	rc := io.NopCloser(strings.NewReader("  0123456789"))
	if got := Snippet(rc, 6); got != "0123" {
		t.Errorf("Snippet = %q, want %q", got, "0123")
	}
	if got := Snippet(nil, 4); got != "" {
		t.Errorf("Snippet(nil) = %q, want empty", got)
	}
}
