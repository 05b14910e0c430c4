// Package homeassistant provides REST and WebSocket clients for the
// Home Assistant API.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/ampere/internal/httpkit"
)

// ErrUnavailable is returned without a network round trip while the
// reachability watcher reports Home Assistant as down.
var ErrUnavailable = errors.New("home assistant is unreachable")

// APIError is a non-2xx reply from the REST API.
type APIError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("home assistant %s: HTTP %d: %s", e.Path, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// TemplateError is a template Home Assistant refused to render.
type TemplateError struct {
	Message string
}

func (e *TemplateError) Error() string { return "template error: " + e.Message }

// readiness is what the client needs from a connwatch.Watcher.
type readiness interface {
	IsReady() bool
}

// Client talks to the Home Assistant REST API with a long-lived token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	watcher readiness
}

// NewClient creates a REST client. LAN dials sometimes fail with "no
// route to host" for a moment, so connect failures are retried.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// SetWatcher makes requests fail fast with ErrUnavailable while w is
// not ready. Ping is exempt so the watcher can see recovery.
func (c *Client) SetWatcher(w readiness) { c.watcher = w }

// IsReady reports the watcher's view, true when none is set.
func (c *Client) IsReady() bool {
	return c.watcher == nil || c.watcher.IsReady()
}

// request describes one REST call. out may be nil, a *strings.Builder
// for text replies, or a JSON target.
type request struct {
	method string
	path   string
	body   any
	out    any
	probe  bool // skip the readiness gate
}

func (c *Client) send(ctx context.Context, r request) error {
	if !r.probe && !c.IsReady() {
		return fmt.Errorf("%s %s: %w", r.method, r.path, ErrUnavailable)
	}

	var body io.Reader
	if r.body != nil {
		buf, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", r.path, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", r.method, r.path, err)
	}
	defer httpkit.Discard(resp.Body, 4096)

	if resp.StatusCode/100 != 2 {
		return &APIError{StatusCode: resp.StatusCode, Path: r.path, Body: httpkit.Snippet(resp.Body, 512)}
	}

	switch out := r.out.(type) {
	case nil:
		return nil
	case *strings.Builder:
		_, err = io.Copy(out, resp.Body)
	default:
		err = json.NewDecoder(resp.Body).Decode(out)
	}
	if err != nil {
		return fmt.Errorf("read %s response: %w", r.path, err)
	}
	return nil
}

// fetch GETs path and decodes the JSON reply into a T.
func fetch[T any](ctx context.Context, c *Client, path string) (T, error) {
	var v T
	err := c.send(ctx, request{method: http.MethodGet, path: path, out: &v})
	return v, err
}
