// Package httpkit builds the outbound HTTP clients used to reach the
// LLM provider and Home Assistant.
package httpkit

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/ampere/internal/buildinfo"
)

// DefaultTimeout bounds a whole request unless WithTimeout says otherwise.
const DefaultTimeout = 30 * time.Second

// ClientOption adjusts a client built by NewClient.
type ClientOption func(*builder)

type builder struct {
	timeout   time.Duration
	userAgent string
	base      http.RoundTripper
	retry     *RetryPolicy
	logger    *slog.Logger
}

// WithTimeout sets http.Client.Timeout. Zero disables it.
func WithTimeout(d time.Duration) ClientOption {
	return func(b *builder) { b.timeout = d }
}

// WithUserAgent replaces the Ampere User-Agent.
func WithUserAgent(ua string) ClientOption {
	return func(b *builder) { b.userAgent = ua }
}

// WithTransport swaps the innermost round tripper.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(b *builder) { b.base = rt }
}

// WithRetry retries connect failures up to retries times, starting at
// backoff and doubling between attempts.
func WithRetry(retries int, backoff time.Duration) ClientOption {
	return func(b *builder) {
		b.retry = &RetryPolicy{Retries: retries, Backoff: backoff}
	}
}

// WithLogger receives retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(b *builder) { b.logger = l }
}

// NewTransport clones http.DefaultTransport and tightens its dial and
// pooling limits. There is no response-header timeout: a provider only
// answers once the model has finished generating.
func NewTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext
	t.TLSHandshakeTimeout = 10 * time.Second
	t.MaxIdleConns = 20
	t.MaxIdleConnsPerHost = 5
	return t
}

// NewClient returns a client whose transport stamps a User-Agent and,
// when WithRetry is given, retries requests that never reached the
// server.
func NewClient(opts ...ClientOption) *http.Client {
	b := builder{timeout: DefaultTimeout, userAgent: buildinfo.UserAgent()}
	for _, opt := range opts {
		opt(&b)
	}

	rt := b.base
	if rt == nil {
		rt = NewTransport()
	}
	rt = stampUserAgent(rt, b.userAgent)
	if b.retry != nil && b.retry.Retries > 0 {
		p := *b.retry
		p.Logger = b.logger
		rt = p.Wrap(rt)
	}
	return &http.Client{Timeout: b.timeout, Transport: rt}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// stampUserAgent leaves a caller-supplied User-Agent alone.
func stampUserAgent(next http.RoundTripper, ua string) http.RoundTripper {
	return roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if ua != "" && req.Header.Get("User-Agent") == "" {
			req = req.Clone(req.Context())
			req.Header.Set("User-Agent", ua)
		}
		return next.RoundTrip(req)
	})
}
