package httpkit

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"syscall"
	"time"
)

// maxBackoff caps the doubling delay between retries.
const maxBackoff = 30 * time.Second

// RetryPolicy retries requests that failed before reaching the server.
// Home Assistant on a LAN occasionally answers a dial with "no route to
// host" while the neighbour entry refreshes; a second attempt a moment
// later succeeds.
type RetryPolicy struct {
	Retries int
	Backoff time.Duration
	Logger  *slog.Logger
}

// Wrap returns next with the policy applied.
func (p RetryPolicy) Wrap(next http.RoundTripper) http.RoundTripper {
	return roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return p.do(next, req)
	})
}

func (p RetryPolicy) do(next http.RoundTripper, req *http.Request) (*http.Response, error) {
	resp, err := next.RoundTrip(req)
	for n := 1; n <= p.Retries && IsConnectError(err) && replayable(req); n++ {
		wait := p.delay(n)
		if p.Logger != nil {
			p.Logger.Debug("connect failed, retrying",
				"method", req.Method,
				"host", req.URL.Host,
				"attempt", n,
				"wait", wait,
				"error", err,
			)
		}
		if err := sleep(req, wait); err != nil {
			return nil, err
		}

		again := req.Clone(req.Context())
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return nil, fmt.Errorf("rewind request body: %w", berr)
			}
			again.Body = body
		}
		resp, err = next.RoundTrip(again)
	}
	return resp, err
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Backoff
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}

func sleep(req *http.Request, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-req.Context().Done():
		return req.Context().Err()
	case <-t.C:
		return nil
	}
}

// replayable reports whether the request body can be sent again.
func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// connectErrnos never leave the client. ECONNRESET is absent: by then
// the server may have acted on the request.
var connectErrnos = map[syscall.Errno]bool{
	syscall.ECONNREFUSED: true,
	syscall.EHOSTUNREACH: true,
	syscall.ENETUNREACH:  true,
}

// IsConnectError reports whether err means the request never reached
// the server.
func IsConnectError(err error) bool {
	var errno syscall.Errno
	return err != nil && errors.As(err, &errno) && connectErrnos[errno]
}
