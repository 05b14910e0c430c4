package events

import (
	"context"
	"log/slog"
	"time"
)

// Sink receives events forwarded from the bus. Implementations deliver
// to an external system (Home Assistant event bus, MQTT broker,
// exchange log). Deliver must be safe for concurrent use.
type Sink interface {
	Deliver(ctx context.Context, e Event) error
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(ctx context.Context, e Event) error

// Deliver calls f(ctx, e).
func (f SinkFunc) Deliver(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Forwarder drains a bus subscription and hands matching events to a
// sink. Delivery is fire-and-forget from the publisher's point of view:
// the loop never waits on it, and failures are logged, not returned.
type Forwarder struct {
	Name    string
	Sink    Sink
	Kinds   []string      // empty means every kind
	Timeout time.Duration // per-delivery timeout (default 10s)
	Logger  *slog.Logger
}

func (f *Forwarder) matches(kind string) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Run subscribes to bus and forwards events until ctx is cancelled.
// It blocks, so callers usually start it in its own goroutine.
func (f *Forwarder) Run(ctx context.Context, bus *Bus) {
	if bus == nil || f.Sink == nil {
		return
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("forwarder", f.Name)
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !f.matches(e.Kind) {
				continue
			}
			dctx, cancel := context.WithTimeout(ctx, timeout)
			if err := f.Sink.Deliver(dctx, e); err != nil {
				logger.Warn("event delivery failed", "kind", e.Kind, "error", err)
			}
			cancel()
		}
	}
}
