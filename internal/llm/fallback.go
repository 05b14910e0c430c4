package llm

import (
	"context"
	"errors"
	"log/slog"
)

// Fallback sends each round to Primary and, when Primary fails with a
// transport or shape error, retries the same round on Secondary.
// Context cancellation and token-length errors are returned as-is:
// the first is the caller's decision and the second would only repeat.
type Fallback struct {
	Primary   Adapter
	Secondary Adapter
	Logger    *slog.Logger
	// OnFallback is called before the retry, for events and metrics.
	OnFallback func(model string, err error)
}

// Name implements Adapter.
func (f *Fallback) Name() string { return f.Primary.Name() }

// Send implements Adapter.
func (f *Fallback) Send(ctx context.Context, req Request) (*Exchange, error) {
	ex, err := f.Primary.Send(ctx, req)
	if err == nil || !shouldFallBack(ctx, err) {
		return ex, err
	}

	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("protocol round failed, retrying on fallback protocol",
		"model", req.Model,
		"from", f.Primary.Name(),
		"to", f.Secondary.Name(),
		"error", err,
	)
	if f.OnFallback != nil {
		f.OnFallback(req.Model, err)
	}
	return f.Secondary.Send(ctx, req)
}

func shouldFallBack(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !IsTokenLength(err)
}
