package tools

import "context"

type invocationKey struct{}

// WithInvocation attaches the invocation of the tool call being run.
// Executors that receive only a context (scripts) use it to tag their
// logs and requests.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFromContext returns the invocation attached by
// WithInvocation.
func InvocationFromContext(ctx context.Context) (Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(Invocation)
	return inv, ok
}
