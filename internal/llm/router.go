package llm

import (
	"context"
	"log/slog"
	"strings"
)

// Router picks the protocol adapter for a model by name prefix. Models
// matching one of the prefixes go to the Responses side, all others to
// chat completions. A nil Responses adapter routes everything to chat.
type Router struct {
	prefixes  []string
	responses Adapter
	chat      Adapter
}

// NewRouter creates a Router.
func NewRouter(prefixes []string, responses, chat Adapter) *Router {
	return &Router{prefixes: prefixes, responses: responses, chat: chat}
}

// For returns the adapter that serves model.
func (r *Router) For(model string) Adapter {
	if r.responses == nil {
		return r.chat
	}
	m := strings.ToLower(model)
	for _, p := range r.prefixes {
		if p != "" && strings.HasPrefix(m, strings.ToLower(p)) {
			return r.responses
		}
	}
	return r.chat
}

// Name implements Adapter.
func (r *Router) Name() string { return "router" }

// Send implements Adapter.
func (r *Router) Send(ctx context.Context, req Request) (*Exchange, error) {
	return r.For(req.Model).Send(ctx, req)
}

// NewProviderRouter wires the standard adapter set: Responses (with
// chat-completions fallback) for prefixed models, chat completions for
// the rest. Azure endpoints only get chat completions.
func NewProviderRouter(opts ProviderOptions, prefixes []string, logger *slog.Logger, onFallback func(string, error)) *Router {
	chat := NewLegacyChat(opts, logger)
	if opts.IsAzure() {
		return NewRouter(nil, nil, chat)
	}
	fb := &Fallback{
		Primary:    NewResponses(opts, logger),
		Secondary:  chat,
		Logger:     logger,
		OnFallback: onFallback,
	}
	return NewRouter(prefixes, fb, chat)
}
