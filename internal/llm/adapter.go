package llm

import "context"

// Protocol names reported in Exchange.Protocol.
const (
	ProtocolChat      = "chat_completions"
	ProtocolResponses = "responses"
)

// Adapter sends one round trip to a provider and normalizes the reply.
// Adapters never execute tools.
type Adapter interface {
	// Name identifies the protocol for logs and metrics.
	Name() string
	// Send performs one round trip. Errors are *ProviderError,
	// *TokenLengthError, ErrMalformedResponse, or context errors.
	Send(ctx context.Context, req Request) (*Exchange, error)
}
