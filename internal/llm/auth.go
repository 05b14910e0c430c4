package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// ValidateAuthentication lists models to confirm the credentials work.
// A rejected key returns an error matching ErrAuthentication, which is
// fatal at startup; any other failure means the provider is not ready.
func ValidateAuthentication(ctx context.Context, opts ProviderOptions) error {
	client := openai.NewClientWithConfig(chatClientConfig(opts))
	if _, err := client.ListModels(ctx); err != nil {
		wrapped := wrapChatError(err)
		if errors.Is(wrapped, ErrAuthentication) {
			return fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		return fmt.Errorf("provider not ready: %w", wrapped)
	}
	return nil
}
