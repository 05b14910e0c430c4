package llm

import (
	"net/http"
	"strings"
)

// ProviderOptions is the connection configuration shared by both
// protocol adapters.
type ProviderOptions struct {
	APIKey       string
	BaseURL      string
	APIVersion   string // Azure only
	Organization string
	MaxRetries   int
	HTTPClient   *http.Client
}

// IsAzure reports whether the options point at an Azure OpenAI
// endpoint. Azure deployments only speak chat completions.
func (o ProviderOptions) IsAzure() bool {
	return strings.Contains(strings.ToLower(o.BaseURL), "azure")
}

// isReasoningModel reports model families that reject sampling
// overrides and take max_completion_tokens instead of max_tokens.
func isReasoningModel(model string) bool {
	m := strings.ToLower(model)
	for _, p := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(m, p) {
			return true
		}
	}
	return false
}
