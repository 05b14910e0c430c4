package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrAuthentication matches provider errors caused by rejected
// credentials. Checked with errors.Is.
var ErrAuthentication = errors.New("provider rejected credentials")

// ErrMalformedResponse means the provider answered but the reply had no
// usable shape (no choices, no output items, empty function name).
var ErrMalformedResponse = errors.New("malformed provider response")

// ProviderError is a failed round trip: transport failure or a non-2xx
// status from the provider.
type ProviderError struct {
	Protocol   string
	StatusCode int // 0 when the request never got a response
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Protocol, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Protocol, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is reports 401 and 403 replies as ErrAuthentication.
func (e *ProviderError) Is(target error) bool {
	return target == ErrAuthentication &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// TokenLengthError means the model's reply was cut off by the token
// limit. It is fatal for the exchange and never triggers a protocol
// fallback.
type TokenLengthError struct {
	CompletionTokens int
}

func (e *TokenLengthError) Error() string {
	return fmt.Sprintf("reply truncated at the token limit (%d completion tokens)", e.CompletionTokens)
}

// IsTokenLength reports whether err is, or wraps, a *TokenLengthError.
func IsTokenLength(err error) bool {
	var tl *TokenLengthError
	return errors.As(err, &tl)
}
