package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/ampere/internal/llm"
)

// ErrorKind classifies exchange failures.
type ErrorKind string

const (
	// KindAuthentication: the provider rejected the credentials.
	KindAuthentication ErrorKind = "authentication"
	// KindProviderTransport: the provider round trip failed (network,
	// HTTP status, unusable reply shape, timeout).
	KindProviderTransport ErrorKind = "provider_transport"
	// KindTemplateRender: the system prompt could not be rendered.
	KindTemplateRender ErrorKind = "template_render"
	// KindToolNotFound: the model asked for a tool that is not active.
	KindToolNotFound ErrorKind = "tool_not_found"
	// KindArgumentParse: a tool call payload was malformed. Recovered
	// per call; never ends an exchange.
	KindArgumentParse ErrorKind = "argument_parse"
	// KindExecutionFailed: a tool ran and failed. Recovered per call.
	KindExecutionFailed ErrorKind = "execution_failed"
	// KindTokenLengthExceeded: the model's reply was cut off by the
	// token limit.
	KindTokenLengthExceeded ErrorKind = "token_length_exceeded"
	// KindRoundLimit: the model kept requesting tools after they were
	// withdrawn.
	KindRoundLimit ErrorKind = "round_limit"
	// KindHost: the host could not provide the entity snapshot.
	KindHost ErrorKind = "host"
)

// Error is an exchange failure. The stored conversation is left as it
// was before the exchange.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of an exchange error, or "" if err is not an
// *Error.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// providerError classifies an adapter failure.
func providerError(op string, err error) *Error {
	kind := KindProviderTransport
	switch {
	case errors.Is(err, llm.ErrAuthentication):
		kind = KindAuthentication
	case llm.IsTokenLength(err):
		kind = KindTokenLengthExceeded
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// FailureSpeech renders the user-facing text for a failed exchange.
func FailureSpeech(err error) string {
	var ae *Error
	if !errors.As(err, &ae) {
		return fmt.Sprintf("Something went wrong: %v", err)
	}
	switch ae.Kind {
	case KindAuthentication, KindProviderTransport:
		if errors.Is(ae.Err, context.DeadlineExceeded) {
			return "Sorry, OpenAI took too long to answer. Please try again."
		}
		return fmt.Sprintf("Sorry, I had a problem talking to OpenAI: %v", ae.Err)
	case KindTemplateRender:
		return fmt.Sprintf("Sorry, I had a problem with my template: %v", ae.Err)
	}
	return fmt.Sprintf("Something went wrong: %v", ae.Err)
}
