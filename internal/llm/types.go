// Package llm talks to OpenAI-compatible providers over two protocol
// shapes (chat completions and Responses) and reconciles both replies
// into one provider-neutral Outcome.
package llm

import (
	"encoding/json"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging. It
// matches config.LevelTrace so the handler prints it as TRACE.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a conversation. History is replayed verbatim
// to the provider on every round, so order matters.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// Name tags a user message with the caller identity or a tool
	// message with the tool that produced it.
	Name      string     `json:"name,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID links a tool-result message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a pending invocation requested by the model. Arguments
// is the raw payload exactly as the provider sent it and may not be
// valid JSON.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition is a tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
	Strict      bool
}

// ToolChoice controls whether the model may request tools.
type ToolChoice string

const (
	ToolChoiceAuto ToolChoice = "auto"
	// ToolChoiceNone forces a textual answer.
	ToolChoiceNone ToolChoice = "none"
)

// Request is one provider round trip.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	ToolChoice  ToolChoice
	MaxTokens   int
	Temperature float64
	TopP        float64
	// User is an opaque end-user identifier forwarded for abuse
	// monitoring. The loop passes the conversation id.
	User string
	// MultiCall selects the tools/tool_choice protocol on chat
	// completions. False uses the single-call functions/function_call
	// protocol. The Responses protocol ignores it.
	MultiCall bool
}

// Usage is the provider-reported token accounting for one round trip.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Outcome is the protocol-independent result of one round trip:
// exactly one of Final or PendingCalls.
type Outcome interface {
	isOutcome()
}

// Final is a finished assistant answer.
type Final struct {
	Message Message
}

// PendingCalls asks the caller to execute tools and send the results
// back. Message is the assistant turn that carries the calls and must
// be appended to history before any tool result.
type PendingCalls struct {
	Message Message
	Calls   []ToolCall
}

func (Final) isOutcome()        {}
func (PendingCalls) isOutcome() {}

// Exchange wraps an Outcome with the metadata of the round trip that
// produced it.
type Exchange struct {
	Outcome  Outcome
	Usage    Usage
	Protocol string
	Model    string
	// Raw is the provider reply as JSON, kept for trace logging and the
	// finished-conversation record.
	Raw json.RawMessage
}
