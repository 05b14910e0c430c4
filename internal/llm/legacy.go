package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// LegacyChat speaks the chat-completions protocol. Depending on
// Request.MultiCall it offers tools with functions/function_call (one
// call per reply) or tools/tool_choice (many calls per reply).
type LegacyChat struct {
	client *openai.Client
	logger *slog.Logger
}

// NewLegacyChat creates a chat-completions adapter. Azure base URLs get
// an Azure client configuration.
func NewLegacyChat(opts ProviderOptions, logger *slog.Logger) *LegacyChat {
	if logger == nil {
		logger = slog.Default()
	}
	return &LegacyChat{
		client: openai.NewClientWithConfig(chatClientConfig(opts)),
		logger: logger.With("protocol", ProtocolChat),
	}
}

func chatClientConfig(opts ProviderOptions) openai.ClientConfig {
	var cfg openai.ClientConfig
	if opts.IsAzure() {
		cfg = openai.DefaultAzureConfig(opts.APIKey, opts.BaseURL)
		if opts.APIVersion != "" {
			cfg.APIVersion = opts.APIVersion
		}
	} else {
		cfg = openai.DefaultConfig(opts.APIKey)
		if opts.BaseURL != "" {
			cfg.BaseURL = opts.BaseURL
		}
	}
	cfg.OrgID = opts.Organization
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}
	return cfg
}

// Name implements Adapter.
func (c *LegacyChat) Name() string { return ProtocolChat }

// Send implements Adapter.
func (c *LegacyChat) Send(ctx context.Context, req Request) (*Exchange, error) {
	creq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toChatMessages(req.Messages, req.MultiCall),
		User:     req.User,
	}
	if isReasoningModel(req.Model) {
		creq.MaxCompletionTokens = req.MaxTokens
	} else {
		creq.MaxTokens = req.MaxTokens
		creq.Temperature = samplingValue(req.Temperature)
		creq.TopP = samplingValue(req.TopP)
	}

	if len(req.Tools) > 0 {
		choice := string(req.ToolChoice)
		if choice == "" {
			choice = string(ToolChoiceAuto)
		}
		defs := toFunctionDefinitions(req.Tools)
		if req.MultiCall {
			tools := make([]openai.Tool, len(defs))
			for i := range defs {
				tools[i] = openai.Tool{Type: openai.ToolTypeFunction, Function: &defs[i]}
			}
			creq.Tools = tools
			creq.ToolChoice = choice
		} else {
			creq.Functions = defs
			creq.FunctionCall = choice
		}
	}

	c.logger.Debug("sending chat completion",
		"model", req.Model,
		"messages", len(creq.Messages),
		"tools", len(req.Tools),
		"tool_choice", req.ToolChoice,
		"multi_call", req.MultiCall,
	)

	resp, err := c.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, wrapChatError(err)
	}

	raw, _ := json.Marshal(resp)
	c.logger.Log(ctx, LevelTrace, "chat completion reply", "body", string(raw))

	ex := &Exchange{
		Protocol: ProtocolChat,
		Model:    resp.Model,
		Raw:      raw,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if ex.Model == "" {
		ex.Model = req.Model
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: %w: no choices", ProtocolChat, ErrMalformedResponse)
	}
	choice := resp.Choices[0]
	msg := choice.Message

	switch choice.FinishReason {
	case openai.FinishReasonLength:
		return nil, &TokenLengthError{CompletionTokens: resp.Usage.CompletionTokens}

	case openai.FinishReasonFunctionCall:
		if msg.FunctionCall == nil || msg.FunctionCall.Name == "" {
			return nil, fmt.Errorf("%s: %w: function_call without a function", ProtocolChat, ErrMalformedResponse)
		}
		call := ToolCall{
			// The functions protocol carries no call id; synthesize one
			// so the tool result can be linked back.
			ID:        "call_" + uuid.NewString(),
			Name:      msg.FunctionCall.Name,
			Arguments: msg.FunctionCall.Arguments,
		}
		ex.Outcome = pendingFrom(msg.Content, []ToolCall{call})
		return ex, nil
	}

	// Some OpenAI-compatible servers report "stop" alongside tool calls,
	// so the presence of calls decides, not the finish reason alone.
	if len(msg.ToolCalls) > 0 {
		calls := make([]ToolCall, 0, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			if tc.Function.Name == "" {
				return nil, fmt.Errorf("%s: %w: tool call %q has no name", ProtocolChat, ErrMalformedResponse, tc.ID)
			}
			id := tc.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			calls = append(calls, ToolCall{ID: id, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
		}
		ex.Outcome = pendingFrom(msg.Content, calls)
		return ex, nil
	}
	if choice.FinishReason == openai.FinishReasonToolCalls {
		return nil, fmt.Errorf("%s: %w: finish_reason tool_calls without calls", ProtocolChat, ErrMalformedResponse)
	}

	ex.Outcome = Final{Message: Message{Role: RoleAssistant, Content: msg.Content}}
	return ex, nil
}

// samplingValue keeps an explicit zero on the wire. go-openai omits a
// zero temperature or top_p, which would leave the provider default of 1.
func samplingValue(v float64) float32 {
	if v == 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(v)
}

func pendingFrom(content string, calls []ToolCall) PendingCalls {
	return PendingCalls{
		Message: Message{Role: RoleAssistant, Content: content, ToolCalls: calls},
		Calls:   calls,
	}
}

func toFunctionDefinitions(tools []ToolDefinition) []openai.FunctionDefinition {
	defs := make([]openai.FunctionDefinition, len(tools))
	for i, t := range tools {
		defs[i] = openai.FunctionDefinition{
			Name:        t.Name,
			Description: t.Description,
			Strict:      t.Strict,
			Parameters:  t.Parameters,
		}
	}
	return defs
}

// toChatMessages renders history for chat completions. In single-call
// mode tool results become "function" messages, and an assistant turn
// that carries several calls (possible after a Responses round) is
// unrolled into one assistant/function pair per call so the sequence
// stays valid for that protocol.
func toChatMessages(history []Message, multiCall bool) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history))

	for i := 0; i < len(history); i++ {
		m := history[i]
		switch {
		case m.Role == RoleAssistant && len(m.ToolCalls) > 0 && multiCall:
			calls := make([]openai.ToolCall, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				calls[j] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				}
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   m.Content,
				ToolCalls: calls,
			})

		case m.Role == RoleAssistant && len(m.ToolCalls) > 0:
			results := make(map[string]Message)
			j := i + 1
			for ; j < len(history) && history[j].Role == RoleTool; j++ {
				results[history[j].ToolCallID] = history[j]
			}
			for k, tc := range m.ToolCalls {
				content := ""
				if k == 0 {
					content = m.Content
				}
				out = append(out, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: content,
					FunctionCall: &openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
				if res, ok := results[tc.ID]; ok {
					out = append(out, openai.ChatCompletionMessage{
						Role:    openai.ChatMessageRoleFunction,
						Name:    tc.Name,
						Content: res.Content,
					})
				}
			}
			i = j - 1

		case m.Role == RoleTool && multiCall:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				Name:       m.Name,
				ToolCallID: m.ToolCallID,
			})

		case m.Role == RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleFunction,
				Name:    m.Name,
				Content: m.Content,
			})

		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    m.Role,
				Content: m.Content,
				Name:    m.Name,
			})
		}
	}
	return out
}

// wrapChatError converts go-openai errors into *ProviderError, keeping
// the HTTP status so authentication failures stay distinguishable.
func wrapChatError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Protocol: ProtocolChat, StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{Protocol: ProtocolChat, StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return &ProviderError{Protocol: ProtocolChat, Err: err}
}
