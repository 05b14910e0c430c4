package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
)

// Responses speaks the Responses protocol. History is flattened into
// input items: role messages, function_call items for pending calls,
// and function_call_output items for tool results.
type Responses struct {
	client openai.Client
	logger *slog.Logger
}

// NewResponses creates a Responses adapter.
func NewResponses(opts ProviderOptions, logger *slog.Logger) *Responses {
	if logger == nil {
		logger = slog.Default()
	}
	ro := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(opts.MaxRetries),
	}
	if opts.BaseURL != "" {
		ro = append(ro, option.WithBaseURL(opts.BaseURL))
	}
	if opts.Organization != "" {
		ro = append(ro, option.WithOrganization(opts.Organization))
	}
	if opts.HTTPClient != nil {
		ro = append(ro, option.WithHTTPClient(opts.HTTPClient))
	}
	return &Responses{
		client: openai.NewClient(ro...),
		logger: logger.With("protocol", ProtocolResponses),
	}
}

// Name implements Adapter.
func (r *Responses) Name() string { return ProtocolResponses }

// Send implements Adapter.
func (r *Responses) Send(ctx context.Context, req Request) (*Exchange, error) {
	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(req.Model),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: toResponsesInput(req.Messages),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.User != "" {
		params.User = openai.String(req.User)
	}
	if !isReasoningModel(req.Model) {
		params.Temperature = openai.Float(req.Temperature)
		params.TopP = openai.Float(req.TopP)
	}
	// A forced textual answer is expressed by not offering tools.
	if len(req.Tools) > 0 && req.ToolChoice != ToolChoiceNone {
		params.Tools = toResponsesTools(req.Tools)
	}

	r.logger.Debug("sending response request",
		"model", req.Model,
		"items", len(params.Input.OfInputItemList),
		"tools", len(params.Tools),
	)

	resp, err := r.client.Responses.New(ctx, params)
	if err != nil {
		return nil, wrapResponsesError(err)
	}

	raw := json.RawMessage(resp.RawJSON())
	r.logger.Log(ctx, LevelTrace, "response reply", "body", string(raw))

	ex := &Exchange{
		Protocol: ProtocolResponses,
		Model:    string(resp.Model),
		Raw:      raw,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	if ex.Model == "" {
		ex.Model = req.Model
	}

	if string(resp.Status) == "incomplete" {
		if string(resp.IncompleteDetails.Reason) == "max_output_tokens" {
			return nil, &TokenLengthError{CompletionTokens: ex.Usage.CompletionTokens}
		}
		return nil, fmt.Errorf("%s: %w: incomplete (%s)", ProtocolResponses, ErrMalformedResponse, resp.IncompleteDetails.Reason)
	}

	var calls []ToolCall
	var text strings.Builder
	for _, item := range resp.Output {
		switch item.Type {
		case "function_call":
			if item.Name == "" {
				return nil, fmt.Errorf("%s: %w: function_call without a name", ProtocolResponses, ErrMalformedResponse)
			}
			calls = append(calls, ToolCall{ID: item.CallID, Name: item.Name, Arguments: item.Arguments})
		case "message":
			for _, part := range item.AsMessage().Content {
				if part.Type != "output_text" {
					continue
				}
				if text.Len() > 0 {
					text.WriteString("\n")
				}
				text.WriteString(part.Text)
			}
		}
	}

	if len(calls) > 0 {
		ex.Outcome = pendingFrom(text.String(), calls)
		return ex, nil
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("%s: %w: no text or function calls in output", ProtocolResponses, ErrMalformedResponse)
	}
	ex.Outcome = Final{Message: Message{Role: RoleAssistant, Content: text.String()}}
	return ex, nil
}

func toResponsesTools(tools []ToolDefinition) []responses.ToolUnionParam {
	out := make([]responses.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := responses.ToolParamOfFunction(t.Name, t.Parameters, t.Strict)
		if t.Description != "" {
			tool.OfFunction.Description = openai.String(t.Description)
		}
		out = append(out, tool)
	}
	return out
}

func toResponsesInput(history []Message) responses.ResponseInputParam {
	items := make(responses.ResponseInputParam, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case RoleSystem:
			items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRoleSystem))
		case RoleUser:
			items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRoleUser))
		case RoleAssistant:
			if m.Content != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRoleAssistant))
			}
			for _, tc := range m.ToolCalls {
				items = append(items, responses.ResponseInputItemParamOfFunctionCall(normalizeArguments(tc.Arguments), tc.ID, tc.Name))
			}
		case RoleTool:
			items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(m.ToolCallID, m.Content))
		}
	}
	return items
}

// normalizeArguments replaces an unparseable argument payload with an
// empty object. The provider rejects replayed function_call items whose
// arguments are not JSON; the tool result that follows already tells
// the model what went wrong.
func normalizeArguments(args string) string {
	if json.Valid([]byte(args)) {
		return args
	}
	return "{}"
}

func wrapResponsesError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{Protocol: ProtocolResponses, StatusCode: apiErr.StatusCode, Err: err}
	}
	return &ProviderError{Protocol: ProtocolResponses, Err: err}
}
