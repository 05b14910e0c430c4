package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nugget/ampere/internal/homeassistant"
	"github.com/nugget/ampere/internal/tools"
)

// RunScript implements tools.Host. Steps run in order; string values
// in the target and data are rendered as templates with variables. The
// result is the service response of the last step that asked for one,
// or "Success".
func (h *Host) RunScript(ctx context.Context, steps []tools.ScriptStep, variables map[string]any) (any, error) {
	var result any = "Success"

	logger := h.logger
	if inv, ok := tools.InvocationFromContext(ctx); ok {
		logger = logger.With("conversation", inv.ConversationID, "call_id", inv.CallID)
	}

	for i, step := range steps {
		domain, service, err := splitService(step.Service)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}

		data, err := h.renderValue(ctx, step.Data, variables)
		if err != nil {
			return nil, fmt.Errorf("step %d: render data: %w", i+1, err)
		}
		payload, _ := data.(map[string]any)
		if payload == nil {
			payload = map[string]any{}
		}
		if step.Target != "" {
			target, err := h.renderString(ctx, step.Target, variables)
			if err != nil {
				return nil, fmt.Errorf("step %d: render target: %w", i+1, err)
			}
			payload["entity_id"] = target
		}

		logger.Debug("running script step",
			"step", i+1,
			"service", step.Service,
			"return_response", step.ReturnResponse,
		)

		res, err := h.rest.CallService(ctx, domain, service, payload, step.ReturnResponse)
		if err != nil {
			return nil, fmt.Errorf("step %d: call %s: %w", i+1, step.Service, err)
		}
		if step.ReturnResponse {
			result = decodeResponse(res)
		}
	}
	return result, nil
}

func decodeResponse(res *homeassistant.ServiceResult) any {
	if res == nil || len(res.Response) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(res.Response, &v); err != nil {
		return string(res.Response)
	}
	return v
}

// renderValue renders every templated string inside v, recursing into
// maps and slices.
func (h *Host) renderValue(ctx context.Context, v any, variables map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return h.renderString(ctx, val, variables)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := h.renderValue(ctx, item, variables)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := h.renderValue(ctx, item, variables)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func (h *Host) renderString(ctx context.Context, s string, variables map[string]any) (string, error) {
	if !isTemplate(s) {
		return s, nil
	}
	return h.rest.RenderTemplate(ctx, s, variables)
}

func isTemplate(s string) bool {
	return strings.Contains(s, "{{") || strings.Contains(s, "{%")
}

// splitService splits "domain.service".
func splitService(s string) (string, string, error) {
	domain, service, ok := strings.Cut(s, ".")
	if !ok || domain == "" || service == "" {
		return "", "", fmt.Errorf("invalid service %q, want domain.service", s)
	}
	return domain, service, nil
}
