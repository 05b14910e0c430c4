package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ExposedEntity is a host entity the model is allowed to see.
type ExposedEntity struct {
	EntityID string   `json:"entity_id"`
	Name     string   `json:"name"`
	State    string   `json:"state"`
	Aliases  []string `json:"aliases"`
}

// Invocation describes who asked for a tool call and what they could
// see at the time.
type Invocation struct {
	ConversationID string
	CallID         string
	UserID         string
	DeviceID       string
	Language       string
	Exposed        []ExposedEntity
}

// Host runs tool executors. Implementations must be safe for
// concurrent use by distinct conversations.
type Host interface {
	NativeSet
	// InvokeNative runs a built-in operation.
	InvokeNative(ctx context.Context, name string, args map[string]any, inv Invocation) (any, error)
	// RunScript runs steps in order, rendering step data with
	// variables, and returns the last step's response.
	RunScript(ctx context.Context, steps []ScriptStep, variables map[string]any) (any, error)
	// RenderTemplate renders a template with variables.
	RenderTemplate(ctx context.Context, tmpl string, variables map[string]any) (string, error)
}

// ParseArguments decodes a raw argument payload. An empty payload is an
// empty object; anything that is not a JSON object is an
// *ArgumentError.
func ParseArguments(tool, raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, &ArgumentError{Tool: tool, Raw: raw, Err: err}
	}
	if args == nil {
		return nil, &ArgumentError{Tool: tool, Raw: raw, Err: errors.New("arguments must be a JSON object")}
	}
	return args, nil
}

// Validate checks parsed arguments against the tool's parameter schema.
func (s *Spec) Validate(args map[string]any) error {
	if s.schema == nil {
		return nil
	}
	// The validator wants plain JSON values (float64, []any, ...).
	data, err := json.Marshal(args)
	if err != nil {
		return &ArgumentError{Tool: s.Name, Err: err}
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return &ArgumentError{Tool: s.Name, Err: err}
	}
	if err := s.schema.Validate(v); err != nil {
		return &ArgumentError{Tool: s.Name, Raw: string(data), Err: err}
	}
	return nil
}

// Execute runs the tool's executor and stringifies the result. Every
// failure is returned as *ExecutionError.
func Execute(ctx context.Context, host Host, spec *Spec, args map[string]any, inv Invocation) (string, error) {
	var (
		result any
		err    error
	)
	switch ex := spec.Executor.(type) {
	case Native:
		result, err = host.InvokeNative(ctx, ex.Name, args, inv)
	case Script:
		result, err = host.RunScript(ctx, ex.Sequence, args)
	case Template:
		vars := make(map[string]any, len(args)+1)
		for k, v := range args {
			vars[k] = v
		}
		vars["exposed_entities"] = inv.Exposed
		result, err = host.RenderTemplate(ctx, ex.ValueTemplate, vars)
	default:
		err = fmt.Errorf("%w: unsupported executor %T", ErrInvalidFunction, spec.Executor)
	}
	if err != nil {
		return "", &ExecutionError{Tool: spec.Name, Err: err}
	}
	return Stringify(result), nil
}

// Stringify renders an executor result for the model. Strings pass
// through; everything else is JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
