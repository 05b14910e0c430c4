package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nugget/ampere/internal/llm"
)

// Spec is an active tool: the definition offered to the model, its
// resolved executor, and its compiled parameter schema. Specs are
// immutable once the registry is built.
type Spec struct {
	Name        string
	Description string
	Parameters  map[string]any
	Strict      bool
	Executor    Executor

	schema *jsonschema.Schema
}

// Definition returns the provider-facing description of the tool.
func (s *Spec) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        s.Name,
		Description: s.Description,
		Parameters:  s.Parameters,
		Strict:      s.Strict,
	}
}

// Registry is the set of active tools for one configuration
// generation. It is read-only after construction and shared by every
// conversation running on that generation.
type Registry struct {
	specs map[string]*Spec
	order []string
}

// NewRegistry builds the active tool set from catalog definitions.
// Definitions switched off by enabled are left out. Definitions whose
// executor or schema cannot be built are skipped with a warning; they
// never fail the whole registry.
func NewRegistry(defs []Definition, enabled func(name string) bool, natives NativeSet, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{specs: make(map[string]*Spec)}

	for _, d := range defs {
		if enabled != nil && !enabled(d.Name) {
			logger.Debug("tool disabled by configuration", "tool", d.Name)
			continue
		}
		if _, dup := r.specs[d.Name]; dup {
			logger.Warn("duplicate tool name, keeping the first", "tool", d.Name)
			continue
		}

		exec, err := ResolveExecutor(d.Executor, natives)
		if err != nil {
			logger.Warn("failed to load tool", "tool", d.Name, "error", err)
			continue
		}
		schema, err := compileParameters(d.Name, d.Parameters)
		if err != nil {
			logger.Warn("failed to load tool", "tool", d.Name,
				"error", fmt.Errorf("%w: parameters: %v", ErrInvalidFunction, err))
			continue
		}

		r.specs[d.Name] = &Spec{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
			Strict:      d.Strict,
			Executor:    exec,
			schema:      schema,
		}
		r.order = append(r.order, d.Name)
	}
	return r
}

func compileParameters(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString(name+".schema.json", string(data))
}

// Lookup returns the named tool, or *ErrToolUnavailable.
func (r *Registry) Lookup(name string) (*Spec, error) {
	if r != nil {
		if s, ok := r.specs[name]; ok {
			return s, nil
		}
	}
	return nil, &ErrToolUnavailable{ToolName: name}
}

// Specs returns the active tools in catalog order.
func (r *Registry) Specs() []*Spec {
	if r == nil {
		return nil
	}
	out := make([]*Spec, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.specs[n])
	}
	return out
}

// Definitions returns the provider-facing definitions in catalog order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	specs := r.Specs()
	out := make([]llm.ToolDefinition, len(specs))
	for i, s := range specs {
		out[i] = s.Definition()
	}
	return out
}

// Names returns the active tool names, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Len returns the number of active tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.specs)
}

// IsUnavailable reports whether err means a tool is not in the registry.
func IsUnavailable(err error) bool {
	var u *ErrToolUnavailable
	return errors.As(err, &u)
}
