package tools

import (
	"fmt"
	"strings"
)

// Executor is the backend that runs a tool. It is a closed sum type:
// Native, Script, or Template.
type Executor interface {
	executorKind() string
}

// Native names a built-in operation provided by the host.
type Native struct {
	Name string
}

// Script is an ordered sequence of host service calls run as a unit.
// Call arguments are available to the step templates as variables.
type Script struct {
	Sequence []ScriptStep
}

// ScriptStep is one service call in a Script.
type ScriptStep struct {
	// Service is "domain.service".
	Service string `yaml:"service" json:"service"`
	// Target is an entity id (may be a template) the call is aimed at.
	Target string `yaml:"target,omitempty" json:"target,omitempty"`
	// Data holds service data. String values are rendered as templates
	// with the call arguments as variables.
	Data map[string]any `yaml:"data,omitempty" json:"data,omitempty"`
	// ReturnResponse asks the host for the service response, which
	// becomes the step result.
	ReturnResponse bool `yaml:"return_response,omitempty" json:"return_response,omitempty"`
}

// Template renders a template against the call arguments and current
// state. It has no side effects.
type Template struct {
	ValueTemplate string
}

func (Native) executorKind() string   { return "native" }
func (Script) executorKind() string   { return "script" }
func (Template) executorKind() string { return "template" }

// ExecutorKind returns "native", "script" or "template".
func ExecutorKind(e Executor) string {
	if e == nil {
		return ""
	}
	return e.executorKind()
}

// Descriptor is the untyped executor description carried by catalog
// entries and configuration: a type tag plus the fields of every
// variant. ResolveExecutor turns it into an Executor.
type Descriptor struct {
	Type          string       `yaml:"type" json:"type"`
	Name          string       `yaml:"name,omitempty" json:"name,omitempty"`
	Sequence      []ScriptStep `yaml:"sequence,omitempty" json:"sequence,omitempty"`
	ValueTemplate string       `yaml:"value_template,omitempty" json:"value_template,omitempty"`
}

// NativeSet reports which native operations a host provides.
type NativeSet interface {
	HasNative(name string) bool
}

// ResolveExecutor validates a descriptor and builds the matching
// executor. Failures wrap ErrInvalidFunction or ErrFunctionNotFound.
func ResolveExecutor(d Descriptor, natives NativeSet) (Executor, error) {
	switch d.Type {
	case "native":
		if d.Name == "" {
			return nil, fmt.Errorf("%w: native executor without a name", ErrInvalidFunction)
		}
		if natives == nil || !natives.HasNative(d.Name) {
			return nil, fmt.Errorf("%w: native %q", ErrFunctionNotFound, d.Name)
		}
		return Native{Name: d.Name}, nil

	case "script":
		if len(d.Sequence) == 0 {
			return nil, fmt.Errorf("%w: script executor without steps", ErrInvalidFunction)
		}
		for i, step := range d.Sequence {
			domain, service, ok := strings.Cut(step.Service, ".")
			if !ok || domain == "" || service == "" {
				return nil, fmt.Errorf("%w: script step %d service %q is not domain.service", ErrInvalidFunction, i, step.Service)
			}
			// Calendar services act on one calendar entity and fail
			// without it.
			if domain == "calendar" && strings.TrimSpace(step.Target) == "" {
				return nil, fmt.Errorf("%w: script step %d calls %s without a target calendar", ErrInvalidFunction, i, step.Service)
			}
		}
		steps := make([]ScriptStep, len(d.Sequence))
		copy(steps, d.Sequence)
		return Script{Sequence: steps}, nil

	case "template":
		if strings.TrimSpace(d.ValueTemplate) == "" {
			return nil, fmt.Errorf("%w: template executor without value_template", ErrInvalidFunction)
		}
		return Template{ValueTemplate: d.ValueTemplate}, nil

	default:
		return nil, fmt.Errorf("%w: unknown executor type %q", ErrInvalidFunction, d.Type)
	}
}
