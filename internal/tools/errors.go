// Package tools provides the tool registry and execution framework.
//
// This file defines the error types for tool resolution and execution.
package tools

import (
	"errors"
	"fmt"
)

// ErrInvalidFunction means an executor descriptor is malformed: unknown
// type, or missing the fields its type requires.
var ErrInvalidFunction = errors.New("invalid function executor")

// ErrFunctionNotFound means a native executor names an operation the
// host does not provide.
var ErrFunctionNotFound = errors.New("function not found")

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the active registry. This is a capability mismatch,
// not a transient execution failure, so callers abort the exchange
// rather than retrying.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// ArgumentError means the model sent an argument payload that is not a
// JSON object or does not match the tool's parameter schema.
type ArgumentError struct {
	Tool string
	Raw  string
	Err  error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("failed to parse arguments for %s: %v", e.Tool, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// ExecutionError means a tool ran and reported failure.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
