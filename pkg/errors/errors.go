package errors

import (
	"fmt"
	"strings"
)

// ParseError represents a plan parsing failure with optional position metadata.
type ParseError struct {
	Path    string
	Line    int
	Message string
	Err     error
}

// NewParseError constructs a ParseError.
func NewParseError(path string, line int, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	return &ParseError{Path: path, Line: line, Message: message, Err: err}
}

func (e *ParseError) Error() string {
	if e == nil {
		return ""
	}

	if e.Line > 0 {
		return fmt.Sprintf("parse error: %s:%d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("parse error: %s: %s", e.Path, e.Message)
}

// Unwrap exposes the underlying error.
func (e *ParseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ValidationError captures resource or config attribute validation issues.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

// NewValidationError constructs a ValidationError.
func NewValidationError(field, message string, err error) error {
	return &ValidationError{Field: field, Message: message, Err: err}
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// Unwrap exposes the underlying error.
func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// GraphError reports a dependency graph problem: an unknown depends_on target
// or a cycle. Chain holds the offending resource identities in order.
type GraphError struct {
	Task    string
	Chain   []string
	Message string
}

// NewGraphError constructs a GraphError for the given task.
func NewGraphError(task, message string, chain []string) error {
	return &GraphError{Task: task, Chain: chain, Message: message}
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Chain) > 0 {
		return fmt.Sprintf("graph error in task %q: %s: %s", e.Task, e.Message, strings.Join(e.Chain, " -> "))
	}
	return fmt.Sprintf("graph error in task %q: %s", e.Task, e.Message)
}

// ExecutionError represents a runtime failure while converging a resource.
type ExecutionError struct {
	Resource string
	Err      error
}

// NewExecutionError constructs an ExecutionError.
func NewExecutionError(resource string, err error) error {
	return &ExecutionError{Resource: resource, Err: err}
}

func (e *ExecutionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Resource != "" {
		return fmt.Sprintf("execution error on %s: %v", e.Resource, e.Err)
	}
	return fmt.Sprintf("execution error: %v", e.Err)
}

// Unwrap exposes the root error.
func (e *ExecutionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// PluginError indicates issues within operation registration or lookup.
type PluginError struct {
	Operation string
	Message   string
	Err       error
}

// NewPluginError constructs a PluginError for the given operation type.
func NewPluginError(operation string, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	return &PluginError{Operation: operation, Message: message, Err: err}
}

func (e *PluginError) Error() string {
	if e == nil {
		return ""
	}
	if e.Operation != "" {
		return fmt.Sprintf("operation error [%s]: %s", e.Operation, e.Message)
	}
	return fmt.Sprintf("operation error: %s", e.Message)
}

// Unwrap exposes the underlying error.
func (e *PluginError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// StateError wraps problems reading or writing the persisted run state. It is
// advisory: the engine treats unreadable state as empty and keeps going.
type StateError struct {
	Path string
	Err  error
}

// NewStateError constructs a StateError.
func NewStateError(path string, err error) error {
	return &StateError{Path: path, Err: err}
}

func (e *StateError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("state error: %s: %v", e.Path, e.Err)
}

// Unwrap exposes the underlying error.
func (e *StateError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
