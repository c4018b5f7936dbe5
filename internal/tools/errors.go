package tools

import "fmt"

// ErrToolUnavailable is returned when a call names a tool that is not
// in the registry. Models on small local runtimes invent tool names, so
// the agent reports this back to the model instead of failing the run.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}
