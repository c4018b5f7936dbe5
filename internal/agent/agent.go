// Package agent runs a model against a set of tools until it produces
// a final answer.
package agent

import (
	"context"

	"github.com/nugget/fsagent/internal/tools"
)

// Agent describes who the model is and what it may call. The registry
// is borrowed: its tools stay owned by whoever created them, and an
// Agent must not be run after those tools are torn down.
type Agent struct {
	Name         string
	Instructions string
	Tools        *tools.Registry
}

// DefaultName is used when an Agent is created without a name.
const DefaultName = "Assistant"

// New returns an Agent calling the tools in registry.
func New(name, instructions string, registry *tools.Registry) *Agent {
	if name == "" {
		name = DefaultName
	}
	return &Agent{Name: name, Instructions: instructions, Tools: registry}
}

// ToolCall records one tool execution made during a run.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Output    string         `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Result is the outcome of one run.
type Result struct {
	FinalOutput  string     `json:"final_output"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Turns        int        `json:"turns"`
	Model        string     `json:"model"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
}

// Orchestrator runs an agent on one input. Runner is the built-in
// implementation; the flows depend only on this interface.
type Orchestrator interface {
	Run(ctx context.Context, a *Agent, input string) (*Result, error)
}
