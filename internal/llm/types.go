// Package llm provides chat clients for the model providers the agent
// can run on.
package llm

import (
	"context"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Client is implemented by every provider.
type Client interface {
	// Chat sends the conversation plus tool definitions (OpenAI
	// function format) and returns the model's next message.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks that the provider is reachable.
	Ping(ctx context.Context) error
}

// Message is one chat message. Role is system, user, assistant, or
// tool.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// ID is assigned by the provider when it has one; tool results
	// are correlated by it.
	ID       string       `json:"id,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries decoded arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is the provider-neutral result of one Chat call.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	InputTokens  int
	OutputTokens int

	// StopReason is the provider's reason for ending the turn, when
	// reported (end_turn, tool_use, max_tokens, stop).
	StopReason string

	TotalDuration time.Duration
}
