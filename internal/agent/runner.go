package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/fsagent/internal/llm"
	"github.com/nugget/fsagent/internal/prompts"
	"github.com/nugget/fsagent/internal/tools"
	"github.com/nugget/fsagent/internal/trace"
)

// DefaultMaxTurns bounds the model round trips of one run.
const DefaultMaxTurns = 10

// ErrMaxTurns is returned when the model keeps calling tools past the
// turn limit.
var ErrMaxTurns = errors.New("no final answer within the turn limit")

// Runner is the tool-calling loop: ask the model, execute the tools it
// requests, feed the results back, and stop at the first answer that
// calls no tools.
type Runner struct {
	llm      llm.Client
	model    string
	maxTurns int
	tracer   *trace.Tracer
	logger   *slog.Logger
}

// NewRunner returns a Runner using model on client. Every model turn
// and tool call is recorded on tracer, which may be nil.
func NewRunner(client llm.Client, model string, tracer *trace.Tracer, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		llm:      client,
		model:    model,
		maxTurns: DefaultMaxTurns,
		tracer:   tracer,
		logger:   logger,
	}
}

// WithMaxTurns overrides DefaultMaxTurns. Non-positive values are
// ignored.
func (r *Runner) WithMaxTurns(n int) *Runner {
	if n > 0 {
		r.maxTurns = n
	}
	return r
}

// Run implements Orchestrator.
func (r *Runner) Run(ctx context.Context, a *Agent, input string) (*Result, error) {
	if a == nil || a.Tools == nil {
		return nil, fmt.Errorf("agent has no tools")
	}
	log := r.logger.With("agent", a.Name)

	messages := []llm.Message{
		{Role: "system", Content: a.Instructions},
		{Role: "user", Content: input},
	}
	toolDefs := a.Tools.List()
	res := &Result{Model: r.model}
	nudged := false

	log.Info("agent run started", "model", r.model, "tools", a.Tools.Names())

	for turn := 1; turn <= r.maxTurns; turn++ {
		resp, err := r.chat(ctx, messages, toolDefs, turn)
		if err != nil {
			return nil, fmt.Errorf("agent %s turn %d: %w", a.Name, turn, err)
		}
		res.Turns = turn
		res.InputTokens += resp.InputTokens
		res.OutputTokens += resp.OutputTokens
		if resp.Model != "" {
			res.Model = resp.Model
		}

		msg := resp.Message
		msg.Role = "assistant"

		if len(msg.ToolCalls) == 0 {
			if strings.TrimSpace(msg.Content) == "" && len(res.ToolCalls) > 0 {
				// The nudge needs another turn; on the last one fall back.
				if !nudged && turn < r.maxTurns {
					log.Debug("empty response after tool calls, nudging", "turn", turn)
					nudged = true
					messages = append(messages, msg, llm.Message{Role: "user", Content: prompts.EmptyResponseNudge})
					continue
				}
				msg.Content = prompts.EmptyResponseFallback
			}
			res.FinalOutput = msg.Content
			log.Info("agent run completed",
				"turns", res.Turns,
				"tool_calls", len(res.ToolCalls),
				"input_tokens", res.InputTokens,
				"output_tokens", res.OutputTokens,
			)
			return res, nil
		}

		messages = append(messages, msg)
		for _, tc := range msg.ToolCalls {
			call := r.execute(ctx, a.Tools, tc)
			res.ToolCalls = append(res.ToolCalls, call)

			content := call.Output
			if call.Error != "" {
				content = "Error: " + call.Error
			}
			messages = append(messages, llm.Message{Role: "tool", Content: content, ToolCallID: tc.ID})
		}
	}

	return nil, fmt.Errorf("agent %s: %w (%d)", a.Name, ErrMaxTurns, r.maxTurns)
}

func (r *Runner) chat(ctx context.Context, messages []llm.Message, toolDefs []map[string]any, turn int) (*llm.ChatResponse, error) {
	out, err := r.tracer.Op(ctx, "llm.chat", map[string]any{
		"model":    r.model,
		"turn":     turn,
		"messages": len(messages),
	}, func(ctx context.Context, span *trace.Span) (any, error) {
		resp, err := r.llm.Chat(ctx, r.model, messages, toolDefs)
		if err != nil {
			return nil, err
		}
		span.Log("input_tokens", resp.InputTokens)
		span.Log("output_tokens", resp.OutputTokens)
		span.Log("tool_calls", len(resp.Message.ToolCalls))
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*llm.ChatResponse), nil
}

// execute runs one tool call. Failures are recorded on the call and
// returned to the model as text; they never end the run.
func (r *Runner) execute(ctx context.Context, registry *tools.Registry, tc llm.ToolCall) ToolCall {
	call := ToolCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments}

	out, err := r.tracer.Op(ctx, "tool."+tc.Function.Name, tc.Function.Arguments, func(ctx context.Context, _ *trace.Span) (any, error) {
		return registry.Execute(ctx, tc.Function.Name, tc.Function.Arguments)
	})
	if err != nil {
		var unavailable *tools.ErrToolUnavailable
		if errors.As(err, &unavailable) {
			call.Error = fmt.Sprintf("%v; available tools: %s", err, strings.Join(registry.Names(), ", "))
		} else {
			call.Error = err.Error()
		}
		r.logger.Warn("tool call failed", "tool", call.Name, "error", err)
		return call
	}

	call.Output, _ = out.(string)
	r.logger.Debug("tool call completed", "tool", call.Name, "bytes", len(call.Output))
	return call
}
