package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/nugget/fsagent/internal/httpkit"
)

// DefaultOllamaURL is used when no base URL is configured.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaClient talks to the Ollama /api/chat endpoint.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient returns a client for the Ollama server at baseURL.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Local models with tools can take minutes on first load.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(5 * time.Minute)),
		logger:     logger.With("provider", "ollama"),
	}
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function FunctionCall `json:"function"`
}

// ollamaWireResponse is the /api/chat response body. Durations are
// nanoseconds on the wire.
type ollamaWireResponse struct {
	Model           string        `json:"model"`
	CreatedAt       string        `json:"created_at"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	TotalDuration   int64         `json:"total_duration,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

func (w *ollamaWireResponse) toChatResponse() *ChatResponse {
	resp := &ChatResponse{
		Model: w.Model,
		Message: Message{
			Role:    w.Message.Role,
			Content: w.Message.Content,
		},
		Done:          w.Done,
		InputTokens:   w.PromptEvalCount,
		OutputTokens:  w.EvalCount,
		StopReason:    w.DoneReason,
		TotalDuration: time.Duration(w.TotalDuration),
	}
	if t, err := time.Parse(time.RFC3339Nano, w.CreatedAt); err == nil {
		resp.CreatedAt = t
	}
	for i, tc := range w.Message.ToolCalls {
		// Ollama assigns no IDs; synthesize stable ones for correlation.
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{
			ID:       fmt.Sprintf("call_%d_%s", i, tc.Function.Name),
			Function: tc.Function,
		})
	}
	return resp
}

// Chat sends one non-streaming chat request.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := ollamaRequest{
		Model:    model,
		Messages: toOllamaMessages(messages),
		Tools:    tools,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var wire ollamaWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	out := wire.toChatResponse()

	// Smaller models often write the call into content instead of
	// using tool_calls.
	if len(out.Message.ToolCalls) == 0 && out.Message.Content != "" {
		if parsed := parseTextToolCalls(out.Message.Content, extractToolNames(tools)); len(parsed) > 0 {
			c.logger.Debug("recovered tool calls from content", "count", len(parsed))
			out.Message.ToolCalls = parsed
			out.Message.Content = ""
		}
	}

	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.Message.ToolCalls),
	)
	return out, nil
}

func toOllamaMessages(messages []Message) []ollamaMessage {
	names := map[string]string{}
	out := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			names[tc.ID] = tc.Function.Name
			om.ToolCalls = append(om.ToolCalls, ollamaToolCall{Function: tc.Function})
		}
		if m.Role == "tool" {
			om.ToolName = names[m.ToolCallID]
		}
		out = append(out, om)
	}
	return out
}

// Ping checks that the Ollama server answers.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama API error %d", resp.StatusCode)
	}
	return nil
}

// extractToolNames returns the function names from tool definitions in
// OpenAI function format.
func extractToolNames(tools []map[string]any) []string {
	var names []string
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		if name, _ := fn["name"].(string); name != "" {
			names = append(names, name)
		}
	}
	return names
}

type textCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// parseTextToolCalls recovers tool calls a model wrote as text. It
// accepts a JSON object or array, several objects back to back,
// <tool_call> tags, and `name {json}`. When validTools is non-empty,
// calls to other names are dropped.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if i := strings.Index(content, "<tool_call>"); i >= 0 {
		content = content[i+len("<tool_call>"):]
		if j := strings.Index(content, "</tool_call>"); j >= 0 {
			content = content[:j]
		}
		content = strings.TrimSpace(content)
	}

	var calls []textCall
	switch {
	case strings.HasPrefix(content, "["):
		_ = json.Unmarshal([]byte(content), &calls)
	case strings.HasPrefix(content, "{"):
		dec := json.NewDecoder(strings.NewReader(content))
		for {
			var c textCall
			if err := dec.Decode(&c); err != nil {
				break
			}
			calls = append(calls, c)
		}
	default:
		name, rest, ok := strings.Cut(content, " ")
		if !ok || !strings.HasPrefix(strings.TrimSpace(rest), "{") {
			return nil
		}
		var args map[string]any
		if err := json.NewDecoder(strings.NewReader(strings.TrimSpace(rest))).Decode(&args); err != nil {
			return nil
		}
		calls = append(calls, textCall{Name: name, Arguments: args})
		if len(validTools) == 0 {
			// A bare word followed by JSON is too ambiguous without a
			// tool list to check it against.
			return nil
		}
	}

	var out []ToolCall
	for _, c := range calls {
		if c.Name == "" {
			continue
		}
		if len(validTools) > 0 && !slices.Contains(validTools, c.Name) {
			continue
		}
		if c.Arguments == nil {
			c.Arguments = map[string]any{}
		}
		out = append(out, ToolCall{
			ID:       fmt.Sprintf("call_%d_%s", len(out), c.Name),
			Function: FunctionCall{Name: c.Name, Arguments: c.Arguments},
		})
	}
	return out
}
