package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nugget/fsagent/internal/buildinfo"
)

// SDKSession implements Session on the official MCP Go SDK client.
type SDKSession struct {
	name    string
	session *sdk.ClientSession
	logger  *slog.Logger

	mu    sync.Mutex
	tools []ToolDefinition
}

var _ Session = (*SDKSession)(nil)

// CommandTransport returns an SDK transport that runs params as a
// subprocess speaking MCP over stdio.
func CommandTransport(params LaunchParams) *sdk.CommandTransport {
	cmd := exec.Command(params.Command, params.Args...)
	cmd.Env = append(os.Environ(), params.Env...)
	return &sdk.CommandTransport{Command: cmd}
}

// ConnectSDK connects an SDK client over transport and completes the
// initialize handshake.
func ConnectSDK(ctx context.Context, name string, transport sdk.Transport, logger *slog.Logger) (*SDKSession, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := sdk.NewClient(&sdk.Implementation{
		Name:    buildinfo.Name,
		Version: buildinfo.Version,
	}, nil)

	cs, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	logger = logger.With("mcp_server", name)
	if res := cs.InitializeResult(); res != nil && res.ServerInfo != nil {
		logger.Info("MCP server initialized",
			"server_name", res.ServerInfo.Name,
			"server_version", res.ServerInfo.Version,
			"protocol_version", res.ProtocolVersion,
			"client", ClientSDK,
		)
	}
	return &SDKSession{name: name, session: cs, logger: logger}, nil
}

// ListTools returns the server's tools, following pagination. The
// first successful result is cached.
func (s *SDKSession) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	s.mu.Lock()
	cached := s.tools
	s.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	all := []ToolDefinition{}
	params := &sdk.ListToolsParams{}
	for {
		page, err := s.session.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		for _, t := range page.Tools {
			schema, err := schemaMap(t.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("tool %s: %w", t.Name, err)
			}
			all = append(all, ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schema,
			})
		}
		if page.NextCursor == "" {
			break
		}
		params = &sdk.ListToolsParams{Cursor: page.NextCursor}
	}

	s.mu.Lock()
	s.tools = all
	s.mu.Unlock()

	s.logger.Info("discovered MCP tools", "count", len(all))
	return all, nil
}

// CallTool invokes name and joins the text content of the result. A
// result flagged IsError is returned as *ToolError.
func (s *SDKSession) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	res, err := s.session.CallTool(ctx, &sdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}

	parts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		switch c := c.(type) {
		case *sdk.TextContent:
			parts = append(parts, c.Text)
		case *sdk.ImageContent:
			parts = append(parts, "[image]")
		case *sdk.AudioContent:
			parts = append(parts, "[audio]")
		default:
			parts = append(parts, "[resource]")
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		return "", &ToolError{Tool: name, Message: text}
	}
	return text, nil
}

// Ping checks that the server still answers.
func (s *SDKSession) Ping(ctx context.Context) error {
	return s.session.Ping(ctx, &sdk.PingParams{})
}

// Close ends the session. For a command transport this stops the
// subprocess.
func (s *SDKSession) Close() error {
	s.logger.Debug("closing MCP SDK session")
	return s.session.Close()
}

// schemaMap converts whatever schema representation the SDK carries
// into the generic map the tool registry uses.
func schemaMap(schema any) (map[string]any, error) {
	if schema == nil {
		return nil, nil
	}
	if m, ok := schema.(map[string]any); ok {
		return m, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode input schema: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode input schema: %w", err)
	}
	return m, nil
}
