package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nugget/fsagent/internal/tools"
)

var unsafeChars = regexp.MustCompile(`[^a-z0-9_]+`)

// BridgeTools registers every tool session reports on registry, named
// "mcp_<server>_<tool>". Tools listed in exclude (by MCP name) are
// skipped. It returns how many tools were registered.
func BridgeTools(ctx context.Context, session Session, server string, registry *tools.Registry, exclude []string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	defs, err := session.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tools from %s: %w", server, err)
	}

	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[name] = true
	}

	n := 0
	for _, def := range defs {
		if skip[def.Name] {
			continue
		}
		name := ToolName(server, def.Name)
		registry.Register(proxyTool(session, name, def))
		n++
		logger.Debug("bridged MCP tool", "mcp_name", def.Name, "tool", name, "server", server)
	}
	return n, nil
}

// ToolName namespaces an MCP tool name under its server. Both parts are
// lowercased with runs of other characters folded to one underscore.
func ToolName(server, tool string) string {
	return "mcp_" + sanitize(server) + "_" + sanitize(tool)
}

func proxyTool(session Session, name string, def ToolDefinition) *tools.Tool {
	remote := def.Name
	return &tools.Tool{
		Name:        name,
		Description: def.Description,
		Parameters:  def.InputSchema,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return session.CallTool(ctx, remote, args)
		},
	}
}

func sanitize(name string) string {
	s := unsafeChars.ReplaceAllString(strings.ToLower(name), "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}
