package tools

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// ToolCaller invokes a named tool on a remote tool server.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// MCPFiles implements Provider on the filesystem MCP server's tools.
type MCPFiles struct {
	caller   ToolCaller
	readTool string
}

// NewMCPFiles adapts caller. available is the server's tool list; it
// decides between read_text_file and the older read_file.
func NewMCPFiles(caller ToolCaller, available []string) *MCPFiles {
	read := "read_text_file"
	if !slices.Contains(available, read) && slices.Contains(available, "read_file") {
		read = "read_file"
	}
	return &MCPFiles{caller: caller, readTool: read}
}

// ListFiles calls list_directory. The server answers one entry per
// line prefixed with [FILE] or [DIR]; directories come back with a
// trailing slash.
func (m *MCPFiles) ListFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := m.caller.CallTool(ctx, "list_directory", map[string]any{"path": dir})
	if err != nil {
		return nil, err
	}
	var entries []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case strings.HasPrefix(line, "[DIR]"):
			entries = append(entries, strings.TrimSpace(strings.TrimPrefix(line, "[DIR]"))+"/")
		case strings.HasPrefix(line, "[FILE]"):
			entries = append(entries, strings.TrimSpace(strings.TrimPrefix(line, "[FILE]")))
		default:
			entries = append(entries, line)
		}
	}
	sort.Strings(entries)
	return entries, nil
}

// ReadFile returns the text of path.
func (m *MCPFiles) ReadFile(ctx context.Context, path string) (string, error) {
	return m.caller.CallTool(ctx, m.readTool, map[string]any{"path": path})
}

// WriteFile calls write_file. The server refuses paths outside its
// allowed directories.
func (m *MCPFiles) WriteFile(ctx context.Context, path, content string) error {
	if _, err := m.caller.CallTool(ctx, "write_file", map[string]any{
		"path":    path,
		"content": content,
	}); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
