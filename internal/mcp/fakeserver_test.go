package mcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// The tests re-exec their own binary as a stand-in for the filesystem
// tool server so the real stdio transport runs without Node.js.

const helperEnv = "GO_WANT_HELPER_PROCESS"

// helperParams returns launch parameters that start the fake server in
// mode, allowed to access dirs. Modes: "serve", "crash" (exits at once
// with stderr output), "hang" (never answers), "chatty" (serves after
// flooding stderr, starting with one oversized line).
func helperParams(mode string, dirs ...string) LaunchParams {
	args := append([]string{"-test.run=^TestHelperProcess$", "--"}, dirs...)
	return LaunchParams{
		Command: os.Args[0],
		Args:    args,
		Env:     []string{helperEnv + "=1", "FAKE_MCP_MODE=" + mode},
	}
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	var dirs []string
	for i, a := range os.Args {
		if a == "--" {
			dirs = os.Args[i+1:]
			break
		}
	}
	os.Exit(runFakeServer(os.Getenv("FAKE_MCP_MODE"), dirs, os.Stdin, os.Stdout, os.Stderr))
}

type fakeMessage struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func runFakeServer(mode string, dirs []string, in io.Reader, out, errOut io.Writer) int {
	switch mode {
	case "crash":
		fmt.Fprintln(errOut, "npm ERR! 404 Not Found - @modelcontextprotocol/server-filesystem")
		return 3
	case "hang":
		_, _ = io.Copy(io.Discard, in)
		return 0
	case "chatty":
		fmt.Fprintln(errOut, strings.Repeat("x", 300*1024))
		for range 1024 {
			fmt.Fprintln(errOut, strings.Repeat("y", 1023))
		}
	}

	// Package runners sometimes print noise before the server starts.
	fmt.Fprintln(out, "npx: installed 1 package")
	fmt.Fprintln(errOut, "Secure MCP Filesystem Server running on stdio")

	enc := json.NewEncoder(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var msg fakeMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil || msg.ID == nil {
			continue
		}
		result, rpcErr := fakeHandle(msg, dirs)

		if msg.Method == "tools/list" {
			_ = enc.Encode(map[string]any{
				"jsonrpc": "2.0",
				"method":  "notifications/message",
				"params":  map[string]any{"level": "info", "data": "listing"},
			})
		}

		resp := map[string]any{"jsonrpc": "2.0", "id": *msg.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = enc.Encode(resp)
	}
	return 0
}

func fakeHandle(msg fakeMessage, dirs []string) (any, *RPCError) {
	switch msg.Method {
	case "initialize":
		return map[string]any{
			"protocolVersion": protocolVersion,
			"serverInfo":      map[string]any{"name": "fake-filesystem", "version": "0.1.0"},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		}, nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		pathOnly := map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []string{"path"},
		}
		return map[string]any{"tools": []map[string]any{
			{"name": "list_directory", "description": "List a directory", "inputSchema": pathOnly},
			{"name": "read_text_file", "description": "Read a text file", "inputSchema": pathOnly},
			{"name": "write_file", "description": "Write a file", "inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
			}},
			{"name": "list_allowed_directories", "description": "List allowed directories", "inputSchema": map[string]any{"type": "object"}},
		}}, nil
	case "tools/call":
		var p struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return nil, &RPCError{Code: -32602, Message: err.Error()}
		}
		text, err := fakeTool(p.Name, p.Arguments, dirs)
		if err != nil {
			return map[string]any{
				"content": []map[string]any{{"type": "text", "text": "Error: " + err.Error()}},
				"isError": true,
			}, nil
		}
		return map[string]any{"content": []map[string]any{{"type": "text", "text": text}}}, nil
	}
	return nil, &RPCError{Code: -32601, Message: "Method not found"}
}

func fakeTool(name string, args map[string]any, dirs []string) (string, error) {
	path, _ := args["path"].(string)
	allowed := func() error {
		clean := filepath.Clean(path)
		for _, d := range dirs {
			if clean == d || strings.HasPrefix(clean, d+string(filepath.Separator)) {
				return nil
			}
		}
		return fmt.Errorf("Access denied - path outside allowed directories: %s", path)
	}

	switch name {
	case "list_allowed_directories":
		return "Allowed directories:\n" + strings.Join(dirs, "\n"), nil
	case "list_directory":
		if err := allowed(); err != nil {
			return "", err
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return "", err
		}
		var lines []string
		for _, e := range entries {
			kind := "[FILE]"
			if e.IsDir() {
				kind = "[DIR]"
			}
			lines = append(lines, kind+" "+e.Name())
		}
		sort.Strings(lines)
		return strings.Join(lines, "\n"), nil
	case "read_text_file":
		if err := allowed(); err != nil {
			return "", err
		}
		data, err := os.ReadFile(path)
		return string(data), err
	case "write_file":
		if err := allowed(); err != nil {
			return "", err
		}
		content, _ := args["content"].(string)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return "", err
		}
		return "Successfully wrote to " + path, nil
	}
	return "", fmt.Errorf("Unknown tool: %s", name)
}
