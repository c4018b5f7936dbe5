package scenario

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nugget/fsagent/internal/agent"
	"github.com/nugget/fsagent/internal/config"
	"github.com/nugget/fsagent/internal/mcp"
	"github.com/nugget/fsagent/internal/tools"
)

// The launcher tests re-exec the test binary as a filesystem tool
// server built on the MCP SDK, speaking stdio.

const helperEnv = "GO_WANT_HELPER_PROCESS"

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
	if err := helperServer(dirs).Run(context.Background(), &sdk.StdioTransport{}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

type pathArgs struct {
	Path string `json:"path"`
}

type writeArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func textResult(s string) *sdk.CallToolResult {
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: s}}}
}

func errorResult(err error) *sdk.CallToolResult {
	return &sdk.CallToolResult{IsError: true, Content: []sdk.Content{&sdk.TextContent{Text: "Error: " + err.Error()}}}
}

func helperServer(dirs []string) *sdk.Server {
	allowed := func(path string) error {
		clean := filepath.Clean(path)
		for _, d := range dirs {
			if clean == d || strings.HasPrefix(clean, d+string(filepath.Separator)) {
				return nil
			}
		}
		return fmt.Errorf("Access denied - path outside allowed directories: %s", path)
	}

	server := sdk.NewServer(&sdk.Implementation{Name: "fake-filesystem", Version: "0.1.0"}, nil)
	sdk.AddTool(server, &sdk.Tool{Name: "list_directory", Description: "List a directory"},
		func(_ context.Context, _ *sdk.CallToolRequest, in pathArgs) (*sdk.CallToolResult, any, error) {
			if err := allowed(in.Path); err != nil {
				return errorResult(err), nil, nil
			}
			entries, err := os.ReadDir(in.Path)
			if err != nil {
				return errorResult(err), nil, nil
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
			return textResult(strings.Join(lines, "\n")), nil, nil
		})
	sdk.AddTool(server, &sdk.Tool{Name: "read_text_file", Description: "Read a text file"},
		func(_ context.Context, _ *sdk.CallToolRequest, in pathArgs) (*sdk.CallToolResult, any, error) {
			if err := allowed(in.Path); err != nil {
				return errorResult(err), nil, nil
			}
			data, err := os.ReadFile(in.Path)
			if err != nil {
				return errorResult(err), nil, nil
			}
			return textResult(string(data)), nil, nil
		})
	sdk.AddTool(server, &sdk.Tool{Name: "write_file", Description: "Write a file"},
		func(_ context.Context, _ *sdk.CallToolRequest, in writeArgs) (*sdk.CallToolResult, any, error) {
			if err := allowed(in.Path); err != nil {
				return errorResult(err), nil, nil
			}
			if err := os.WriteFile(in.Path, []byte(in.Content), 0o644); err != nil {
				return errorResult(err), nil, nil
			}
			return textResult("Successfully wrote to " + in.Path), nil, nil
		})
	return server
}

// helperLauncher launches the test binary in place of the package
// runner. The install flag and package slots carry the test selector
// and the argument separator.
func helperLauncher(client, expose string) *MCPLauncher {
	return &MCPLauncher{
		Config: config.MCPConfig{
			Runners:     []string{os.Args[0]},
			InstallFlag: "-test.run=^TestHelperProcess$",
			Package:     "--",
			InitTimeout: 10 * time.Second,
			CallTimeout: 10 * time.Second,
			Client:      client,
			Expose:      expose,
			Env:         []string{helperEnv + "=1"},
		},
		Logger: quietLogger(),
	}
}

func lookSelf(file string) (string, error) { return file, nil }

func TestMCPLauncher_Brief(t *testing.T) {
	for _, client := range []string{mcp.ClientNative, mcp.ClientSDK} {
		t.Run(client, func(t *testing.T) {
			samplesDir := seededDir(t)
			outputsDir := filepath.Join(t.TempDir(), "outputs")
			briefPath := filepath.Join(outputsDir, "mcp_brief.md")

			var listed []string
			var deniedErr error
			orch := &fakeOrchestrator{respond: func(ctx context.Context, a *agent.Agent, _ string) (string, error) {
				out, err := a.Tools.Execute(ctx, "list_files", map[string]any{"path": samplesDir})
				if err != nil {
					return "", err
				}
				listed = strings.Split(out, "\n")

				books, err := a.Tools.Execute(ctx, "read_file", map[string]any{"path": filepath.Join(samplesDir, "favorite_books.txt")})
				if err != nil {
					return "", err
				}
				_, deniedErr = a.Tools.Execute(ctx, "write_file", map[string]any{
					"path": filepath.Join(samplesDir, "hijack.txt"), "content": "x",
				})
				top := strings.SplitN(books, "\n", 2)[0]
				if _, err := a.Tools.Execute(ctx, "write_file", map[string]any{
					"path": briefPath, "content": "# MCP Brief\n\n" + top + "\n",
				}); err != nil {
					return "", err
				}
				return "done", nil
			}}
			deps := Deps{LookPath: lookSelf, Launcher: helperLauncher(client, "files"), Orchestrator: orch, Logger: quietLogger()}

			res, err := Brief(context.Background(), deps, RunConfig{SamplesDir: samplesDir, OutputsDir: outputsDir})
			if err != nil {
				t.Fatalf("Brief: %v", err)
			}
			if strings.Join(listed, ",") != "favorite_books.txt,favorite_cities.txt,favorite_songs.txt" {
				t.Errorf("listed = %q", listed)
			}
			if deniedErr == nil {
				t.Error("write into the read-only samples dir succeeded")
			}
			if !res.BriefExists || res.BriefMarkdownPreview != "# MCP Brief\n\nDune\n" {
				t.Errorf("result = %+v", res)
			}
		})
	}
}

func TestMCPLauncher_ReadOnlyHasNoWriteTool(t *testing.T) {
	launcher := helperLauncher(mcp.ClientNative, "files")
	err := launcher.WithTools(context.Background(), os.Args[0], Scope{ReadOnly: []string{seededDir(t)}}, func(r *tools.Registry) error {
		if got := strings.Join(r.Names(), ","); got != "list_files,read_file" {
			t.Errorf("tools = %s", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTools: %v", err)
	}
}

func TestMCPLauncher_ExposeAll(t *testing.T) {
	launcher := helperLauncher(mcp.ClientNative, "all")
	samplesDir := seededDir(t)

	err := launcher.WithTools(context.Background(), os.Args[0], Scope{ReadOnly: []string{samplesDir}}, func(r *tools.Registry) error {
		name := mcp.ToolName(ServerName, "read_text_file")
		out, err := r.Execute(context.Background(), name, map[string]any{"path": filepath.Join(samplesDir, "favorite_books.txt")})
		if err != nil {
			return err
		}
		if !strings.HasPrefix(out, "Dune") {
			t.Errorf("%s = %q", name, out)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTools: %v", err)
	}
}

func TestMCPLauncher_FnErrorStillStops(t *testing.T) {
	launcher := helperLauncher(mcp.ClientNative, "files")
	boom := errors.New("agent failed")

	err := launcher.WithTools(context.Background(), os.Args[0], Scope{ReadOnly: []string{seededDir(t)}}, func(*tools.Registry) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestMCPLauncher_StartFailure(t *testing.T) {
	launcher := helperLauncher(mcp.ClientNative, "files")
	called := false

	err := launcher.WithTools(context.Background(), filepath.Join(t.TempDir(), "no-such-runner"),
		Scope{ReadOnly: []string{seededDir(t)}}, func(*tools.Registry) error {
			called = true
			return nil
		})
	var serr *mcp.ServerError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want *mcp.ServerError", err)
	}
	if called {
		t.Error("fn ran without a server")
	}
}
