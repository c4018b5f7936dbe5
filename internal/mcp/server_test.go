package mcp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/nugget/fsagent/internal/tools"
)

func TestFilesystemParams(t *testing.T) {
	samples := t.TempDir()
	p := FilesystemParams("/usr/bin/npx", "-y", "@modelcontextprotocol/server-filesystem", samples, "outputs")

	if p.Command != "/usr/bin/npx" {
		t.Errorf("Command = %q", p.Command)
	}
	if len(p.Args) != 4 {
		t.Fatalf("Args = %q, want 4 entries", p.Args)
	}
	if p.Args[0] != "-y" || p.Args[1] != "@modelcontextprotocol/server-filesystem" {
		t.Errorf("Args prefix = %q", p.Args[:2])
	}
	if p.Args[2] != samples {
		t.Errorf("Args[2] = %q, want %q", p.Args[2], samples)
	}
	if !filepath.IsAbs(p.Args[3]) {
		t.Errorf("relative dir not made absolute: %q", p.Args[3])
	}
	if !strings.HasPrefix(p.String(), "/usr/bin/npx -y @modelcontextprotocol/server-filesystem ") {
		t.Errorf("String() = %q", p.String())
	}
}

func TestFilesystemParams_NoInstallFlag(t *testing.T) {
	p := FilesystemParams("npx", "", "pkg", "/data")
	if strings.Join(p.Args, " ") != "pkg /data" {
		t.Errorf("Args = %q", p.Args)
	}
}

// helperProcess digs the subprocess out of a natively launched server.
func helperProcess(t *testing.T, srv *Server) *os.Process {
	t.Helper()
	client, ok := srv.Session().(*Client)
	if !ok {
		t.Fatalf("session is %T, want *Client", srv.Session())
	}
	proc := client.transport.(*StdioTransport).Process()
	if proc == nil {
		t.Fatal("no subprocess")
	}
	return proc
}

func assertReaped(t *testing.T, proc *os.Process) {
	t.Helper()
	if err := proc.Signal(syscall.Signal(0)); err == nil {
		t.Errorf("tool server pid %d still running after scope exit", proc.Pid)
	}
}

func TestWithServer_StopsOnSuccess(t *testing.T) {
	var proc *os.Process
	err := WithServer(context.Background(), "filesystem", helperParams("serve", t.TempDir()), Options{}, func(srv *Server) error {
		proc = helperProcess(t, srv)
		return srv.Ping(context.Background())
	})
	if err != nil {
		t.Fatalf("WithServer: %v", err)
	}
	assertReaped(t, proc)
}

func TestWithServer_StopsOnError(t *testing.T) {
	boom := errors.New("agent failed")
	var proc *os.Process
	err := WithServer(context.Background(), "filesystem", helperParams("serve", t.TempDir()), Options{}, func(srv *Server) error {
		proc = helperProcess(t, srv)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithServer error = %v, want %v", err, boom)
	}
	assertReaped(t, proc)
}

func TestWithServer_StopsOnPanic(t *testing.T) {
	var proc *os.Process
	func() {
		defer func() {
			if r := recover(); r != "kaboom" {
				t.Errorf("recovered %v, want kaboom", r)
			}
		}()
		_ = WithServer(context.Background(), "filesystem", helperParams("serve", t.TempDir()), Options{}, func(srv *Server) error {
			proc = helperProcess(t, srv)
			panic("kaboom")
		})
	}()
	if proc == nil {
		t.Fatal("callback never ran")
	}
	assertReaped(t, proc)
}

func TestLaunch_MissingRunner(t *testing.T) {
	params := LaunchParams{Command: "definitely-not-a-real-runner-xyz"}
	called := false
	err := WithServer(context.Background(), "filesystem", params, Options{}, func(*Server) error {
		called = true
		return nil
	})
	var srvErr *ServerError
	if !errors.As(err, &srvErr) || srvErr.Phase != PhaseStart {
		t.Fatalf("error = %v, want start ServerError", err)
	}
	if called {
		t.Error("callback ran although the server never started")
	}
}

func TestLaunch_SubprocessCrashes(t *testing.T) {
	_, err := Launch(context.Background(), "filesystem", helperParams("crash"), Options{InitTimeout: 5 * time.Second})
	var srvErr *ServerError
	if !errors.As(err, &srvErr) {
		t.Fatalf("error = %v, want *ServerError", err)
	}
	if srvErr.Phase != PhaseInitialize {
		t.Errorf("Phase = %q, want %q", srvErr.Phase, PhaseInitialize)
	}
	if !strings.Contains(err.Error(), "404 Not Found") {
		t.Errorf("error does not carry stderr: %v", err)
	}
}

func TestLaunch_InitTimeout(t *testing.T) {
	start := time.Now()
	_, err := Launch(context.Background(), "filesystem", helperParams("hang"), Options{InitTimeout: 200 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Launch took %v to give up", elapsed)
	}
}

func TestLaunch_UnknownClient(t *testing.T) {
	_, err := Launch(context.Background(), "filesystem", helperParams("serve"), Options{Client: "grpc"})
	if err == nil || !strings.Contains(err.Error(), `unknown client "grpc"`) {
		t.Errorf("error = %v", err)
	}
}

func TestServer_FilesAgainstSubprocess(t *testing.T) {
	samples := t.TempDir()
	outputs := t.TempDir()
	os.WriteFile(filepath.Join(samples, "favorite_books.txt"), []byte("Dune\nHyperion\n"), 0o644)
	os.Mkdir(filepath.Join(samples, "archive"), 0o755)

	err := WithServer(context.Background(), "filesystem", helperParams("serve", samples, outputs), Options{CallTimeout: 5 * time.Second}, func(srv *Server) error {
		ctx := context.Background()
		files, err := srv.Files(ctx)
		if err != nil {
			return err
		}

		entries, err := files.ListFiles(ctx, samples)
		if err != nil {
			return err
		}
		if strings.Join(entries, ",") != "archive/,favorite_books.txt" {
			t.Errorf("ListFiles = %q", entries)
		}

		text, err := files.ReadFile(ctx, filepath.Join(samples, "favorite_books.txt"))
		if err != nil {
			return err
		}
		if !strings.HasPrefix(text, "Dune") {
			t.Errorf("ReadFile = %q", text)
		}

		brief := filepath.Join(outputs, "mcp_brief.md")
		if err := files.WriteFile(ctx, brief, "# Brief\n"); err != nil {
			return err
		}

		var toolErr *ToolError
		if err := files.WriteFile(ctx, "/etc/fsagent-should-not-exist", "x"); !errors.As(err, &toolErr) {
			t.Errorf("write outside allowed dirs = %v, want *ToolError", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithServer: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(outputs, "mcp_brief.md"))
	if err != nil || string(got) != "# Brief\n" {
		t.Errorf("brief on disk = %q, %v", got, err)
	}
}

func TestServer_Bridge(t *testing.T) {
	fs := &fakeSession{
		defs:    []ToolDefinition{{Name: "list_allowed_directories"}},
		results: map[string]string{"list_allowed_directories": "Allowed directories:\n/s"},
	}
	srv := NewServer("filesystem", LaunchParams{}, fs, Options{CallTimeout: time.Second})
	reg := tools.NewRegistry()

	n, err := srv.Bridge(context.Background(), reg)
	if err != nil || n != 1 {
		t.Fatalf("Bridge = %d, %v", n, err)
	}
	out, err := reg.Execute(context.Background(), "mcp_filesystem_list_allowed_directories", nil)
	if err != nil || !strings.Contains(out, "/s") {
		t.Errorf("Execute = %q, %v", out, err)
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !fs.closed {
		t.Error("session not closed")
	}
}

func TestServerError_Message(t *testing.T) {
	err := &ServerError{
		Server: "filesystem",
		Phase:  PhaseInitialize,
		Params: LaunchParams{Command: "npx", Args: []string{"-y", "pkg"}},
		Stderr: []string{"npm ERR! network"},
		Err:    context.DeadlineExceeded,
	}
	msg := err.Error()
	for _, want := range []string{"tool server filesystem: initialize failed", "command: npx -y pkg", "npm ERR! network"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("ServerError does not unwrap its cause")
	}
}
