package scenario

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/fsagent/internal/config"
	"github.com/nugget/fsagent/internal/mcp"
	"github.com/nugget/fsagent/internal/tools"
)

// ServerName names the filesystem tool server in logs and bridged
// tool names.
const ServerName = "filesystem"

// Scope lists the directories a run may touch.
type Scope struct {
	ReadOnly  []string
	ReadWrite []string
}

// Dirs returns every allowed directory, read-only first.
func (s Scope) Dirs() []string {
	return append(append([]string(nil), s.ReadOnly...), s.ReadWrite...)
}

// Writable reports whether the scope has a writable directory.
func (s Scope) Writable() bool {
	return len(s.ReadWrite) > 0
}

// Launcher provides the agent's tools for the span of one function
// call. Whatever it starts is stopped before WithTools returns, on
// every path.
type Launcher interface {
	// Runners are the executables that must resolve on the search path
	// before WithTools may be called. Nil means none are needed.
	Runners() []string

	// WithTools starts the tools for scope with the resolved runner and
	// passes their registry to fn.
	WithTools(ctx context.Context, runner string, scope Scope, fn func(*tools.Registry) error) error
}

// MCPLauncher serves tools from the filesystem MCP server, launched as
// a subprocess per call.
type MCPLauncher struct {
	Config config.MCPConfig
	Logger *slog.Logger
}

// Runners implements Launcher.
func (l *MCPLauncher) Runners() []string {
	return l.Config.Runners
}

// WithTools implements Launcher.
func (l *MCPLauncher) WithTools(ctx context.Context, runner string, scope Scope, fn func(*tools.Registry) error) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	params := mcp.FilesystemParams(runner, l.Config.InstallFlag, l.Config.Package, scope.Dirs()...)
	params.Env = l.Config.Env
	opts := mcp.Options{
		InitTimeout: l.Config.InitTimeout,
		CallTimeout: l.Config.CallTimeout,
		Client:      l.Config.Client,
		Logger:      logger,
	}

	return mcp.WithServer(ctx, ServerName, params, opts, func(srv *mcp.Server) error {
		registry := tools.NewRegistry()
		if l.Config.Expose == "all" {
			n, err := srv.Bridge(ctx, registry)
			if err != nil {
				return fmt.Errorf("bridge %s tools: %w", ServerName, err)
			}
			logger.Info("bridged tool server tools", "mcp_server", ServerName, "tools", n)
		} else {
			files, err := srv.Files(ctx)
			if err != nil {
				return err
			}
			// The server lets every allowed directory be written.
			scoped, err := tools.WriteScoped(files, scope.ReadWrite)
			if err != nil {
				return err
			}
			tools.ProviderTools(registry, scoped, scope.Writable())
		}
		return fn(registry)
	})
}

// LocalLauncher serves the same file tools straight from disk, with no
// subprocess and no runner.
type LocalLauncher struct{}

// Runners implements Launcher.
func (LocalLauncher) Runners() []string { return nil }

// WithTools implements Launcher.
func (LocalLauncher) WithTools(_ context.Context, _ string, scope Scope, fn func(*tools.Registry) error) error {
	files, err := tools.NewLocalFiles(scope.ReadOnly, scope.ReadWrite)
	if err != nil {
		return err
	}
	registry := tools.NewRegistry()
	tools.ProviderTools(registry, files, scope.Writable())
	return fn(registry)
}
