package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nugget/fsagent/internal/tools"
)

// Client implementations selectable in Options.
const (
	ClientNative = "native"
	ClientSDK    = "sdk"
)

// Phases a ServerError can occur in.
const (
	PhaseStart      = "start"
	PhaseInitialize = "initialize"
	PhaseStop       = "stop"
)

// DefaultInitTimeout bounds launch plus handshake. The first run of a
// package runner may download the server package.
const DefaultInitTimeout = 60 * time.Second

// LaunchParams is the command line of a tool server subprocess.
type LaunchParams struct {
	Command string
	Args    []string

	// Env entries ("KEY=VALUE") are added to the inherited environment.
	Env []string
}

// String renders the command line for logs and errors.
func (p LaunchParams) String() string {
	return strings.Join(append([]string{p.Command}, p.Args...), " ")
}

// FilesystemParams returns the command line that runs the filesystem
// tool server package through runner, allowed to access dirs. Dirs are
// made absolute.
func FilesystemParams(runner, installFlag, pkg string, dirs ...string) LaunchParams {
	var args []string
	if installFlag != "" {
		args = append(args, installFlag)
	}
	args = append(args, pkg)
	for _, d := range dirs {
		if abs, err := filepath.Abs(d); err == nil {
			d = abs
		}
		args = append(args, d)
	}
	return LaunchParams{Command: runner, Args: args}
}

// Options tunes a launched server.
type Options struct {
	// InitTimeout bounds subprocess start plus the initialize
	// handshake. Zero means DefaultInitTimeout.
	InitTimeout time.Duration

	// CallTimeout bounds each tool call. Zero means only the caller's
	// context applies.
	CallTimeout time.Duration

	// Client is ClientNative (default) or ClientSDK.
	Client string

	Logger *slog.Logger
}

// ServerError reports a tool server that could not be started, could
// not complete the handshake, or did not stop cleanly.
type ServerError struct {
	Server string
	Phase  string
	Params LaunchParams

	// Stderr holds the last lines the subprocess wrote, if any.
	Stderr []string

	Err error
}

func (e *ServerError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tool server %s: %s failed: %v", e.Server, e.Phase, e.Err)
	if e.Params.Command != "" && e.Phase != PhaseStop {
		fmt.Fprintf(&b, "\n  command: %s", e.Params)
	}
	if len(e.Stderr) > 0 {
		b.WriteString("\n  stderr:")
		for _, line := range e.Stderr {
			b.WriteString("\n    " + line)
		}
	}
	return b.String()
}

func (e *ServerError) Unwrap() error { return e.Err }

// Server is a running, initialized tool server. Obtain one with Launch
// or WithServer; it must not be used after Close.
type Server struct {
	name        string
	params      LaunchParams
	session     Session
	callTimeout time.Duration
	logger      *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewServer wraps an already initialized session. Launch is the usual
// constructor; NewServer serves sessions built some other way, such as
// over an in-process transport.
func NewServer(name string, params LaunchParams, session Session, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		name:        name,
		params:      params,
		session:     session,
		callTimeout: opts.CallTimeout,
		logger:      logger.With("mcp_server", name),
	}
}

// Launch starts the subprocess described by params and completes the
// MCP handshake within opts.InitTimeout. On any failure the subprocess
// is stopped and a *ServerError is returned.
func Launch(ctx context.Context, name string, params LaunchParams, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.InitTimeout
	if timeout <= 0 {
		timeout = DefaultInitTimeout
	}

	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		session Session
		err     error
	)
	switch opts.Client {
	case ClientSDK:
		session, err = ConnectSDK(initCtx, name, CommandTransport(params), logger)
		if err != nil {
			return nil, &ServerError{Server: name, Phase: PhaseInitialize, Params: params, Err: err}
		}
	case "", ClientNative:
		session, err = launchNative(initCtx, name, params, logger)
		if err != nil {
			return nil, err
		}
	default:
		return nil, &ServerError{Server: name, Phase: PhaseStart, Params: params,
			Err: fmt.Errorf("unknown client %q", opts.Client)}
	}

	logger.Info("tool server ready", "mcp_server", name, "command", params.String())
	return NewServer(name, params, session, opts), nil
}

func launchNative(ctx context.Context, name string, params LaunchParams, logger *slog.Logger) (*Client, error) {
	transport := NewStdioTransport(StdioConfig{
		Command: params.Command,
		Args:    params.Args,
		Env:     params.Env,
		Logger:  logger.With("mcp_server", name),
	})
	if err := transport.Start(); err != nil {
		return nil, &ServerError{Server: name, Phase: PhaseStart, Params: params, Err: err}
	}

	client := NewClient(name, transport, logger)
	if err := client.Initialize(ctx); err != nil {
		_ = transport.Close()
		return nil, &ServerError{
			Server: name,
			Phase:  PhaseInitialize,
			Params: params,
			Stderr: transport.Stderr(),
			Err:    err,
		}
	}
	return client, nil
}

// WithServer launches a tool server, passes it to fn, and stops it
// before returning. The server is stopped on every path out of fn,
// including a panic. A failure to stop is joined to fn's error.
func WithServer(ctx context.Context, name string, params LaunchParams, opts Options, fn func(*Server) error) (err error) {
	srv, err := Launch(ctx, name, params, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := srv.Close(); cerr != nil {
			err = errors.Join(err, &ServerError{Server: name, Phase: PhaseStop, Params: params, Err: cerr})
		}
	}()
	return fn(srv)
}

// Name returns the server name.
func (s *Server) Name() string { return s.name }

// Params returns the launch command line.
func (s *Server) Params() LaunchParams { return s.params }

// Session returns the underlying client session.
func (s *Server) Session() Session { return s.session }

// ListTools returns the server's tool definitions.
func (s *Server) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	return s.session.ListTools(ctx)
}

// CallTool invokes a tool, bounded by the per-call timeout.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	start := time.Now()
	out, err := s.session.CallTool(ctx, name, args)
	s.logger.Debug("MCP tool call",
		"tool", name,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"error", err,
	)
	return out, err
}

// Ping checks that the server still answers.
func (s *Server) Ping(ctx context.Context) error {
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	return s.session.Ping(ctx)
}

// Close stops the server. Later calls return the first result.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Info("stopping tool server")
		s.closeErr = s.session.Close()
	})
	return s.closeErr
}

// Files returns the server's filesystem operations as a
// tools.Provider.
func (s *Server) Files(ctx context.Context) (*tools.MCPFiles, error) {
	defs, err := s.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools from %s: %w", s.name, err)
	}
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return tools.NewMCPFiles(s, names), nil
}

// Bridge registers all of the server's tools on registry under
// namespaced names.
func (s *Server) Bridge(ctx context.Context, registry *tools.Registry) (int, error) {
	return BridgeTools(ctx, serverSession{s}, s.name, registry, nil, s.logger)
}

func (s *Server) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.callTimeout)
}

// serverSession routes bridged calls through Server so the per-call
// timeout and logging apply. Closing it is a no-op; the scope owns the
// server.
type serverSession struct{ s *Server }

func (ss serverSession) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	return ss.s.ListTools(ctx)
}

func (ss serverSession) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	return ss.s.CallTool(ctx, name, args)
}

func (ss serverSession) Ping(ctx context.Context) error { return ss.s.Ping(ctx) }

func (ss serverSession) Close() error { return nil }
