// Fsagent runs a tool-using agent against a sandboxed filesystem.
//
// The agent reaches the files only through a filesystem tool server
// launched as a subprocess, scoped to the sample files (read only) and,
// for the brief, an outputs directory (writable). Every run is recorded
// as one trace. Configuration is optional; see [config.DefaultSearchPaths].
//
// Usage:
//
//	fsagent ask                  Ask the fixed questions about the sample files
//	fsagent brief                Have the agent write outputs/mcp_brief.md
//	fsagent check                Check the samples directory, package runner and model provider
//	fsagent init [dir]           Write an example config and seed sample files
//	fsagent traces [n|trace-id]  Show recent runs, or one run's calls
//	fsagent version              Print version and build information
//	fsagent -o json brief        Output the brief result as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/fsagent/internal/agent"
	"github.com/nugget/fsagent/internal/buildinfo"
	"github.com/nugget/fsagent/internal/config"
	"github.com/nugget/fsagent/internal/llm"
	"github.com/nugget/fsagent/internal/precheck"
	"github.com/nugget/fsagent/internal/scenario"
	"github.com/nugget/fsagent/internal/trace"
)

// flushTimeout bounds the final trace flush after a run.
const flushTimeout = 15 * time.Second

// pingTimeout bounds the model provider check in "fsagent check".
const pingTimeout = 10 * time.Second

// main only builds the OS environment and hands it to [run], so the
// whole lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

// options are the global flags.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
	baseDir    string
	local      bool
}

// run is the real entry point. Agent answers and results go to stdout;
// structured logs go to stderr.
//
// Arguments are parsed by hand. The flag package keeps global state
// that gets in the way of calling run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-base" && i+1 < len(args):
			opts.baseDir = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-base="):
			opts.baseDir = strings.TrimPrefix(args[i], "-base=")
		case args[i] == "-local":
			opts.local = true
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "ask":
		return runAsk(ctx, stdout, stderr, opts)
	case "brief":
		return runBrief(ctx, stdout, stderr, opts)
	case "check":
		return runCheck(ctx, stdout, stderr, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "traces":
		return runTraces(ctx, stdout, stderr, opts, cmdArgs)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "fsagent - filesystem agent over a sandboxed tool server")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: fsagent [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  ask                  Ask the fixed questions about the sample files")
	fmt.Fprintln(w, "  brief                Have the agent write a markdown brief to the outputs dir")
	fmt.Fprintln(w, "  check                Check the samples directory, package runner and model provider")
	fmt.Fprintln(w, "  init [dir]           Write an example config and seed sample files (default: .)")
	fmt.Fprintln(w, "  traces [n|trace-id]  Show the n most recent runs (default 10), or one run's calls")
	fmt.Fprintln(w, "  version              Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -base <dir>       Resolve relative samples, outputs, and trace paths here")
	fmt.Fprintln(w, "  -local            Serve file tools in-process instead of launching the tool server")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// env is the loaded configuration plus everything derived from it.
type env struct {
	cfg     *config.Config
	cfgPath string
	logger  *slog.Logger
	base    string
	opts    options
}

func newEnv(stderr io.Writer, opts options) (*env, error) {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}

	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(stderr, level, cfg.LogFormat)
	if cfgPath != "" {
		logger.Debug("config loaded", "path", cfgPath)
	} else {
		logger.Debug("no config file found, using defaults")
	}

	base := cfg.BaseDir
	if opts.baseDir != "" {
		base = opts.baseDir
	}
	if base == "" {
		base = "."
	}
	if base, err = filepath.Abs(base); err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}

	return &env{cfg: cfg, cfgPath: cfgPath, logger: logger, base: base, opts: opts}, nil
}

// path resolves p against the base directory unless it is absolute.
func (e *env) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.base, p)
}

func (e *env) runConfig() scenario.RunConfig {
	return scenario.RunConfig{
		Project:    e.cfg.Project,
		SamplesDir: e.path(e.cfg.SamplesDir),
		OutputsDir: e.path(e.cfg.OutputsDir),
	}
}

// deps builds the tracer, model client, and launcher for one run. The
// returned closer flushes the tracer and must be called exactly once.
func (e *env) deps(ctx context.Context) (scenario.Deps, func(), error) {
	tracer, err := trace.Init(ctx, trace.Config{
		Project: e.cfg.Project,
		Enabled: e.cfg.Trace.Enabled,
		Sinks:   e.cfg.Trace.Sinks,
		BaseDir: e.base,
	}, e.logger)
	if err != nil {
		return scenario.Deps{}, nil, fmt.Errorf("init tracing: %w", err)
	}
	closer := func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		defer cancel()
		if err := tracer.Close(flushCtx); err != nil {
			e.logger.Warn("trace flush failed", "error", err)
		}
	}

	ollama := llm.NewOllamaClient(e.cfg.Models.OllamaURL, e.logger)
	client := createLLMClient(e.cfg, e.logger, ollama)
	runner := agent.NewRunner(client, e.cfg.Models.Default, tracer, e.logger).WithMaxTurns(e.cfg.Agent.MaxTurns)

	var launcher scenario.Launcher = &scenario.MCPLauncher{Config: e.cfg.MCP, Logger: e.logger}
	if e.opts.local {
		launcher = scenario.LocalLauncher{}
	}

	return scenario.Deps{
		Launcher:     launcher,
		Orchestrator: runner,
		Tracer:       tracer,
		AgentName:    e.cfg.Agent.Name,
		Logger:       e.logger,
	}, closer, nil
}

// runAsk handles "fsagent ask": the read-only flow, answers printed to
// stdout as they arrive.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	e, err := newEnv(stderr, opts)
	if err != nil {
		return err
	}
	deps, closeTracer, err := e.deps(ctx)
	if err != nil {
		return err
	}
	defer closeTracer()

	return scenario.ReadOnly(ctx, deps, e.runConfig(), stdout)
}

// runBrief handles "fsagent brief": the read-write flow. The result is
// printed as JSON in both output formats, with a short human summary
// first in text mode.
func runBrief(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	e, err := newEnv(stderr, opts)
	if err != nil {
		return err
	}
	deps, closeTracer, err := e.deps(ctx)
	if err != nil {
		return err
	}
	defer closeTracer()

	res, err := scenario.Brief(ctx, deps, e.runConfig())
	if err != nil {
		return err
	}

	if opts.outputFmt == "text" {
		status := "written"
		if !res.BriefExists {
			status = "missing"
		}
		fmt.Fprintf(stdout, "Brief %s: %s\n\n", status, res.BriefPath)
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// runCheck handles "fsagent check": preconditions plus a ping of the
// provider serving the default model. Nothing is launched.
func runCheck(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	e, err := newEnv(stderr, opts)
	if err != nil {
		return err
	}
	rc := e.runConfig()

	var res *precheck.Result
	if opts.local {
		if err := precheck.CheckSamples(rc.SamplesDir); err != nil {
			return err
		}
		res = &precheck.Result{SamplesDir: rc.SamplesDir, MissingFiles: precheck.MissingSampleFiles(rc.SamplesDir)}
	} else {
		res, err = precheck.Check(precheck.Options{SamplesDir: rc.SamplesDir, Runners: e.cfg.MCP.Runners})
		if err != nil {
			return err
		}
	}

	model := e.cfg.Models.Default
	client := createLLMClient(e.cfg, e.logger, llm.NewOllamaClient(e.cfg.Models.OllamaURL, e.logger))
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.PingModel(pingCtx, model); err != nil {
		return fmt.Errorf("model %s unreachable: %w", model, err)
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"samples_dir":   res.SamplesDir,
			"runner":        res.Runner,
			"missing_files": res.MissingFiles,
			"model":         model,
		})
	}

	fmt.Fprintf(stdout, "  ✓ samples: %s\n", res.SamplesDir)
	if res.Runner != "" {
		fmt.Fprintf(stdout, "  ✓ runner:  %s\n", res.Runner)
	}
	fmt.Fprintf(stdout, "  ✓ model:   %s\n", model)
	for _, f := range res.MissingFiles {
		fmt.Fprintf(stdout, "  ! missing: %s\n", f)
	}
	return nil
}

// newLogger returns a logger writing to w in format ("text" or "json").
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the configuration file. When no
// explicit path is given and none is found, the defaults are returned
// with an empty path.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		return config.Default(), "", nil
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// createLLMClient routes each configured model to its provider. Models
// not listed fall through to Ollama.
func createLLMClient(cfg *config.Config, logger *slog.Logger, ollamaClient *llm.OllamaClient) *llm.MultiClient {
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if cfg.Anthropic.Configured() {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
		logger.Debug("Anthropic provider configured")
	}

	defaultProvider := "ollama"
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
		if m.Name == cfg.Models.Default {
			defaultProvider = m.Provider
		}
	}
	logger.Debug("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", defaultProvider)

	return multi
}
