// Package scenario runs the two scripted filesystem-agent flows.
//
// Both flows are strictly linear: check preconditions, start the tool
// server, build the agent, invoke it, and stop the server. ReadOnly asks
// fixed questions and prints each answer. Brief asks for a markdown
// brief, verifies it from disk, and returns a BriefResult. Each flow is
// one traced call on the Tracer it is given.
package scenario

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nugget/fsagent/internal/agent"
	"github.com/nugget/fsagent/internal/brief"
	"github.com/nugget/fsagent/internal/precheck"
	"github.com/nugget/fsagent/internal/prompts"
	"github.com/nugget/fsagent/internal/tools"
	"github.com/nugget/fsagent/internal/trace"
)

// Traced operation names.
const (
	OpReadOnly = "chapter_6_mcp"
	OpBrief    = "chapter_6_mcp_brief"
)

// RunConfig is fixed for the duration of a run.
type RunConfig struct {
	Project    string
	SamplesDir string
	// OutputsDir is only used by Brief.
	OutputsDir string
}

// abs returns a copy with both directories made absolute.
func (c RunConfig) abs() (RunConfig, error) {
	var err error
	if c.SamplesDir, err = filepath.Abs(c.SamplesDir); err != nil {
		return c, fmt.Errorf("resolve samples dir: %w", err)
	}
	if c.OutputsDir != "" {
		if c.OutputsDir, err = filepath.Abs(c.OutputsDir); err != nil {
			return c, fmt.Errorf("resolve outputs dir: %w", err)
		}
	}
	return c, nil
}

// Deps are the collaborators a flow runs against.
type Deps struct {
	// LookPath resolves the launcher's runners. Nil uses exec.LookPath.
	LookPath     precheck.LookPathFunc
	Launcher     Launcher
	Orchestrator agent.Orchestrator

	// Tracer may be nil.
	Tracer *trace.Tracer

	// AgentName defaults to "Assistant".
	AgentName string
	Logger    *slog.Logger
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Deps) newAgent(registry *tools.Registry) *agent.Agent {
	return agent.New(d.AgentName, prompts.AgentInstructions, registry)
}

// preflight validates the samples directory, then resolves a runner.
// Nothing is started unless both pass.
func (d *Deps) preflight(cfg RunConfig) (string, error) {
	if err := precheck.CheckSamples(cfg.SamplesDir); err != nil {
		return "", err
	}
	if missing := precheck.MissingSampleFiles(cfg.SamplesDir); len(missing) > 0 {
		d.logger().Warn("sample files missing", "dir", cfg.SamplesDir, "files", missing)
	}

	runners := d.Launcher.Runners()
	if len(runners) == 0 {
		return "", nil
	}
	runner, err := precheck.ResolveRunner(d.LookPath, runners...)
	if err != nil {
		return "", err
	}
	d.logger().Debug("runner resolved", "runner", runner)
	return runner, nil
}

// ReadOnly asks each of prompts.Questions in order against a read-only
// tool server over the samples directory. Each answer is written to out
// before the next question is asked.
func ReadOnly(ctx context.Context, deps Deps, cfg RunConfig, out io.Writer) error {
	cfg, err := cfg.abs()
	if err != nil {
		return err
	}
	inputs := map[string]any{"project": cfg.Project, "samples_dir": cfg.SamplesDir}

	_, err = deps.Tracer.Op(ctx, OpReadOnly, inputs, func(ctx context.Context, span *trace.Span) (any, error) {
		runner, err := deps.preflight(cfg)
		if err != nil {
			return nil, err
		}

		scope := Scope{ReadOnly: []string{cfg.SamplesDir}}
		var answers []string
		err = deps.Launcher.WithTools(ctx, runner, scope, func(registry *tools.Registry) error {
			a := deps.newAgent(registry)
			for i, q := range prompts.Questions {
				fmt.Fprintf(out, "\nRunning: %s\n", q)
				res, err := deps.Orchestrator.Run(ctx, a, q)
				if err != nil {
					return fmt.Errorf("question %d: %w", i+1, err)
				}
				fmt.Fprintln(out, res.FinalOutput)
				answers = append(answers, res.FinalOutput)
			}
			return nil
		})
		span.Log("answers", len(answers))
		if err != nil {
			return nil, err
		}
		return answers, nil
	})
	return err
}

// BriefResult is the outcome of the brief flow.
type BriefResult struct {
	Project     string `json:"project"`
	SamplesDir  string `json:"samples_dir"`
	OutputsDir  string `json:"outputs_dir"`
	Prompt      string `json:"prompt"`
	FinalOutput string `json:"final_output"`
	BriefPath   string `json:"brief_path"`
	BriefExists bool   `json:"brief_exists"`

	// BriefMarkdownPreview is the file content when BriefExists, and a
	// "(could not read ...)" placeholder otherwise.
	BriefMarkdownPreview string `json:"brief_markdown_preview"`
}

// Map returns the result keyed by field name.
func (r *BriefResult) Map() map[string]any {
	return map[string]any{
		"project":                r.Project,
		"samples_dir":            r.SamplesDir,
		"outputs_dir":            r.OutputsDir,
		"prompt":                 r.Prompt,
		"final_output":           r.FinalOutput,
		"brief_path":             r.BriefPath,
		"brief_exists":           r.BriefExists,
		"brief_markdown_preview": r.BriefMarkdownPreview,
	}
}

// readBrief reads the brief back from disk, independent of what the
// agent reported. A failure becomes a placeholder, not an error.
func readBrief(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("(could not read %s: %v)", path, err), false
	}
	return string(data), true
}

// Brief asks the agent, with write access to the outputs directory, to
// list and read the samples and write prompts.BriefFile. The file is
// then read back from disk and the result assembled.
func Brief(ctx context.Context, deps Deps, cfg RunConfig) (*BriefResult, error) {
	cfg, err := cfg.abs()
	if err != nil {
		return nil, err
	}
	if cfg.OutputsDir == "" {
		return nil, fmt.Errorf("outputs dir is required")
	}
	inputs := map[string]any{
		"project":     cfg.Project,
		"samples_dir": cfg.SamplesDir,
		"outputs_dir": cfg.OutputsDir,
	}
	log := deps.logger()

	out, err := deps.Tracer.Op(ctx, OpBrief, inputs, func(ctx context.Context, span *trace.Span) (any, error) {
		runner, err := deps.preflight(cfg)
		if err != nil {
			return nil, err
		}
		if err := precheck.EnsureDir(cfg.OutputsDir); err != nil {
			return nil, err
		}

		briefPath := filepath.Join(cfg.OutputsDir, prompts.BriefFile)
		prompt := prompts.BriefPrompt(cfg.SamplesDir, cfg.OutputsDir, briefPath)
		scope := Scope{ReadOnly: []string{cfg.SamplesDir}, ReadWrite: []string{cfg.OutputsDir}}

		var (
			final   string
			preview string
			exists  bool
		)
		err = deps.Launcher.WithTools(ctx, runner, scope, func(registry *tools.Registry) error {
			res, err := deps.Orchestrator.Run(ctx, deps.newAgent(registry), prompt)
			if err != nil {
				return err
			}
			final = res.FinalOutput
			preview, exists = readBrief(briefPath)
			return nil
		})
		if err != nil {
			return nil, err
		}

		result := &BriefResult{
			Project:              cfg.Project,
			SamplesDir:           cfg.SamplesDir,
			OutputsDir:           cfg.OutputsDir,
			Prompt:               prompt,
			FinalOutput:          final,
			BriefPath:            briefPath,
			BriefExists:          exists,
			BriefMarkdownPreview: preview,
		}

		if exists {
			outline := brief.Inspect([]byte(preview))
			span.Log("brief_title", outline.Title)
			span.Log("brief_files", outline.Files)
			span.Log("brief_words", outline.Words)
			if html, err := brief.HTML([]byte(preview)); err != nil {
				log.Warn("brief preview not rendered", "path", briefPath, "error", err)
			} else {
				span.Log("brief_html", html)
			}
			log.Info("brief written", "path", briefPath, "title", outline.Title, "files", outline.Files)
		} else {
			log.Warn("brief not readable", "path", briefPath, "detail", preview)
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*BriefResult), nil
}
