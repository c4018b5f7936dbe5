// Package precheck validates the local environment before any tool
// server is launched: the sample data directory must exist and a
// package runner must be resolvable on the search path.
package precheck

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// SampleFiles are the files the sample directory is expected to hold.
var SampleFiles = []string{
	"favorite_books.txt",
	"favorite_songs.txt",
	"favorite_cities.txt",
}

// DefaultRunners are the package-runner names tried when none are
// configured: the plain name and the Windows shim.
var DefaultRunners = []string{"npx", "npx.cmd"}

// MissingResourceError reports a required local directory that does
// not exist.
type MissingResourceError struct {
	Path  string
	Files []string
}

func (e *MissingResourceError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Expected sample_files directory at:\n  %s\n\nCreate it and add:\n", e.Path)
	for _, f := range e.Files {
		fmt.Fprintf(&b, "  - %s\n", f)
	}
	return b.String()
}

// MissingDependencyError reports that no acceptable package runner was
// found on the search path.
type MissingDependencyError struct {
	Candidates []string
}

func (e *MissingDependencyError) Error() string {
	name := "npx"
	if len(e.Candidates) > 0 {
		name = e.Candidates[0]
	}
	return fmt.Sprintf("%s not found (tried: %s).\n\n"+
		"Install Node.js (LTS), then restart your terminal.\n"+
		"Confirm:\n"+
		"  node -v\n"+
		"  npx -v\n", name, strings.Join(e.Candidates, ", "))
}

// LookPathFunc resolves an executable name. exec.LookPath satisfies it.
type LookPathFunc func(file string) (string, error)

// CheckSamples confirms dir exists and is a directory.
func CheckSamples(dir string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return &MissingResourceError{Path: dir, Files: SampleFiles}
	}
	return nil
}

// MissingSampleFiles returns the expected sample files absent from dir.
// A partially seeded directory is not fatal; the agent simply has less
// to read.
func MissingSampleFiles(dir string) []string {
	var missing []string
	for _, f := range SampleFiles {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			missing = append(missing, f)
		}
	}
	return missing
}

// ResolveRunner returns the first candidate look can resolve. With no
// candidates, DefaultRunners are tried.
func ResolveRunner(look LookPathFunc, candidates ...string) (string, error) {
	if look == nil {
		look = exec.LookPath
	}
	if len(candidates) == 0 {
		candidates = DefaultRunners
	}
	for _, c := range candidates {
		path, err := look(c)
		if err == nil && path != "" {
			return path, nil
		}
	}
	return "", &MissingDependencyError{Candidates: candidates}
}

// EnsureDir creates dir and any parents. It succeeds silently when the
// directory already exists.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

// Options configures Check.
type Options struct {
	SamplesDir string
	Runners    []string
	LookPath   LookPathFunc
}

// Result is the outcome of a passing Check.
type Result struct {
	SamplesDir   string
	Runner       string
	MissingFiles []string
}

// Check validates the samples directory, then resolves the runner. It
// stops at the first failure and starts nothing.
func Check(opts Options) (*Result, error) {
	if err := CheckSamples(opts.SamplesDir); err != nil {
		return nil, err
	}
	runner, err := ResolveRunner(opts.LookPath, opts.Runners...)
	if err != nil {
		return nil, err
	}
	return &Result{
		SamplesDir:   opts.SamplesDir,
		Runner:       runner,
		MissingFiles: MissingSampleFiles(opts.SamplesDir),
	}, nil
}

// IsPrecondition reports whether err is one of the precondition errors.
func IsPrecondition(err error) bool {
	var res *MissingResourceError
	var dep *MissingDependencyError
	return errors.As(err, &res) || errors.As(err, &dep)
}
