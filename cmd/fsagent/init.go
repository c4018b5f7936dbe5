package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/fsagent/internal/defaults"
	"github.com/nugget/fsagent/internal/samples"
)

// runInit prepares dir for the scripted runs: an example config plus
// the sample files. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing fsagent workspace in %s\n", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	// The config may carry API keys.
	configPath := filepath.Join(dir, "fsagent.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	samplesDir := filepath.Join(dir, "sample_files")
	if _, err := samples.Seed(samplesDir); err != nil {
		return fmt.Errorf("seed samples: %w", err)
	}
	for _, name := range samples.Names() {
		fmt.Fprintf(w, "  ✓ %s\n", filepath.Join(samplesDir, name))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit fsagent.yaml to pick a model, then run: fsagent ask")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist.
func writeIfMissing(path string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
