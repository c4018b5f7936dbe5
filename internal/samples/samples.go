// Package samples bundles the sample files the flows read and seeds
// them into a directory.
package samples

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

//go:embed files/*.txt
var files embed.FS

// Names returns the bundled file names in sorted order.
func Names() []string {
	entries, _ := fs.ReadDir(files, "files")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

// Content returns a bundled file by name.
func Content(name string) ([]byte, error) {
	return files.ReadFile("files/" + name)
}

// Seed creates dir and writes every bundled file that is missing from
// it. Existing files are never overwritten. It returns the paths it
// wrote.
func Seed(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}

	var written []string
	for _, name := range Names() {
		dest := filepath.Join(dir, name)
		if _, err := os.Stat(dest); err == nil {
			continue
		}
		content, err := Content(name)
		if err != nil {
			return written, fmt.Errorf("read embedded %s: %w", name, err)
		}
		if err := os.WriteFile(dest, content, 0o644); err != nil {
			return written, fmt.Errorf("write %s: %w", dest, err)
		}
		written = append(written, dest)
	}
	return written, nil
}
