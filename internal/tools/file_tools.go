package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// maxReadBytes caps file content handed to the model.
const maxReadBytes = 50 * 1024

// LocalFiles implements Provider directly on the local filesystem,
// restricted to allow-listed roots. Reads are allowed under any root;
// writes only under roots registered as writable.
type LocalFiles struct {
	readRoots  []string
	writeRoots []string
}

// NewLocalFiles creates a provider scoped to readOnly and readWrite
// roots. Roots are made absolute and symlinks resolved when possible.
func NewLocalFiles(readOnly, readWrite []string) (*LocalFiles, error) {
	lf := &LocalFiles{}
	for _, root := range readOnly {
		abs, err := cleanRoot(root)
		if err != nil {
			return nil, err
		}
		lf.readRoots = append(lf.readRoots, abs)
	}
	for _, root := range readWrite {
		abs, err := cleanRoot(root)
		if err != nil {
			return nil, err
		}
		lf.readRoots = append(lf.readRoots, abs)
		lf.writeRoots = append(lf.writeRoots, abs)
	}
	if len(lf.readRoots) == 0 {
		return nil, errors.New("at least one allowed directory is required")
	}
	return lf, nil
}

func cleanRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", root, err)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	return filepath.Clean(abs), nil
}

// Roots returns every readable root.
func (lf *LocalFiles) Roots() []string {
	return append([]string(nil), lf.readRoots...)
}

// resolve validates path against roots and returns its absolute form.
// Relative paths are resolved against the first readable root.
func (lf *LocalFiles) resolve(path string, roots []string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is empty")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(lf.readRoots[0], abs)
	}
	abs = filepath.Clean(abs)

	check := abs
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		check = real
	} else if real, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		check = filepath.Join(real, filepath.Base(abs))
	}

	for _, root := range roots {
		if within(check, root) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("access denied - path outside allowed directories: %s", path)
}

func within(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// ListFiles lists dir, directories suffixed with "/", sorted by name.
func (lf *LocalFiles) ListFiles(_ context.Context, dir string) ([]string, error) {
	abs, err := lf.resolve(dir, lf.readRoots)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("directory not found: %s", dir)
		}
		return nil, fmt.Errorf("read directory: %w", err)
	}
	result := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		result = append(result, name)
	}
	sort.Strings(result)
	return result, nil
}

// ReadFile reads path, truncating very large files.
func (lf *LocalFiles) ReadFile(_ context.Context, path string) (string, error) {
	abs, err := lf.resolve(path, lf.readRoots)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("read file: %w", err)
	}
	return truncateContent(string(data), maxReadBytes), nil
}

// truncateContent cuts s to at most n bytes without splitting a rune.
func truncateContent(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n\n[... truncated ...]"
}

// WriteFile writes path under a writable root, creating parents.
func (lf *LocalFiles) WriteFile(_ context.Context, path, content string) error {
	abs, err := lf.resolve(path, lf.writeRoots)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}
