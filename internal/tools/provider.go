package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Provider is the filesystem capability an agent works through. The
// MCP filesystem server and the local allow-listed implementation both
// satisfy it.
type Provider interface {
	// ListFiles returns the entries of dir. Directories carry a
	// trailing slash.
	ListFiles(ctx context.Context, dir string) ([]string, error)

	// ReadFile returns the text content of path.
	ReadFile(ctx context.Context, path string) (string, error)

	// WriteFile creates or replaces path with content.
	WriteFile(ctx context.Context, path, content string) error
}

// ProviderTools registers list_files and read_file tools backed by p on
// r, plus write_file when writable is true.
func ProviderTools(r *Registry, p Provider, writable bool) {
	r.Register(&Tool{
		Name:        "list_files",
		Description: "List the files in a directory you are allowed to access.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Absolute path of the directory to list",
				},
			},
			"required": []string{"path"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return "", err
			}
			entries, err := p.ListFiles(ctx, path)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "(empty directory)", nil
			}
			return strings.Join(entries, "\n"), nil
		},
	})

	r.Register(&Tool{
		Name:        "read_file",
		Description: "Read the complete text content of a file.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Absolute path of the file to read",
				},
			},
			"required": []string{"path"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return "", err
			}
			return p.ReadFile(ctx, path)
		},
	})

	if !writable {
		return
	}

	r.Register(&Tool{
		Name:        "write_file",
		Description: "Create a new file or overwrite an existing file with the given content.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Absolute path of the file to write",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Full file content",
				},
			},
			"required": []string{"path", "content"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return "", err
			}
			content, _ := args["content"].(string)
			if err := p.WriteFile(ctx, path, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
		},
	})
}

func stringArg(args map[string]any, key string) (string, error) {
	v, _ := args[key].(string)
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

// WriteScoped wraps p so writes are accepted only for absolute paths
// under roots. Reads and listings pass through unchanged. It narrows a
// provider whose backend allows writes to every directory it can read.
func WriteScoped(p Provider, roots []string) (Provider, error) {
	ws := &writeScoped{Provider: p}
	for _, root := range roots {
		abs, err := cleanRoot(root)
		if err != nil {
			return nil, err
		}
		ws.roots = append(ws.roots, abs)
	}
	return ws, nil
}

type writeScoped struct {
	Provider
	roots []string
}

func (w *writeScoped) WriteFile(ctx context.Context, path, content string) error {
	if filepath.IsAbs(path) {
		check := filepath.Clean(path)
		if real, err := filepath.EvalSymlinks(filepath.Dir(check)); err == nil {
			check = filepath.Join(real, filepath.Base(check))
		}
		for _, root := range w.roots {
			if within(check, root) {
				return w.Provider.WriteFile(ctx, path, content)
			}
		}
	}
	return fmt.Errorf("access denied - path outside writable directories: %s", path)
}
