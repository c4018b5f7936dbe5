package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func newTestFiles(t *testing.T) (*LocalFiles, string, string) {
	t.Helper()
	base := t.TempDir()
	samples := filepath.Join(base, "sample_files")
	outputs := filepath.Join(base, "outputs")
	os.MkdirAll(samples, 0o755)
	os.MkdirAll(outputs, 0o755)
	os.WriteFile(filepath.Join(samples, "favorite_books.txt"), []byte("Dune\nNeuromancer\n"), 0o644)

	lf, err := NewLocalFiles([]string{samples}, []string{outputs})
	if err != nil {
		t.Fatalf("NewLocalFiles: %v", err)
	}
	// Roots are resolved through symlinks (macOS /var -> /private/var).
	roots := lf.Roots()
	return lf, roots[0], roots[1]
}

func TestLocalFiles_Resolve(t *testing.T) {
	lf, samples, _ := newTestFiles(t)

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative path", "favorite_books.txt", false},
		{"absolute inside", filepath.Join(samples, "favorite_books.txt"), false},
		{"root itself", samples, false},
		{"parent escape attempt", "../outside.txt", true},
		{"absolute escape attempt", "/etc/passwd", true},
		{"sibling prefix", samples + "_evil/x.txt", true},
		{"empty", "  ", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := lf.resolve(tt.path, lf.readRoots)
			if (err != nil) != tt.wantErr {
				t.Errorf("resolve(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestLocalFiles_ReadListWrite(t *testing.T) {
	lf, samples, outputs := newTestFiles(t)
	ctx := context.Background()

	got, err := lf.ReadFile(ctx, filepath.Join(samples, "favorite_books.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.HasPrefix(got, "Dune") {
		t.Errorf("ReadFile = %q, want Dune first", got)
	}

	brief := filepath.Join(outputs, "mcp_brief.md")
	if err := lf.WriteFile(ctx, brief, "# Brief\n"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	entries, err := lf.ListFiles(ctx, outputs)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(entries) != 1 || entries[0] != "mcp_brief.md" {
		t.Errorf("ListFiles = %v", entries)
	}
}

func TestLocalFiles_ReadOnlyRootRejectsWrites(t *testing.T) {
	lf, samples, _ := newTestFiles(t)

	err := lf.WriteFile(context.Background(), filepath.Join(samples, "new.txt"), "x")
	if err == nil {
		t.Fatal("write into read-only root should fail")
	}
	if _, statErr := os.Stat(filepath.Join(samples, "new.txt")); statErr == nil {
		t.Error("file was created despite error")
	}
}

func TestLocalFiles_ReadMissing(t *testing.T) {
	lf, _, _ := newTestFiles(t)
	_, err := lf.ReadFile(context.Background(), "nope.txt")
	if err == nil || !strings.Contains(err.Error(), "file not found") {
		t.Errorf("ReadFile(missing) = %v", err)
	}
}

func TestNewLocalFiles_NoRoots(t *testing.T) {
	if _, err := NewLocalFiles(nil, nil); err == nil {
		t.Fatal("expected error with no roots")
	}
}

func TestLocalFiles_ReadTruncatesOnRuneBoundary(t *testing.T) {
	lf, samples, _ := newTestFiles(t)
	// The leading byte puts the cap inside a multi-byte rune.
	big := "x" + strings.Repeat("ü€", maxReadBytes/5+1)
	path := filepath.Join(samples, "big.txt")
	if err := os.WriteFile(path, []byte(big), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := lf.ReadFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !utf8.ValidString(got) {
		t.Error("truncated content is not valid UTF-8")
	}
	body, ok := strings.CutSuffix(got, "\n\n[... truncated ...]")
	if !ok {
		t.Fatalf("missing truncation marker: %q", got[len(got)-40:])
	}
	if len(body) > maxReadBytes || len(body) < maxReadBytes-utf8.UTFMax || !strings.HasPrefix(big, body) {
		t.Errorf("body length = %d, cap %d", len(body), maxReadBytes)
	}
}

func TestTruncateContent(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc\n\n[... truncated ...]"},
		{"a€b", 2, "a\n\n[... truncated ...]"},
		{"a€b", 4, "a€\n\n[... truncated ...]"},
	}
	for _, tt := range tests {
		if got := truncateContent(tt.in, tt.n); got != tt.want {
			t.Errorf("truncateContent(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
