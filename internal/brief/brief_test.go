package brief

import (
	"strings"
	"testing"
)

const sampleBrief = `# MCP Brief

## Favorite book

My number one favorite book is **Dune**.

## Song suggestion

You may like *Holocene* by Bon Iver.

## Files read

- favorite_books.txt
- ` + "`favorite_songs.txt`" + `
`

func TestInspect(t *testing.T) {
	o := Inspect([]byte(sampleBrief))

	if o.Title != "MCP Brief" {
		t.Errorf("Title = %q", o.Title)
	}
	var keys []string
	for _, s := range o.Sections {
		keys = append(keys, s.Key)
	}
	if got := strings.Join(keys, ","); got != "mcp-brief,favorite-book,song-suggestion,files-read" {
		t.Errorf("section keys = %s", got)
	}
	if o.Sections[1].Level != 2 {
		t.Errorf("Level = %d, want 2", o.Sections[1].Level)
	}
	if len(o.Items) != 2 || o.Items[0] != "favorite_books.txt" || o.Items[1] != "favorite_songs.txt" {
		t.Errorf("Items = %q", o.Items)
	}
	if !o.Mentions("favorite_books.txt") || !o.Mentions("favorite_songs.txt") {
		t.Errorf("Files = %q", o.Files)
	}
	if o.Mentions("favorite_cities.txt") {
		t.Error("brief does not mention favorite_cities.txt")
	}
	if o.Words == 0 {
		t.Error("Words = 0")
	}
	if _, ok := o.Section("files-read"); !ok {
		t.Error(`Section("files-read") not found`)
	}
}

func TestInspect_FilesInProseAndCode(t *testing.T) {
	src := "I read favorite_books.txt and favorite_books.txt again.\n\n```\ncat favorite_cities.txt\n```\n"
	o := Inspect([]byte(src))

	if strings.Join(o.Files, ",") != "favorite_books.txt,favorite_cities.txt" {
		t.Errorf("Files = %q", o.Files)
	}
	if o.Title != "" || len(o.Sections) != 0 {
		t.Errorf("unexpected headings: %+v", o.Sections)
	}
}

func TestInspect_Empty(t *testing.T) {
	o := Inspect(nil)
	if o.Title != "" || o.Words != 0 || len(o.Files) != 0 {
		t.Errorf("Inspect(nil) = %+v", o)
	}
}

func TestHTML(t *testing.T) {
	html, err := HTML([]byte(sampleBrief))
	if err != nil {
		t.Fatalf("HTML: %v", err)
	}
	for _, want := range []string{"<h1>MCP Brief</h1>", "<strong>Dune</strong>", "<li>favorite_books.txt</li>"} {
		if !strings.Contains(html, want) {
			t.Errorf("HTML missing %q:\n%s", want, html)
		}
	}
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"MCP Brief":         "mcp-brief",
		"  Files read:  ":   "files-read",
		"Song #1 (suggest)": "song-1-suggest",
	}
	for in, want := range tests {
		if got := slugify(in); got != want {
			t.Errorf("slugify(%q) = %q, want %q", in, got, want)
		}
	}
}
