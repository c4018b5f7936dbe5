// Package brief inspects the markdown brief the agent writes: its
// headings, list items, and the sample files it mentions.
package brief

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Section is one heading of the brief.
type Section struct {
	Level int    `json:"level"`
	Title string `json:"title"`
	Key   string `json:"key"`
}

// Outline summarizes a brief.
type Outline struct {
	// Title is the first level-one heading, if any.
	Title    string    `json:"title,omitempty"`
	Sections []Section `json:"sections,omitempty"`
	Items    []string  `json:"items,omitempty"`

	// Files are the distinct *.txt names mentioned anywhere, sorted.
	Files []string `json:"files,omitempty"`
	Words int      `json:"words"`
}

var txtFile = regexp.MustCompile(`[A-Za-z0-9_.-]+\.txt\b`)

// Inspect parses src as CommonMark and returns its outline.
func Inspect(src []byte) Outline {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var out Outline
	files := map[string]bool{}
	var words int
	scan := func(s string, count bool) {
		if count {
			words += len(strings.Fields(s))
		}
		for _, f := range txtFile.FindAllString(s, -1) {
			files[f] = true
		}
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			title := nodeText(node, src)
			out.Sections = append(out.Sections, Section{Level: node.Level, Title: title, Key: slugify(title)})
			if node.Level == 1 && out.Title == "" {
				out.Title = title
			}
			scan(title, true)
			return ast.WalkSkipChildren, nil
		case *ast.ListItem:
			if item := nodeText(node, src); item != "" {
				out.Items = append(out.Items, item)
			}
		case *ast.Paragraph, *ast.TextBlock:
			scan(nodeText(node, src), true)
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			scan(nodeText(node, src), false)
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	out.Words = words
	for f := range files {
		out.Files = append(out.Files, f)
	}
	sort.Strings(out.Files)
	return out
}

// Mentions reports whether the brief names file.
func (o Outline) Mentions(file string) bool {
	i := sort.SearchStrings(o.Files, file)
	return i < len(o.Files) && o.Files[i] == file
}

// Section returns the first section whose key is key.
func (o Outline) Section(key string) (Section, bool) {
	for _, s := range o.Sections {
		if s.Key == key {
			return s, true
		}
	}
	return Section{}, false
}

// HTML renders src for preview.
func HTML(src []byte) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert(src, &buf); err != nil {
		return "", fmt.Errorf("render brief: %w", err)
	}
	return buf.String(), nil
}

// nodeText concatenates the inline text under n. Blocks without
// children, such as code blocks, contribute their raw lines.
func nodeText(n ast.Node, src []byte) string {
	var b strings.Builder
	if n.Type() == ast.TypeBlock && !n.HasChildren() {
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			b.Write(seg.Value(src))
		}
	}
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || c == n {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// slugify turns a heading into a lowercase dash-separated key.
func slugify(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
}
