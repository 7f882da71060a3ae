package parser

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// MarkdownParser flattens markdown to text with goldmark and records a section
// for every heading.
type MarkdownParser struct {
	md goldmark.Markdown
}

// NewMarkdownParser creates a MarkdownParser.
func NewMarkdownParser() *MarkdownParser {
	return &MarkdownParser{
		md: goldmark.New(
			goldmark.WithExtensions(extension.Table),
		),
	}
}

// Parse implements Parser.
func (p *MarkdownParser) Parse(ctx context.Context, filename string, content []byte) (*Parsed, error) {
	if !utf8.Valid(content) {
		return nil, &ParseError{Filename: filename, Reason: "content is not valid UTF-8"}
	}
	if len(content) == 0 {
		return &Parsed{Title: titleFromFilename(filename)}, nil
	}

	doc := p.md.Parser().Parse(text.NewReader(content))

	w := &textWriter{}
	var sections []Section
	headingStack := []headingInfo{}

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if _, ok := n.(*ast.Paragraph); ok {
				w.newline()
			}
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Heading:
			// Drop headings of equal or deeper level, then push this one
			for len(headingStack) > 0 && headingStack[len(headingStack)-1].level >= node.Level {
				headingStack = headingStack[:len(headingStack)-1]
			}
			headingText := extractTextFromNode(node, content)
			headingStack = append(headingStack, headingInfo{level: node.Level, text: headingText})

			w.blankLine()
			sections = append(sections, Section{Offset: w.runes, Header: buildHeadingPath(headingStack)})
			w.write(headingText)
			w.newline()
			return ast.WalkSkipChildren, nil

		case *ast.Text:
			w.write(string(node.Segment.Value(content)))
			if node.SoftLineBreak() || node.HardLineBreak() {
				w.write("\n")
			}
			return ast.WalkContinue, nil

		case *ast.String:
			w.write(string(node.Value))
			return ast.WalkContinue, nil

		case *ast.CodeBlock, *ast.FencedCodeBlock:
			w.blankLine()
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				line := lines.At(i)
				w.write(string(line.Value(content)))
			}
			w.newline()
			return ast.WalkSkipChildren, nil

		case *ast.Paragraph, *ast.List:
			w.blankLine()
			return ast.WalkContinue, nil

		case *ast.ListItem:
			w.newline()
			return ast.WalkContinue, nil

		case *east.Table:
			w.blankLine()
			return ast.WalkContinue, nil

		case *east.TableHeader, *east.TableRow:
			w.newline()
			w.write(extractTableRowText(n, content))
			w.newline()
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, &ParseError{Filename: filename, Reason: "markdown walk failed", Err: err}
	}

	// Content before the first heading belongs to an untitled section
	if len(sections) == 0 || sections[0].Offset > 0 {
		sections = append([]Section{{Offset: 0}}, sections...)
	}

	return &Parsed{
		Title:    extractTitle(doc, content, filename),
		Text:     strings.TrimRight(w.b.String(), "\n"),
		Sections: sections,
	}, nil
}

// textWriter tracks the rune length of what has been written so sections get
// rune offsets without rescanning.
type textWriter struct {
	b     strings.Builder
	runes int
}

func (w *textWriter) write(s string) {
	w.b.WriteString(s)
	w.runes += utf8.RuneCountInString(s)
}

func (w *textWriter) newline() {
	if w.runes > 0 && !strings.HasSuffix(w.b.String(), "\n") {
		w.write("\n")
	}
}

func (w *textWriter) blankLine() {
	if w.runes == 0 {
		return
	}
	s := w.b.String()
	switch {
	case strings.HasSuffix(s, "\n\n"):
	case strings.HasSuffix(s, "\n"):
		w.write("\n")
	default:
		w.write("\n\n")
	}
}

// extractTitle returns the first level 1 heading, else the first level 2
// heading, else a title derived from the filename.
func extractTitle(doc ast.Node, content []byte, filename string) string {
	var firstH1, firstH2 string

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		if heading, ok := n.(*ast.Heading); ok {
			headingText := extractTextFromNode(heading, content)
			if heading.Level == 1 && firstH1 == "" {
				firstH1 = headingText
				return ast.WalkStop, nil
			}
			if heading.Level == 2 && firstH2 == "" {
				firstH2 = headingText
			}
		}
		return ast.WalkContinue, nil
	})

	if firstH1 != "" {
		return firstH1
	}
	if firstH2 != "" {
		return firstH2
	}
	return titleFromFilename(filename)
}

// titleFromFilename strips the extension and capitalizes each word.
func titleFromFilename(filename string) string {
	name := filepath.Base(filename)
	if ext := filepath.Ext(name); ext != "" {
		name = name[:len(name)-len(ext)]
	}

	words := strings.Fields(strings.NewReplacer("_", " ", "-", " ").Replace(name))
	for i, word := range words {
		runes := []rune(word)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}

type headingInfo struct {
	level int
	text  string
}

// buildHeadingPath formats the stack as "# Heading1 > ## Heading2".
func buildHeadingPath(stack []headingInfo) string {
	parts := make([]string, len(stack))
	for i, h := range stack {
		parts[i] = fmt.Sprintf("%s %s", strings.Repeat("#", h.level), h.text)
	}
	return strings.Join(parts, " > ")
}

func extractTextFromNode(n ast.Node, content []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := node.(type) {
		case *ast.Text:
			sb.Write(v.Segment.Value(content))
		case *ast.String:
			sb.Write(v.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}

// extractTableRowText joins a row's cells with pipe separators.
func extractTableRowText(row ast.Node, content []byte) string {
	var cells []string
	for c := row.FirstChild(); c != nil; c = c.NextSibling() {
		if _, ok := c.(*east.TableCell); ok {
			cells = append(cells, extractTextFromNode(c, content))
		}
	}
	return strings.Join(cells, " | ")
}
