package parser

import (
	"context"
	"strings"
	"unicode/utf8"
)

// PlainTextParser reads UTF-8 text. Form feeds separate pages.
type PlainTextParser struct{}

// NewPlainTextParser creates a PlainTextParser.
func NewPlainTextParser() *PlainTextParser {
	return &PlainTextParser{}
}

// Parse implements Parser.
func (p *PlainTextParser) Parse(ctx context.Context, filename string, content []byte) (*Parsed, error) {
	if !utf8.Valid(content) {
		return nil, &ParseError{Filename: filename, Reason: "content is not valid UTF-8"}
	}

	pages := strings.Split(string(content), "\f")
	var b strings.Builder
	sections := make([]Section, 0, len(pages))
	offset := 0
	for i, page := range pages {
		if i > 0 {
			b.WriteString("\n\n")
			offset += 2
		}
		sections = append(sections, Section{Offset: offset, Page: i + 1})
		b.WriteString(page)
		offset += utf8.RuneCountInString(page)
	}

	return &Parsed{
		Title:    titleFromFilename(filename),
		Text:     b.String(),
		Sections: sections,
	}, nil
}
