// Package parser turns raw document bytes into text plus structural metadata.
package parser

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Section marks where a page or section starts in the parsed text.
type Section struct {
	Offset int    // rune offset into Parsed.Text
	Page   int    // 1-based, 0 when the format has no pages
	Header string // heading path, empty when none
}

// Parsed is the parser output the chunker consumes.
type Parsed struct {
	Title    string
	Text     string
	Sections []Section // ordered by Offset
}

// At returns the section in effect at rune offset off.
func (p *Parsed) At(off int) Section {
	var cur Section
	for _, s := range p.Sections {
		if s.Offset > off {
			break
		}
		cur = s
	}
	return cur
}

// Parser parses one document format.
type Parser interface {
	Parse(ctx context.Context, filename string, content []byte) (*Parsed, error)
}

// ParseError is returned for content that can never be parsed. Retrying does not help.
type ParseError struct {
	Filename string
	Reason   string
	Err      error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to parse %s: %s: %v", e.Filename, e.Reason, e.Err)
	}
	return fmt.Sprintf("failed to parse %s: %s", e.Filename, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Registry picks a parser by file extension.
type Registry struct {
	mu       sync.RWMutex
	parsers  map[string]Parser
	fallback Parser
}

// NewRegistry returns a registry with the markdown and plain text parsers
// registered. Unknown extensions fall back to plain text.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	md := NewMarkdownParser()
	txt := NewPlainTextParser()
	r.Register(".md", md)
	r.Register(".markdown", md)
	r.Register(".txt", txt)
	r.Register(".text", txt)
	r.fallback = txt
	return r
}

// Register binds p to a file extension such as ".md".
func (r *Registry) Register(ext string, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[strings.ToLower(ext)] = p
}

// SetFallback sets the parser used for unregistered extensions. Nil disables fallback.
func (r *Registry) SetFallback(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = p
}

// Supports reports whether a parser is registered for filename's extension.
// The fallback does not count.
func (r *Registry) Supports(filename string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.parsers[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// Extensions lists the registered extensions in sorted order.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exts := make([]string, 0, len(r.parsers))
	for ext := range r.parsers {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Parse dispatches to the parser registered for filename's extension.
func (r *Registry) Parse(ctx context.Context, filename string, content []byte) (*Parsed, error) {
	ext := strings.ToLower(filepath.Ext(filename))

	r.mu.RLock()
	p, ok := r.parsers[ext]
	if !ok {
		p = r.fallback
	}
	r.mu.RUnlock()

	if p == nil {
		return nil, &ParseError{Filename: filename, Reason: fmt.Sprintf("unsupported file type %q", ext)}
	}
	return p.Parse(ctx, filename, content)
}
