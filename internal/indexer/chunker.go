package indexer

import (
	"fmt"
	"unicode"

	"docpipeline/internal/parser"
)

const (
	DefaultChunkSize    = 500  // tokens
	DefaultChunkOverlap = 0.10 // fraction of the chunk size repeated at the start of the next chunk
)

// Chunker splits parsed text into token-bounded windows. Boundaries fall on
// whitespace, and the same text and settings always give the same chunks.
type Chunker struct {
	counter TokenCounter
	size    int
	overlap int
}

// NewChunker creates a chunker producing chunks of at most size tokens, where
// consecutive chunks share about overlap*size tokens.
func NewChunker(counter TokenCounter, size int, overlap float64) (*Chunker, error) {
	if counter == nil {
		return nil, fmt.Errorf("token counter is required")
	}
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be greater than 0, got %d", size)
	}
	if overlap < 0 || overlap >= 1 {
		return nil, fmt.Errorf("chunk overlap must be in [0, 1), got %v", overlap)
	}
	return &Chunker{
		counter: counter,
		size:    size,
		overlap: int(float64(size) * overlap),
	}, nil
}

// unit is one word of the text, or a slice of a word too long for a chunk.
type unit struct {
	start, end int // rune offsets
	tokens     int
}

// Chunk splits parsed into chunks for documentID. Chunk indices start at 0
// and are contiguous. Text without any non-space content yields no chunks.
func (c *Chunker) Chunk(documentID string, parsed *parser.Parsed) []Chunk {
	if parsed == nil {
		return nil
	}
	text := []rune(parsed.Text)
	units := c.units(text)

	var chunks []Chunk
	start := 0
	for start < len(units) {
		end := start
		tokens := 0
		for end < len(units) && (end == start || tokens+units[end].tokens <= c.size) {
			tokens += units[end].tokens
			end++
		}

		charStart, charEnd := units[start].start, units[end-1].end
		section := parsed.At(charStart)
		chunks = append(chunks, Chunk{
			DocumentID:    documentID,
			Index:         len(chunks),
			Text:          string(text[charStart:charEnd]),
			CharStart:     charStart,
			CharEnd:       charEnd,
			PageNumber:    section.Page,
			SectionHeader: section.Header,
			TokenCount:    tokens,
		})

		if end == len(units) {
			break
		}

		// Step back so the next window repeats up to overlap tokens. It always
		// moves forward by at least one unit and still has room for units[end].
		next, repeated := end, 0
		for next > start+1 &&
			repeated+units[next-1].tokens <= c.overlap &&
			repeated+units[next-1].tokens+units[end].tokens <= c.size {
			next--
			repeated += units[next].tokens
		}
		start = next
	}
	return chunks
}

// units splits text on whitespace and breaks up words that alone exceed the
// chunk size.
func (c *Chunker) units(text []rune) []unit {
	var units []unit
	i := 0
	for i < len(text) {
		for i < len(text) && unicode.IsSpace(text[i]) {
			i++
		}
		if i == len(text) {
			break
		}
		j := i
		for j < len(text) && !unicode.IsSpace(text[j]) {
			j++
		}

		// A leading space matches how BPE tokenizers see a word mid-sentence
		tokens := c.counter.Count(" " + string(text[i:j]))
		if tokens > c.size {
			units = append(units, c.splitWord(text, i, j)...)
		} else {
			units = append(units, unit{start: i, end: j, tokens: tokens})
		}
		i = j
	}
	return units
}

// splitWord cuts text[start:end] into pieces of at most size tokens by
// halving until a piece fits.
func (c *Chunker) splitWord(text []rune, start, end int) []unit {
	var pieces []unit
	for start < end {
		stop := end
		tokens := c.counter.Count(string(text[start:stop]))
		for tokens > c.size && stop-start > 1 {
			stop = start + (stop-start)/2
			tokens = c.counter.Count(string(text[start:stop]))
		}
		pieces = append(pieces, unit{start: start, end: stop, tokens: tokens})
		start = stop
	}
	return pieces
}

// SplitText splits one text into pieces of at most maxTokens tokens without
// overlap. Used to break up an input the embedding model rejected as too long.
func SplitText(counter TokenCounter, text string, maxTokens int) ([]string, error) {
	c, err := NewChunker(counter, maxTokens, 0)
	if err != nil {
		return nil, err
	}
	chunks := c.Chunk("", &parser.Parsed{Text: text})
	pieces := make([]string, len(chunks))
	for i, ch := range chunks {
		pieces[i] = ch.Text
	}
	return pieces, nil
}
