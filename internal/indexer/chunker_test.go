package indexer

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"

	"docpipeline/internal/parser"
)

// runeCounter counts one token per non-space rune.
type runeCounter struct{}

func (runeCounter) Count(text string) int {
	return utf8.RuneCountInString(strings.Join(strings.Fields(text), ""))
}

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(w, " ")
}

func TestNewChunker(t *testing.T) {
	tests := []struct {
		name    string
		counter TokenCounter
		size    int
		overlap float64
		wantErr bool
	}{
		{"defaults", WordCounter{}, DefaultChunkSize, DefaultChunkOverlap, false},
		{"no overlap", WordCounter{}, 10, 0, false},
		{"nil counter", nil, 10, 0.1, true},
		{"zero size", WordCounter{}, 0, 0.1, true},
		{"negative overlap", WordCounter{}, 10, -0.1, true},
		{"overlap of one", WordCounter{}, 10, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewChunker(tt.counter, tt.size, tt.overlap)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewChunker() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChunker_WindowsAndOverlap(t *testing.T) {
	c, err := NewChunker(WordCounter{}, 10, 0.2)
	if err != nil {
		t.Fatalf("NewChunker() error = %v", err)
	}

	chunks := c.Chunk("doc-1", &parser.Parsed{Text: words(23)})

	want := []string{
		"w0 w1 w2 w3 w4 w5 w6 w7 w8 w9",
		"w8 w9 w10 w11 w12 w13 w14 w15 w16 w17",
		"w16 w17 w18 w19 w20 w21 w22",
	}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks, want %d: %+v", len(chunks), len(want), chunks)
	}
	for i, ch := range chunks {
		if ch.Index != i {
			t.Errorf("chunks[%d].Index = %d", i, ch.Index)
		}
		if ch.DocumentID != "doc-1" {
			t.Errorf("chunks[%d].DocumentID = %q", i, ch.DocumentID)
		}
		if ch.Text != want[i] {
			t.Errorf("chunks[%d].Text = %q, want %q", i, ch.Text, want[i])
		}
		if ch.TokenCount > 10 {
			t.Errorf("chunks[%d].TokenCount = %d, exceeds 10", i, ch.TokenCount)
		}
	}
}

func TestChunker_Deterministic(t *testing.T) {
	c, _ := NewChunker(WordCounter{}, 7, 0.3)
	parsed := &parser.Parsed{Text: words(50)}

	first := c.Chunk("doc-1", parsed)
	second := c.Chunk("doc-1", parsed)
	if !reflect.DeepEqual(first, second) {
		t.Error("chunking the same text twice gave different chunks")
	}
}

func TestChunker_RuneOffsets(t *testing.T) {
	text := "Größe über alles.\n\nÄrger mit Übergrößen ist häufig. Ende gut."
	c, _ := NewChunker(WordCounter{}, 3, 0)

	chunks := c.Chunk("doc-1", &parser.Parsed{Text: text})
	if len(chunks) == 0 {
		t.Fatal("expected chunks")
	}
	runes := []rune(text)
	for _, ch := range chunks {
		if got := string(runes[ch.CharStart:ch.CharEnd]); got != ch.Text {
			t.Errorf("runes[%d:%d] = %q, chunk text %q", ch.CharStart, ch.CharEnd, got, ch.Text)
		}
	}
	if last := chunks[len(chunks)-1]; last.CharEnd != len(runes) {
		t.Errorf("last CharEnd = %d, want %d", last.CharEnd, len(runes))
	}
}

func TestChunker_SectionMetadata(t *testing.T) {
	parsed, err := parser.NewMarkdownParser().Parse(context.Background(), "guide.md", []byte(
		"# Guide\n\none two three four\n\n## Install\n\nfive six seven eight"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	c, _ := NewChunker(WordCounter{}, 5, 0)

	chunks := c.Chunk("doc-1", parsed)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want at least 2", len(chunks))
	}
	if chunks[0].SectionHeader != "# Guide" {
		t.Errorf("first SectionHeader = %q, want # Guide", chunks[0].SectionHeader)
	}
	last := chunks[len(chunks)-1]
	if last.SectionHeader != "# Guide > ## Install" {
		t.Errorf("last SectionHeader = %q, want # Guide > ## Install", last.SectionHeader)
	}
}

func TestChunker_PageNumbers(t *testing.T) {
	parsed, _ := parser.NewPlainTextParser().Parse(context.Background(), "scan.txt", []byte("alpha beta\fgamma delta"))
	c, _ := NewChunker(WordCounter{}, 2, 0)

	chunks := c.Chunk("doc-1", parsed)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	for i, want := range []int{1, 2} {
		if chunks[i].PageNumber != want {
			t.Errorf("chunks[%d].PageNumber = %d, want %d", i, chunks[i].PageNumber, want)
		}
	}
}

func TestChunker_OversizedWord(t *testing.T) {
	c, _ := NewChunker(runeCounter{}, 4, 0)

	chunks := c.Chunk("doc-1", &parser.Parsed{Text: "abcdefghij"})
	var joined strings.Builder
	for _, ch := range chunks {
		if ch.TokenCount > 4 {
			t.Errorf("chunk %q has %d tokens, limit 4", ch.Text, ch.TokenCount)
		}
		joined.WriteString(ch.Text)
	}
	if joined.String() != "abcdefghij" {
		t.Errorf("chunks rejoin to %q", joined.String())
	}
}

func TestChunker_EmptyText(t *testing.T) {
	c, _ := NewChunker(WordCounter{}, 10, 0.1)

	for _, text := range []string{"", "   \n\t  "} {
		if got := c.Chunk("doc-1", &parser.Parsed{Text: text}); len(got) != 0 {
			t.Errorf("Chunk(%q) = %d chunks, want 0", text, len(got))
		}
	}
	if got := c.Chunk("doc-1", nil); got != nil {
		t.Errorf("Chunk(nil) = %v, want nil", got)
	}
}

func TestSplitText(t *testing.T) {
	pieces, err := SplitText(WordCounter{}, words(10), 4)
	if err != nil {
		t.Fatalf("SplitText() error = %v", err)
	}
	want := []string{"w0 w1 w2 w3", "w4 w5 w6 w7", "w8 w9"}
	if !reflect.DeepEqual(pieces, want) {
		t.Errorf("SplitText() = %q, want %q", pieces, want)
	}
}

func TestTiktokenCounter(t *testing.T) {
	counter, err := NewTiktokenCounter("cl100k_base")
	if err != nil {
		t.Fatalf("NewTiktokenCounter() error = %v", err)
	}
	if got := counter.Count("hello world"); got != 2 {
		t.Errorf("Count(hello world) = %d, want 2", got)
	}
	if got := counter.Count(""); got != 0 {
		t.Errorf("Count(empty) = %d, want 0", got)
	}

	if _, err := NewTiktokenCounter("no_such_encoding"); err == nil {
		t.Error("NewTiktokenCounter() with unknown encoding should fail")
	}
}

func TestPointID(t *testing.T) {
	a := PointID("doc-1", 0)
	if a != PointID("doc-1", 0) {
		t.Error("PointID is not deterministic")
	}
	if a == PointID("doc-1", 1) || a == PointID("doc-2", 0) {
		t.Error("PointID collides across chunk index or document")
	}
	id, err := uuid.Parse(a)
	if err != nil {
		t.Fatalf("PointID() = %q is not a UUID: %v", a, err)
	}
	if id.Version() != 5 {
		t.Errorf("PointID version = %d, want 5", id.Version())
	}
	if (Chunk{DocumentID: "doc-1", Index: 0}).PointID() != a {
		t.Error("Chunk.PointID() disagrees with PointID()")
	}
}
