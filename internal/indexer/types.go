package indexer

// Chunk is a token-bounded window of a document's parsed text.
type Chunk struct {
	DocumentID    string
	Index         int    // Chunk index within the document (starts at 0, contiguous)
	Text          string // Chunk text content
	CharStart     int    // rune offset into the parsed text, inclusive
	CharEnd       int    // rune offset into the parsed text, exclusive
	PageNumber    int    // 0 when the format has no pages
	SectionHeader string // Format: "# Heading1 > ## Heading2"
	TokenCount    int
}

// PointID returns the deterministic vector store ID of the chunk.
func (c Chunk) PointID() string {
	return PointID(c.DocumentID, c.Index)
}

// ChunkEmbedding pairs a chunk with its vector.
type ChunkEmbedding struct {
	Chunk
	Vector []float32
}
