package vectorstore

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_vector_store.go -package=mocks docpipeline/internal/vectorstore VectorStore

import "context"

// Payload keys written on every chunk point.
const (
	PayloadDocumentID      = "document_id"
	PayloadKnowledgeBaseID = "knowledge_base_id"
	PayloadChunkIndex      = "chunk_index"
)

// Point represents a vector point with metadata.
type Point struct {
	ID   string
	Vec  []float32
	Meta map[string]any
}

// Filter selects points of a collection. The zero Filter matches every point.
type Filter struct {
	// DocumentID matches the document_id payload field exactly.
	DocumentID string
	// ChunkIndexAbove, when set, matches points whose chunk_index is strictly greater.
	ChunkIndexAbove *int
}

// VectorStore defines the interface for vector storage operations.
type VectorStore interface {
	// CollectionExists reports whether a collection exists.
	CollectionExists(ctx context.Context, collection string) (bool, error)

	// CreateCollection creates a collection with the given vector size.
	// Creating a collection that already exists is not an error.
	CreateCollection(ctx context.Context, collection string, vectorSize int) error

	// DeleteCollection drops a collection and every point in it.
	DeleteCollection(ctx context.Context, collection string) error

	// Upsert inserts or updates points in the collection.
	Upsert(ctx context.Context, collection string, points []Point) error

	// DeleteByFilter removes every point matching f.
	DeleteByFilter(ctx context.Context, collection string, f Filter) error

	// Count returns the number of points matching f.
	Count(ctx context.Context, collection string, f Filter) (int, error)

	// ListDocumentIDs returns the distinct document_id payload values in a collection.
	ListDocumentIDs(ctx context.Context, collection string) ([]string, error)
}
