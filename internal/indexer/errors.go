package indexer

import "fmt"

// EmbeddingGenerationError is returned when embeddings could not be produced
// after retries. Retrying the document later will not help.
type EmbeddingGenerationError struct {
	Chunks int // chunks in the failed batch
	Err    error
}

func (e *EmbeddingGenerationError) Error() string {
	return fmt.Sprintf("failed to generate embeddings for %d chunks: %v", e.Chunks, e.Err)
}

func (e *EmbeddingGenerationError) Unwrap() error { return e.Err }

// IndexingError is returned when the vector store rejected a write after retries.
type IndexingError struct {
	Op         string
	Collection string
	Err        error
}

func (e *IndexingError) Error() string {
	return fmt.Sprintf("vector indexing failed (%s on %s): %v", e.Op, e.Collection, e.Err)
}

func (e *IndexingError) Unwrap() error { return e.Err }

// Outcome of a best-effort cleanup.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// CleanupResult reports what a best-effort cleanup did. Failures are returned
// here instead of as an error so they never block the caller.
type CleanupResult struct {
	Outcome Outcome
	Deleted int
	Reason  string
}
