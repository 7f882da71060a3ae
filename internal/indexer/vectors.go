package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"docpipeline/internal/contextutil"
	"docpipeline/internal/retry"
	"docpipeline/internal/vectorstore"
)

const upsertBatchSize = 100

// VectorIndexer writes chunk embeddings to one vector collection per knowledge
// base. It is the only writer of document-scoped vector data.
type VectorIndexer struct {
	store       vectorstore.VectorStore
	prefix      string
	defaultSize int
	policy      retry.Policy
}

// NewVectorIndexer creates a VectorIndexer. Collections are named prefix+kbID
// and are created with defaultSize dimensions unless the caller supplies one.
// Transient store errors are retried maxRetries times.
func NewVectorIndexer(store vectorstore.VectorStore, prefix string, defaultSize, maxRetries int) *VectorIndexer {
	return &VectorIndexer{
		store:       store,
		prefix:      prefix,
		defaultSize: defaultSize,
		policy: retry.Policy{
			MaxAttempts: max(0, maxRetries) + 1,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Jitter:      0.2,
			Retryable:   vectorstore.IsTransient,
		},
	}
}

// CollectionName returns the collection holding a knowledge base's vectors.
func (ix *VectorIndexer) CollectionName(kbID string) string {
	return ix.prefix + strings.ReplaceAll(strings.ToLower(kbID), "-", "_")
}

// IndexDocument makes sure the knowledge base collection exists and upserts
// every embedding under its deterministic point ID. Running it twice with the
// same embeddings leaves the collection unchanged. vectorSize <= 0 uses the
// default size when the collection has to be created.
func (ix *VectorIndexer) IndexDocument(ctx context.Context, kbID, documentID string, embeddings []ChunkEmbedding, vectorSize int) error {
	logger := contextutil.LoggerFromContext(ctx)
	collection := ix.CollectionName(kbID)

	size := vectorSize
	if size <= 0 {
		size = ix.defaultSize
	}
	if err := ix.ensureCollection(ctx, collection, size); err != nil {
		return &IndexingError{Op: "create_collection", Collection: collection, Err: err}
	}

	points := make([]vectorstore.Point, 0, len(embeddings))
	for _, e := range embeddings {
		points = append(points, vectorstore.Point{
			ID:  PointID(documentID, e.Index),
			Vec: e.Vector,
			Meta: map[string]any{
				vectorstore.PayloadDocumentID:      documentID,
				vectorstore.PayloadKnowledgeBaseID: kbID,
				vectorstore.PayloadChunkIndex:      e.Index,
				"text":                             e.Text,
				"char_start":                       e.CharStart,
				"char_end":                         e.CharEnd,
				"page_number":                      e.PageNumber,
				"section_header":                   e.SectionHeader,
			},
		})
	}

	for start := 0; start < len(points); start += upsertBatchSize {
		batch := points[start:min(start+upsertBatchSize, len(points))]
		err := ix.withRetry(ctx, "upsert", func(ctx context.Context) error {
			return ix.store.Upsert(ctx, collection, batch)
		})
		if err != nil {
			return &IndexingError{Op: "upsert", Collection: collection, Err: err}
		}
	}

	logger.InfoContext(ctx, "indexed document vectors", "collection", collection, "points", len(points))
	return nil
}

// CleanupOrphanChunks deletes this document's points whose chunk index is
// above maxChunkIndex, left over from a longer previous version. Best-effort:
// failures are reported in the result, never as an error.
func (ix *VectorIndexer) CleanupOrphanChunks(ctx context.Context, kbID, documentID string, maxChunkIndex int) CleanupResult {
	logger := contextutil.LoggerFromContext(ctx)
	collection := ix.CollectionName(kbID)

	result := ix.cleanupOrphanChunks(ctx, collection, documentID, maxChunkIndex)
	orphanCleanupTotal.WithLabelValues(string(result.Outcome)).Inc()

	switch result.Outcome {
	case OutcomeFailed:
		logger.WarnContext(ctx, "orphan chunk cleanup failed", "collection", collection, "reason", result.Reason)
	case OutcomeSucceeded:
		if result.Deleted > 0 {
			logger.InfoContext(ctx, "removed orphan chunks", "collection", collection, "deleted", result.Deleted, "max_chunk_index", maxChunkIndex)
		}
	}
	return result
}

func (ix *VectorIndexer) cleanupOrphanChunks(ctx context.Context, collection, documentID string, maxChunkIndex int) CleanupResult {
	exists, err := ix.collectionExists(ctx, collection)
	if err != nil {
		return CleanupResult{Outcome: OutcomeFailed, Reason: err.Error()}
	}
	if !exists {
		return CleanupResult{Outcome: OutcomeSkipped, Reason: "collection does not exist"}
	}

	filter := vectorstore.Filter{DocumentID: documentID, ChunkIndexAbove: &maxChunkIndex}

	var stale int
	err = ix.withRetry(ctx, "count", func(ctx context.Context) error {
		n, err := ix.store.Count(ctx, collection, filter)
		stale = n
		return err
	})
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return CleanupResult{Outcome: OutcomeSkipped, Reason: "collection does not exist"}
	}
	if err != nil {
		return CleanupResult{Outcome: OutcomeFailed, Reason: err.Error()}
	}
	if stale == 0 {
		return CleanupResult{Outcome: OutcomeSucceeded}
	}

	err = ix.withRetry(ctx, "delete", func(ctx context.Context) error {
		return ix.store.DeleteByFilter(ctx, collection, filter)
	})
	if err != nil {
		return CleanupResult{Outcome: OutcomeFailed, Reason: err.Error()}
	}
	return CleanupResult{Outcome: OutcomeSucceeded, Deleted: stale}
}

// DeleteDocumentVectors removes every point of a document. Unlike orphan
// cleanup this must succeed, so failures are returned as *IndexingError.
func (ix *VectorIndexer) DeleteDocumentVectors(ctx context.Context, kbID, documentID string) error {
	collection := ix.CollectionName(kbID)

	exists, err := ix.collectionExists(ctx, collection)
	if err != nil {
		return &IndexingError{Op: "delete", Collection: collection, Err: err}
	}
	if !exists {
		return nil
	}

	err = ix.withRetry(ctx, "delete", func(ctx context.Context) error {
		return ix.store.DeleteByFilter(ctx, collection, vectorstore.Filter{DocumentID: documentID})
	})
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return nil
	}
	if err != nil {
		return &IndexingError{Op: "delete", Collection: collection, Err: err}
	}
	return nil
}

// DeleteKnowledgeBase drops the knowledge base collection.
func (ix *VectorIndexer) DeleteKnowledgeBase(ctx context.Context, kbID string) error {
	collection := ix.CollectionName(kbID)
	err := ix.withRetry(ctx, "delete_collection", func(ctx context.Context) error {
		return ix.store.DeleteCollection(ctx, collection)
	})
	if err != nil {
		return &IndexingError{Op: "delete_collection", Collection: collection, Err: err}
	}
	return nil
}

// CountDocumentVectors returns the number of points stored for a document.
// A missing collection counts as zero.
func (ix *VectorIndexer) CountDocumentVectors(ctx context.Context, kbID, documentID string) (int, error) {
	collection := ix.CollectionName(kbID)

	exists, err := ix.collectionExists(ctx, collection)
	if err != nil || !exists {
		return 0, err
	}

	var n int
	err = ix.withRetry(ctx, "count", func(ctx context.Context) error {
		var err error
		n, err = ix.store.Count(ctx, collection, vectorstore.Filter{DocumentID: documentID})
		return err
	})
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count vectors for document %s: %w", documentID, err)
	}
	return n, nil
}

// ListDocumentIDs returns every document ID referenced by a knowledge base's points.
func (ix *VectorIndexer) ListDocumentIDs(ctx context.Context, kbID string) ([]string, error) {
	collection := ix.CollectionName(kbID)

	exists, err := ix.collectionExists(ctx, collection)
	if err != nil || !exists {
		return nil, err
	}

	var ids []string
	err = ix.withRetry(ctx, "scroll", func(ctx context.Context) error {
		var err error
		ids, err = ix.store.ListDocumentIDs(ctx, collection)
		return err
	})
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list document ids in %s: %w", collection, err)
	}
	return ids, nil
}

func (ix *VectorIndexer) ensureCollection(ctx context.Context, collection string, size int) error {
	exists, err := ix.collectionExists(ctx, collection)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return ix.withRetry(ctx, "create_collection", func(ctx context.Context) error {
		return ix.store.CreateCollection(ctx, collection, size)
	})
}

func (ix *VectorIndexer) collectionExists(ctx context.Context, collection string) (bool, error) {
	var exists bool
	err := ix.withRetry(ctx, "collection_exists", func(ctx context.Context) error {
		var err error
		exists, err = ix.store.CollectionExists(ctx, collection)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to check collection %s: %w", collection, err)
	}
	return exists, nil
}

func (ix *VectorIndexer) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	policy := ix.policy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		indexRetriesTotal.WithLabelValues(op).Inc()
		contextutil.LoggerFromContext(ctx).WarnContext(ctx, "vector store call failed, retrying",
			"op", op,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}
	return retry.Do(ctx, policy, fn)
}
