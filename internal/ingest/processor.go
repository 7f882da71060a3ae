// Package ingest runs the document processing task and the outbox handlers
// that start, restart and tear down documents.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docpipeline/internal/contextutil"
	"docpipeline/internal/document"
	"docpipeline/internal/indexer"
	"docpipeline/internal/objectstore"
	"docpipeline/internal/outbox"
	"docpipeline/internal/parser"
	"docpipeline/internal/storage"
)

// Parser turns stored bytes into text.
type Parser interface {
	Parse(ctx context.Context, filename string, content []byte) (*parser.Parsed, error)
}

// Embedder produces one vector per chunk.
type Embedder interface {
	Generate(ctx context.Context, chunks []indexer.Chunk) ([]indexer.ChunkEmbedding, error)
}

// VectorIndex is the vector side of the pipeline.
type VectorIndex interface {
	IndexDocument(ctx context.Context, kbID, documentID string, embeddings []indexer.ChunkEmbedding, vectorSize int) error
	CleanupOrphanChunks(ctx context.Context, kbID, documentID string, maxChunkIndex int) indexer.CleanupResult
	DeleteDocumentVectors(ctx context.Context, kbID, documentID string) error
	DeleteKnowledgeBase(ctx context.Context, kbID string) error
}

// Processor runs one document through download, parse, chunk, embed and index.
type Processor struct {
	store      *storage.Store
	objects    objectstore.ObjectStore
	parser     Parser
	chunker    *indexer.Chunker
	embedder   Embedder
	vectors    VectorIndex
	maxRetries int
	now        func() time.Time
}

// NewProcessor creates a Processor. maxRetries is how many times a failed run
// goes back to PENDING before the document is marked FAILED.
func NewProcessor(
	store *storage.Store,
	objects objectstore.ObjectStore,
	p Parser,
	chunker *indexer.Chunker,
	embedder Embedder,
	vectors VectorIndex,
	maxRetries int,
) *Processor {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Processor{
		store:      store,
		objects:    objects,
		parser:     p,
		chunker:    chunker,
		embedder:   embedder,
		vectors:    vectors,
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// errSuperseded means the run lost its fence: the document was deleted,
// re-uploaded or picked up by another run while this one was working.
var errSuperseded = errors.New("processing run superseded")

// run carries the document and the fence every write of one run is checked against.
type run struct {
	doc    *storage.Document
	expect storage.Expect
}

// Process executes the run identified by runID. The document must be
// PROCESSING under that run, otherwise the call is a stale dispatch and does
// nothing. Every failure is translated into a status change here and nowhere
// else. A deadline or cancellation leaves the row untouched; reconciliation
// treats it like a crash.
func (p *Processor) Process(ctx context.Context, documentID, runID string) error {
	ctx = contextutil.WithAttrs(ctx, "document_id", documentID, "run_id", runID)
	logger := contextutil.LoggerFromContext(ctx)

	doc, err := p.store.Documents.Get(ctx, documentID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.InfoContext(ctx, "document no longer exists, skipping run")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}
	if doc.Deleted() || doc.Status != document.StatusProcessing || doc.ProcessingRunID != runID {
		logger.InfoContext(ctx, "stale processing run, skipping",
			"status", doc.Status, "current_run_id", doc.ProcessingRunID, "deleted", doc.Deleted())
		return nil
	}

	ctx = contextutil.WithAttrs(ctx, "knowledge_base_id", doc.KnowledgeBaseID)
	r := &run{doc: doc, expect: storage.Expect{Status: document.StatusProcessing, RunID: runID}}

	start := time.Now()
	chunks, err := p.execute(ctx, r)
	if err == nil {
		processingDuration.Observe(time.Since(start).Seconds())
		processingTotal.WithLabelValues("ready").Inc()
		contextutil.LoggerFromContext(ctx).InfoContext(ctx, "document ready",
			"chunks", chunks, "duration", time.Since(start))
		return nil
	}
	return p.fail(ctx, r, err)
}

// execute performs the pipeline and the final READY write. It returns the chunk count.
func (p *Processor) execute(ctx context.Context, r *run) (int, error) {
	doc := r.doc

	kb, err := p.store.KnowledgeBases.Get(ctx, doc.KnowledgeBaseID)
	if err != nil {
		return 0, fmt.Errorf("failed to load knowledge base: %w", err)
	}

	if err := p.step(ctx, r, document.StepParsing); err != nil {
		return 0, err
	}
	content, err := p.objects.Download(ctx, doc.StorageKey)
	if err != nil {
		return 0, fmt.Errorf("failed to download %s: %w", doc.StorageKey, err)
	}
	parsed, err := p.parser.Parse(ctx, doc.Filename, content)
	if err != nil {
		return 0, err
	}

	if err := p.step(ctx, r, document.StepChunking); err != nil {
		return 0, err
	}
	chunks := p.chunker.Chunk(doc.ID, parsed)
	stats := indexer.TokenStats(chunks)
	contextutil.LoggerFromContext(ctx).DebugContext(ctx, "chunked document",
		"chunks", stats.Count, "min_tokens", stats.Min, "max_tokens", stats.Max, "p95_tokens", stats.P95)

	if err := p.step(ctx, r, document.StepEmbedding); err != nil {
		return 0, err
	}
	embeddings, err := p.embedder.Generate(ctx, chunks)
	if err != nil {
		return 0, err
	}

	if err := p.step(ctx, r, document.StepIndexing); err != nil {
		return 0, err
	}
	if len(embeddings) > 0 {
		if err := p.vectors.IndexDocument(ctx, doc.KnowledgeBaseID, doc.ID, embeddings, kb.VectorSize); err != nil {
			return 0, err
		}
	}
	// Points above the new last index belong to a longer previous version.
	p.vectors.CleanupOrphanChunks(ctx, doc.KnowledgeBaseID, doc.ID, len(chunks)-1)

	now := p.now()
	doc.Status = document.StatusReady
	doc.ChunkCount = len(chunks)
	doc.Progress.Complete()
	doc.ProcessingCompletedAt = &now
	doc.LastError = ""
	if err := p.save(ctx, r); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// step records that the run entered step, in the same write as the status.
func (p *Processor) step(ctx context.Context, r *run, step document.Step) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.doc.Progress.Start(step)
	return p.save(ctx, r)
}

func (p *Processor) save(ctx context.Context, r *run) error {
	err := p.store.Documents.Save(ctx, r.doc, r.expect)
	if errors.Is(err, storage.ErrConflict) {
		return errSuperseded
	}
	if err != nil {
		return err
	}
	r.expect.Status = r.doc.Status
	return nil
}

// fail is the single place where a run's error becomes a status transition.
func (p *Processor) fail(ctx context.Context, r *run, cause error) error {
	logger := contextutil.LoggerFromContext(ctx)
	doc := r.doc

	switch {
	case errors.Is(cause, errSuperseded):
		processingTotal.WithLabelValues("superseded").Inc()
		logger.InfoContext(ctx, "processing run superseded, dropping result")
		return nil
	case ctx.Err() != nil:
		processingTotal.WithLabelValues("interrupted").Inc()
		logger.WarnContext(ctx, "processing interrupted, leaving document for reconciliation",
			"step", doc.Progress.CurrentStep, "error", cause)
		return ctx.Err()
	}

	msg := fmt.Sprintf("%s: %v", doc.Progress.CurrentStep, cause)
	doc.Progress.Fail(cause.Error())
	doc.LastError = msg

	retry := !IsTerminal(cause) && doc.RetryCount < p.maxRetries
	if retry {
		doc.Status = document.StatusPending
		doc.RetryCount++
		doc.ProcessingRunID = ""
	} else {
		now := p.now()
		doc.Status = document.StatusFailed
		doc.ProcessingCompletedAt = &now
	}

	err := p.store.InTx(ctx, func(tx *storage.Tx) error {
		if err := tx.Documents.Save(ctx, doc, r.expect); err != nil {
			return err
		}
		if !retry {
			return nil
		}
		_, err := tx.Enqueue(ctx, outbox.DocumentEvent(outbox.EventDocumentProcess, doc.ID, doc.KnowledgeBaseID, "retry"))
		return err
	})
	if errors.Is(err, storage.ErrConflict) {
		processingTotal.WithLabelValues("superseded").Inc()
		logger.InfoContext(ctx, "processing run superseded before failure could be recorded", "error", cause)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record processing failure (%v): %w", cause, err)
	}

	if retry {
		processingTotal.WithLabelValues("retry").Inc()
		logger.WarnContext(ctx, "processing failed, document re-queued",
			"retry_count", doc.RetryCount, "max_retries", p.maxRetries, "error", cause)
	} else {
		processingTotal.WithLabelValues("failed").Inc()
		logger.ErrorContext(ctx, "processing failed permanently",
			"retry_count", doc.RetryCount, "terminal", IsTerminal(cause), "error", cause)
	}
	return cause
}

// IsTerminal reports whether retrying the document cannot fix err: the content
// does not parse, the original is gone, or embedding gave up after its own retries.
func IsTerminal(err error) bool {
	var parseErr *parser.ParseError
	if errors.As(err, &parseErr) {
		return true
	}
	var embedErr *indexer.EmbeddingGenerationError
	if errors.As(err, &embedErr) {
		return true
	}
	return errors.Is(err, objectstore.ErrNotFound)
}
