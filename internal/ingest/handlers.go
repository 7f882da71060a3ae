package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"docpipeline/internal/contextutil"
	"docpipeline/internal/document"
	"docpipeline/internal/objectstore"
	"docpipeline/internal/outbox"
	"docpipeline/internal/storage"
	"docpipeline/internal/worker"
)

// Submitter hands a task to the background pool.
type Submitter interface {
	Submit(ctx context.Context, name string, task worker.Task) error
}

// Handlers implements the outbox handlers of the pipeline. The process and
// reprocess handlers only accept the work: they move the document to
// PROCESSING and submit the run. The delete handlers do their work inline.
type Handlers struct {
	store     *storage.Store
	objects   objectstore.ObjectStore
	vectors   VectorIndex
	processor *Processor
	runner    Submitter
	now       func() time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(store *storage.Store, objects objectstore.ObjectStore, vectors VectorIndex, processor *Processor, runner Submitter) *Handlers {
	return &Handlers{
		store:     store,
		objects:   objects,
		vectors:   vectors,
		processor: processor,
		runner:    runner,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Register binds every handler to d.
func (h *Handlers) Register(d *outbox.Dispatcher) {
	d.Register(outbox.EventDocumentProcess, outbox.HandlerFunc(h.HandleProcess))
	d.Register(outbox.EventDocumentReprocess, outbox.HandlerFunc(h.HandleReprocess))
	d.Register(outbox.EventDocumentDelete, outbox.HandlerFunc(h.HandleDelete))
	d.Register(outbox.EventKnowledgeBaseDelete, outbox.HandlerFunc(h.HandleKnowledgeBaseDelete))
}

// HandleProcess starts a run for a PENDING document.
func (h *Handlers) HandleProcess(ctx context.Context, ev *storage.OutboxEvent) error {
	return h.start(ctx, ev, func(s document.Status) bool {
		return s == document.StatusPending
	})
}

// HandleReprocess forces a run for a PENDING or READY document.
func (h *Handlers) HandleReprocess(ctx context.Context, ev *storage.OutboxEvent) error {
	return h.start(ctx, ev, document.Status.Processable)
}

// start moves the document to PROCESSING under a fresh run id and submits the
// run. When the pool refuses the task the status change is undone so the
// document is not left PROCESSING with nothing running it.
func (h *Handlers) start(ctx context.Context, ev *storage.OutboxEvent, accept func(document.Status) bool) error {
	payload, err := outbox.DecodeDocumentPayload(ev)
	if err != nil {
		return err
	}
	ctx = contextutil.WithAttrs(ctx, "document_id", payload.DocumentID, "knowledge_base_id", payload.KnowledgeBaseID)
	logger := contextutil.LoggerFromContext(ctx)

	doc, err := h.store.Documents.Get(ctx, payload.DocumentID)
	if errors.Is(err, storage.ErrNotFound) {
		h.stale(ctx, ev, "document not found")
		return nil
	}
	if err != nil {
		return err
	}
	if doc.Deleted() || !accept(doc.Status) {
		h.stale(ctx, ev, fmt.Sprintf("document is %s (deleted=%t)", doc.Status, doc.Deleted()))
		return nil
	}
	if err := document.Transition(doc.Status, document.StatusProcessing); err != nil {
		h.stale(ctx, ev, err.Error())
		return nil
	}

	before := *doc
	expect := storage.Expect{Status: doc.Status, RunID: doc.ProcessingRunID}
	runID := uuid.NewString()
	now := h.now()

	doc.Status = document.StatusProcessing
	doc.ProcessingRunID = runID
	doc.ProcessingStartedAt = &now
	doc.ProcessingCompletedAt = nil
	doc.LastError = ""
	doc.Progress.Reset()
	if err := h.store.Documents.Save(ctx, doc, expect); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			h.stale(ctx, ev, "document changed before the run could start")
			return nil
		}
		return err
	}

	documentID := doc.ID
	err = h.runner.Submit(ctx, "process-document", func(taskCtx context.Context) {
		_ = h.processor.Process(taskCtx, documentID, runID)
	})
	if err != nil {
		// Put the row back exactly as it was, fenced on the run we just created.
		if rbErr := h.store.Documents.Save(context.WithoutCancel(ctx), &before,
			storage.Expect{Status: document.StatusProcessing, RunID: runID}); rbErr != nil && !errors.Is(rbErr, storage.ErrConflict) {
			logger.ErrorContext(ctx, "failed to roll back status after submit failure", "error", rbErr)
		}
		return err
	}

	handlerTotal.WithLabelValues(ev.EventType, "accepted").Inc()
	logger.InfoContext(ctx, "processing run started", "run_id", runID, "reason", payload.Reason)
	return nil
}

// HandleDelete removes a soft-deleted document from every store. Vectors go
// first and must succeed; the row goes last so a failed attempt can be retried
// from the same outbox row.
func (h *Handlers) HandleDelete(ctx context.Context, ev *storage.OutboxEvent) error {
	payload, err := outbox.DecodeDocumentPayload(ev)
	if err != nil {
		return err
	}
	ctx = contextutil.WithAttrs(ctx, "document_id", payload.DocumentID, "knowledge_base_id", payload.KnowledgeBaseID)
	logger := contextutil.LoggerFromContext(ctx)

	kbID := payload.KnowledgeBaseID
	doc, err := h.store.Documents.Get(ctx, payload.DocumentID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// The row is removed last, so an earlier attempt already finished.
		h.stale(ctx, ev, "document row already removed")
		return nil
	case err != nil:
		return err
	case !doc.Deleted():
		h.stale(ctx, ev, "document is not marked deleted")
		return nil
	}
	if kbID == "" {
		kbID = doc.KnowledgeBaseID
	}

	if err := h.vectors.DeleteDocumentVectors(ctx, kbID, doc.ID); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	removed, err := h.objects.DeletePrefix(ctx, objectstore.DocumentPrefix(doc.ID))
	if err != nil {
		return fmt.Errorf("failed to delete objects: %w", err)
	}
	if err := h.store.Documents.Delete(ctx, doc.ID); err != nil {
		return err
	}

	handlerTotal.WithLabelValues(ev.EventType, "done").Inc()
	logger.InfoContext(ctx, "document deleted", "objects_removed", removed)
	return nil
}

// HandleKnowledgeBaseDelete removes a soft-deleted knowledge base: its vector
// collection, the objects of every document in it, then the rows.
func (h *Handlers) HandleKnowledgeBaseDelete(ctx context.Context, ev *storage.OutboxEvent) error {
	payload, err := outbox.DecodeKnowledgeBasePayload(ev)
	if err != nil {
		return err
	}
	ctx = contextutil.WithAttrs(ctx, "knowledge_base_id", payload.KnowledgeBaseID)
	logger := contextutil.LoggerFromContext(ctx)

	kb, err := h.store.KnowledgeBases.Get(ctx, payload.KnowledgeBaseID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		h.stale(ctx, ev, "knowledge base row already removed")
		return nil
	case err != nil:
		return err
	case kb.DeletedAt == nil:
		h.stale(ctx, ev, "knowledge base is not marked deleted")
		return nil
	}

	if err := h.vectors.DeleteKnowledgeBase(ctx, kb.ID); err != nil {
		return fmt.Errorf("failed to delete vector collection: %w", err)
	}

	ids, err := h.store.Documents.ListIDsByKnowledgeBase(ctx, kb.ID)
	if err != nil {
		return err
	}
	var removed int
	for _, id := range ids {
		n, err := h.objects.DeletePrefix(ctx, objectstore.DocumentPrefix(id))
		if err != nil {
			return fmt.Errorf("failed to delete objects of document %s: %w", id, err)
		}
		removed += n
	}

	var docs int64
	err = h.store.InTx(ctx, func(tx *storage.Tx) error {
		n, err := tx.Documents.DeleteByKnowledgeBase(ctx, kb.ID)
		if err != nil {
			return err
		}
		docs = n
		return tx.KnowledgeBases.Delete(ctx, kb.ID)
	})
	if err != nil {
		return err
	}

	handlerTotal.WithLabelValues(ev.EventType, "done").Inc()
	logger.InfoContext(ctx, "knowledge base deleted", "documents", docs, "objects_removed", removed)
	return nil
}

func (h *Handlers) stale(ctx context.Context, ev *storage.OutboxEvent, reason string) {
	handlerTotal.WithLabelValues(ev.EventType, "stale").Inc()
	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "stale dispatch, nothing to do", "reason", reason)
}
