package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"docpipeline/internal/document"
	"docpipeline/internal/objectstore"
	"docpipeline/internal/outbox"
	"docpipeline/internal/storage"
	"docpipeline/internal/worker"
)

func TestHandlers_Process(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDocument(t, "doc-1", document.StatusPending, "", tenWords)
	ev := f.event(t, outbox.DocumentEvent(outbox.EventDocumentProcess, "doc-1", testKB, ""))

	if err := f.handlers(t).HandleProcess(ctx, ev); err != nil {
		t.Fatalf("HandleProcess() error = %v", err)
	}
	if f.runner.submitted != 1 {
		t.Fatalf("submitted %d tasks, want 1", f.runner.submitted)
	}

	doc := f.get(t, "doc-1")
	if doc.Status != document.StatusReady {
		t.Errorf("Status = %s, want READY", doc.Status)
	}
	if doc.ProcessingRunID == "" || doc.ProcessingStartedAt == nil {
		t.Errorf("run not recorded: run_id=%q started=%v", doc.ProcessingRunID, doc.ProcessingStartedAt)
	}
	if n := f.vectorCount(t, "doc-1"); n != 3 {
		t.Errorf("vector count = %d, want 3", n)
	}
}

func TestHandlers_StaleDispatchIsNoop(t *testing.T) {
	tests := []struct {
		name      string
		status    document.Status
		eventType string
	}{
		{"process on ready", document.StatusReady, outbox.EventDocumentProcess},
		{"process on processing", document.StatusProcessing, outbox.EventDocumentProcess},
		{"process on failed", document.StatusFailed, outbox.EventDocumentProcess},
		{"reprocess on archived", document.StatusArchived, outbox.EventDocumentReprocess},
		{"reprocess on failed", document.StatusFailed, outbox.EventDocumentReprocess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.addDocument(t, "doc-1", tt.status, "run-0", tenWords)
			ev := f.event(t, outbox.DocumentEvent(tt.eventType, "doc-1", testKB, ""))

			h := f.handlers(t)
			handle := h.HandleProcess
			if tt.eventType == outbox.EventDocumentReprocess {
				handle = h.HandleReprocess
			}
			if err := handle(ctx, ev); err != nil {
				t.Fatalf("handler error = %v", err)
			}
			if f.runner.submitted != 0 {
				t.Errorf("stale dispatch submitted %d tasks", f.runner.submitted)
			}
			doc := f.get(t, "doc-1")
			if doc.Status != tt.status || doc.ProcessingRunID != "run-0" {
				t.Errorf("document changed: status=%s run=%s", doc.Status, doc.ProcessingRunID)
			}
		})
	}

	t.Run("deleted document", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.addDocument(t, "doc-1", document.StatusPending, "", tenWords)
		if err := f.store.Documents.MarkDeleted(ctx, "doc-1", time.Now()); err != nil {
			t.Fatalf("MarkDeleted() error = %v", err)
		}
		ev := f.event(t, outbox.DocumentEvent(outbox.EventDocumentProcess, "doc-1", testKB, ""))
		if err := f.handlers(t).HandleProcess(ctx, ev); err != nil {
			t.Fatalf("HandleProcess() error = %v", err)
		}
		if f.runner.submitted != 0 {
			t.Error("deleted document was submitted")
		}
	})
}

func TestHandlers_ProcessBusyRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.runner.err = worker.ErrBusy
	f.addDocument(t, "doc-1", document.StatusPending, "", tenWords)
	ev := f.event(t, outbox.DocumentEvent(outbox.EventDocumentProcess, "doc-1", testKB, ""))

	err := f.handlers(t).HandleProcess(ctx, ev)
	if !errors.Is(err, worker.ErrBusy) {
		t.Fatalf("HandleProcess() error = %v, want worker.ErrBusy", err)
	}

	doc := f.get(t, "doc-1")
	if doc.Status != document.StatusPending || doc.ProcessingRunID != "" || doc.ProcessingStartedAt != nil {
		t.Errorf("not rolled back: status=%s run=%q started=%v", doc.Status, doc.ProcessingRunID, doc.ProcessingStartedAt)
	}

	// Once the pool has room the same row goes through.
	f.runner.err = nil
	if err := f.handlers(t).HandleProcess(ctx, ev); err != nil {
		t.Fatalf("HandleProcess() retry error = %v", err)
	}
	if got := f.get(t, "doc-1").Status; got != document.StatusReady {
		t.Errorf("Status after retry = %s, want READY", got)
	}
}

func TestHandlers_ReprocessReady(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDocument(t, "doc-1", document.StatusReady, "run-0", tenWords)
	ev := f.event(t, outbox.DocumentEvent(outbox.EventDocumentReprocess, "doc-1", testKB, "missing_vectors"))

	if err := f.handlers(t).HandleReprocess(ctx, ev); err != nil {
		t.Fatalf("HandleReprocess() error = %v", err)
	}
	doc := f.get(t, "doc-1")
	if doc.Status != document.StatusReady || doc.ProcessingRunID == "run-0" {
		t.Errorf("status=%s run=%s, want READY under a new run", doc.Status, doc.ProcessingRunID)
	}
	if n := f.vectorCount(t, "doc-1"); n != 3 {
		t.Errorf("vector count = %d, want 3", n)
	}
}

// failingVectors fails document deletion and delegates everything else.
type failingVectors struct {
	VectorIndex
}

func (failingVectors) DeleteDocumentVectors(ctx context.Context, kbID, documentID string) error {
	return errors.New("vector store unavailable")
}

func TestHandlers_Delete(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) *fixture {
		f := newFixture(t)
		f.addDocument(t, "doc-1", document.StatusProcessing, "run-1", tenWords)
		f.addDocument(t, "doc-2", document.StatusProcessing, "run-1", tenWords)
		for _, id := range []string{"doc-1", "doc-2"} {
			if err := f.processor(t, 3).Process(ctx, id, "run-1"); err != nil {
				t.Fatalf("Process(%s) error = %v", id, err)
			}
		}
		if err := f.store.Documents.MarkDeleted(ctx, "doc-1", time.Now()); err != nil {
			t.Fatalf("MarkDeleted() error = %v", err)
		}
		return f
	}

	t.Run("removes vectors objects and row", func(t *testing.T) {
		f := setup(t)
		ev := f.event(t, outbox.DocumentEvent(outbox.EventDocumentDelete, "doc-1", testKB, ""))

		if err := f.handlers(t).HandleDelete(ctx, ev); err != nil {
			t.Fatalf("HandleDelete() error = %v", err)
		}
		if n := f.vectorCount(t, "doc-1"); n != 0 {
			t.Errorf("doc-1 vectors = %d, want 0", n)
		}
		if n := f.vectorCount(t, "doc-2"); n != 3 {
			t.Errorf("doc-2 vectors = %d, want 3", n)
		}
		if ok, _ := f.objects.Exists(ctx, objectstore.DocumentKey("doc-1", 1, "doc-1.txt")); ok {
			t.Error("doc-1 object still stored")
		}
		if _, err := f.store.Documents.Get(ctx, "doc-1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Get(doc-1) error = %v, want ErrNotFound", err)
		}

		// A redelivery after success is a no-op.
		if err := f.handlers(t).HandleDelete(ctx, ev); err != nil {
			t.Errorf("second HandleDelete() error = %v", err)
		}
	})

	t.Run("vector failure keeps row for retry", func(t *testing.T) {
		f := setup(t)
		ev := f.event(t, outbox.DocumentEvent(outbox.EventDocumentDelete, "doc-1", testKB, ""))

		h := NewHandlers(f.store, f.objects, failingVectors{f.indexer}, f.processor(t, 3), f.runner)
		if err := h.HandleDelete(ctx, ev); err == nil {
			t.Fatal("HandleDelete() error = nil, want vector failure")
		}
		if _, err := f.store.Documents.Get(ctx, "doc-1"); err != nil {
			t.Errorf("row removed despite vector failure: %v", err)
		}
		if ok, _ := f.objects.Exists(ctx, objectstore.DocumentKey("doc-1", 1, "doc-1.txt")); !ok {
			t.Error("objects removed despite vector failure")
		}
	})

	t.Run("live document is not deleted", func(t *testing.T) {
		f := setup(t)
		ev := f.event(t, outbox.DocumentEvent(outbox.EventDocumentDelete, "doc-2", testKB, ""))
		if err := f.handlers(t).HandleDelete(ctx, ev); err != nil {
			t.Fatalf("HandleDelete() error = %v", err)
		}
		if n := f.vectorCount(t, "doc-2"); n != 3 {
			t.Errorf("doc-2 vectors = %d, want 3", n)
		}
	})
}

func TestHandlers_KnowledgeBaseDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"doc-1", "doc-2"} {
		f.addDocument(t, id, document.StatusProcessing, "run-1", tenWords)
		if err := f.processor(t, 3).Process(ctx, id, "run-1"); err != nil {
			t.Fatalf("Process(%s) error = %v", id, err)
		}
	}

	ev := f.event(t, outbox.KnowledgeBaseDeleteEvent(testKB))
	h := f.handlers(t)

	// Not soft-deleted yet: nothing happens.
	if err := h.HandleKnowledgeBaseDelete(ctx, ev); err != nil {
		t.Fatalf("HandleKnowledgeBaseDelete() error = %v", err)
	}
	if n := f.vectorCount(t, "doc-1"); n != 3 {
		t.Fatalf("vectors removed for a live knowledge base: %d left", n)
	}

	now := time.Now()
	if err := f.store.KnowledgeBases.MarkDeleted(ctx, testKB, now); err != nil {
		t.Fatalf("MarkDeleted() error = %v", err)
	}
	if _, err := f.store.Documents.MarkKnowledgeBaseDeleted(ctx, testKB, now); err != nil {
		t.Fatalf("MarkKnowledgeBaseDeleted() error = %v", err)
	}

	if err := h.HandleKnowledgeBaseDelete(ctx, ev); err != nil {
		t.Fatalf("HandleKnowledgeBaseDelete() error = %v", err)
	}
	if exists, _ := f.vectors.CollectionExists(ctx, f.indexer.CollectionName(testKB)); exists {
		t.Error("collection still exists")
	}
	prefixes, err := f.objects.ListDocumentPrefixes(ctx)
	if err != nil || len(prefixes) != 0 {
		t.Errorf("ListDocumentPrefixes() = %v, %v; want none", prefixes, err)
	}
	if _, err := f.store.KnowledgeBases.Get(ctx, testKB); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("KnowledgeBases.Get() error = %v, want ErrNotFound", err)
	}
	if _, err := f.store.Documents.Get(ctx, "doc-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Documents.Get() error = %v, want ErrNotFound", err)
	}
}
