package ingest

import (
	"context"
	"path/filepath"
	"testing"

	"docpipeline/internal/document"
	"docpipeline/internal/indexer"
	"docpipeline/internal/objectstore"
	"docpipeline/internal/parser"
	"docpipeline/internal/storage"
	"docpipeline/internal/vectorstore"
	"docpipeline/internal/worker"
)

const testKB = "kb-1"

// embedFunc adapts a function to Embedder.
type embedFunc func(ctx context.Context, chunks []indexer.Chunk) ([]indexer.ChunkEmbedding, error)

func (f embedFunc) Generate(ctx context.Context, chunks []indexer.Chunk) ([]indexer.ChunkEmbedding, error) {
	return f(ctx, chunks)
}

// fixedEmbedder returns a 2-dimensional vector per chunk.
func fixedEmbedder() embedFunc {
	return func(ctx context.Context, chunks []indexer.Chunk) ([]indexer.ChunkEmbedding, error) {
		out := make([]indexer.ChunkEmbedding, len(chunks))
		for i, ch := range chunks {
			out[i] = indexer.ChunkEmbedding{Chunk: ch, Vector: []float32{1, float32(i)}}
		}
		return out, nil
	}
}

// parseFunc adapts a function to Parser.
type parseFunc func(ctx context.Context, filename string, content []byte) (*parser.Parsed, error)

func (f parseFunc) Parse(ctx context.Context, filename string, content []byte) (*parser.Parsed, error) {
	return f(ctx, filename, content)
}

// inlineRunner runs tasks on the caller's goroutine, or refuses them with err.
type inlineRunner struct {
	err       error
	submitted int
}

func (r *inlineRunner) Submit(ctx context.Context, name string, task worker.Task) error {
	if r.err != nil {
		return r.err
	}
	r.submitted++
	task(ctx)
	return nil
}

type fixture struct {
	store    *storage.Store
	objects  *objectstore.BadgerStore
	vectors  *vectorstore.MemoryStore
	indexer  *indexer.VectorIndexer
	embedder Embedder
	parser   Parser
	runner   *inlineRunner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("storage.Migrate() error = %v", err)
	}

	objects, err := objectstore.OpenBadgerStore("", true, nil)
	if err != nil {
		t.Fatalf("OpenBadgerStore() error = %v", err)
	}
	t.Cleanup(func() {
		_ = objects.Close()
	})

	vectors := vectorstore.NewMemoryStore()
	f := &fixture{
		store:    storage.NewStore(db),
		objects:  objects,
		vectors:  vectors,
		indexer:  indexer.NewVectorIndexer(vectors, "kb_", 2, 0),
		embedder: fixedEmbedder(),
		parser:   parser.NewRegistry(),
		runner:   &inlineRunner{},
	}

	kb := &storage.KnowledgeBase{ID: testKB, Name: "Test"}
	if err := f.store.KnowledgeBases.Create(context.Background(), kb); err != nil {
		t.Fatalf("KnowledgeBases.Create() error = %v", err)
	}
	return f
}

// processor builds a Processor over the fixture with 4-word chunks and no overlap.
func (f *fixture) processor(t *testing.T, maxRetries int) *Processor {
	t.Helper()
	chunker, err := indexer.NewChunker(indexer.WordCounter{}, 4, 0)
	if err != nil {
		t.Fatalf("NewChunker() error = %v", err)
	}
	return NewProcessor(f.store, f.objects, f.parser, chunker, f.embedder, f.indexer, maxRetries)
}

func (f *fixture) handlers(t *testing.T) *Handlers {
	t.Helper()
	return NewHandlers(f.store, f.objects, f.indexer, f.processor(t, 3), f.runner)
}

// addDocument stores content and inserts a document row in the given state.
func (f *fixture) addDocument(t *testing.T, id string, status document.Status, runID, content string) *storage.Document {
	t.Helper()
	ctx := context.Background()

	key := objectstore.DocumentKey(id, 1, id+".txt")
	if err := f.objects.Upload(ctx, key, []byte(content)); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	doc := &storage.Document{
		ID:              id,
		KnowledgeBaseID: testKB,
		Filename:        id + ".txt",
		StorageKey:      key,
		Status:          status,
		ProcessingRunID: runID,
		Progress:        document.NewProgress(),
	}
	if err := f.store.Documents.Create(ctx, doc); err != nil {
		t.Fatalf("Documents.Create() error = %v", err)
	}
	return doc
}

func (f *fixture) get(t *testing.T, id string) *storage.Document {
	t.Helper()
	doc, err := f.store.Documents.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Documents.Get(%s) error = %v", id, err)
	}
	return doc
}

func (f *fixture) vectorCount(t *testing.T, id string) int {
	t.Helper()
	n, err := f.indexer.CountDocumentVectors(context.Background(), testKB, id)
	if err != nil {
		t.Fatalf("CountDocumentVectors() error = %v", err)
	}
	return n
}

func (f *fixture) pending(t *testing.T, id, eventType string) bool {
	t.Helper()
	ok, err := f.store.Outbox.HasPending(context.Background(), id, eventType)
	if err != nil {
		t.Fatalf("HasPending() error = %v", err)
	}
	return ok
}

func (f *fixture) event(t *testing.T, ev storage.NewOutboxEvent) *storage.OutboxEvent {
	t.Helper()
	var row *storage.OutboxEvent
	err := f.store.InTx(context.Background(), func(tx *storage.Tx) error {
		var err error
		row, err = tx.Enqueue(context.Background(), ev)
		return err
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return row
}

const tenWords = "one two three four five six seven eight nine ten"

func expectOf(status document.Status, runID string) storage.Expect {
	return storage.Expect{Status: status, RunID: runID}
}
