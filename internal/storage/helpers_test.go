package storage

import (
	"context"
	"path/filepath"
	"testing"

	"docpipeline/internal/document"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewStore(db)
}

func createTestKB(t *testing.T, s *Store, id string) *KnowledgeBase {
	t.Helper()

	kb := &KnowledgeBase{ID: id, Name: "kb " + id}
	if err := s.KnowledgeBases.Create(context.Background(), kb); err != nil {
		t.Fatalf("KnowledgeBases.Create() error = %v", err)
	}
	return kb
}

func createTestDocument(t *testing.T, s *Store, kbID, id string, status document.Status) *Document {
	t.Helper()

	doc := &Document{
		ID:              id,
		KnowledgeBaseID: kbID,
		Filename:        id + ".md",
		StorageKey:      id + "/original",
		Status:          status,
		Checksum:        "sum-" + id,
		Progress:        document.NewProgress(),
	}
	if err := s.Documents.Create(context.Background(), doc); err != nil {
		t.Fatalf("Documents.Create() error = %v", err)
	}
	return doc
}
