package service

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_document_service.go -package=mocks docpipeline/internal/service DocumentService

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"docpipeline/internal/contextutil"
	"docpipeline/internal/document"
	"docpipeline/internal/objectstore"
	"docpipeline/internal/outbox"
	"docpipeline/internal/storage"
)

// MaxDocumentSize is the largest upload accepted.
const MaxDocumentSize = 50 << 20

// CreateKnowledgeBaseRequest creates a knowledge base.
type CreateKnowledgeBaseRequest struct {
	Name       string
	VectorSize int // 0 uses the configured default
}

// UploadRequest adds a new document to a knowledge base.
type UploadRequest struct {
	KnowledgeBaseID string
	Filename        string
	Content         []byte
}

// ReplaceRequest stores a new version of an existing document.
type ReplaceRequest struct {
	DocumentID string
	Filename   string // empty keeps the current name
	Content    []byte
}

// ReplaceResult reports whether the content actually changed.
type ReplaceResult struct {
	Document *storage.Document
	Changed  bool
}

// DocumentService holds the commands that change a document's lifecycle.
// Every status change is written together with its outbox event.
type DocumentService interface {
	CreateKnowledgeBase(ctx context.Context, req CreateKnowledgeBaseRequest) (*storage.KnowledgeBase, error)
	DeleteKnowledgeBase(ctx context.Context, kbID string) error
	Upload(ctx context.Context, req UploadRequest) (*storage.Document, error)
	Replace(ctx context.Context, req ReplaceRequest) (ReplaceResult, error)
	Retry(ctx context.Context, documentID string) (*storage.Document, error)
	Archive(ctx context.Context, documentID string) (*storage.Document, error)
	Delete(ctx context.Context, documentID string) error
	Get(ctx context.Context, documentID string) (*storage.Document, error)
}

// documentService implements DocumentService.
type documentService struct {
	store   *storage.Store
	objects objectstore.ObjectStore
	now     func() time.Time
}

// NewDocumentService creates a new DocumentService.
func NewDocumentService(store *storage.Store, objects objectstore.ObjectStore) DocumentService {
	return &documentService{
		store:   store,
		objects: objects,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateKnowledgeBase creates an empty knowledge base.
func (s *documentService) CreateKnowledgeBase(ctx context.Context, req CreateKnowledgeBaseRequest) (*storage.KnowledgeBase, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Message: "cannot be empty"}
	}
	if req.VectorSize < 0 {
		return nil, &ValidationError{Field: "vector_size", Message: "must not be negative"}
	}

	kb := &storage.KnowledgeBase{ID: uuid.NewString(), Name: name, VectorSize: req.VectorSize}
	if err := s.store.KnowledgeBases.Create(ctx, kb); err != nil {
		return nil, WrapError(err, "failed to create knowledge base")
	}
	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "knowledge base created", "knowledge_base_id", kb.ID, "name", name)
	return kb, nil
}

// DeleteKnowledgeBase soft-deletes a knowledge base and all of its documents.
// The kb.delete handler removes the data.
func (s *documentService) DeleteKnowledgeBase(ctx context.Context, kbID string) error {
	now := s.now()
	var docs int64
	err := s.store.InTx(ctx, func(tx *storage.Tx) error {
		if err := tx.KnowledgeBases.MarkDeleted(ctx, kbID, now); err != nil {
			return err
		}
		n, err := tx.Documents.MarkKnowledgeBaseDeleted(ctx, kbID, now)
		if err != nil {
			return err
		}
		docs = n
		_, err = tx.Enqueue(ctx, outbox.KnowledgeBaseDeleteEvent(kbID))
		return err
	})
	if err != nil {
		return mapStoreError(err, "failed to delete knowledge base")
	}
	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "knowledge base marked deleted",
		"knowledge_base_id", kbID, "documents", docs)
	return nil
}

// Upload stores the bytes first and then creates the PENDING row together with
// its document.process event. If the row cannot be written the bytes are
// removed again.
func (s *documentService) Upload(ctx context.Context, req UploadRequest) (*storage.Document, error) {
	filename, err := validateContent(req.Filename, req.Content)
	if err != nil {
		return nil, err
	}
	if err := s.activeKnowledgeBase(ctx, req.KnowledgeBaseID); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ctx = contextutil.WithAttrs(ctx, "document_id", id, "knowledge_base_id", req.KnowledgeBaseID)
	logger := contextutil.LoggerFromContext(ctx)

	key := objectstore.DocumentKey(id, 1, filename)
	if err := s.objects.Upload(ctx, key, req.Content); err != nil {
		logger.ErrorContext(ctx, "failed to store upload", "error", err)
		return nil, fmt.Errorf("%w: failed to store document: %v", ErrExternalService, err)
	}

	doc := &storage.Document{
		ID:              id,
		KnowledgeBaseID: req.KnowledgeBaseID,
		Filename:        filename,
		StorageKey:      key,
		Status:          document.StatusPending,
		Checksum:        checksum(req.Content),
		VersionNumber:   1,
		Progress:        document.NewProgress(),
	}
	err = s.store.InTx(ctx, func(tx *storage.Tx) error {
		if err := tx.Documents.Create(ctx, doc); err != nil {
			return err
		}
		_, err := tx.Enqueue(ctx, outbox.DocumentEvent(outbox.EventDocumentProcess, id, req.KnowledgeBaseID, "upload"))
		return err
	})
	if err != nil {
		if _, delErr := s.objects.DeletePrefix(context.WithoutCancel(ctx), objectstore.DocumentPrefix(id)); delErr != nil {
			logger.WarnContext(ctx, "failed to remove bytes of failed upload", "error", delErr)
		}
		return nil, WrapError(err, "failed to create document")
	}

	logger.InfoContext(ctx, "document uploaded", "filename", filename, "size", len(req.Content))
	return doc, nil
}

// Replace stores a new version of a document and queues it for processing.
// Identical content is a no-op. A run in flight for the old version loses its
// fence and its result is dropped.
func (s *documentService) Replace(ctx context.Context, req ReplaceRequest) (ReplaceResult, error) {
	doc, err := s.Get(ctx, req.DocumentID)
	if err != nil {
		return ReplaceResult{}, err
	}
	if req.Filename == "" {
		req.Filename = doc.Filename
	}
	filename, err := validateContent(req.Filename, req.Content)
	if err != nil {
		return ReplaceResult{}, err
	}
	if err := document.Transition(doc.Status, document.StatusPending); err != nil {
		return ReplaceResult{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	sum := checksum(req.Content)
	if sum == doc.Checksum {
		return ReplaceResult{Document: doc, Changed: false}, nil
	}

	ctx = contextutil.WithAttrs(ctx, "document_id", doc.ID, "knowledge_base_id", doc.KnowledgeBaseID)
	logger := contextutil.LoggerFromContext(ctx)

	version := doc.VersionNumber + 1
	key := objectstore.DocumentKey(doc.ID, version, filename)
	if err := s.objects.Upload(ctx, key, req.Content); err != nil {
		logger.ErrorContext(ctx, "failed to store new version", "error", err)
		return ReplaceResult{}, fmt.Errorf("%w: failed to store document: %v", ErrExternalService, err)
	}

	expect := storage.Expect{Status: doc.Status, RunID: doc.ProcessingRunID}
	doc.VersionHistory = append(doc.VersionHistory, storage.Version{
		Number:     doc.VersionNumber,
		Checksum:   doc.Checksum,
		ChunkCount: doc.ChunkCount,
		Status:     string(doc.Status),
		ReplacedAt: s.now(),
	})
	doc.VersionNumber = version
	doc.Filename = filename
	doc.StorageKey = key
	doc.Checksum = sum
	s.requeue(doc)
	doc.RetryCount = 0

	err = s.store.InTx(ctx, func(tx *storage.Tx) error {
		if err := tx.Documents.Save(ctx, doc, expect); err != nil {
			return err
		}
		return enqueueProcess(ctx, tx, doc, "new_version")
	})
	if err != nil {
		if delErr := s.objects.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			logger.WarnContext(ctx, "failed to remove bytes of failed replace", "error", delErr)
		}
		return ReplaceResult{}, mapStoreError(err, "failed to replace document")
	}

	logger.InfoContext(ctx, "document replaced", "version", version, "filename", filename)
	return ReplaceResult{Document: doc, Changed: true}, nil
}

// Retry puts a FAILED document back to PENDING.
func (s *documentService) Retry(ctx context.Context, documentID string) (*storage.Document, error) {
	doc, err := s.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status != document.StatusFailed {
		return nil, fmt.Errorf("%w: only FAILED documents can be retried, document is %s", ErrInvalidState, doc.Status)
	}

	expect := storage.Expect{Status: doc.Status, RunID: doc.ProcessingRunID}
	s.requeue(doc)
	doc.RetryCount++

	err = s.store.InTx(ctx, func(tx *storage.Tx) error {
		if err := tx.Documents.Save(ctx, doc, expect); err != nil {
			return err
		}
		return enqueueProcess(ctx, tx, doc, "manual_retry")
	})
	if err != nil {
		return nil, mapStoreError(err, "failed to retry document")
	}
	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "document queued for retry",
		"document_id", doc.ID, "retry_count", doc.RetryCount)
	return doc, nil
}

// Archive moves a READY document to ARCHIVED.
func (s *documentService) Archive(ctx context.Context, documentID string) (*storage.Document, error) {
	doc, err := s.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := document.Transition(doc.Status, document.StatusArchived); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	expect := storage.Expect{Status: doc.Status, RunID: doc.ProcessingRunID}
	now := s.now()
	doc.Status = document.StatusArchived
	doc.ArchivedAt = &now
	if err := s.store.Documents.Save(ctx, doc, expect); err != nil {
		return nil, mapStoreError(err, "failed to archive document")
	}
	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "document archived", "document_id", doc.ID)
	return doc, nil
}

// Delete soft-deletes a document. The document.delete handler removes its
// vectors, objects and row.
func (s *documentService) Delete(ctx context.Context, documentID string) error {
	doc, err := s.Get(ctx, documentID)
	if err != nil {
		return err
	}
	err = s.store.InTx(ctx, func(tx *storage.Tx) error {
		if err := tx.Documents.MarkDeleted(ctx, doc.ID, s.now()); err != nil {
			return err
		}
		_, err := tx.Enqueue(ctx, outbox.DocumentEvent(outbox.EventDocumentDelete, doc.ID, doc.KnowledgeBaseID, ""))
		return err
	})
	if err != nil {
		return mapStoreError(err, "failed to delete document")
	}
	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "document marked deleted",
		"document_id", doc.ID, "knowledge_base_id", doc.KnowledgeBaseID)
	return nil
}

// Get returns a live document.
func (s *documentService) Get(ctx context.Context, documentID string) (*storage.Document, error) {
	if documentID == "" {
		return nil, &ValidationError{Field: "document_id", Message: "cannot be empty"}
	}
	doc, err := s.store.Documents.Get(ctx, documentID)
	if err != nil {
		return nil, mapStoreError(err, "failed to get document")
	}
	if doc.Deleted() {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, documentID)
	}
	return doc, nil
}

// requeue resets the processing fields for a fresh PENDING run.
func (s *documentService) requeue(doc *storage.Document) {
	doc.Status = document.StatusPending
	doc.ProcessingRunID = ""
	doc.ProcessingStartedAt = nil
	doc.ProcessingCompletedAt = nil
	doc.LastError = ""
	doc.Progress.Reset()
}

func (s *documentService) activeKnowledgeBase(ctx context.Context, kbID string) error {
	if kbID == "" {
		return &ValidationError{Field: "knowledge_base_id", Message: "cannot be empty"}
	}
	kb, err := s.store.KnowledgeBases.Get(ctx, kbID)
	if err != nil {
		return mapStoreError(err, "failed to get knowledge base")
	}
	if kb.DeletedAt != nil {
		return fmt.Errorf("%w: knowledge base %s", ErrNotFound, kbID)
	}
	return nil
}

// enqueueProcess adds a document.process event unless one is already waiting.
func enqueueProcess(ctx context.Context, tx *storage.Tx, doc *storage.Document, reason string) error {
	pending, err := tx.HasPendingEvent(ctx, doc.ID, outbox.EventDocumentProcess)
	if err != nil || pending {
		return err
	}
	_, err = tx.Enqueue(ctx, outbox.DocumentEvent(outbox.EventDocumentProcess, doc.ID, doc.KnowledgeBaseID, reason))
	return err
}

func validateContent(filename string, content []byte) (string, error) {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == "/" {
		return "", &ValidationError{Field: "filename", Message: "cannot be empty"}
	}
	if len(content) == 0 {
		return "", &ValidationError{Field: "content", Message: "cannot be empty"}
	}
	if len(content) > MaxDocumentSize {
		return "", &ValidationError{Field: "content", Message: fmt.Sprintf("exceeds %d bytes", MaxDocumentSize)}
	}
	return name, nil
}

func checksum(content []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(content))
}

// mapStoreError translates storage errors into service errors.
func mapStoreError(err error, msg string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case errors.Is(err, storage.ErrConflict):
		return fmt.Errorf("%w: %s: record changed concurrently", ErrConflict, msg)
	case errors.Is(err, document.ErrInvalidTransition):
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return WrapError(err, msg)
}
