package handlers

import (
	"time"

	"docpipeline/internal/document"
	"docpipeline/internal/storage"
)

// KnowledgeBaseResponse is the JSON view of a knowledge base.
type KnowledgeBaseResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	VectorSize int       `json:"vector_size,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// DocumentResponse is the JSON view of a document.
type DocumentResponse struct {
	ID              string            `json:"id"`
	KnowledgeBaseID string            `json:"knowledge_base_id"`
	Filename        string            `json:"filename"`
	Status          document.Status   `json:"status"`
	ChunkCount      int               `json:"chunk_count"`
	RetryCount      int               `json:"retry_count"`
	Checksum        string            `json:"checksum"`
	Version         int               `json:"version"`
	VersionHistory  []storage.Version `json:"version_history,omitempty"`
	Progress        document.Progress `json:"progress"`
	LastError       string            `json:"last_error,omitempty"`
	StartedAt       *time.Time        `json:"processing_started_at,omitempty"`
	CompletedAt     *time.Time        `json:"processing_completed_at,omitempty"`
	ArchivedAt      *time.Time        `json:"archived_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func newKnowledgeBaseResponse(kb *storage.KnowledgeBase) KnowledgeBaseResponse {
	return KnowledgeBaseResponse{
		ID:         kb.ID,
		Name:       kb.Name,
		VectorSize: kb.VectorSize,
		CreatedAt:  kb.CreatedAt,
	}
}

func newDocumentResponse(doc *storage.Document) DocumentResponse {
	return DocumentResponse{
		ID:              doc.ID,
		KnowledgeBaseID: doc.KnowledgeBaseID,
		Filename:        doc.Filename,
		Status:          doc.Status,
		ChunkCount:      doc.ChunkCount,
		RetryCount:      doc.RetryCount,
		Checksum:        doc.Checksum,
		Version:         doc.VersionNumber,
		VersionHistory:  doc.VersionHistory,
		Progress:        doc.Progress,
		LastError:       doc.LastError,
		StartedAt:       doc.ProcessingStartedAt,
		CompletedAt:     doc.ProcessingCompletedAt,
		ArchivedAt:      doc.ArchivedAt,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}
}
