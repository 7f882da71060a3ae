package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"docpipeline/internal/contextutil"
	"docpipeline/internal/service"
)

// multipartOverhead is the allowance for form boundaries and headers on top of
// the document itself.
const multipartOverhead = 1 << 20

// DocumentHandler handles the knowledge base and document endpoints.
type DocumentHandler struct {
	documents service.DocumentService
}

// NewDocumentHandler creates a new DocumentHandler.
func NewDocumentHandler(documents service.DocumentService) *DocumentHandler {
	return &DocumentHandler{documents: documents}
}

// CreateKnowledgeBaseRequest is the body of POST /api/knowledge-bases.
type CreateKnowledgeBaseRequest struct {
	Name       string `json:"name"`
	VectorSize int    `json:"vector_size,omitempty"`
}

// ReplaceResponse is returned by PUT /api/documents/{docID}/content.
type ReplaceResponse struct {
	Changed  bool             `json:"changed"`
	Document DocumentResponse `json:"document"`
}

// CreateKnowledgeBase handles POST /api/knowledge-bases.
func (h *DocumentHandler) CreateKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateKnowledgeBaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		contextutil.LoggerFromContext(ctx).WarnContext(ctx, "invalid request body", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	kb, err := h.documents.CreateKnowledgeBase(ctx, service.CreateKnowledgeBaseRequest{
		Name:       req.Name,
		VectorSize: req.VectorSize,
	})
	if err != nil {
		handleServiceError(ctx, w, err, "Failed to create knowledge base")
		return
	}
	writeJSON(ctx, w, http.StatusCreated, newKnowledgeBaseResponse(kb))
}

// DeleteKnowledgeBase handles DELETE /api/knowledge-bases/{kbID}.
func (h *DocumentHandler) DeleteKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.documents.DeleteKnowledgeBase(ctx, chi.URLParam(r, "kbID")); err != nil {
		handleServiceError(ctx, w, err, "Failed to delete knowledge base")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Upload handles POST /api/knowledge-bases/{kbID}/documents. The body is either
// a multipart form with a "file" part or the raw bytes with ?filename=.
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filename, content, err := readDocument(w, r)
	if err != nil {
		contextutil.LoggerFromContext(ctx).WarnContext(ctx, "invalid upload", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	doc, err := h.documents.Upload(ctx, service.UploadRequest{
		KnowledgeBaseID: chi.URLParam(r, "kbID"),
		Filename:        filename,
		Content:         content,
	})
	if err != nil {
		handleServiceError(ctx, w, err, "Failed to upload document")
		return
	}
	writeJSON(ctx, w, http.StatusAccepted, newDocumentResponse(doc))
}

// Get handles GET /api/documents/{docID}.
func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	doc, err := h.documents.Get(ctx, chi.URLParam(r, "docID"))
	if err != nil {
		handleServiceError(ctx, w, err, "Failed to get document")
		return
	}
	writeJSON(ctx, w, http.StatusOK, newDocumentResponse(doc))
}

// Replace handles PUT /api/documents/{docID}/content.
func (h *DocumentHandler) Replace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filename, content, err := readDocument(w, r)
	if err != nil {
		contextutil.LoggerFromContext(ctx).WarnContext(ctx, "invalid upload", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.documents.Replace(ctx, service.ReplaceRequest{
		DocumentID: chi.URLParam(r, "docID"),
		Filename:   filename,
		Content:    content,
	})
	if err != nil {
		handleServiceError(ctx, w, err, "Failed to replace document")
		return
	}
	status := http.StatusOK
	if res.Changed {
		status = http.StatusAccepted
	}
	writeJSON(ctx, w, status, ReplaceResponse{Changed: res.Changed, Document: newDocumentResponse(res.Document)})
}

// Retry handles POST /api/documents/{docID}/retry.
func (h *DocumentHandler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	doc, err := h.documents.Retry(ctx, chi.URLParam(r, "docID"))
	if err != nil {
		handleServiceError(ctx, w, err, "Failed to retry document")
		return
	}
	writeJSON(ctx, w, http.StatusAccepted, newDocumentResponse(doc))
}

// Archive handles POST /api/documents/{docID}/archive.
func (h *DocumentHandler) Archive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	doc, err := h.documents.Archive(ctx, chi.URLParam(r, "docID"))
	if err != nil {
		handleServiceError(ctx, w, err, "Failed to archive document")
		return
	}
	writeJSON(ctx, w, http.StatusOK, newDocumentResponse(doc))
}

// Delete handles DELETE /api/documents/{docID}.
func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.documents.Delete(ctx, chi.URLParam(r, "docID")); err != nil {
		handleServiceError(ctx, w, err, "Failed to delete document")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// readDocument extracts the filename and bytes of an uploaded document.
func readDocument(w http.ResponseWriter, r *http.Request) (string, []byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, service.MaxDocumentSize+multipartOverhead)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		content, err := io.ReadAll(r.Body)
		if err != nil {
			return "", nil, bodyError(err)
		}
		return r.URL.Query().Get("filename"), content, nil
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return "", nil, errors.New("missing file part")
		}
		return "", nil, bodyError(err)
	}
	defer func() {
		_ = file.Close()
	}()

	content, err := io.ReadAll(file)
	if err != nil {
		return "", nil, bodyError(err)
	}
	name := header.Filename
	if override := strings.TrimSpace(r.FormValue("filename")); override != "" {
		name = override
	}
	return name, content, nil
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("document exceeds %d bytes", service.MaxDocumentSize)
	}
	return fmt.Errorf("failed to read request body: %w", err)
}
