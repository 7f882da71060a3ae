package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"docpipeline/internal/document"
)

const documentColumns = `id, knowledge_base_id, filename, storage_key, status, chunk_count, retry_count,
	checksum, version_number, version_history, processing_steps, current_step, step_errors,
	processing_run_id, processing_started_at, processing_completed_at, last_error,
	created_at, updated_at, deleted_at, archived_at`

// Expect is the precondition of a conditional document update.
type Expect struct {
	Status document.Status
	RunID  string
}

// DocumentRepo provides methods for document operations.
type DocumentRepo struct {
	q Querier
}

// NewDocumentRepo creates a new DocumentRepo.
func NewDocumentRepo(q Querier) *DocumentRepo {
	return &DocumentRepo{q: q}
}

// Create inserts a new document. doc.ID must be set.
func (r *DocumentRepo) Create(ctx context.Context, doc *Document) error {
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	if doc.VersionNumber == 0 {
		doc.VersionNumber = 1
	}
	if doc.Progress.Steps == nil {
		doc.Progress = document.NewProgress()
	}

	history, steps, stepErrors, err := encodeDocumentJSON(doc)
	if err != nil {
		return err
	}

	_, err = r.q.ExecContext(ctx,
		`INSERT INTO documents (`+documentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.KnowledgeBaseID, doc.Filename, doc.StorageKey, string(doc.Status),
		doc.ChunkCount, doc.RetryCount, doc.Checksum, doc.VersionNumber, history,
		steps, string(doc.Progress.CurrentStep), stepErrors, doc.ProcessingRunID,
		nullTime(doc.ProcessingStartedAt), nullTime(doc.ProcessingCompletedAt), nullString(doc.LastError),
		formatTime(doc.CreatedAt), formatTime(doc.UpdatedAt), nullTime(doc.DeletedAt), nullTime(doc.ArchivedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

// Get gets a document by its ID, soft-deleted documents included.
// Returns ErrNotFound if not found.
func (r *DocumentRepo) Get(ctx context.Context, id string) (*Document, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM documents WHERE id = ?", id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query document: %w", err)
	}
	return doc, nil
}

// ListByKnowledgeBase returns the live (not soft-deleted) documents of a knowledge base.
func (r *DocumentRepo) ListByKnowledgeBase(ctx context.Context, kbID string) ([]*Document, error) {
	return r.list(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE knowledge_base_id = ? AND deleted_at IS NULL ORDER BY created_at, id",
		kbID)
}

// ListByStatus returns the live documents of a knowledge base in the given status.
func (r *DocumentRepo) ListByStatus(ctx context.Context, kbID string, status document.Status) ([]*Document, error) {
	return r.list(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE knowledge_base_id = ? AND status = ? AND deleted_at IS NULL ORDER BY created_at, id",
		kbID, string(status))
}

// ListIDsByKnowledgeBase returns every document ID of a knowledge base, soft-deleted ones included.
func (r *DocumentRepo) ListIDsByKnowledgeBase(ctx context.Context, kbID string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, "SELECT id FROM documents WHERE knowledge_base_id = ? ORDER BY id", kbID)
	if err != nil {
		return nil, fmt.Errorf("failed to query document IDs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan document ID: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return ids, nil
}

// ExistingIDs returns the subset of ids that have a row in the documents table,
// soft-deleted rows included.
func (r *DocumentRepo) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	found := make(map[string]bool, len(ids))
	const batch = 500
	for start := 0; start < len(ids); start += batch {
		end := min(start+batch, len(ids))
		part := ids[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(part)), ",")
		args := make([]any, len(part))
		for i, id := range part {
			args[i] = id
		}

		rows, err := r.q.QueryContext(ctx, "SELECT id FROM documents WHERE id IN ("+placeholders+")", args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query document IDs: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("failed to scan document ID: %w", err)
			}
			found[id] = true
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, fmt.Errorf("row iteration error: %w", err)
		}
	}
	return found, nil
}

// Save writes every mutable field of doc, provided the stored row still has the
// expected status and processing run and is not soft-deleted. Status and
// progress land in the same UPDATE so readers never see one without the other.
// Returns ErrConflict when the precondition no longer holds.
func (r *DocumentRepo) Save(ctx context.Context, doc *Document, expect Expect) error {
	if !doc.Status.Valid() {
		return fmt.Errorf("invalid document status %q", doc.Status)
	}
	doc.UpdatedAt = time.Now().UTC()

	history, steps, stepErrors, err := encodeDocumentJSON(doc)
	if err != nil {
		return err
	}

	res, err := r.q.ExecContext(ctx,
		`UPDATE documents SET
			filename = ?, storage_key = ?, status = ?, chunk_count = ?, retry_count = ?,
			checksum = ?, version_number = ?, version_history = ?,
			processing_steps = ?, current_step = ?, step_errors = ?,
			processing_run_id = ?, processing_started_at = ?, processing_completed_at = ?,
			last_error = ?, updated_at = ?, archived_at = ?
		 WHERE id = ? AND status = ? AND processing_run_id = ? AND deleted_at IS NULL`,
		doc.Filename, doc.StorageKey, string(doc.Status), doc.ChunkCount, doc.RetryCount,
		doc.Checksum, doc.VersionNumber, history,
		steps, string(doc.Progress.CurrentStep), stepErrors,
		doc.ProcessingRunID, nullTime(doc.ProcessingStartedAt), nullTime(doc.ProcessingCompletedAt),
		nullString(doc.LastError), formatTime(doc.UpdatedAt), nullTime(doc.ArchivedAt),
		doc.ID, string(expect.Status), expect.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	return expectOneRow(res, ErrConflict)
}

// MarkDeleted soft-deletes a document and clears its processing run so that an
// in-flight worker can no longer write to it.
func (r *DocumentRepo) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	res, err := r.q.ExecContext(ctx,
		"UPDATE documents SET deleted_at = ?, processing_run_id = '', updated_at = ? WHERE id = ? AND deleted_at IS NULL",
		formatTime(at), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark document deleted: %w", err)
	}
	return expectOneRow(res, ErrNotFound)
}

// MarkKnowledgeBaseDeleted soft-deletes every live document of a knowledge base.
func (r *DocumentRepo) MarkKnowledgeBaseDeleted(ctx context.Context, kbID string, at time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		"UPDATE documents SET deleted_at = ?, processing_run_id = '', updated_at = ? WHERE knowledge_base_id = ? AND deleted_at IS NULL",
		formatTime(at), formatTime(at), kbID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark documents deleted: %w", err)
	}
	return res.RowsAffected()
}

// Delete removes the document row.
func (r *DocumentRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.q.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// DeleteByKnowledgeBase removes every document row of a knowledge base.
func (r *DocumentRepo) DeleteByKnowledgeBase(ctx context.Context, kbID string) (int64, error) {
	res, err := r.q.ExecContext(ctx, "DELETE FROM documents WHERE knowledge_base_id = ?", kbID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete documents: %w", err)
	}
	return res.RowsAffected()
}

func (r *DocumentRepo) list(ctx context.Context, query string, args ...any) ([]*Document, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return docs, nil
}

func encodeDocumentJSON(doc *Document) (history, steps, stepErrors string, err error) {
	versions := doc.VersionHistory
	if versions == nil {
		versions = []Version{}
	}
	h, err := json.Marshal(versions)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode version history: %w", err)
	}
	s, err := json.Marshal(doc.Progress.Steps)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode processing steps: %w", err)
	}
	errs := doc.Progress.StepErrors
	if errs == nil {
		errs = map[document.Step]string{}
	}
	e, err := json.Marshal(errs)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode step errors: %w", err)
	}
	return string(h), string(s), string(e), nil
}

func scanDocument(s rowScanner) (*Document, error) {
	var (
		doc                               Document
		status, history, steps, stepErrs  string
		currentStep                       string
		startedAt, completedAt, lastError sql.NullString
		createdAt, updatedAt              string
		deletedAt, archivedAt             sql.NullString
	)
	err := s.Scan(
		&doc.ID, &doc.KnowledgeBaseID, &doc.Filename, &doc.StorageKey, &status,
		&doc.ChunkCount, &doc.RetryCount, &doc.Checksum, &doc.VersionNumber, &history,
		&steps, &currentStep, &stepErrs, &doc.ProcessingRunID,
		&startedAt, &completedAt, &lastError, &createdAt, &updatedAt, &deletedAt, &archivedAt,
	)
	if err != nil {
		return nil, err
	}

	if doc.Status, err = document.ParseStatus(status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(history), &doc.VersionHistory); err != nil {
		return nil, fmt.Errorf("failed to decode version history: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &doc.Progress.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode processing steps: %w", err)
	}
	if err := json.Unmarshal([]byte(stepErrs), &doc.Progress.StepErrors); err != nil {
		return nil, fmt.Errorf("failed to decode step errors: %w", err)
	}
	doc.Progress.CurrentStep = document.Step(currentStep)
	doc.LastError = lastError.String

	if doc.ProcessingStartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if doc.ProcessingCompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if doc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if doc.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if doc.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return nil, err
	}
	if doc.ArchivedAt, err = parseNullTime(archivedAt); err != nil {
		return nil, err
	}
	return &doc, nil
}
