package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// KnowledgeBaseRepo provides methods for knowledge base operations.
type KnowledgeBaseRepo struct {
	q Querier
}

// NewKnowledgeBaseRepo creates a new KnowledgeBaseRepo.
func NewKnowledgeBaseRepo(q Querier) *KnowledgeBaseRepo {
	return &KnowledgeBaseRepo{q: q}
}

// Create inserts a knowledge base. kb.ID must be set.
func (r *KnowledgeBaseRepo) Create(ctx context.Context, kb *KnowledgeBase) error {
	if kb.CreatedAt.IsZero() {
		kb.CreatedAt = time.Now().UTC()
	}
	_, err := r.q.ExecContext(ctx,
		"INSERT INTO knowledge_bases (id, name, vector_size, created_at) VALUES (?, ?, ?, ?)",
		kb.ID, kb.Name, kb.VectorSize, formatTime(kb.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert knowledge base: %w", err)
	}
	return nil
}

// Get returns a knowledge base by ID, including soft-deleted ones.
// Returns ErrNotFound if no row exists.
func (r *KnowledgeBaseRepo) Get(ctx context.Context, id string) (*KnowledgeBase, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT id, name, vector_size, created_at, deleted_at FROM knowledge_bases WHERE id = ?", id)
	kb, err := scanKnowledgeBase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge base: %w", err)
	}
	return kb, nil
}

// ListActive returns every knowledge base that is not soft-deleted, ordered by ID.
func (r *KnowledgeBaseRepo) ListActive(ctx context.Context) ([]*KnowledgeBase, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT id, name, vector_size, created_at, deleted_at FROM knowledge_bases WHERE deleted_at IS NULL ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge bases: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var kbs []*KnowledgeBase
	for rows.Next() {
		kb, err := scanKnowledgeBase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan knowledge base: %w", err)
		}
		kbs = append(kbs, kb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return kbs, nil
}

// MarkDeleted soft-deletes a knowledge base. Returns ErrNotFound when no active row matched.
func (r *KnowledgeBaseRepo) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	res, err := r.q.ExecContext(ctx,
		"UPDATE knowledge_bases SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL",
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark knowledge base deleted: %w", err)
	}
	return expectOneRow(res, ErrNotFound)
}

// Delete removes the knowledge base row. Documents must be removed first.
func (r *KnowledgeBaseRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.q.ExecContext(ctx, "DELETE FROM knowledge_bases WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete knowledge base: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKnowledgeBase(s rowScanner) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	var createdAt string
	var deletedAt sql.NullString
	if err := s.Scan(&kb.ID, &kb.Name, &kb.VectorSize, &createdAt, &deletedAt); err != nil {
		return nil, err
	}
	var err error
	if kb.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if kb.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return nil, err
	}
	return &kb, nil
}

func expectOneRow(res sql.Result, notMatched error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notMatched
	}
	return nil
}
