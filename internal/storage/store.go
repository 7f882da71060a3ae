package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional update matched no row because
	// the record moved on (status changed, run superseded, soft-deleted).
	ErrConflict = errors.New("record changed concurrently")
)

// Querier is the subset of *sql.DB and *sql.Tx the repositories need.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store bundles the repositories over one database handle.
type Store struct {
	db             *sql.DB
	Documents      *DocumentRepo
	KnowledgeBases *KnowledgeBaseRepo
	Outbox         *OutboxRepo
}

// NewStore creates a Store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:             db,
		Documents:      NewDocumentRepo(db),
		KnowledgeBases: NewKnowledgeBaseRepo(db),
		Outbox:         NewOutboxRepo(db),
	}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Tx exposes the repositories bound to one transaction. Enqueue is only
// reachable from here, so an outbox row is always written in the same
// transaction as the state change it describes.
type Tx struct {
	Documents      *DocumentRepo
	KnowledgeBases *KnowledgeBaseRepo
	outbox         *OutboxRepo
}

// Enqueue writes an outbox row inside the transaction.
func (t *Tx) Enqueue(ctx context.Context, ev NewOutboxEvent) (*OutboxEvent, error) {
	return t.outbox.enqueue(ctx, ev)
}

// HasPendingEvent reports whether an unprocessed event of eventType exists for aggregateID.
func (t *Tx) HasPendingEvent(ctx context.Context, aggregateID, eventType string) (bool, error) {
	return t.outbox.HasPending(ctx, aggregateID, eventType)
}

// InTx runs fn inside a transaction. The transaction commits when fn returns nil
// and rolls back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	tx := &Tx{
		Documents:      NewDocumentRepo(sqlTx),
		KnowledgeBases: NewKnowledgeBaseRepo(sqlTx),
		outbox:         NewOutboxRepo(sqlTx),
	}

	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
