package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const outboxColumns = `id, event_type, aggregate_id, aggregate_type, payload, created_at, processed_at,
	attempts, last_error, dead_lettered_at, locked_by, locked_until`

// OutboxRepo provides methods for outbox operations.
type OutboxRepo struct {
	q  Querier
	db *sql.DB // nil when bound to a transaction
}

// NewOutboxRepo creates a new OutboxRepo.
func NewOutboxRepo(q Querier) *OutboxRepo {
	r := &OutboxRepo{q: q}
	if db, ok := q.(*sql.DB); ok {
		r.db = db
	}
	return r
}

// enqueue inserts a new unprocessed row. It is reached through Tx.Enqueue only.
func (r *OutboxRepo) enqueue(ctx context.Context, ev NewOutboxEvent) (*OutboxEvent, error) {
	if ev.EventType == "" || ev.AggregateID == "" {
		return nil, fmt.Errorf("outbox event requires event type and aggregate id")
	}

	payload := []byte("{}")
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode outbox payload: %w", err)
		}
		payload = b
	}

	row := &OutboxEvent{
		ID:            uuid.NewString(),
		EventType:     ev.EventType,
		AggregateID:   ev.AggregateID,
		AggregateType: ev.AggregateType,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}

	_, err := r.q.ExecContext(ctx,
		`INSERT INTO outbox_events (id, event_type, aggregate_id, aggregate_type, payload, created_at, attempts)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		row.ID, row.EventType, row.AggregateID, row.AggregateType, string(row.Payload), formatTime(row.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return row, nil
}

// Claim leases up to limit unprocessed rows to owner until now+lease and returns
// them in creation order. Rows whose lease has not yet expired are skipped. The
// select and the lease stamp run in one immediate transaction, so two claimers
// never receive the same row.
func (r *OutboxRepo) Claim(ctx context.Context, owner string, limit int, lease time.Duration, now time.Time) ([]*OutboxEvent, error) {
	if r.db == nil {
		return nil, fmt.Errorf("claim requires a database handle, not a transaction")
	}
	if limit <= 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx,
		"SELECT "+outboxColumns+` FROM outbox_events
		 WHERE processed_at IS NULL AND (locked_until IS NULL OR locked_until <= ?)
		 ORDER BY created_at, rowid
		 LIMIT ?`,
		formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query claimable events: %w", err)
	}

	var events []*OutboxEvent
	for rows.Next() {
		ev, err := scanOutboxEvent(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		events = append(events, ev)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	until := now.Add(lease).UTC()
	for _, ev := range events {
		if _, err := tx.ExecContext(ctx,
			"UPDATE outbox_events SET locked_by = ?, locked_until = ? WHERE id = ?",
			owner, formatTime(until), ev.ID); err != nil {
			return nil, fmt.Errorf("failed to lease outbox event: %w", err)
		}
		ev.LockedBy = owner
		ev.LockedUntil = &until
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return events, nil
}

// Renew extends owner's lease on a row to now+lease. It returns ErrConflict when
// the row was closed or another claimer took it over after the lease expired.
func (r *OutboxRepo) Renew(ctx context.Context, id, owner string, lease time.Duration, now time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE outbox_events SET locked_until = ?
		 WHERE id = ? AND locked_by = ? AND processed_at IS NULL`,
		formatTime(now.Add(lease)), id, owner)
	if err != nil {
		return fmt.Errorf("failed to renew outbox lease: %w", err)
	}
	return expectOneRow(res, ErrConflict)
}

// MarkProcessed closes a row after a successful handler run. Only the lease
// holder can close it; anyone else gets ErrConflict.
func (r *OutboxRepo) MarkProcessed(ctx context.Context, id, owner string, now time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE outbox_events SET processed_at = ?, locked_by = NULL, locked_until = NULL
		 WHERE id = ? AND locked_by = ? AND processed_at IS NULL`,
		formatTime(now), id, owner)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event processed: %w", err)
	}
	return expectOneRow(res, ErrConflict)
}

// MarkFailed counts a failed attempt and records msg. With deadLetter set the
// row is closed as well and will not be claimed again.
func (r *OutboxRepo) MarkFailed(ctx context.Context, id, owner, msg string, deadLetter bool, now time.Time) error {
	var closedAt sql.NullString
	if deadLetter {
		closedAt = nullTime(&now)
	}
	res, err := r.q.ExecContext(ctx,
		`UPDATE outbox_events SET attempts = attempts + 1, last_error = ?,
			processed_at = ?, dead_lettered_at = ?, locked_by = NULL, locked_until = NULL
		 WHERE id = ? AND locked_by = ? AND processed_at IS NULL`,
		msg, closedAt, closedAt, id, owner)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event failed: %w", err)
	}
	return expectOneRow(res, ErrConflict)
}

// DeadLetter closes a row without counting another attempt.
func (r *OutboxRepo) DeadLetter(ctx context.Context, id, owner, msg string, now time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE outbox_events SET last_error = ?, processed_at = ?, dead_lettered_at = ?,
			locked_by = NULL, locked_until = NULL
		 WHERE id = ? AND locked_by = ? AND processed_at IS NULL`,
		msg, formatTime(now), formatTime(now), id, owner)
	if err != nil {
		return fmt.Errorf("failed to dead-letter outbox event: %w", err)
	}
	return expectOneRow(res, ErrConflict)
}

// Release drops owner's lease on a row without counting an attempt. A lease
// already taken over by another claimer is left alone.
func (r *OutboxRepo) Release(ctx context.Context, id, owner string) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE outbox_events SET locked_by = NULL, locked_until = NULL
		 WHERE id = ? AND locked_by = ? AND processed_at IS NULL`, id, owner)
	if err != nil {
		return fmt.Errorf("failed to release outbox event: %w", err)
	}
	return nil
}

// DeleteProcessedBefore removes processed rows older than cutoff and returns how many were removed.
func (r *OutboxRepo) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		"DELETE FROM outbox_events WHERE processed_at IS NOT NULL AND processed_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete processed outbox events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

// HasPending reports whether an unprocessed event of eventType exists for aggregateID.
func (r *OutboxRepo) HasPending(ctx context.Context, aggregateID, eventType string) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM outbox_events WHERE aggregate_id = ? AND event_type = ? AND processed_at IS NULL",
		aggregateID, eventType).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query pending events: %w", err)
	}
	return n > 0, nil
}

// Get returns an outbox row by ID. Returns ErrNotFound if not found.
func (r *OutboxRepo) Get(ctx context.Context, id string) (*OutboxEvent, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+outboxColumns+" FROM outbox_events WHERE id = ?", id)
	ev, err := scanOutboxEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox event: %w", err)
	}
	return ev, nil
}

// ListByAggregate returns every row for an aggregate in creation order.
func (r *OutboxRepo) ListByAggregate(ctx context.Context, aggregateID string) ([]*OutboxEvent, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+outboxColumns+" FROM outbox_events WHERE aggregate_id = ? ORDER BY created_at, rowid", aggregateID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox events: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var events []*OutboxEvent
	for rows.Next() {
		ev, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return events, nil
}

// Stats counts rows by state as of now.
func (r *OutboxRepo) Stats(ctx context.Context, now time.Time) (OutboxStats, error) {
	var s OutboxStats
	err := r.q.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN processed_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processed_at IS NOT NULL AND dead_lettered_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN dead_lettered_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processed_at IS NULL AND locked_until > ? THEN 1 ELSE 0 END), 0)
		 FROM outbox_events`,
		formatTime(now)).Scan(&s.Pending, &s.Processed, &s.DeadLettered, &s.Leased)
	if err != nil {
		return OutboxStats{}, fmt.Errorf("failed to query outbox stats: %w", err)
	}
	return s, nil
}

func scanOutboxEvent(s rowScanner) (*OutboxEvent, error) {
	var (
		ev                                   OutboxEvent
		payload, createdAt                   string
		processedAt, lastError, deadLettered sql.NullString
		lockedBy, lockedUntil                sql.NullString
	)
	err := s.Scan(&ev.ID, &ev.EventType, &ev.AggregateID, &ev.AggregateType, &payload, &createdAt,
		&processedAt, &ev.Attempts, &lastError, &deadLettered, &lockedBy, &lockedUntil)
	if err != nil {
		return nil, err
	}

	ev.Payload = []byte(payload)
	ev.LastError = lastError.String
	ev.LockedBy = lockedBy.String
	if ev.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if ev.ProcessedAt, err = parseNullTime(processedAt); err != nil {
		return nil, err
	}
	if ev.DeadLetteredAt, err = parseNullTime(deadLettered); err != nil {
		return nil, err
	}
	if ev.LockedUntil, err = parseNullTime(lockedUntil); err != nil {
		return nil, err
	}
	return &ev, nil
}
