// Copyright 2025 Tillworks
// SPDX-License-Identifier: Apache-2.0

package possqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Change statuses
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusFailed    = "failed"
)

// ChangeRecord is one durable local mutation waiting to be pushed
type ChangeRecord struct {
	ID         int64
	EntityType string
	RecordID   string
	Operation  string
	Payload    json.RawMessage // nil for delete
	ChangeID   string
	CreatedAt  time.Time
	Attempts   int
	LastError  string
	Status     string
}

// ChangeLog is the durable FIFO queue of local changes. It is append-only:
// a second change to the same record is a new row, never an update of the
// first, so creation order survives all the way to the server.
type ChangeLog struct {
	db  *sql.DB
	now func() time.Time
}

// Record appends a pending change and returns its generated change ID. The
// row is durable before Record returns; an append failure is fatal to the
// local write that caused it and is surfaced to the caller.
func (l *ChangeLog) Record(ctx context.Context, entityType, recordID, operation string, payload json.RawMessage) (string, error) {
	changeID := uuid.New().String()
	var payloadText sql.NullString
	if len(payload) > 0 {
		payloadText = sql.NullString{String: string(payload), Valid: true}
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO _pos_change_log (entity_type, record_id, op, payload, change_id, created_at, attempts, last_error, status)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', 'pending')
	`, entityType, recordID, operation, payloadText, changeID, l.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("failed to record change: %w", err)
	}
	return changeID, nil
}

// ListPending returns up to limit pending changes in creation order
func (l *ChangeLog) ListPending(ctx context.Context, limit int) ([]ChangeRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, entity_type, record_id, op, payload, change_id, created_at, attempts, last_error, status
		FROM _pos_change_log
		WHERE status = 'pending'
		ORDER BY created_at, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending changes: %w", err)
	}
	defer rows.Close()

	var changes []ChangeRecord
	for rows.Next() {
		var rec ChangeRecord
		var payload sql.NullString
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.EntityType, &rec.RecordID, &rec.Operation,
			&payload, &rec.ChangeID, &createdAt, &rec.Attempts, &rec.LastError, &rec.Status); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		if payload.Valid {
			rec.Payload = json.RawMessage(payload.String)
		}
		rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at for change %s: %w", rec.ChangeID, err)
		}
		changes = append(changes, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending changes: %w", err)
	}
	return changes, nil
}

// MarkProcessed transitions a change to processed after the server confirmed it
func (l *ChangeLog) MarkProcessed(ctx context.Context, id int64) error {
	if _, err := l.db.ExecContext(ctx, `
		UPDATE _pos_change_log SET status = 'processed' WHERE id = ?
	`, id); err != nil {
		return fmt.Errorf("failed to mark change %d processed: %w", id, err)
	}
	return nil
}

// MarkFailed transitions a change to failed. The server rejected the change
// itself (bad payload, unknown entity); retrying an identical change cannot
// succeed, so it leaves the pending queue.
func (l *ChangeLog) MarkFailed(ctx context.Context, id int64, lastError string) error {
	if _, err := l.db.ExecContext(ctx, `
		UPDATE _pos_change_log
		SET status = 'failed', attempts = attempts + 1, last_error = ?
		WHERE id = ?
	`, lastError, id); err != nil {
		return fmt.Errorf("failed to mark change %d failed: %w", id, err)
	}
	return nil
}

// RecordAttempt bumps the attempt counter on changes that were sent but got
// no response. The changes stay pending; a transport failure is never grounds
// for abandoning a change.
func (l *ChangeLog) RecordAttempt(ctx context.Context, ids []int64, lastError string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids)+1)
	args = append(args, lastError)
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf(`
		UPDATE _pos_change_log
		SET attempts = attempts + 1, last_error = ?
		WHERE id IN (%s)
	`, placeholders)
	if _, err := l.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// Remove deletes a change row, normally after MarkProcessed
func (l *ChangeLog) Remove(ctx context.Context, id int64) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM _pos_change_log WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove change %d: %w", id, err)
	}
	return nil
}

// PendingCount returns the number of changes waiting to be pushed
func (l *ChangeLog) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _pos_change_log WHERE status = 'pending'
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return n, nil
}

// Get returns one change by its change ID, mainly for inspection in tests
// and support tooling.
func (l *ChangeLog) Get(ctx context.Context, changeID string) (*ChangeRecord, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, entity_type, record_id, op, payload, change_id, created_at, attempts, last_error, status
		FROM _pos_change_log WHERE change_id = ?
	`, changeID)

	var rec ChangeRecord
	var payload sql.NullString
	var createdAt string
	err := row.Scan(&rec.ID, &rec.EntityType, &rec.RecordID, &rec.Operation,
		&payload, &rec.ChangeID, &createdAt, &rec.Attempts, &rec.LastError, &rec.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to load change %s: %w", changeID, err)
	}
	if payload.Valid {
		rec.Payload = json.RawMessage(payload.String)
	}
	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at for change %s: %w", changeID, err)
	}
	return &rec, nil
}
