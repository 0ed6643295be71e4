package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/cycomachead/canvas-lms/internal/sis"
)

// AppendLogEntry records one audit message for a batch.
func (s *Store) AppendLogEntry(ctx context.Context, batchID uuid.UUID, message string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO sis_batch_log_entries (batch_id, message) VALUES ($1, $2)`,
		pgUUID(batchID), message)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

// ListLogEntries returns a batch's log entries in creation order.
func (s *Store) ListLogEntries(ctx context.Context, batchID uuid.UUID) ([]sis.LogEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, batch_id, message, created_at
		FROM sis_batch_log_entries
		WHERE batch_id = $1
		ORDER BY created_at, id`,
		pgUUID(batchID))
	if err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	defer rows.Close()

	var entries []sis.LogEntry
	for rows.Next() {
		var (
			e   sis.LogEntry
			bid pgtype.UUID
		)
		if err := rows.Scan(&e.ID, &bid, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.BatchID = fromPgUUID(bid)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
