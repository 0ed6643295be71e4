package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/cycomachead/canvas-lms/internal/sis"
)

const batchColumns = `id, account_id, import_type, workflow_state, progress,
	processing_errors, processing_warnings, error_message, stack_trace,
	batch_mode, batch_mode_term_id, attachment_id, local_path,
	started_at, ended_at, created_at, updated_at`

// GetBatch loads one batch by id.
func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (*sis.Batch, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM sis_batches WHERE id = $1`, pgUUID(id))
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sis.ErrBatchNotFound
	}
	return b, err
}

// CreateBatch inserts a new batch record.
func (s *Store) CreateBatch(ctx context.Context, b *sis.Batch) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sis_batches (
			id, account_id, import_type, workflow_state, progress,
			processing_errors, processing_warnings, error_message, stack_trace,
			batch_mode, batch_mode_term_id, attachment_id, local_path,
			started_at, ended_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		pgUUID(b.ID), pgUUID(b.AccountID), b.ImportType, string(b.State), b.Progress,
		b.ProcessingErrors, b.ProcessingWarnings, pgText(b.ErrorMessage), pgText(b.StackTrace),
		b.BatchMode, pgUUIDPtr(b.BatchModeTermID), pgUUID(b.AttachmentID), pgText(b.LocalPath),
		pgTimePtr(b.StartedAt), pgTimePtr(b.EndedAt), b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// SaveBatch writes the full mutable state of an existing batch.
func (s *Store) SaveBatch(ctx context.Context, b *sis.Batch) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE sis_batches SET
			import_type = $2,
			workflow_state = $3,
			progress = $4,
			processing_errors = $5,
			processing_warnings = $6,
			error_message = $7,
			stack_trace = $8,
			batch_mode = $9,
			batch_mode_term_id = $10,
			attachment_id = $11,
			local_path = $12,
			started_at = $13,
			ended_at = $14,
			updated_at = now()
		WHERE id = $1`,
		pgUUID(b.ID), b.ImportType, string(b.State), b.Progress,
		b.ProcessingErrors, b.ProcessingWarnings, pgText(b.ErrorMessage), pgText(b.StackTrace),
		b.BatchMode, pgUUIDPtr(b.BatchModeTermID), pgUUID(b.AttachmentID), pgText(b.LocalPath),
		pgTimePtr(b.StartedAt), pgTimePtr(b.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sis.ErrBatchNotFound
	}
	return nil
}

// UpdateProgress is the narrow write path for the progress column. It
// touches nothing else on the row, so a concurrent finalization save cannot
// be clobbered by a late progress write and vice versa. Values are clamped
// to [0,100] in SQL.
func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error {
	_, err := s.db.Exec(ctx, `
		UPDATE sis_batches
		SET progress = LEAST(100, GREATEST(0, $2::int))
		WHERE id = $1`,
		pgUUID(id), progress,
	)
	if err != nil {
		return fmt.Errorf("update batch progress: %w", err)
	}
	return nil
}

// ListBatchesInState returns an account's batches in the given state,
// ordered by creation time.
func (s *Store) ListBatchesInState(ctx context.Context, accountID uuid.UUID, state sis.BatchState) ([]*sis.Batch, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+batchColumns+` FROM sis_batches
		 WHERE account_id = $1 AND workflow_state = $2
		 ORDER BY created_at, id`,
		pgUUID(accountID), string(state))
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var batches []*sis.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// ListAllBatchesInState returns every batch in the given state across all
// accounts, ordered by creation time. Used at startup to requeue work that
// never ran before the last shutdown.
func (s *Store) ListAllBatchesInState(ctx context.Context, state sis.BatchState) ([]*sis.Batch, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+batchColumns+` FROM sis_batches
		 WHERE workflow_state = $1
		 ORDER BY created_at, id`,
		string(state))
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var batches []*sis.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func scanBatch(row pgx.Row) (*sis.Batch, error) {
	var (
		b                          sis.Batch
		id, accountID, attachment  pgtype.UUID
		termID                     pgtype.UUID
		state                      string
		errorMessage, stack, local pgtype.Text
		startedAt, endedAt         pgtype.Timestamptz
	)
	err := row.Scan(
		&id, &accountID, &b.ImportType, &state, &b.Progress,
		&b.ProcessingErrors, &b.ProcessingWarnings, &errorMessage, &stack,
		&b.BatchMode, &termID, &attachment, &local,
		&startedAt, &endedAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.ID = fromPgUUID(id)
	b.AccountID = fromPgUUID(accountID)
	b.State = sis.BatchState(state)
	b.ErrorMessage = errorMessage.String
	b.StackTrace = stack.String
	b.BatchModeTermID = fromPgUUIDPtr(termID)
	b.AttachmentID = fromPgUUID(attachment)
	b.LocalPath = local.String
	b.StartedAt = fromPgTimePtr(startedAt)
	b.EndedAt = fromPgTimePtr(endedAt)
	return &b, nil
}
