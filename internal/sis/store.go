package sis

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
)

// ErrBatchNotFound is returned by BatchStore implementations when no batch
// exists for the requested id.
var ErrBatchNotFound = errors.New("batch not found")

// BatchStore persists batches. SaveBatch writes the full record;
// UpdateProgress is the narrow point write for the progress column only and
// must not touch, re-validate, or overwrite any other field, so it is safe
// to call concurrently with a finalization save.
type BatchStore interface {
	GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error)
	CreateBatch(ctx context.Context, b *Batch) error
	SaveBatch(ctx context.Context, b *Batch) error
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error
	ListBatchesInState(ctx context.Context, accountID uuid.UUID, state BatchState) ([]*Batch, error)
}

// LogEntry is one audit record attached to a batch.
type LogEntry struct {
	ID        int64
	BatchID   uuid.UUID
	Message   string
	CreatedAt time.Time
}

// LogStore is the append-only audit sink for batch log entries. Entries
// are listed in creation order.
type LogStore interface {
	AppendLogEntry(ctx context.Context, batchID uuid.UUID, message string) error
	ListLogEntries(ctx context.Context, batchID uuid.UUID) ([]LogEntry, error)
}

// StaleQuery selects active entities owned by an account whose last
// touching batch differs from BatchID. After/Limit implement keyset
// pagination so reconciliation scans in bounded memory.
type StaleQuery struct {
	AccountID uuid.UUID
	BatchID   uuid.UUID
	// TermID, when non-nil, restricts the scan to entities in that
	// enrollment term (joined through the course for sections and
	// enrollments).
	TermID *uuid.UUID
	After  uuid.UUID
	Limit  int
}

// RosterStore is the persistence collaborator for the entities
// reconciliation operates on. The Stale* scans return ids ordered by id;
// Destroy* calls are idempotent soft deletes.
type RosterStore interface {
	StaleCourses(ctx context.Context, q StaleQuery) ([]uuid.UUID, error)
	StaleSections(ctx context.Context, q StaleQuery) ([]uuid.UUID, error)
	StaleEnrollments(ctx context.Context, q StaleQuery) ([]uuid.UUID, error)
	DestroyCourse(ctx context.Context, id uuid.UUID) error
	DestroySection(ctx context.Context, id uuid.UUID) error
	DestroyEnrollment(ctx context.Context, id uuid.UUID) error
}

// UploadOpener resolves a batch's upload to a readable stream. The caller
// guarantees Close on every exit path.
type UploadOpener interface {
	Open(ctx context.Context, b *Batch) (io.ReadCloser, error)
}
