package sis

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/cycomachead/canvas-lms/internal/logging"
)

// DefaultReconcilePageSize bounds how many stale ids a reconciliation scan
// holds in memory at once.
const DefaultReconcilePageSize = 500

// Reconciler removes entities that were previously imported for an account
// but are absent from the current batch. It runs only for batch-mode
// submissions that finished successfully, and before the batch is reported
// imported.
type Reconciler struct {
	roster   RosterStore
	pageSize int
}

// NewReconciler returns a reconciler scanning pageSize ids at a time.
// Non-positive page sizes fall back to DefaultReconcilePageSize.
func NewReconciler(roster RosterStore, pageSize int) *Reconciler {
	if pageSize <= 0 {
		pageSize = DefaultReconcilePageSize
	}
	return &Reconciler{roster: roster, pageSize: pageSize}
}

// Run executes the three cleanup passes for the batch: courses, then
// sections, then enrollments. Each pass is independently idempotent, so a
// failed run can be retried from the top. Courses go first because a
// cascading course delete shrinks the later passes.
func (r *Reconciler) Run(ctx context.Context, b *Batch) error {
	logger := logging.WithFields(ctx, "batch_id", b.ID, "account_id", b.AccountID)

	passes := []struct {
		name    string
		scan    func(context.Context, StaleQuery) ([]uuid.UUID, error)
		destroy func(context.Context, uuid.UUID) error
	}{
		{"courses", r.roster.StaleCourses, r.roster.DestroyCourse},
		{"sections", r.roster.StaleSections, r.roster.DestroySection},
		{"enrollments", r.roster.StaleEnrollments, r.roster.DestroyEnrollment},
	}

	for _, pass := range passes {
		removed, err := r.removeStale(ctx, b, pass.scan, pass.destroy)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", pass.name, err)
		}
		if removed > 0 {
			logger.Info("removed previous imports", "entity", pass.name, "removed", removed)
		}
	}
	return nil
}

// removeStale runs one pass as a keyset-paginated scan: fetch up to
// pageSize ids after the cursor, destroy each, advance the cursor past the
// last id seen. Memory stays bounded regardless of account size.
func (r *Reconciler) removeStale(
	ctx context.Context,
	b *Batch,
	scan func(context.Context, StaleQuery) ([]uuid.UUID, error),
	destroy func(context.Context, uuid.UUID) error,
) (int, error) {
	q := StaleQuery{
		AccountID: b.AccountID,
		BatchID:   b.ID,
		TermID:    b.BatchModeTermID,
		Limit:     r.pageSize,
	}

	removed := 0
	for {
		ids, err := scan(ctx, q)
		if err != nil {
			return removed, err
		}
		for _, id := range ids {
			if err := destroy(ctx, id); err != nil {
				return removed, err
			}
			removed++
		}
		if len(ids) < q.Limit {
			return removed, nil
		}
		q.After = ids[len(ids)-1]
	}
}
