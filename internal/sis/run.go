package sis

import (
	"context"
	"log/slog"
)

// Run is the facade a handler works through during one processing attempt.
// It exposes message appending, audit log entries, and the fast progress
// path, and nothing else about the batch lifecycle.
type Run struct {
	batch   *Batch
	batches BatchStore
	logs    LogStore
}

// NewRun builds the handler facade for one attempt over the batch.
func NewRun(b *Batch, batches BatchStore, logs LogStore) *Run {
	return &Run{batch: b, batches: batches, logs: logs}
}

// Batch returns the batch under import. Handlers may read any field but
// must mutate only through the Run methods.
func (r *Run) Batch() *Batch {
	return r.batch
}

// AddError records a processing error message on the batch.
func (r *Run) AddError(msg string) {
	r.batch.AddError(msg)
}

// AddWarning records a processing warning message on the batch.
func (r *Run) AddWarning(msg string) {
	r.batch.AddWarning(msg)
}

// Log appends an audit log entry for the batch. Failures to write audit
// entries are logged and swallowed; they never fail the import.
func (r *Run) Log(ctx context.Context, msg string) {
	if err := r.logs.AppendLogEntry(ctx, r.batch.ID, msg); err != nil {
		slog.Warn("failed to append batch log entry",
			"batch_id", r.batch.ID, "error", err)
	}
}

// SetProgress updates the batch progress through the narrow write path.
// Values outside [0,100] are clamped. The in-memory copy is updated too so
// the finalization save does not revert a later value to an earlier one.
func (r *Run) SetProgress(ctx context.Context, val int) {
	if val < 0 {
		val = 0
	} else if val > 100 {
		val = 100
	}
	r.batch.Progress = val
	if err := r.batches.UpdateProgress(ctx, r.batch.ID, val); err != nil {
		slog.Warn("failed to update batch progress",
			"batch_id", r.batch.ID, "progress", val, "error", err)
	}
}
