package sis

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/cycomachead/canvas-lms/internal/logging"
)

// unrecognizedImportType is recorded when a batch declares a format absent
// from the registry.
const unrecognizedImportType = "Unrecognized import type"

// Processor executes one batch end to end: state transitions, handler
// dispatch, upload acquisition, reconciliation, and finalization. It is
// invoked by the queue but is pure with respect to how it was called, so
// tests drive it directly.
type Processor struct {
	batches    BatchStore
	logs       LogStore
	uploads    UploadOpener
	registry   *Registry
	reconciler *Reconciler
}

// NewProcessor wires a processor from its collaborators.
func NewProcessor(batches BatchStore, logs LogStore, uploads UploadOpener, registry *Registry, reconciler *Reconciler) *Processor {
	return &Processor{
		batches:    batches,
		logs:       logs,
		uploads:    uploads,
		registry:   registry,
		reconciler: reconciler,
	}
}

// Process runs one import attempt for the batch with the given id.
//
// Business failures (unknown format, handler failure, handler panic,
// reconciliation failure) are absorbed into terminal batch state plus
// recorded messages and return nil; the queue must not redeliver them.
// Only infrastructure faults around loading or saving the batch itself
// return an error, which the queue retries up to its attempt cap.
//
// Invoking Process on a batch not in StateCreated is a no-op: the queue
// may redeliver after a worker crash and a batch that already entered
// importing must not run twice.
func (p *Processor) Process(ctx context.Context, batchID uuid.UUID) error {
	b, err := p.batches.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load batch %s: %w", batchID, err)
	}

	logger := logging.WithFields(ctx, "batch_id", b.ID, "account_id", b.AccountID)

	if !b.BeginImport() {
		logger.Info("skipping batch not in created state", "state", b.State)
		return nil
	}

	// Persist the importing state before any long-running work so
	// concurrent observers see the batch as in progress.
	if err := p.batches.SaveBatch(ctx, b); err != nil {
		return fmt.Errorf("save importing state: %w", err)
	}

	entry, ok := p.registry.Lookup(b.ImportType)
	if !ok {
		logger.Warn("unrecognized import type", "import_type", b.ImportType)
		// FailFast bypasses the handler-message check and leaves progress
		// untouched: no handler ever ran.
		if err := b.FailFast(unrecognizedImportType); err != nil {
			return fmt.Errorf("finalize batch: %w", err)
		}
		if err := p.batches.SaveBatch(ctx, b); err != nil {
			return fmt.Errorf("save failed state: %w", err)
		}
		return nil
	}

	finished, runErr := p.runImport(ctx, b, entry, logger)

	if runErr != nil {
		// Recorded, not propagated: the batch must never be left stuck in
		// importing after an attempt completes.
		b.ErrorMessage = runErr.Error()
		logger.Error("batch import failed", "error", runErr)
		finished = false
	}

	if err := b.Finish(finished); err != nil {
		return fmt.Errorf("finalize batch: %w", err)
	}
	if err := p.batches.SaveBatch(ctx, b); err != nil {
		return fmt.Errorf("save final state: %w", err)
	}

	logger.Info("batch finished",
		"state", b.State,
		"progress", b.Progress,
		"errors", len(b.ProcessingErrors),
		"warnings", len(b.ProcessingWarnings),
	)
	return nil
}

// runImport performs the fallible middle of an attempt: upload acquisition,
// handler execution, and batch-mode reconciliation. Panics inside the
// handler or reconciler are caught here, recorded with a stack trace for
// operators, and surfaced as an unfinished run. The upload stream is
// released on every exit path.
func (p *Processor) runImport(ctx context.Context, b *Batch, entry RegistryEntry, logger *slog.Logger) (finished bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.StackTrace = fmt.Sprintf("%v\n%s", r, debug.Stack())
			err = fmt.Errorf("import panicked: %v", r)
			finished = false
		}
	}()

	upload, err := p.uploads.Open(ctx, b)
	if err != nil {
		return false, fmt.Errorf("open upload: %w", err)
	}
	defer upload.Close()

	run := NewRun(b, p.batches, p.logs)

	logger.Info("import started", "import_type", entry.Key)
	finished, err = entry.Handler.Consume(ctx, run, upload)
	if err != nil {
		return false, fmt.Errorf("import %s: %w", entry.Key, err)
	}

	// Batch mode: the submission is the complete data set, so anything
	// previously imported but absent now must be removed before the batch
	// may be reported imported.
	if finished && b.BatchMode {
		if err := p.reconciler.Run(ctx, b); err != nil {
			return false, fmt.Errorf("remove previous imports: %w", err)
		}
	}
	return finished, nil
}
