package sis

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BatchState is the lifecycle state of a batch.
type BatchState string

const (
	StateCreated              BatchState = "created"
	StateImporting            BatchState = "importing"
	StateImported             BatchState = "imported"
	StateImportedWithMessages BatchState = "imported_with_messages"
	StateFailed               BatchState = "failed"
	StateFailedWithMessages   BatchState = "failed_with_messages"
)

// Valid reports whether s is a known lifecycle state.
func (s BatchState) Valid() bool {
	switch s {
	case StateCreated, StateImporting, StateImported,
		StateImportedWithMessages, StateFailed, StateFailedWithMessages:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal state. Terminal batches are
// never transitioned again.
func (s BatchState) Terminal() bool {
	switch s {
	case StateImported, StateImportedWithMessages, StateFailed, StateFailedWithMessages:
		return true
	}
	return false
}

// legalTransitions maps each state to the states it may move to. States
// absent from the map are terminal.
var legalTransitions = map[BatchState][]BatchState{
	StateCreated: {StateImporting},
	StateImporting: {
		StateImported, StateImportedWithMessages,
		StateFailed, StateFailedWithMessages,
	},
}

// Batch is one bulk-import job for an account. It is created in
// StateCreated and mutated in place by the processor; the upload bytes and
// log entries are owned by their collaborators, the batch holds ids only.
type Batch struct {
	ID        uuid.UUID
	AccountID uuid.UUID

	ImportType string
	State      BatchState

	// Progress is 0-100. It has a dedicated narrow write path
	// (BatchStore.UpdateProgress) so handlers can update it at high
	// frequency without touching the rest of the record.
	Progress int

	// ProcessingErrors and ProcessingWarnings are appended by the handler
	// during a run and persisted at finalization.
	ProcessingErrors   []string
	ProcessingWarnings []string

	// ErrorMessage and StackTrace record processor-level faults (an
	// unrecognized import type, a panic during the run). They are distinct
	// from ProcessingErrors: only handler-appended messages select the
	// "_with_messages" state variants.
	ErrorMessage string
	StackTrace   string

	BatchMode       bool
	BatchModeTermID *uuid.UUID

	AttachmentID uuid.UUID
	// LocalPath, when set, points at an already-staged copy of the upload
	// and takes precedence over the stored attachment.
	LocalPath string

	StartedAt *time.Time
	EndedAt   *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewBatch returns a batch in StateCreated with progress 0.
func NewBatch(accountID uuid.UUID, importType string) *Batch {
	now := time.Now().UTC()
	return &Batch{
		ID:         uuid.New(),
		AccountID:  accountID,
		ImportType: importType,
		State:      StateCreated,
		Progress:   0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Messages reports whether the handler recorded any errors or warnings.
func (b *Batch) Messages() bool {
	return len(b.ProcessingErrors) > 0 || len(b.ProcessingWarnings) > 0
}

// AddError appends a processing error message.
func (b *Batch) AddError(msg string) {
	b.ProcessingErrors = append(b.ProcessingErrors, msg)
}

// AddWarning appends a processing warning message.
func (b *Batch) AddWarning(msg string) {
	b.ProcessingWarnings = append(b.ProcessingWarnings, msg)
}

// transitionTo moves the batch to state to, validating the move against
// legalTransitions. Illegal moves return an error and leave the batch
// unchanged.
func (b *Batch) transitionTo(to BatchState) error {
	for _, allowed := range legalTransitions[b.State] {
		if allowed == to {
			b.State = to
			b.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("illegal batch transition %s -> %s", b.State, to)
}

// BeginImport transitions created -> importing and resets progress. It
// returns false without mutating anything when the batch is not in
// StateCreated; the async queue may redeliver a batch that already ran and
// re-invocation must be a no-op.
func (b *Batch) BeginImport() bool {
	if b.State != StateCreated {
		return false
	}
	if err := b.transitionTo(StateImporting); err != nil {
		return false
	}
	b.Progress = 0
	now := time.Now().UTC()
	b.StartedAt = &now
	return true
}

// Finish finalizes an importing batch. finished selects the success or
// failure family; the "_with_messages" variant is chosen when the handler
// recorded errors or warnings. EndedAt is set exactly once, here.
func (b *Batch) Finish(finished bool) error {
	var to BatchState
	switch {
	case finished && b.Messages():
		to = StateImportedWithMessages
	case finished:
		to = StateImported
	case b.Messages():
		to = StateFailedWithMessages
	default:
		to = StateFailed
	}
	if err := b.transitionTo(to); err != nil {
		return err
	}
	if finished {
		b.Progress = 100
	}
	now := time.Now().UTC()
	b.EndedAt = &now
	return nil
}

// FailFast finalizes the batch as failed with a processor-level error
// message, bypassing the handler-message check. Used for faults where no
// handler ever ran, such as an unrecognized import type.
func (b *Batch) FailFast(msg string) error {
	b.ErrorMessage = msg
	if err := b.transitionTo(StateFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	b.EndedAt = &now
	return nil
}
