package sis

import (
	"time"

	"github.com/google/uuid"
)

// BatchDocument is the serialized status read model for a batch. Message
// arrays and log entries appear only when non-empty; the stack trace is
// operator-facing and never serialized.
type BatchDocument struct {
	ID              uuid.UUID  `json:"id"`
	AccountID       uuid.UUID  `json:"account_id"`
	ImportType      string     `json:"import_type"`
	State           BatchState `json:"workflow_state"`
	Progress        int        `json:"progress"`
	BatchMode       bool       `json:"batch_mode"`
	BatchModeTermID *uuid.UUID `json:"batch_mode_term_id,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	ProcessingErrors   []string           `json:"processing_errors,omitempty"`
	ProcessingWarnings []string           `json:"processing_warnings,omitempty"`
	LogEntries         []LogEntryDocument `json:"log_entries,omitempty"`
}

// LogEntryDocument is one audit record in the status document.
type LogEntryDocument struct {
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// NewBatchDocument builds the read model from a batch and its log entries
// (nil when the caller elides them).
func NewBatchDocument(b *Batch, entries []LogEntry) BatchDocument {
	doc := BatchDocument{
		ID:              b.ID,
		AccountID:       b.AccountID,
		ImportType:      b.ImportType,
		State:           b.State,
		Progress:        b.Progress,
		BatchMode:       b.BatchMode,
		BatchModeTermID: b.BatchModeTermID,
		ErrorMessage:    b.ErrorMessage,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
		StartedAt:       b.StartedAt,
		EndedAt:         b.EndedAt,
	}
	if len(b.ProcessingErrors) > 0 {
		doc.ProcessingErrors = b.ProcessingErrors
	}
	if len(b.ProcessingWarnings) > 0 {
		doc.ProcessingWarnings = b.ProcessingWarnings
	}
	for _, e := range entries {
		doc.LogEntries = append(doc.LogEntries, LogEntryDocument{
			Message:   e.Message,
			CreatedAt: e.CreatedAt,
		})
	}
	return doc
}
