package sis

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/cycomachead/canvas-lms/internal/queue"
)

// LaneForAccount derives the serialization key under which an account's
// batches execute one at a time.
func LaneForAccount(accountID uuid.UUID) string {
	return "sis_batch:account:" + accountID.String()
}

// UploadSaver stores submitted upload bytes and returns the attachment id
// the batch will reference.
type UploadSaver interface {
	Save(ctx context.Context, batchID uuid.UUID, filename string, r io.Reader) (uuid.UUID, error)
}

// Enqueuer submits jobs for asynchronous execution.
type Enqueuer interface {
	Enqueue(job queue.Job) error
}

// Service is the submission and query surface for batches. It owns batch
// creation and read models; execution belongs to the Processor via the
// queue.
type Service struct {
	batches     BatchStore
	logs        LogStore
	uploads     UploadSaver
	registry    *Registry
	processor   *Processor
	queue       Enqueuer
	maxAttempts int
}

// NewService wires the service. maxAttempts caps queue deliveries per
// batch before it is abandoned.
func NewService(batches BatchStore, logs LogStore, uploads UploadSaver, registry *Registry, processor *Processor, q Enqueuer, maxAttempts int) *Service {
	return &Service{
		batches:     batches,
		logs:        logs,
		uploads:     uploads,
		registry:    registry,
		processor:   processor,
		queue:       q,
		maxAttempts: maxAttempts,
	}
}

// CreateBatchParams carries one submission.
type CreateBatchParams struct {
	AccountID uuid.UUID
	// ImportType selects the registry entry at dispatch time. Empty means
	// the registry default. An unknown identifier is accepted here and
	// fails the batch at processing, not submission.
	ImportType      string
	BatchMode       bool
	BatchModeTermID *uuid.UUID
	Filename        string
	File            io.Reader
}

// CreateBatch stores the upload, creates the batch in StateCreated, and
// enqueues it under the account's lane at low priority. The returned batch
// is immediately queryable.
func (s *Service) CreateBatch(ctx context.Context, params CreateBatchParams) (*Batch, error) {
	importType := params.ImportType
	if importType == "" {
		importType = s.registry.Default().Key
	}

	b := NewBatch(params.AccountID, importType)
	b.BatchMode = params.BatchMode
	b.BatchModeTermID = params.BatchModeTermID

	attachmentID, err := s.uploads.Save(ctx, b.ID, params.Filename, params.File)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	b.AttachmentID = attachmentID

	if err := s.batches.CreateBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	if err := s.EnqueueBatch(b); err != nil {
		return nil, err
	}
	return b, nil
}

// EnqueueBatch submits a created batch for asynchronous processing under
// its account's lane at low priority. Enqueueing a batch that already ran
// is harmless; the processor's created-state guard makes redelivery a
// no-op.
func (s *Service) EnqueueBatch(b *Batch) error {
	batchID := b.ID
	job := queue.Job{
		ID:          batchID,
		Lane:        LaneForAccount(b.AccountID),
		Priority:    queue.PriorityLow,
		MaxAttempts: s.maxAttempts,
		Run: func(ctx context.Context) error {
			return s.processor.Process(ctx, batchID)
		},
	}
	if err := s.queue.Enqueue(job); err != nil {
		return fmt.Errorf("enqueue batch: %w", err)
	}
	return nil
}

// GetBatchDocument returns the status read model for one batch, including
// its log entries when present.
func (s *Service) GetBatchDocument(ctx context.Context, accountID, batchID uuid.UUID) (*BatchDocument, error) {
	b, err := s.batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.AccountID != accountID {
		return nil, ErrBatchNotFound
	}
	entries, err := s.logs.ListLogEntries(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	doc := NewBatchDocument(b, entries)
	return &doc, nil
}

// ListBatchDocuments returns the account's batches in a given state,
// ordered by creation time. Log entries are omitted from list responses.
func (s *Service) ListBatchDocuments(ctx context.Context, accountID uuid.UUID, state BatchState) ([]BatchDocument, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("invalid batch state %q", state)
	}
	batches, err := s.batches.ListBatchesInState(ctx, accountID, state)
	if err != nil {
		return nil, err
	}
	docs := make([]BatchDocument, 0, len(batches))
	for _, b := range batches {
		docs = append(docs, NewBatchDocument(b, nil))
	}
	return docs, nil
}
