package sis

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/cycomachead/canvas-lms/internal/queue"
)

type fakeUploadSaver struct {
	attachmentID uuid.UUID
	filename     string
	payload      string
	err          error
}

func (s *fakeUploadSaver) Save(ctx context.Context, batchID uuid.UUID, filename string, r io.Reader) (uuid.UUID, error) {
	if s.err != nil {
		return uuid.Nil, s.err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return uuid.Nil, err
	}
	s.filename = filename
	s.payload = string(b)
	s.attachmentID = uuid.New()
	return s.attachmentID, nil
}

type fakeEnqueuer struct {
	jobs []queue.Job
	err  error
}

func (e *fakeEnqueuer) Enqueue(job queue.Job) error {
	if e.err != nil {
		return e.err
	}
	e.jobs = append(e.jobs, job)
	return nil
}

type serviceFixture struct {
	batches  *fakeBatchStore
	logs     *fakeLogStore
	uploads  *fakeUploadSaver
	enqueuer *fakeEnqueuer
	handler  *fakeHandler
	service  *Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	batches := newFakeBatchStore()
	logs := &fakeLogStore{}
	uploads := &fakeUploadSaver{}
	enqueuer := &fakeEnqueuer{}
	handler := &fakeHandler{finished: true}
	registry := NewRegistry(RegistryEntry{
		Key:     "instructure_csv",
		Name:    "CSV",
		Default: true,
		Handler: handler,
	})
	opener := &fakeOpener{payload: "course_id\n"}
	processor := NewProcessor(batches, logs, opener, registry, NewReconciler(newFakeRoster(), 10))
	return &serviceFixture{
		batches:  batches,
		logs:     logs,
		uploads:  uploads,
		enqueuer: enqueuer,
		handler:  handler,
		service:  NewService(batches, logs, uploads, registry, processor, enqueuer, 3),
	}
}

func TestCreateBatch(t *testing.T) {
	f := newServiceFixture(t)
	accountID := uuid.New()

	b, err := f.service.CreateBatch(context.Background(), CreateBatchParams{
		AccountID: accountID,
		Filename:  "roster.csv",
		File:      strings.NewReader("course_id,short_name\n"),
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	if b.State != StateCreated {
		t.Errorf("state = %s, want %s", b.State, StateCreated)
	}
	if b.ImportType != "instructure_csv" {
		t.Errorf("import type = %q, want registry default", b.ImportType)
	}
	if b.AttachmentID != f.uploads.attachmentID {
		t.Error("batch does not reference the stored attachment")
	}
	if f.uploads.payload != "course_id,short_name\n" {
		t.Errorf("stored payload = %q", f.uploads.payload)
	}
	if stored := f.batches.stored(b.ID); stored == nil {
		t.Error("batch not persisted")
	}

	if len(f.enqueuer.jobs) != 1 {
		t.Fatalf("enqueued %d jobs, want 1", len(f.enqueuer.jobs))
	}
	job := f.enqueuer.jobs[0]
	if job.Lane != LaneForAccount(accountID) {
		t.Errorf("lane = %q, want %q", job.Lane, LaneForAccount(accountID))
	}
	if job.Priority != queue.PriorityLow {
		t.Errorf("priority = %d, want low", job.Priority)
	}
	if job.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", job.MaxAttempts)
	}
}

func TestCreateBatch_JobRunsProcessor(t *testing.T) {
	f := newServiceFixture(t)

	b, err := f.service.CreateBatch(context.Background(), CreateBatchParams{
		AccountID: uuid.New(),
		Filename:  "roster.csv",
		File:      strings.NewReader("course_id\n"),
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	if err := f.enqueuer.jobs[0].Run(context.Background()); err != nil {
		t.Fatalf("job run: %v", err)
	}
	if got := f.batches.stored(b.ID); got.State != StateImported {
		t.Errorf("state after job = %s, want %s", got.State, StateImported)
	}
	if f.handler.calls != 1 {
		t.Errorf("handler calls = %d, want 1", f.handler.calls)
	}
}

func TestCreateBatch_UnknownImportTypeAccepted(t *testing.T) {
	f := newServiceFixture(t)

	b, err := f.service.CreateBatch(context.Background(), CreateBatchParams{
		AccountID:  uuid.New(),
		ImportType: "future_format",
		Filename:   "roster.csv",
		File:       strings.NewReader("x"),
	})
	if err != nil {
		t.Fatalf("submission must accept unknown import types, got %v", err)
	}
	if b.ImportType != "future_format" {
		t.Errorf("import type = %q", b.ImportType)
	}

	// Dispatch is where the unknown format surfaces.
	if err := f.enqueuer.jobs[0].Run(context.Background()); err != nil {
		t.Fatalf("job run: %v", err)
	}
	got := f.batches.stored(b.ID)
	if got.State != StateFailed || got.ErrorMessage != "Unrecognized import type" {
		t.Errorf("batch = state %s, message %q", got.State, got.ErrorMessage)
	}
}

func TestCreateBatch_UploadFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.uploads.err = errBoom

	_, err := f.service.CreateBatch(context.Background(), CreateBatchParams{
		AccountID: uuid.New(),
		Filename:  "roster.csv",
		File:      strings.NewReader("x"),
	})
	if err == nil {
		t.Fatal("CreateBatch succeeded with a failing upload store")
	}
	if len(f.enqueuer.jobs) != 0 {
		t.Error("nothing must be enqueued when the upload was not stored")
	}
}

func TestCreateBatch_BatchModeCarried(t *testing.T) {
	f := newServiceFixture(t)
	termID := uuid.New()

	b, err := f.service.CreateBatch(context.Background(), CreateBatchParams{
		AccountID:       uuid.New(),
		BatchMode:       true,
		BatchModeTermID: &termID,
		Filename:        "roster.csv",
		File:            strings.NewReader("x"),
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if !b.BatchMode || b.BatchModeTermID == nil || *b.BatchModeTermID != termID {
		t.Errorf("batch mode fields = %v / %v", b.BatchMode, b.BatchModeTermID)
	}
}

func TestGetBatchDocument(t *testing.T) {
	f := newServiceFixture(t)
	accountID := uuid.New()
	b := NewBatch(accountID, "instructure_csv")
	if err := f.batches.CreateBatch(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	if err := f.logs.AppendLogEntry(context.Background(), b.ID, "Imported 3 courses from courses.csv"); err != nil {
		t.Fatal(err)
	}

	doc, err := f.service.GetBatchDocument(context.Background(), accountID, b.ID)
	if err != nil {
		t.Fatalf("GetBatchDocument: %v", err)
	}
	if doc.ID != b.ID || doc.State != StateCreated {
		t.Errorf("doc = %+v", doc)
	}
	if len(doc.LogEntries) != 1 {
		t.Errorf("log entries = %v, want one", doc.LogEntries)
	}
}

func TestGetBatchDocument_WrongAccount(t *testing.T) {
	f := newServiceFixture(t)
	b := NewBatch(uuid.New(), "instructure_csv")
	if err := f.batches.CreateBatch(context.Background(), b); err != nil {
		t.Fatal(err)
	}

	_, err := f.service.GetBatchDocument(context.Background(), uuid.New(), b.ID)
	if err != ErrBatchNotFound {
		t.Errorf("err = %v, want ErrBatchNotFound", err)
	}
}

func TestListBatchDocuments(t *testing.T) {
	f := newServiceFixture(t)
	accountID := uuid.New()
	b := NewBatch(accountID, "instructure_csv")
	if err := f.batches.CreateBatch(context.Background(), b); err != nil {
		t.Fatal(err)
	}

	docs, err := f.service.ListBatchDocuments(context.Background(), accountID, StateCreated)
	if err != nil {
		t.Fatalf("ListBatchDocuments: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != b.ID {
		t.Errorf("docs = %+v", docs)
	}

	if _, err := f.service.ListBatchDocuments(context.Background(), accountID, "sideways"); err == nil {
		t.Error("invalid state must be rejected")
	}
}

func TestLaneForAccount(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	if got := LaneForAccount(id); got != "sis_batch:account:6ba7b810-9dad-11d1-80b4-00c04fd430c8" {
		t.Errorf("LaneForAccount = %q", got)
	}
}
