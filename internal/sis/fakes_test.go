package sis

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// fakeBatchStore holds batches in memory and records every full save so
// tests can assert on the sequence of persisted states.
type fakeBatchStore struct {
	mu       sync.Mutex
	batches  map[uuid.UUID]*Batch
	saved    []BatchState
	getErr   error
	saveErr  error
	progress []int
}

func newFakeBatchStore(batches ...*Batch) *fakeBatchStore {
	s := &fakeBatchStore{batches: make(map[uuid.UUID]*Batch)}
	for _, b := range batches {
		s.batches[b.ID] = b
	}
	return s
}

func (s *fakeBatchStore) GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	b, ok := s.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	copied := *b
	return &copied, nil
}

func (s *fakeBatchStore) CreateBatch(ctx context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *b
	s.batches[b.ID] = &copied
	return nil
}

func (s *fakeBatchStore) SaveBatch(ctx context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	copied := *b
	s.batches[b.ID] = &copied
	s.saved = append(s.saved, b.State)
	return nil
}

func (s *fakeBatchStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.batches[id]; ok {
		b.Progress = progress
	}
	s.progress = append(s.progress, progress)
	return nil
}

func (s *fakeBatchStore) ListBatchesInState(ctx context.Context, accountID uuid.UUID, state BatchState) ([]*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Batch
	for _, b := range s.batches {
		if b.AccountID == accountID && b.State == state {
			copied := *b
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeBatchStore) stored(id uuid.UUID) *Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[id]
}

func (s *fakeBatchStore) savedStates() []BatchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]BatchState(nil), s.saved...)
}

// fakeLogStore collects audit entries in memory.
type fakeLogStore struct {
	mu      sync.Mutex
	entries []LogEntry
	err     error
}

func (s *fakeLogStore) AppendLogEntry(ctx context.Context, batchID uuid.UUID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, LogEntry{
		ID:      int64(len(s.entries) + 1),
		BatchID: batchID,
		Message: message,
	})
	return nil
}

func (s *fakeLogStore) ListLogEntries(ctx context.Context, batchID uuid.UUID) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LogEntry
	for _, e := range s.entries {
		if e.BatchID == batchID {
			out = append(out, e)
		}
	}
	return out, nil
}

// trackedReadCloser reports whether Close was called.
type trackedReadCloser struct {
	io.Reader
	closed bool
}

func (c *trackedReadCloser) Close() error {
	c.closed = true
	return nil
}

// fakeOpener serves a fixed payload and remembers the stream it handed out.
type fakeOpener struct {
	payload string
	err     error
	last    *trackedReadCloser
}

func (o *fakeOpener) Open(ctx context.Context, b *Batch) (io.ReadCloser, error) {
	if o.err != nil {
		return nil, o.err
	}
	o.last = &trackedReadCloser{Reader: strings.NewReader(o.payload)}
	return o.last, nil
}

// fakeHandler is a scriptable import handler.
type fakeHandler struct {
	finished bool
	err      error
	panicMsg string
	consume  func(ctx context.Context, run *Run, upload io.Reader) (bool, error)
	calls    int
}

func (h *fakeHandler) Consume(ctx context.Context, run *Run, upload io.Reader) (bool, error) {
	h.calls++
	if h.panicMsg != "" {
		panic(h.panicMsg)
	}
	if h.consume != nil {
		return h.consume(ctx, run, upload)
	}
	return h.finished, h.err
}

// fakeRoster is an in-memory RosterStore. Each entity kind holds pages of
// stale ids returned scan by scan; destroyed ids are recorded in order.
type fakeRoster struct {
	mu sync.Mutex

	stale map[string][]uuid.UUID

	destroyed map[string][]uuid.UUID
	queries   []StaleQuery

	scanErr    error
	destroyErr error
}

func newFakeRoster() *fakeRoster {
	return &fakeRoster{
		stale:     make(map[string][]uuid.UUID),
		destroyed: make(map[string][]uuid.UUID),
	}
}

func (r *fakeRoster) scan(kind string, q StaleQuery) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scanErr != nil {
		return nil, r.scanErr
	}
	r.queries = append(r.queries, q)

	// Keyset semantics: ids greater than the cursor, up to the limit. The
	// fixture ids are stored in ascending order.
	var out []uuid.UUID
	for _, id := range r.stale[kind] {
		if uuidLess(q.After, id) && !r.isDestroyed(kind, id) {
			out = append(out, id)
			if len(out) == q.Limit {
				break
			}
		}
	}
	return out, nil
}

func (r *fakeRoster) isDestroyed(kind string, id uuid.UUID) bool {
	for _, d := range r.destroyed[kind] {
		if d == id {
			return true
		}
	}
	return false
}

func (r *fakeRoster) destroy(kind string, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyErr != nil {
		return r.destroyErr
	}
	r.destroyed[kind] = append(r.destroyed[kind], id)
	return nil
}

func (r *fakeRoster) StaleCourses(ctx context.Context, q StaleQuery) ([]uuid.UUID, error) {
	return r.scan("courses", q)
}

func (r *fakeRoster) StaleSections(ctx context.Context, q StaleQuery) ([]uuid.UUID, error) {
	return r.scan("sections", q)
}

func (r *fakeRoster) StaleEnrollments(ctx context.Context, q StaleQuery) ([]uuid.UUID, error) {
	return r.scan("enrollments", q)
}

func (r *fakeRoster) DestroyCourse(ctx context.Context, id uuid.UUID) error {
	return r.destroy("courses", id)
}

func (r *fakeRoster) DestroySection(ctx context.Context, id uuid.UUID) error {
	return r.destroy("sections", id)
}

func (r *fakeRoster) DestroyEnrollment(ctx context.Context, id uuid.UUID) error {
	return r.destroy("enrollments", id)
}

func (r *fakeRoster) destroyedIDs(kind string) []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.destroyed[kind]...)
}

// uuidLess orders uuids bytewise, matching how the database orders the id
// column for keyset pagination.
func uuidLess(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

var errBoom = errors.New("boom")
