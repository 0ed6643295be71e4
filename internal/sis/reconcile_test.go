package sis

import (
	"context"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sortedUUIDs(n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
	}
	sort.Slice(ids, func(i, j int) bool { return uuidLess(ids[i], ids[j]) })
	return ids
}

func TestReconciler_RemovesAllKinds(t *testing.T) {
	roster := newFakeRoster()
	courses := sortedUUIDs(2)
	sections := sortedUUIDs(3)
	enrollments := sortedUUIDs(1)
	roster.stale["courses"] = courses
	roster.stale["sections"] = sections
	roster.stale["enrollments"] = enrollments

	b := NewBatch(uuid.New(), "instructure_csv")
	r := NewReconciler(roster, 10)

	require.NoError(t, r.Run(context.Background(), b))

	assert.Equal(t, courses, roster.destroyedIDs("courses"))
	assert.Equal(t, sections, roster.destroyedIDs("sections"))
	assert.Equal(t, enrollments, roster.destroyedIDs("enrollments"))
}

func TestReconciler_Pagination(t *testing.T) {
	roster := newFakeRoster()
	ids := sortedUUIDs(5)
	roster.stale["courses"] = ids

	b := NewBatch(uuid.New(), "instructure_csv")
	r := NewReconciler(roster, 2)

	require.NoError(t, r.Run(context.Background(), b))
	assert.Equal(t, ids, roster.destroyedIDs("courses"))

	// Cursor advances past the last id of each full page. Destroyed ids
	// never reappear, so removal stays correct even though each scan runs
	// against the mutated roster.
	require.NotEmpty(t, roster.queries)
	assert.Equal(t, uuid.Nil, roster.queries[0].After)
	for _, q := range roster.queries {
		assert.Equal(t, 2, q.Limit)
	}
}

func TestReconciler_QueryScope(t *testing.T) {
	roster := newFakeRoster()
	termID := uuid.New()
	b := NewBatch(uuid.New(), "instructure_csv")
	b.BatchModeTermID = &termID

	require.NoError(t, NewReconciler(roster, 10).Run(context.Background(), b))

	// One empty scan per entity kind, each carrying the batch scope.
	require.Len(t, roster.queries, 3)
	for _, q := range roster.queries {
		assert.Equal(t, b.AccountID, q.AccountID)
		assert.Equal(t, b.ID, q.BatchID)
		require.NotNil(t, q.TermID)
		assert.Equal(t, termID, *q.TermID)
	}
}

func TestReconciler_ScanErrorStopsRun(t *testing.T) {
	roster := newFakeRoster()
	roster.scanErr = errBoom

	b := NewBatch(uuid.New(), "instructure_csv")
	err := NewReconciler(roster, 10).Run(context.Background(), b)

	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "reconcile courses")
	assert.Empty(t, roster.destroyedIDs("courses"))
}

func TestReconciler_DestroyErrorStopsRun(t *testing.T) {
	roster := newFakeRoster()
	roster.stale["courses"] = sortedUUIDs(1)
	roster.destroyErr = errBoom

	b := NewBatch(uuid.New(), "instructure_csv")
	err := NewReconciler(roster, 10).Run(context.Background(), b)

	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
}

func TestNewReconciler_DefaultPageSize(t *testing.T) {
	r := NewReconciler(newFakeRoster(), 0)
	assert.Equal(t, DefaultReconcilePageSize, r.pageSize)
}
