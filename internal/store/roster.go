package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/cycomachead/canvas-lms/internal/csvimport"
	"github.com/cycomachead/canvas-lms/internal/sis"
)

// --- Reconciliation scans ------------------------------------------------
//
// Each scan selects active rows owned by the account whose last touching
// batch is set and differs from the current batch, keyset-paginated by id
// so reconciliation never materializes a full result set. Term scoping for
// sections and enrollments joins through the owning course.

// StaleCourses implements sis.RosterStore.
func (s *Store) StaleCourses(ctx context.Context, q sis.StaleQuery) ([]uuid.UUID, error) {
	return s.scanIDs(ctx, `
		SELECT id FROM courses
		WHERE account_id = $1
		  AND workflow_state = 'active'
		  AND sis_batch_id IS NOT NULL AND sis_batch_id <> $2
		  AND ($3::uuid IS NULL OR enrollment_term_id = $3)
		  AND id > $4
		ORDER BY id
		LIMIT $5`, q)
}

// StaleSections implements sis.RosterStore.
func (s *Store) StaleSections(ctx context.Context, q sis.StaleQuery) ([]uuid.UUID, error) {
	return s.scanIDs(ctx, `
		SELECT cs.id FROM course_sections cs
		JOIN courses c ON c.id = cs.course_id
		WHERE cs.root_account_id = $1
		  AND cs.workflow_state = 'active'
		  AND cs.sis_batch_id IS NOT NULL AND cs.sis_batch_id <> $2
		  AND ($3::uuid IS NULL OR c.enrollment_term_id = $3)
		  AND cs.id > $4
		ORDER BY cs.id
		LIMIT $5`, q)
}

// StaleEnrollments implements sis.RosterStore.
func (s *Store) StaleEnrollments(ctx context.Context, q sis.StaleQuery) ([]uuid.UUID, error) {
	return s.scanIDs(ctx, `
		SELECT e.id FROM enrollments e
		JOIN courses c ON c.id = e.course_id
		WHERE c.account_id = $1
		  AND e.workflow_state = 'active'
		  AND e.sis_batch_id IS NOT NULL AND e.sis_batch_id <> $2
		  AND ($3::uuid IS NULL OR c.enrollment_term_id = $3)
		  AND e.id > $4
		ORDER BY e.id
		LIMIT $5`, q)
}

func (s *Store) scanIDs(ctx context.Context, sql string, q sis.StaleQuery) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, sql,
		pgUUID(q.AccountID), pgUUID(q.BatchID), pgUUIDPtr(q.TermID),
		pgUUID(q.After), q.Limit)
	if err != nil {
		return nil, fmt.Errorf("stale scan: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id pgtype.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, fromPgUUID(id))
	}
	return ids, rows.Err()
}

// DestroyCourse soft-deletes a course. Idempotent.
func (s *Store) DestroyCourse(ctx context.Context, id uuid.UUID) error {
	return s.destroy(ctx, "courses", id)
}

// DestroySection soft-deletes a section. Idempotent.
func (s *Store) DestroySection(ctx context.Context, id uuid.UUID) error {
	return s.destroy(ctx, "course_sections", id)
}

// DestroyEnrollment soft-deletes an enrollment. Idempotent.
func (s *Store) DestroyEnrollment(ctx context.Context, id uuid.UUID) error {
	return s.destroy(ctx, "enrollments", id)
}

func (s *Store) destroy(ctx context.Context, table string, id uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE `+table+` SET workflow_state = 'deleted', updated_at = now() WHERE id = $1`,
		pgUUID(id))
	if err != nil {
		return fmt.Errorf("destroy %s row: %w", table, err)
	}
	return nil
}

// --- Import upserts ------------------------------------------------------
//
// Rows are keyed by their SIS source id within the account and tagged with
// the importing batch id, which is what the reconciliation predicate keys
// on.

// UpsertCourse implements csvimport.Roster. The enrollment term is resolved
// by its SIS id; unknown terms leave the column untouched.
func (s *Store) UpsertCourse(ctx context.Context, accountID, batchID uuid.UUID, row csvimport.CourseRow) error {
	if row.SISID == "" {
		return fmt.Errorf("course_id is required")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO courses (id, account_id, enrollment_term_id, sis_source_id, name, workflow_state, sis_batch_id)
		VALUES (
			$1, $2,
			(SELECT id FROM enrollment_terms WHERE account_id = $2 AND sis_source_id = $3),
			$4, $5, $6, $7
		)
		ON CONFLICT (account_id, sis_source_id) DO UPDATE SET
			name = EXCLUDED.name,
			enrollment_term_id = COALESCE(EXCLUDED.enrollment_term_id, courses.enrollment_term_id),
			workflow_state = EXCLUDED.workflow_state,
			sis_batch_id = EXCLUDED.sis_batch_id,
			updated_at = now()`,
		pgUUID(uuid.New()), pgUUID(accountID), row.TermSISID,
		row.SISID, row.Name, rowState(row.Status), pgUUID(batchID),
	)
	if err != nil {
		return fmt.Errorf("upsert course %s: %w", row.SISID, err)
	}
	return nil
}

// UpsertSection implements csvimport.Roster. The owning course must already
// exist; a missing course is a row-level error the importer downgrades to a
// warning.
func (s *Store) UpsertSection(ctx context.Context, accountID, batchID uuid.UUID, row csvimport.SectionRow) error {
	if row.SISID == "" || row.CourseSISID == "" {
		return fmt.Errorf("section_id and course_id are required")
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO course_sections (id, root_account_id, course_id, sis_source_id, name, workflow_state, sis_batch_id)
		SELECT $1, $2, c.id, $4, $5, $6, $7
		FROM courses c
		WHERE c.account_id = $2 AND c.sis_source_id = $3
		ON CONFLICT (root_account_id, sis_source_id) DO UPDATE SET
			name = EXCLUDED.name,
			course_id = EXCLUDED.course_id,
			workflow_state = EXCLUDED.workflow_state,
			sis_batch_id = EXCLUDED.sis_batch_id,
			updated_at = now()`,
		pgUUID(uuid.New()), pgUUID(accountID), row.CourseSISID,
		row.SISID, row.Name, rowState(row.Status), pgUUID(batchID),
	)
	if err != nil {
		return fmt.Errorf("upsert section %s: %w", row.SISID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("section %s references unknown course %s", row.SISID, row.CourseSISID)
	}
	return nil
}

// UpsertEnrollment implements csvimport.Roster. The section reference is
// optional; the course reference is not.
func (s *Store) UpsertEnrollment(ctx context.Context, accountID, batchID uuid.UUID, row csvimport.EnrollmentRow) error {
	if row.CourseSISID == "" || row.UserSISID == "" || row.Role == "" {
		return fmt.Errorf("course_id, user_id, and role are required")
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO enrollments (id, course_id, course_section_id, user_sis_id, role, workflow_state, sis_batch_id)
		SELECT $1, c.id,
			(SELECT cs.id FROM course_sections cs
			 WHERE cs.course_id = c.id AND cs.sis_source_id = NULLIF($4, '')),
			$5, $6, $7, $8
		FROM courses c
		WHERE c.account_id = $2 AND c.sis_source_id = $3
		ON CONFLICT (course_id, user_sis_id, role) DO UPDATE SET
			course_section_id = COALESCE(EXCLUDED.course_section_id, enrollments.course_section_id),
			workflow_state = EXCLUDED.workflow_state,
			sis_batch_id = EXCLUDED.sis_batch_id,
			updated_at = now()`,
		pgUUID(uuid.New()), pgUUID(accountID), row.CourseSISID, row.SectionSISID,
		row.UserSISID, row.Role, rowState(row.Status), pgUUID(batchID),
	)
	if err != nil {
		return fmt.Errorf("upsert enrollment %s/%s: %w", row.CourseSISID, row.UserSISID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("enrollment for %s references unknown course %s", row.UserSISID, row.CourseSISID)
	}
	return nil
}

// rowState maps a CSV status to the stored workflow state.
func rowState(status string) string {
	if status == "deleted" {
		return "deleted"
	}
	return "active"
}
