// Package csvimport implements the platform CSV import format: a single
// CSV file or a zip of CSV files describing courses, sections, and
// enrollments. Files are routed by header shape, rows are upserted under
// the current batch id, and row-level problems become batch warnings.
package csvimport

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/cycomachead/canvas-lms/internal/sis"
)

// Key is the registry identifier for this format.
const Key = "instructure_csv"

// Name is the human-readable registry label.
const Name = "Instructure formatted CSV or zipfile of CSVs"

// CourseRow is one parsed courses.csv record.
type CourseRow struct {
	SISID     string
	Name      string
	TermSISID string
	Status    string
}

// SectionRow is one parsed sections.csv record.
type SectionRow struct {
	SISID       string
	CourseSISID string
	Name        string
	Status      string
}

// EnrollmentRow is one parsed enrollments.csv record.
type EnrollmentRow struct {
	CourseSISID  string
	SectionSISID string
	UserSISID    string
	Role         string
	Status       string
}

// Roster is the persistence port this importer writes through. Upserts tag
// the touched row with the batch id so batch-mode reconciliation can tell
// current data from stale data.
type Roster interface {
	UpsertCourse(ctx context.Context, accountID, batchID uuid.UUID, row CourseRow) error
	UpsertSection(ctx context.Context, accountID, batchID uuid.UUID, row SectionRow) error
	UpsertEnrollment(ctx context.Context, accountID, batchID uuid.UUID, row EnrollmentRow) error
}

// Importer is the default import handler.
type Importer struct {
	roster Roster
}

// New returns an importer writing through roster.
func New(roster Roster) *Importer {
	return &Importer{roster: roster}
}

// Entry returns the registry entry for this importer, flagged default.
func (imp *Importer) Entry() sis.RegistryEntry {
	return sis.RegistryEntry{Key: Key, Name: Name, Default: true, Handler: imp}
}

// Consume implements sis.Handler. It reports finished=false for payloads
// it cannot parse at all; row-level problems are downgraded to warnings so
// one bad record does not sink a whole submission.
func (imp *Importer) Consume(ctx context.Context, run *sis.Run, upload io.Reader) (bool, error) {
	// The payload is spooled to disk first: zip needs random access, and
	// total size drives byte-based progress.
	tmp, size, err := spool(upload)
	if err != nil {
		return false, fmt.Errorf("spool upload: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	files, err := openFiles(tmp, size)
	if err != nil {
		run.AddError(err.Error())
		return false, nil
	}

	tracker := &progress{run: run}
	for _, f := range files {
		tracker.total += f.size
	}

	for _, f := range files {
		r, err := f.open()
		if err != nil {
			run.AddError(fmt.Sprintf("%s: %v", f.name, err))
			return false, nil
		}
		err = imp.importFile(ctx, run, tracker, f.name, r)
		r.Close()
		if err != nil {
			if errors.Is(err, errMalformed) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

// errMalformed marks a payload the CSV reader could not parse; it reports
// the import unfinished without treating it as a processor fault.
var errMalformed = errors.New("malformed csv")

// importFile parses one CSV stream, routes it by header shape, and upserts
// its rows. The reader is wrapped for byte-counting progress.
func (imp *Importer) importFile(ctx context.Context, run *sis.Run, tracker *progress, name string, r io.Reader) error {
	cr := csv.NewReader(tracker.wrap(skipBOM(r)))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		run.AddWarning(fmt.Sprintf("%s: file is empty", name))
		return nil
	}
	if err != nil {
		run.AddError(fmt.Sprintf("%s: %v", name, err))
		return errMalformed
	}

	idx := indexHeader(header)
	kind := classify(idx)
	if kind == fileUnknown {
		run.AddWarning(fmt.Sprintf("%s: unrecognized columns, file skipped", name))
		return nil
	}

	accountID := run.Batch().AccountID
	batchID := run.Batch().ID

	imported := 0
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			run.AddError(fmt.Sprintf("%s line %d: %v", name, line, err))
			return errMalformed
		}
		if isEmptyRecord(record) {
			continue
		}

		switch kind {
		case fileCourses:
			err = imp.roster.UpsertCourse(ctx, accountID, batchID, courseRow(record, idx))
		case fileSections:
			err = imp.roster.UpsertSection(ctx, accountID, batchID, sectionRow(record, idx))
		case fileEnrollments:
			err = imp.roster.UpsertEnrollment(ctx, accountID, batchID, enrollmentRow(record, idx))
		}
		if err != nil {
			run.AddWarning(fmt.Sprintf("%s line %d: %v", name, line, err))
			continue
		}
		imported++
		if imported%100 == 0 {
			tracker.report(ctx)
		}
	}

	tracker.report(ctx)
	run.Log(ctx, fmt.Sprintf("Imported %d %s from %s", imported, kind, name))
	return nil
}

type fileKind string

const (
	fileUnknown     fileKind = "unknown"
	fileCourses     fileKind = "courses"
	fileSections    fileKind = "sections"
	fileEnrollments fileKind = "enrollments"
)

// classify routes a CSV by which identifying columns its header carries.
func classify(idx headerIndex) fileKind {
	switch {
	case idx.has("user_id") && idx.has("role"):
		return fileEnrollments
	case idx.has("section_id") && idx.has("course_id"):
		return fileSections
	case idx.has("course_id"):
		return fileCourses
	default:
		return fileUnknown
	}
}

type headerIndex map[string]int

func indexHeader(header []string) headerIndex {
	idx := make(headerIndex, len(header))
	for i, col := range header {
		idx[strings.ToLower(strings.TrimSpace(col))] = i
	}
	return idx
}

func (idx headerIndex) has(col string) bool {
	_, ok := idx[col]
	return ok
}

// get returns the trimmed value of col in record, or "" when the column is
// absent or the record is short.
func (idx headerIndex) get(record []string, col string) string {
	i, ok := idx[col]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func courseRow(record []string, idx headerIndex) CourseRow {
	name := idx.get(record, "long_name")
	if name == "" {
		name = idx.get(record, "short_name")
	}
	return CourseRow{
		SISID:     idx.get(record, "course_id"),
		Name:      name,
		TermSISID: idx.get(record, "term_id"),
		Status:    normalizeStatus(idx.get(record, "status")),
	}
}

func sectionRow(record []string, idx headerIndex) SectionRow {
	return SectionRow{
		SISID:       idx.get(record, "section_id"),
		CourseSISID: idx.get(record, "course_id"),
		Name:        idx.get(record, "name"),
		Status:      normalizeStatus(idx.get(record, "status")),
	}
}

func enrollmentRow(record []string, idx headerIndex) EnrollmentRow {
	return EnrollmentRow{
		CourseSISID:  idx.get(record, "course_id"),
		SectionSISID: idx.get(record, "section_id"),
		UserSISID:    idx.get(record, "user_id"),
		Role:         strings.ToLower(idx.get(record, "role")),
		Status:       normalizeStatus(idx.get(record, "status")),
	}
}

func normalizeStatus(status string) string {
	status = strings.ToLower(status)
	if status == "" {
		return "active"
	}
	return status
}

func isEmptyRecord(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
