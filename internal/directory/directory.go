// Package directory queries the read-only projections of the campus
// catalog: the user directory that audience resolution runs against, and
// the exam schedule the reminder sweep scans.
package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campusone/beacon/internal/db"
)

// User is the directory projection of a campus user: just the dimensions
// targeting can filter on.
type User struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Email    string    `json:"email"`
	BranchID string    `json:"branch_id"`
	Semester int       `json:"semester"`
	Year     int       `json:"year"`
}

// Exam is the schedule projection the reminder sweep scans.
type Exam struct {
	ID       uuid.UUID `json:"id"`
	Subject  string    `json:"subject"`
	BranchID string    `json:"branch_id"`
	Semester int       `json:"semester"`
	ExamDate time.Time `json:"exam_date"`
}

// Resolver turns a targeting spec into a concrete recipient set.
type Resolver interface {
	Resolve(ctx context.Context, target db.TargetSpec) ([]uuid.UUID, error)
}

// ExamSource enumerates exams within a date window.
type ExamSource interface {
	UpcomingExams(ctx context.Context, from, to time.Time) ([]Exam, error)
}

// Directory resolves audiences against the users table and enumerates the
// exam schedule. Both are owned by the catalog layer; this package only
// reads them.
type Directory struct {
	db     *db.DB
	logger *zap.Logger
}

// New creates a Directory backed by the shared connection pool.
func New(database *db.DB, logger *zap.Logger) *Directory {
	return &Directory{
		db:     database,
		logger: logger,
	}
}

// Resolve computes the deduplicated recipient set for a targeting spec in
// a single query. Filter kinds are ANDed together, values within one kind
// are ORed, and explicit user IDs are unioned in regardless of filters.
// The filter arm is guarded so that a spec carrying only explicit user IDs
// matches nobody through the filters rather than everybody. Ordered by ID
// so resolution is deterministic for a fixed directory snapshot.
func (d *Directory) Resolve(ctx context.Context, target db.TargetSpec) ([]uuid.UUID, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	if target.AllUsers {
		return d.queryIDs(ctx, `SELECT id FROM users ORDER BY id`)
	}

	return d.queryIDs(ctx, filteredResolveQuery, filterArgs(target)...)
}

const filteredResolveQuery = `
	SELECT id FROM users
	WHERE (
		$5
		AND (cardinality($1::text[]) = 0 OR branch_id = ANY($1::text[]))
		AND (cardinality($2::int[]) = 0 OR semester = ANY($2::int[]))
		AND (cardinality($3::int[]) = 0 OR year = ANY($3::int[]))
	)
	OR id = ANY($4::uuid[])
	ORDER BY id
`

// filterArgs binds the filter arrays and the filter-arm guard for
// filteredResolveQuery. The arrays must be non-nil (pgx encodes a nil
// slice as SQL NULL, which would poison the cardinality checks), and the
// guard is false when only explicit user IDs are given, so the filter arm
// matches nobody instead of everybody.
func filterArgs(target db.TargetSpec) []any {
	userIDs := make([]string, len(target.UserIDs))
	for i, id := range target.UserIDs {
		userIDs[i] = id.String()
	}

	return []any{
		emptyNotNil(target.BranchIDs),
		emptyIntsNotNil(target.Semesters),
		emptyIntsNotNil(target.Years),
		userIDs,
		target.HasFilters(),
	}
}

func (d *Directory) queryIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := d.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query directory: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	d.logger.Debug("audience resolved", zap.Int("recipients", len(ids)))
	return ids, nil
}

// UpcomingExams lists exams with a date inside [from, to], soonest first.
func (d *Directory) UpcomingExams(ctx context.Context, from, to time.Time) ([]Exam, error) {
	query := `
		SELECT id, subject, branch_id, semester, exam_date
		FROM exams
		WHERE exam_date >= $1 AND exam_date <= $2
		ORDER BY exam_date ASC
	`

	rows, err := d.db.Pool().Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query exams: %w", err)
	}
	defer rows.Close()

	var exams []Exam
	for rows.Next() {
		var e Exam
		if err := rows.Scan(&e.ID, &e.Subject, &e.BranchID, &e.Semester, &e.ExamDate); err != nil {
			return nil, fmt.Errorf("scan exam: %w", err)
		}
		exams = append(exams, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return exams, nil
}

func emptyNotNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyIntsNotNil(s []int) []int {
	if s == nil {
		return []int{}
	}
	return s
}
