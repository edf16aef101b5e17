package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/heartvoice/internal/spaced_repetition"
	"github.com/example/heartvoice/pkg/models"
	"github.com/jmoiron/sqlx"
)

const assignmentColumns = `id, patient_id, reminder_id, easiness, interval_units, repetitions,
	last_reviewed_at, next_review_at, version, held_at, created_at, updated_at`

// reviewAttempts bounds the read-compute-write loop of ApplyReview: one retry after a lost race
const reviewAttempts = 2

// AssignmentRepository handles database operations for reminder assignments
type AssignmentRepository struct {
	db   *sqlx.DB
	sm2  *spaced_repetition.SM2
	unit time.Duration
}

// NewAssignmentRepository creates a new repository instance.
// unit is the length of one scheduling interval, e.g. 24h.
func NewAssignmentRepository(db *sqlx.DB, sm2 *spaced_repetition.SM2, unit time.Duration) *AssignmentRepository {
	return &AssignmentRepository{db: db, sm2: sm2, unit: unit}
}

// DueCursor marks the last assignment returned by FindDuePage
type DueCursor struct {
	NextReviewAt time.Time
	ID           int64
}

// Create enrolls a patient in a reminder. The new assignment has no review history and is due immediately.
func (r *AssignmentRepository) Create(ctx context.Context, patientID, reminderID int64) (*models.ReminderAssignment, error) {
	now := dbTime(r.sm2.Clock())
	a := &models.ReminderAssignment{
		PatientID:    patientID,
		ReminderID:   reminderID,
		Easiness:     spaced_repetition.InitialEasiness,
		NextReviewAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	query := r.db.Rebind(`
		INSERT INTO reminder_assignments (
			patient_id, reminder_id, easiness, interval_units, repetitions,
			next_review_at, version, created_at, updated_at
		) VALUES (?, ?, ?, 0, 0, ?, 0, ?, ?)
		RETURNING id
	`)
	err := r.db.QueryRowxContext(ctx, query,
		a.PatientID, a.ReminderID, a.Easiness, a.NextReviewAt, a.CreatedAt, a.UpdatedAt,
	).Scan(&a.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: patient %d, reminder %d", ErrDuplicateAssignment, patientID, reminderID)
		}
		return nil, fmt.Errorf("failed to create assignment: %w", err)
	}
	return a, nil
}

// GetByID returns an assignment by ID
func (r *AssignmentRepository) GetByID(ctx context.Context, id int64) (*models.ReminderAssignment, error) {
	var a models.ReminderAssignment
	query := r.db.Rebind(`SELECT ` + assignmentColumns + ` FROM reminder_assignments WHERE id = ?`)
	if err := r.db.GetContext(ctx, &a, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrAssignmentNotFound, id)
		}
		return nil, fmt.Errorf("failed to get assignment %d: %w", id, err)
	}
	return &a, nil
}

// ListByPatient returns all assignments of a patient, earliest due first
func (r *AssignmentRepository) ListByPatient(ctx context.Context, patientID int64) ([]models.ReminderAssignment, error) {
	var assignments []models.ReminderAssignment
	query := r.db.Rebind(`SELECT ` + assignmentColumns + ` FROM reminder_assignments
		WHERE patient_id = ? ORDER BY next_review_at ASC, id ASC`)
	if err := r.db.SelectContext(ctx, &assignments, query, patientID); err != nil {
		return nil, fmt.Errorf("failed to list assignments for patient %d: %w", patientID, err)
	}
	return assignments, nil
}

// ApplyReview grades the assignment and stores its next learning state
func (r *AssignmentRepository) ApplyReview(ctx context.Context, id int64, quality int, now time.Time) (*models.ReminderAssignment, error) {
	return r.applyReview(ctx, id, quality, now, nil)
}

// ApplyReviewFor is ApplyReview for a result collected against a previously loaded assignment.
// If the row was removed or now links a different patient or reminder the result is rejected
// with ErrAssignmentNotFound.
func (r *AssignmentRepository) ApplyReviewFor(ctx context.Context, expected models.ReminderAssignment, quality int, now time.Time) (*models.ReminderAssignment, error) {
	return r.applyReview(ctx, expected.ID, quality, now, func(current *models.ReminderAssignment) bool {
		return current.PatientID == expected.PatientID && current.ReminderID == expected.ReminderID
	})
}

func (r *AssignmentRepository) applyReview(ctx context.Context, id int64, quality int, now time.Time,
	same func(*models.ReminderAssignment) bool) (*models.ReminderAssignment, error) {
	if err := spaced_repetition.ValidateQuality(quality); err != nil {
		return nil, err
	}
	now = dbTime(now)

	for attempt := 0; attempt < reviewAttempts; attempt++ {
		current, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if same != nil && !same(current) {
			return nil, fmt.Errorf("%w: id %d was reassigned", ErrAssignmentNotFound, id)
		}

		outcome, err := r.sm2.ComputeAt(learningState(current), quality, now)
		if err != nil {
			return nil, fmt.Errorf("assignment %d: %w", id, err)
		}

		next := *current
		next.Easiness = outcome.Easiness
		next.Interval = outcome.Interval
		next.Repetitions = outcome.Repetitions
		reviewed := outcome.ReviewDate
		next.LastReviewedAt = &reviewed
		next.NextReviewAt = dbTime(outcome.NextReviewAt(r.unit))
		next.Version = current.Version + 1
		next.HeldAt = nil
		next.UpdatedAt = now

		ok, err := r.compareAndSwap(ctx, &next, current.Version)
		if err != nil {
			return nil, err
		}
		if ok {
			return &next, nil
		}
		// Lost the race. The next attempt re-reads and reports a deleted row as not found.
	}
	return nil, fmt.Errorf("%w: assignment %d at %s", ErrPersistenceConflict, id, now.Format(time.RFC3339))
}

// compareAndSwap writes the new state only if the row still carries the expected version.
// A stored review also releases a hold.
func (r *AssignmentRepository) compareAndSwap(ctx context.Context, a *models.ReminderAssignment, expectedVersion int64) (bool, error) {
	query := r.db.Rebind(`
		UPDATE reminder_assignments SET
			easiness = ?,
			interval_units = ?,
			repetitions = ?,
			last_reviewed_at = ?,
			next_review_at = ?,
			version = ?,
			held_at = NULL,
			updated_at = ?
		WHERE id = ? AND version = ?
	`)
	result, err := r.db.ExecContext(ctx, query,
		a.Easiness,
		a.Interval,
		a.Repetitions,
		a.LastReviewedAt,
		a.NextReviewAt,
		a.Version,
		a.UpdatedAt,
		a.ID,
		expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update assignment %d: %w", a.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// FindDuePage returns up to limit assignments due at or before the given time,
// ordered by next review time then ID, starting after cursor (nil for the first page).
// Held assignments are never due. The returned cursor is nil when there are no more rows.
func (r *AssignmentRepository) FindDuePage(ctx context.Context, before time.Time, after *DueCursor, limit int) ([]models.ReminderAssignment, *DueCursor, error) {
	if limit < 1 {
		return nil, nil, fmt.Errorf("%w: %d", ErrInvalidPageSize, limit)
	}
	before = dbTime(before)
	args := []interface{}{before}
	query := `SELECT ` + assignmentColumns + ` FROM reminder_assignments
		WHERE next_review_at <= ? AND held_at IS NULL`
	if after != nil {
		at := dbTime(after.NextReviewAt)
		query += ` AND (next_review_at > ? OR (next_review_at = ? AND id > ?))`
		args = append(args, at, at, after.ID)
	}
	query += ` ORDER BY next_review_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	var page []models.ReminderAssignment
	if err := r.db.SelectContext(ctx, &page, r.db.Rebind(query), args...); err != nil {
		return nil, nil, fmt.Errorf("failed to get due assignments: %w", err)
	}
	if len(page) < limit {
		return page, nil, nil
	}
	last := page[len(page)-1]
	return page, &DueCursor{NextReviewAt: last.NextReviewAt, ID: last.ID}, nil
}

// FindDue returns every assignment due at or before the given time, earliest due first
func (r *AssignmentRepository) FindDue(ctx context.Context, before time.Time) ([]models.ReminderAssignment, error) {
	const pageSize = 200

	var (
		due    []models.ReminderAssignment
		cursor *DueCursor
	)
	for {
		page, next, err := r.FindDuePage(ctx, before, cursor, pageSize)
		if err != nil {
			return nil, err
		}
		due = append(due, page...)
		if next == nil {
			return due, nil
		}
		cursor = next
	}
}

// Hold takes the assignment out of the due sweep until Release or a stored review.
// Holding an already held assignment keeps the first hold time.
func (r *AssignmentRepository) Hold(ctx context.Context, id int64, at time.Time) error {
	query := r.db.Rebind(`UPDATE reminder_assignments SET held_at = COALESCE(held_at, ?) WHERE id = ?`)
	return r.execOne(ctx, query, id, dbTime(at), id)
}

// Release returns a held assignment to the due sweep
func (r *AssignmentRepository) Release(ctx context.Context, id int64) error {
	query := r.db.Rebind(`UPDATE reminder_assignments SET held_at = NULL WHERE id = ?`)
	return r.execOne(ctx, query, id, id)
}

// ListHeld returns held assignments, oldest hold first
func (r *AssignmentRepository) ListHeld(ctx context.Context) ([]models.ReminderAssignment, error) {
	var held []models.ReminderAssignment
	query := `SELECT ` + assignmentColumns + ` FROM reminder_assignments
		WHERE held_at IS NOT NULL ORDER BY held_at ASC, id ASC`
	if err := r.db.SelectContext(ctx, &held, query); err != nil {
		return nil, fmt.Errorf("failed to list held assignments: %w", err)
	}
	return held, nil
}

func (r *AssignmentRepository) execOne(ctx context.Context, query string, id int64, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update assignment %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: id %d", ErrAssignmentNotFound, id)
	}
	return nil
}

func learningState(a *models.ReminderAssignment) *spaced_repetition.State {
	if !a.Reviewed() {
		return nil
	}
	return &spaced_repetition.State{
		Easiness:    a.Easiness,
		Interval:    a.Interval,
		Repetitions: a.Repetitions,
	}
}

// dbTime normalizes timestamps so both drivers store and compare them identically
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
