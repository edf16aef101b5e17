package database

import (
	"context"
	"fmt"
	"time"

	"github.com/example/heartvoice/pkg/models"
	"github.com/jmoiron/sqlx"
)

// CallRepository handles database operations for outbound calls
type CallRepository struct {
	db *sqlx.DB
}

// NewCallRepository creates a new repository instance
func NewCallRepository(db *sqlx.DB) *CallRepository {
	return &CallRepository{db: db}
}

// Create inserts a call in the started state
func (r *CallRepository) Create(ctx context.Context, c *models.Call) error {
	c.Status = models.CallStarted
	c.StartedAt = dbTime(c.StartedAt)
	query := r.db.Rebind(`
		INSERT INTO calls (patient_id, assignment_id, script_id, execution_sid, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	err := r.db.QueryRowxContext(ctx, query,
		c.PatientID, c.AssignmentID, c.ScriptID, c.ExecutionSID, c.Status, c.StartedAt,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}
	return nil
}

// Finish stores the final status of a call
func (r *CallRepository) Finish(ctx context.Context, c *models.Call, status models.CallStatus, at time.Time) error {
	finished := dbTime(at)
	query := r.db.Rebind(`
		UPDATE calls SET execution_sid = ?, status = ?, quality = ?, finished_at = ?
		WHERE id = ?
	`)
	result, err := r.db.ExecContext(ctx, query, c.ExecutionSID, status, c.Quality, finished, c.ID)
	if err != nil {
		return fmt.Errorf("failed to finish call %d: %w", c.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: id %d", ErrCallNotFound, c.ID)
	}
	c.Status = status
	c.FinishedAt = &finished
	return nil
}

// HasCompletedCall reports whether the patient ever finished a call
func (r *CallRepository) HasCompletedCall(ctx context.Context, patientID int64) (bool, error) {
	var count int
	query := r.db.Rebind(`SELECT COUNT(*) FROM calls WHERE patient_id = ? AND status = ?`)
	if err := r.db.GetContext(ctx, &count, query, patientID, models.CallCompleted); err != nil {
		return false, fmt.Errorf("failed to count calls for patient %d: %w", patientID, err)
	}
	return count > 0, nil
}

// ListByPatient returns a patient's calls, newest first
func (r *CallRepository) ListByPatient(ctx context.Context, patientID int64) ([]models.Call, error) {
	var calls []models.Call
	query := r.db.Rebind(`
		SELECT id, patient_id, assignment_id, script_id, execution_sid, status, quality, started_at, finished_at
		FROM calls WHERE patient_id = ? ORDER BY started_at DESC, id DESC
	`)
	if err := r.db.SelectContext(ctx, &calls, query, patientID); err != nil {
		return nil, fmt.Errorf("failed to get calls: %w", err)
	}
	return calls, nil
}
