package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/heartvoice/pkg/models"
	"github.com/jmoiron/sqlx"
)

// HealthMetricRepository stores per-day answers collected on calls
type HealthMetricRepository struct {
	db *sqlx.DB
}

// NewHealthMetricRepository creates a new repository instance
func NewHealthMetricRepository(db *sqlx.DB) *HealthMetricRepository {
	return &HealthMetricRepository{db: db}
}

// metricAttempts bounds the merge loop of Record; each lost race means another writer stored its keys
const metricAttempts = 10

// Record merges values into the patient's metrics for the day of at.
// A key that is already set for that day is not overwritten; ErrMetricAlreadyRecorded is returned
// and nothing is written. Concurrent writers never lose each other's keys: the day's row is created
// once and every merge is a compare-and-swap on its version.
func (r *HealthMetricRepository) Record(ctx context.Context, patientID int64, at time.Time, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	day := at.UTC().Format("2006-01-02")

	insert := r.db.Rebind(`
		INSERT INTO health_metrics (patient_id, day, data, version, updated_at)
		VALUES (?, ?, '{}', 0, ?)
		ON CONFLICT (patient_id, day) DO NOTHING
	`)
	if _, err := r.db.ExecContext(ctx, insert, patientID, day, dbTime(time.Now())); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: patient %d on %s", ErrPersistenceConflict, patientID, day)
		}
		return fmt.Errorf("failed to create health metric: %w", err)
	}

	for attempt := 0; attempt < metricAttempts; attempt++ {
		existing, err := r.get(ctx, patientID, day)
		if err != nil {
			return fmt.Errorf("failed to get health metric: %w", err)
		}

		data := map[string]string{}
		if err := existing.Data.Unmarshal(&data); err != nil {
			return fmt.Errorf("failed to decode health metric %d: %w", existing.ID, err)
		}
		for k, v := range values {
			if _, ok := data[k]; ok {
				return fmt.Errorf("%w: %s for patient %d on %s", ErrMetricAlreadyRecorded, k, patientID, day)
			}
			data[k] = v
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to encode health metric: %w", err)
		}

		update := r.db.Rebind(`UPDATE health_metrics SET data = ?, version = ?, updated_at = ? WHERE id = ? AND version = ?`)
		result, err := r.db.ExecContext(ctx, update,
			string(raw), existing.Version+1, dbTime(time.Now()), existing.ID, existing.Version)
		if err != nil {
			return fmt.Errorf("failed to save health metric: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: health metric of patient %d on %s", ErrPersistenceConflict, patientID, day)
}

func (r *HealthMetricRepository) get(ctx context.Context, patientID int64, day string) (*models.HealthMetric, error) {
	var m models.HealthMetric
	query := r.db.Rebind(`SELECT id, patient_id, day, data, version, updated_at FROM health_metrics WHERE patient_id = ? AND day = ?`)
	if err := r.db.GetContext(ctx, &m, query, patientID, day); err != nil {
		return nil, err
	}
	return &m, nil
}

// Get returns the metric values recorded for the patient on the day of at
func (r *HealthMetricRepository) Get(ctx context.Context, patientID int64, at time.Time) (map[string]string, error) {
	m, err := r.get(ctx, patientID, at.UTC().Format("2006-01-02"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to get health metric: %w", err)
	}
	values := map[string]string{}
	if err := m.Data.Unmarshal(&values); err != nil {
		return nil, fmt.Errorf("failed to decode health metric %d: %w", m.ID, err)
	}
	return values, nil
}
