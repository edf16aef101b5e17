package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/example/heartvoice/pkg/models"
	"github.com/jmoiron/sqlx"
)

const patientColumns = `id, phone, username, gender, timezone, call_start, call_end, type,
	dob, weight, height, activity, emergency_name, emergency_phone, created_at, updated_at`

// PatientRepository handles database operations for patients
type PatientRepository struct {
	db *sqlx.DB
}

// NewPatientRepository creates a new repository instance
func NewPatientRepository(db *sqlx.DB) *PatientRepository {
	return &PatientRepository{db: db}
}

// Create inserts a new patient
func (r *PatientRepository) Create(ctx context.Context, p *models.Patient) error {
	p.Phone = strings.TrimSpace(p.Phone)
	now := dbTime(time.Now())
	p.CreatedAt, p.UpdatedAt = now, now

	query := `
		INSERT INTO patients (
			phone, username, gender, timezone, call_start, call_end, type,
			dob, weight, height, activity, emergency_name, emergency_phone,
			created_at, updated_at
		) VALUES (
			:phone, :username, :gender, :timezone, :call_start, :call_end, :type,
			:dob, :weight, :height, :activity, :emergency_name, :emergency_phone,
			:created_at, :updated_at
		) RETURNING id
	`
	query, args, err := r.db.BindNamed(query, p)
	if err != nil {
		return fmt.Errorf("failed to bind patient: %w", err)
	}
	if err := r.db.QueryRowxContext(ctx, query, args...).Scan(&p.ID); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicatePatient, p.Phone)
		}
		return fmt.Errorf("failed to create patient: %w", err)
	}
	return nil
}

// GetByID returns a patient by ID
func (r *PatientRepository) GetByID(ctx context.Context, id int64) (*models.Patient, error) {
	return r.getOne(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = ?`, id)
}

// GetByPhone returns a patient by phone number
func (r *PatientRepository) GetByPhone(ctx context.Context, phone string) (*models.Patient, error) {
	return r.getOne(ctx, `SELECT `+patientColumns+` FROM patients WHERE phone = ?`, strings.TrimSpace(phone))
}

func (r *PatientRepository) getOne(ctx context.Context, query string, arg interface{}) (*models.Patient, error) {
	var p models.Patient
	if err := r.db.GetContext(ctx, &p, r.db.Rebind(query), arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %v", ErrPatientNotFound, arg)
		}
		return nil, fmt.Errorf("failed to get patient: %w", err)
	}
	return &p, nil
}

// List returns all patients
func (r *PatientRepository) List(ctx context.Context) ([]models.Patient, error) {
	var patients []models.Patient
	if err := r.db.SelectContext(ctx, &patients, `SELECT `+patientColumns+` FROM patients ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to get patients: %w", err)
	}
	return patients, nil
}

// UpdateProfile sets profile fields by name. Names outside models.Patient.ProfileFields are ignored.
func (r *PatientRepository) UpdateProfile(ctx context.Context, id int64, fields map[string]string) error {
	known := models.Patient{}.ProfileFields()
	names := make([]string, 0, len(fields))
	for name := range fields {
		if _, ok := known[name]; ok {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names)+1)
	args := make([]interface{}, 0, len(names)+2)
	for _, name := range names {
		sets = append(sets, name+" = ?")
		args = append(args, strings.TrimSpace(fields[name]))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, dbTime(time.Now()), id)

	query := r.db.Rebind(`UPDATE patients SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`)
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update patient %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %d", ErrPatientNotFound, id)
	}
	return nil
}
