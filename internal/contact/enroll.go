package contact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/heartvoice/internal/database"
	"github.com/example/heartvoice/internal/excel"
	"github.com/example/heartvoice/internal/notify"
	"github.com/example/heartvoice/pkg/models"
	"go.uber.org/zap"
)

// Enroller registers patients and assigns reminders to them
type Enroller struct {
	Patients    PatientStore
	Reminders   ReminderStore
	Assignments AssignmentStore
	Mirror      Mirror
	Notifier    notify.Notifier
	Log         *zap.Logger
}

// EnrollResult describes what an enrollment changed
type EnrollResult struct {
	Patient    *models.Patient
	NewPatient bool
	Created    []models.ReminderAssignment
	Skipped    []int64 // reminder IDs the patient already had
}

// Enroll creates the patient if the phone number is unknown and assigns each reminder once.
// Reminders already assigned are skipped; an unknown reminder aborts the enrollment of the rest.
func (e *Enroller) Enroll(ctx context.Context, p models.Patient, reminderIDs []int64) (*EnrollResult, error) {
	result := &EnrollResult{}
	if _, err := p.CallWindow(); err != nil {
		return nil, err
	}

	existing, err := e.Patients.GetByPhone(ctx, p.Phone)
	switch {
	case err == nil:
		result.Patient = existing
	case errors.Is(err, database.ErrPatientNotFound):
		if err := e.Patients.Create(ctx, &p); err != nil {
			return nil, err
		}
		result.Patient = &p
		result.NewPatient = true
	default:
		return nil, err
	}
	patient := result.Patient
	log := e.Log.With(zap.Int64("patient_id", patient.ID))

	if result.NewPatient {
		if e.Mirror != nil {
			row := []interface{}{patient.ID, patient.Phone, patient.Username, patient.CreatedAt.Format(time.RFC3339)}
			if err := e.Mirror.Append(ctx, excel.BookExisting, row); err != nil {
				log.Warn("Spreadsheet mirror failed", zap.String("book", excel.BookExisting), zap.Error(err))
			}
		}
		if err := e.Notifier.NewPatient(ctx, patient); err != nil {
			log.Warn("Failed to send new patient notice", zap.Error(err))
		}
		log.Info("Patient enrolled", zap.String("phone", patient.Phone))
	}

	for _, reminderID := range reminderIDs {
		if _, err := e.Reminders.GetByID(ctx, reminderID); err != nil {
			return result, err
		}
		a, err := e.Assignments.Create(ctx, patient.ID, reminderID)
		if errors.Is(err, database.ErrDuplicateAssignment) {
			result.Skipped = append(result.Skipped, reminderID)
			continue
		}
		if err != nil {
			return result, fmt.Errorf("assign reminder %d: %w", reminderID, err)
		}
		result.Created = append(result.Created, *a)
		log.Info("Reminder assigned", zap.Int64("assignment_id", a.ID), zap.Int64("reminder_id", reminderID))
	}
	return result, nil
}
