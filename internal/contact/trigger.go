package contact

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/example/heartvoice/internal/config"
	"github.com/example/heartvoice/internal/database"
	"github.com/example/heartvoice/internal/excel"
	"github.com/example/heartvoice/internal/notify"
	"github.com/example/heartvoice/internal/spaced_repetition"
	"github.com/example/heartvoice/internal/voice"
	"github.com/example/heartvoice/pkg/models"
	"go.uber.org/zap"
)

// PatientStore is the patient repository as used here
type PatientStore interface {
	GetByID(ctx context.Context, id int64) (*models.Patient, error)
	GetByPhone(ctx context.Context, phone string) (*models.Patient, error)
	Create(ctx context.Context, p *models.Patient) error
	UpdateProfile(ctx context.Context, id int64, fields map[string]string) error
}

// ReminderStore resolves reminders
type ReminderStore interface {
	GetByID(ctx context.Context, id int64) (*models.Reminder, error)
}

// AssignmentStore creates assignments and applies reviews
type AssignmentStore interface {
	Create(ctx context.Context, patientID, reminderID int64) (*models.ReminderAssignment, error)
	ApplyReviewFor(ctx context.Context, expected models.ReminderAssignment, quality int, now time.Time) (*models.ReminderAssignment, error)
	Hold(ctx context.Context, id int64, at time.Time) error
}

// CallStore records outbound calls
type CallStore interface {
	Create(ctx context.Context, c *models.Call) error
	Finish(ctx context.Context, c *models.Call, status models.CallStatus, at time.Time) error
	HasCompletedCall(ctx context.Context, patientID int64) (bool, error)
}

// MetricStore keeps per-day health answers
type MetricStore interface {
	Record(ctx context.Context, patientID int64, at time.Time, values map[string]string) error
}

// Mirror receives best-effort spreadsheet rows
type Mirror interface {
	Append(ctx context.Context, book string, row []interface{}) error
}

// Deps are the collaborators of a Trigger
type Deps struct {
	Patients    PatientStore
	Reminders   ReminderStore
	Assignments AssignmentStore
	Calls       CallStore
	Metrics     MetricStore
	Poller      *voice.Poller
	Mirror      Mirror
	Notifier    notify.Notifier
}

// Trigger places the check-in call for a due assignment and feeds the answer back into the schedule
type Trigger struct {
	Deps
	qualityVar string
	unit       time.Duration
	clock      func() time.Time
	scripts    atomic.Pointer[ScriptTable]
	log        *zap.Logger
}

// NewTrigger creates a trigger. unit converts review intervals into due dates for the mirror.
func NewTrigger(deps Deps, scripts []config.ScriptConfig, answer config.AnswerConfig, unit time.Duration, log *zap.Logger) *Trigger {
	t := &Trigger{
		Deps:       deps,
		qualityVar: answer.QualityVariable,
		unit:       unit,
		clock:      func() time.Time { return time.Now().UTC() },
		log:        log,
	}
	t.SetScripts(scripts)
	return t
}

// SetScripts replaces the script table. Calls already placed keep the script they started with.
func (t *Trigger) SetScripts(entries []config.ScriptConfig) {
	t.scripts.Store(NewScriptTable(entries))
	t.log.Info("Script table loaded", zap.Int("entries", len(entries)))
}

// Scripts returns the current script table
func (t *Trigger) Scripts() *ScriptTable {
	return t.scripts.Load()
}

// PatientStatus reports whether the patient has completed a call before
func (t *Trigger) PatientStatus(ctx context.Context, patientID int64) (Status, error) {
	reached, err := t.Calls.HasCompletedCall(ctx, patientID)
	if err != nil {
		return "", err
	}
	if reached {
		return StatusExisting, nil
	}
	return StatusNew, nil
}

// Process calls the patient of a due assignment and applies the answer as a review.
// Outside the patient's call window it returns ErrOutsideCallWindow without calling.
// A removed or reassigned assignment gets database.ErrAssignmentNotFound and its answer is discarded.
// Once a call was placed, any outcome without a stored review holds the assignment and alerts the
// operator, so the patient is not dialed again until the hold is released. A contact the voice
// platform cannot complete returns *ContactError.
func (t *Trigger) Process(ctx context.Context, a models.ReminderAssignment) (*models.ReminderAssignment, error) {
	log := t.log.With(zap.Int64("assignment_id", a.ID), zap.Int64("patient_id", a.PatientID))

	patient, err := t.Patients.GetByID(ctx, a.PatientID)
	if err != nil {
		return nil, fmt.Errorf("assignment %d: %w", a.ID, err)
	}
	window, err := patient.CallWindow()
	if err != nil {
		return nil, fmt.Errorf("assignment %d: %w", a.ID, err)
	}
	if !window.Contains(t.clock()) {
		return nil, fmt.Errorf("%w: patient %d (assignment %d)", ErrOutsideCallWindow, patient.ID, a.ID)
	}
	reminder, err := t.Reminders.GetByID(ctx, a.ReminderID)
	if err != nil {
		return nil, fmt.Errorf("assignment %d: %w", a.ID, err)
	}
	status, err := t.PatientStatus(ctx, patient.ID)
	if err != nil {
		return nil, fmt.Errorf("assignment %d: %w", a.ID, err)
	}
	script, ok := t.Scripts().Lookup(status, reminder.Topic)
	if !ok {
		return nil, fmt.Errorf("%w: status %s, topic %q (assignment %d)", ErrNoScript, status, reminder.Topic, a.ID)
	}

	assignmentID := a.ID
	call := &models.Call{PatientID: patient.ID, AssignmentID: &assignmentID, ScriptID: script, StartedAt: t.clock()}
	if err := t.Calls.Create(ctx, call); err != nil {
		return nil, fmt.Errorf("assignment %d: %w", a.ID, err)
	}
	result, err := t.run(ctx, call, patient.Phone)
	if err != nil {
		return nil, t.contactFailed(ctx, call, a.ID, err)
	}
	log = log.With(zap.String("execution_sid", call.ExecutionSID))
	now := t.clock()

	answer, ok := result.Variables[t.qualityVar]
	if !ok {
		t.finish(ctx, call, models.CallUnanswered, now)
		return nil, t.escalate(ctx, a.ID, fmt.Errorf("%w: assignment %d, execution %s", ErrNoAnswer, a.ID, call.ExecutionSID))
	}
	quality, err := spaced_repetition.ParseQuality(answer)
	if err != nil {
		t.finish(ctx, call, models.CallUnanswered, now)
		return nil, t.escalate(ctx, a.ID, fmt.Errorf("assignment %d, execution %s: %w", a.ID, call.ExecutionSID, err))
	}
	call.Quality = &quality

	updated, err := t.Assignments.ApplyReviewFor(ctx, a, quality, now)
	if err != nil {
		if errors.Is(err, database.ErrAssignmentNotFound) {
			log.Warn("Discarding answer for removed or reassigned assignment", zap.Int("quality", quality))
			t.finish(ctx, call, models.CallRejected, now)
			return nil, fmt.Errorf("assignment %d, execution %s: %w", a.ID, call.ExecutionSID, err)
		}
		t.finish(ctx, call, models.CallFailed, now)
		return nil, t.escalate(ctx, a.ID, fmt.Errorf("assignment %d, execution %s, quality %d not stored: %w",
			a.ID, call.ExecutionSID, quality, err))
	}
	t.finish(ctx, call, models.CallCompleted, now)

	readings := withoutKey(result.Variables, t.qualityVar)
	t.recordMetrics(ctx, patient, readings, now, log)

	t.mirror(ctx, excel.BookCalls, []interface{}{
		now.Format(time.RFC3339), patient.ID, patient.Phone, reminder.Text, script,
		call.ExecutionSID, string(call.Status), quality,
		updated.NextReviewAt.Format(time.RFC3339),
	}, log)
	t.mirrorReadings(ctx, patient, readings, now, log)

	log.Info("Review applied",
		zap.Int("quality", quality),
		zap.Int("interval", updated.Interval),
		zap.Float64("easiness", updated.Easiness),
		zap.Time("next_review_at", updated.NextReviewAt),
	)
	return updated, nil
}

// run starts the flow for a recorded call and waits for it to finish
func (t *Trigger) run(ctx context.Context, call *models.Call, phone string) (voice.Status, error) {
	h, err := t.Poller.Platform.Start(ctx, call.ScriptID, phone)
	if err != nil {
		return voice.Status{}, err
	}
	call.ExecutionSID = h.ExecutionSID
	return t.Poller.Await(ctx, h)
}

// contactFailed closes the call, holds the assignment, alerts the operator and builds the error returned to the caller
func (t *Trigger) contactFailed(ctx context.Context, call *models.Call, assignmentID int64, cause error) error {
	now := t.clock()
	cerr := &ContactError{
		AssignmentID: assignmentID,
		PatientID:    call.PatientID,
		At:           now,
		ExecutionSID: call.ExecutionSID,
		Err:          cause,
	}
	t.log.Error("Contact failed",
		zap.Int64("assignment_id", assignmentID),
		zap.Int64("patient_id", call.PatientID),
		zap.String("execution_sid", call.ExecutionSID),
		zap.Error(cause),
	)

	// the call is over whatever ctx says
	t.finish(context.WithoutCancel(ctx), call, models.CallFailed, now)
	return t.escalate(ctx, assignmentID, cerr)
}

// escalate holds the assignment (zero for profile calls) and hands err to the operator.
// It returns err.
func (t *Trigger) escalate(ctx context.Context, assignmentID int64, err error) error {
	bg := context.WithoutCancel(ctx)
	text := err.Error()
	if assignmentID != 0 {
		if herr := t.Assignments.Hold(bg, assignmentID, t.clock()); herr != nil {
			t.log.Error("Failed to hold assignment", zap.Int64("assignment_id", assignmentID), zap.Error(herr))
		} else {
			text += fmt.Sprintf("; assignment %d is held until released", assignmentID)
		}
	}
	t.log.Warn("Escalating to operator", zap.Int64("assignment_id", assignmentID), zap.Error(err))
	if aerr := t.Notifier.Alert(bg, text); aerr != nil {
		t.log.Error("Failed to alert operator", zap.Error(aerr))
	}
	return err
}

func (t *Trigger) finish(ctx context.Context, call *models.Call, status models.CallStatus, at time.Time) {
	if err := t.Calls.Finish(ctx, call, status, at); err != nil {
		t.log.Error("Failed to record call result",
			zap.Int64("call_id", call.ID), zap.String("status", string(status)), zap.Error(err))
	}
}

func (t *Trigger) recordMetrics(ctx context.Context, patient *models.Patient, values map[string]string, at time.Time, log *zap.Logger) {
	if len(values) == 0 {
		return
	}
	err := t.Metrics.Record(ctx, patient.ID, at, values)
	switch {
	case err == nil:
	case errors.Is(err, database.ErrMetricAlreadyRecorded):
		log.Info("Health metric already recorded today", zap.Error(err))
	default:
		log.Error("Failed to record health metrics", zap.Error(err))
	}
}

// mirrorReadings appends numeric answers to the readings workbook
func (t *Trigger) mirrorReadings(ctx context.Context, patient *models.Patient, values map[string]string, at time.Time, log *zap.Logger) {
	for _, name := range sortedKeys(values) {
		if _, err := strconv.ParseFloat(values[name], 64); err != nil {
			continue
		}
		t.mirror(ctx, excel.BookReadings, []interface{}{
			at.Format(time.RFC3339), patient.ID, patient.Phone, name, values[name],
		}, log)
	}
}

func (t *Trigger) mirror(ctx context.Context, book string, row []interface{}, log *zap.Logger) {
	if t.Mirror == nil {
		return
	}
	if err := t.Mirror.Append(ctx, book, row); err != nil {
		log.Warn("Spreadsheet mirror failed", zap.String("book", book), zap.Error(err))
	}
}

func withoutKey(m map[string]string, key string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if k != key {
			out[k] = v
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
