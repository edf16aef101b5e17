package contact

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrExternalServiceUnavailable marks a contact attempt the voice platform could not complete
	ErrExternalServiceUnavailable = errors.New("contact: external service unavailable")
	// ErrNoScript is returned when the script table has no entry for a patient status and topic
	ErrNoScript = errors.New("contact: no script configured")
	// ErrNoAnswer is returned when a finished flow carries no usable quality answer
	ErrNoAnswer = errors.New("contact: no answer recorded")
	// ErrOutsideCallWindow is returned when the patient does not take calls at this time
	ErrOutsideCallWindow = errors.New("contact: outside the patient's call window")
)

// ContactError describes a failed outbound contact with what an operator needs to follow up.
// It matches ErrExternalServiceUnavailable and the underlying cause with errors.Is.
type ContactError struct {
	AssignmentID int64 // zero for profile calls
	PatientID    int64
	At           time.Time
	ExecutionSID string // empty if the flow never started
	Err          error
}

func (e *ContactError) Error() string {
	execution := e.ExecutionSID
	if execution == "" {
		execution = "none"
	}
	return fmt.Sprintf("contact failed for assignment %d (patient %d) at %s, execution %s: %v",
		e.AssignmentID, e.PatientID, e.At.Format(time.RFC3339), execution, e.Err)
}

func (e *ContactError) Unwrap() []error {
	return []error{ErrExternalServiceUnavailable, e.Err}
}
