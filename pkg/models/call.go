package models

import "time"

// CallStatus is the outcome of an outbound call
type CallStatus string

const (
	CallStarted    CallStatus = "started"
	CallCompleted  CallStatus = "completed"
	CallUnanswered CallStatus = "unanswered" // flow ended without a usable answer
	CallFailed     CallStatus = "failed"
	CallRejected   CallStatus = "rejected" // answer arrived for a removed or reassigned assignment
)

// Call records one outbound voice flow execution
type Call struct {
	ID           int64      `json:"id" db:"id"`
	PatientID    int64      `json:"patient_id" db:"patient_id"`
	AssignmentID *int64     `json:"assignment_id" db:"assignment_id"`
	ScriptID     string     `json:"script_id" db:"script_id"`
	ExecutionSID string     `json:"execution_sid" db:"execution_sid"`
	Status       CallStatus `json:"status" db:"status"`
	Quality      *int       `json:"quality" db:"quality"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at" db:"finished_at"`
}
