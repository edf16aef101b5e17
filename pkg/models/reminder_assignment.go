package models

import "time"

// ReminderAssignment links one patient to one reminder and carries its SM-2 learning state
type ReminderAssignment struct {
	ID             int64      `json:"id" db:"id"`
	PatientID      int64      `json:"patient_id" db:"patient_id"`
	ReminderID     int64      `json:"reminder_id" db:"reminder_id"`
	Easiness       float64    `json:"easiness" db:"easiness"`
	Interval       int        `json:"interval" db:"interval_units"` // scheduling units until next review
	Repetitions    int        `json:"repetitions" db:"repetitions"`
	LastReviewedAt *time.Time `json:"last_reviewed_at" db:"last_reviewed_at"`
	NextReviewAt   time.Time  `json:"next_review_at" db:"next_review_at"`
	Version        int64      `json:"version" db:"version"` // bumped on every review write
	HeldAt         *time.Time `json:"held_at" db:"held_at"` // set after a failed contact; held rows are never due
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Reviewed reports whether the assignment has been through at least one review
func (a ReminderAssignment) Reviewed() bool {
	return a.LastReviewedAt != nil
}

// Held reports whether the assignment waits for an operator after a failed contact
func (a ReminderAssignment) Held() bool {
	return a.HeldAt != nil
}
