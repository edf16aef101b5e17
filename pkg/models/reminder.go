package models

import "time"

// Reminder is a piece of health advice read to patients
type Reminder struct {
	ID        int64     `json:"id" db:"id"`
	Text      string    `json:"text" db:"text"`
	Topic     string    `json:"topic" db:"topic"` // selects the voice script
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
