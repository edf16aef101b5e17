package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// HealthMetric holds the answers a patient gave on one day, e.g. blood pressure readings
type HealthMetric struct {
	ID        int64          `json:"id" db:"id"`
	PatientID int64          `json:"patient_id" db:"patient_id"`
	Day       string         `json:"day" db:"day"` // YYYY-MM-DD, UTC
	Data      types.JSONText `json:"data" db:"data"`
	Version   int64          `json:"version" db:"version"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}
