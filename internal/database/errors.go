package database

import (
	"errors"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var (
	ErrAssignmentNotFound    = errors.New("database: assignment not found")
	ErrDuplicateAssignment   = errors.New("database: assignment already exists for patient and reminder")
	ErrPersistenceConflict   = errors.New("database: concurrent update conflict")
	ErrPatientNotFound       = errors.New("database: patient not found")
	ErrDuplicatePatient      = errors.New("database: patient with this phone already exists")
	ErrReminderNotFound      = errors.New("database: reminder not found")
	ErrCallNotFound          = errors.New("database: call not found")
	ErrMetricAlreadyRecorded = errors.New("database: metric already recorded for this day")
	ErrInvalidPageSize       = errors.New("database: page size must be positive")
)

// isUniqueViolation reports whether err is a unique constraint failure from either driver
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
