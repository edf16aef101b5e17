package database

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS patients (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		phone TEXT NOT NULL UNIQUE,
		username TEXT NOT NULL DEFAULT '',
		gender TEXT NOT NULL DEFAULT '',
		timezone TEXT NOT NULL DEFAULT '',
		call_start TEXT NOT NULL DEFAULT '',
		call_end TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT '',
		dob TEXT NOT NULL DEFAULT '',
		weight TEXT NOT NULL DEFAULT '',
		height TEXT NOT NULL DEFAULT '',
		activity TEXT NOT NULL DEFAULT '',
		emergency_name TEXT NOT NULL DEFAULT '',
		emergency_phone TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reminders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		text TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reminder_assignments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		patient_id INTEGER NOT NULL,
		reminder_id INTEGER NOT NULL,
		easiness REAL NOT NULL,
		interval_units INTEGER NOT NULL DEFAULT 0,
		repetitions INTEGER NOT NULL DEFAULT 0,
		last_reviewed_at TIMESTAMP,
		next_review_at TIMESTAMP NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		held_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (patient_id) REFERENCES patients(id),
		FOREIGN KEY (reminder_id) REFERENCES reminders(id),
		UNIQUE(patient_id, reminder_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_assignments_due ON reminder_assignments (next_review_at, id)`,
	`CREATE TABLE IF NOT EXISTS calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		patient_id INTEGER NOT NULL,
		assignment_id INTEGER,
		script_id TEXT NOT NULL,
		execution_sid TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		quality INTEGER,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		FOREIGN KEY (patient_id) REFERENCES patients(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_patient ON calls (patient_id, status)`,
	`CREATE TABLE IF NOT EXISTS health_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		patient_id INTEGER NOT NULL,
		day TEXT NOT NULL,
		data TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (patient_id) REFERENCES patients(id),
		UNIQUE(patient_id, day)
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS patients (
		id BIGSERIAL PRIMARY KEY,
		phone TEXT NOT NULL UNIQUE,
		username TEXT NOT NULL DEFAULT '',
		gender TEXT NOT NULL DEFAULT '',
		timezone TEXT NOT NULL DEFAULT '',
		call_start TEXT NOT NULL DEFAULT '',
		call_end TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT '',
		dob TEXT NOT NULL DEFAULT '',
		weight TEXT NOT NULL DEFAULT '',
		height TEXT NOT NULL DEFAULT '',
		activity TEXT NOT NULL DEFAULT '',
		emergency_name TEXT NOT NULL DEFAULT '',
		emergency_phone TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reminders (
		id BIGSERIAL PRIMARY KEY,
		text TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reminder_assignments (
		id BIGSERIAL PRIMARY KEY,
		patient_id BIGINT NOT NULL REFERENCES patients(id),
		reminder_id BIGINT NOT NULL REFERENCES reminders(id),
		easiness DOUBLE PRECISION NOT NULL,
		interval_units INTEGER NOT NULL DEFAULT 0,
		repetitions INTEGER NOT NULL DEFAULT 0,
		last_reviewed_at TIMESTAMPTZ,
		next_review_at TIMESTAMPTZ NOT NULL,
		version BIGINT NOT NULL DEFAULT 0,
		held_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE(patient_id, reminder_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_assignments_due ON reminder_assignments (next_review_at, id)`,
	`CREATE TABLE IF NOT EXISTS calls (
		id BIGSERIAL PRIMARY KEY,
		patient_id BIGINT NOT NULL REFERENCES patients(id),
		assignment_id BIGINT,
		script_id TEXT NOT NULL,
		execution_sid TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		quality INTEGER,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_patient ON calls (patient_id, status)`,
	`CREATE TABLE IF NOT EXISTS health_metrics (
		id BIGSERIAL PRIMARY KEY,
		patient_id BIGINT NOT NULL REFERENCES patients(id),
		day TEXT NOT NULL,
		data JSONB NOT NULL,
		version BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE(patient_id, day)
	)`,
}
