package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/heartvoice/pkg/models"
	"github.com/jmoiron/sqlx"
)

// ReminderRepository handles database operations for reminder content
type ReminderRepository struct {
	db *sqlx.DB
}

// NewReminderRepository creates a new repository instance
func NewReminderRepository(db *sqlx.DB) *ReminderRepository {
	return &ReminderRepository{db: db}
}

// Create inserts a new reminder
func (r *ReminderRepository) Create(ctx context.Context, rem *models.Reminder) error {
	rem.Text = strings.TrimSpace(rem.Text)
	if rem.Text == "" {
		return fmt.Errorf("reminder text cannot be empty")
	}
	rem.CreatedAt = dbTime(time.Now())

	query := r.db.Rebind(`INSERT INTO reminders (text, topic, created_at) VALUES (?, ?, ?) RETURNING id`)
	if err := r.db.QueryRowxContext(ctx, query, rem.Text, rem.Topic, rem.CreatedAt).Scan(&rem.ID); err != nil {
		return fmt.Errorf("failed to create reminder: %w", err)
	}
	return nil
}

// GetByID returns a reminder by ID
func (r *ReminderRepository) GetByID(ctx context.Context, id int64) (*models.Reminder, error) {
	var rem models.Reminder
	query := r.db.Rebind(`SELECT id, text, topic, created_at FROM reminders WHERE id = ?`)
	if err := r.db.GetContext(ctx, &rem, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrReminderNotFound, id)
		}
		return nil, fmt.Errorf("failed to get reminder %d: %w", id, err)
	}
	return &rem, nil
}

// GetByText returns a reminder with exactly this text
func (r *ReminderRepository) GetByText(ctx context.Context, text string) (*models.Reminder, error) {
	var rem models.Reminder
	query := r.db.Rebind(`SELECT id, text, topic, created_at FROM reminders WHERE text = ?`)
	if err := r.db.GetContext(ctx, &rem, query, strings.TrimSpace(text)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrReminderNotFound
		}
		return nil, fmt.Errorf("failed to get reminder: %w", err)
	}
	return &rem, nil
}

// List returns all reminders
func (r *ReminderRepository) List(ctx context.Context) ([]models.Reminder, error) {
	var reminders []models.Reminder
	if err := r.db.SelectContext(ctx, &reminders, `SELECT id, text, topic, created_at FROM reminders ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to get reminders: %w", err)
	}
	return reminders, nil
}
