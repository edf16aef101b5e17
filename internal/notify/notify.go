package notify

import (
	"context"
	"fmt"

	"github.com/example/heartvoice/pkg/models"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Notifier delivers messages to the operator
type Notifier interface {
	Alert(ctx context.Context, text string) error
	NewPatient(ctx context.Context, p *models.Patient) error
}

// NewPatientText formats the notice sent when a patient is enrolled
func NewPatientText(p *models.Patient) string {
	name := p.Username
	if name == "" {
		name = "(no name)"
	}
	return fmt.Sprintf("New patient enrolled: %s, phone %s (id %d)", name, p.Phone, p.ID)
}

// Telegram sends operator messages to a chat
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
	log    *zap.Logger
}

// NewTelegram connects the bot; the token is checked against the API
func NewTelegram(token string, chatID int64, log *zap.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	log.Info("Operator bot authorized", zap.String("account", api.Self.UserName))
	return &Telegram{api: api, chatID: chatID, log: log}, nil
}

// Alert sends a plain text message
func (t *Telegram) Alert(_ context.Context, text string) error {
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

// NewPatient sends the enrollment notice
func (t *Telegram) NewPatient(ctx context.Context, p *models.Patient) error {
	return t.Alert(ctx, NewPatientText(p))
}

// LogNotifier writes operator messages to the log. Used when no chat is configured.
type LogNotifier struct {
	Log *zap.Logger
}

func (n *LogNotifier) Alert(_ context.Context, text string) error {
	n.Log.Warn("Operator alert", zap.String("text", text))
	return nil
}

func (n *LogNotifier) NewPatient(_ context.Context, p *models.Patient) error {
	n.Log.Info("New patient",
		zap.Int64("patient_id", p.ID),
		zap.String("phone", p.Phone),
		zap.String("text", NewPatientText(p)),
	)
	return nil
}
