package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes environment overrides; "__" separates nested keys,
// e.g. HEARTVOICE_DATABASE__DSN sets database.dsn.
const EnvPrefix = "HEARTVOICE_"

// Config struct is the top-level configuration structure.
type Config struct {
	Database  DatabaseConfig  `koanf:"database"`
	Logging   LoggingConfig   `koanf:"logging"`
	Voice     VoiceConfig     `koanf:"voice"`
	Mirror    MirrorConfig    `koanf:"mirror"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Notify    NotifyConfig    `koanf:"notify"`
	Answer    AnswerConfig    `koanf:"answer"`
	Scripts   []ScriptConfig  `koanf:"scripts" validate:"dive"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Driver string `koanf:"driver" validate:"required,oneof=sqlite3 postgres"`
	DSN    string `koanf:"dsn" validate:"required"`
}

// LoggingConfig holds settings for the logger.
type LoggingConfig struct {
	Directory  string `koanf:"directory" validate:"required"`
	Level      string `koanf:"level" validate:"oneof=debug info warn error"`
	Console    bool   `koanf:"console"`
	MaxSize    int    `koanf:"max_size" validate:"gte=1"`
	MaxBackups int    `koanf:"max_backups" validate:"gte=0"`
	MaxAge     int    `koanf:"max_age" validate:"gte=0"`
	Compress   bool   `koanf:"compress"`
}

// VoiceConfig holds the voice platform credentials and polling bounds.
type VoiceConfig struct {
	AccountSID   string        `koanf:"account_sid"`
	AuthToken    string        `koanf:"auth_token"`
	FromNumber   string        `koanf:"from_number"`
	PollInterval time.Duration `koanf:"poll_interval" validate:"gt=0"`
	PollAttempts int           `koanf:"poll_attempts" validate:"gte=1"`
	MaxSteps     int           `koanf:"max_steps" validate:"gte=1"`
}

// MirrorConfig holds the spreadsheet mirror settings.
type MirrorConfig struct {
	Enabled        bool          `koanf:"enabled"`
	Directory      string        `koanf:"directory" validate:"required_if=Enabled true"`
	Retries        int           `koanf:"retries" validate:"gte=0"`
	InitialBackoff time.Duration `koanf:"initial_backoff" validate:"gt=0"`
}

// SchedulerConfig controls the due sweep.
type SchedulerConfig struct {
	SweepInterval  time.Duration `koanf:"sweep_interval" validate:"gt=0"`
	Workers        int           `koanf:"workers" validate:"gte=1"`
	BatchSize      int           `koanf:"batch_size" validate:"gte=1"`
	SchedulingUnit time.Duration `koanf:"scheduling_unit" validate:"gt=0"`
	CallStartHour  int           `koanf:"call_start_hour" validate:"gte=0,lte=23"`
	CallEndHour    int           `koanf:"call_end_hour" validate:"gte=0,lte=23"`
}

// NotifyConfig holds the operator channel.
type NotifyConfig struct {
	TelegramToken string `koanf:"telegram_token"`
	ChatID        int64  `koanf:"chat_id"`
}

// AnswerConfig names the voice flow variables the service reads.
type AnswerConfig struct {
	QualityVariable string `koanf:"quality_variable" validate:"required"`
}

// ScriptConfig maps a patient status and topic to a voice flow.
type ScriptConfig struct {
	Status string `koanf:"status" validate:"required,oneof=new existing"`
	Topic  string `koanf:"topic" validate:"required"`
	Script string `koanf:"script" validate:"required"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"database.driver": "sqlite3",
		"database.dsn":    "data/heartvoice.db",

		"logging.directory":   "logs",
		"logging.level":       "info",
		"logging.console":     true,
		"logging.max_size":    10, // megabytes
		"logging.max_backups": 3,
		"logging.max_age":     7, // days
		"logging.compress":    true,

		"voice.poll_interval": "5s",
		"voice.poll_attempts": 60,
		"voice.max_steps":     20,

		"mirror.enabled":         true,
		"mirror.directory":       "data/sheets",
		"mirror.retries":         3,
		"mirror.initial_backoff": "500ms",

		"scheduler.sweep_interval":  "1m",
		"scheduler.workers":         4,
		"scheduler.batch_size":      50,
		"scheduler.scheduling_unit": "24h",
		"scheduler.call_start_hour": 9,
		"scheduler.call_end_hour":   20,

		"answer.quality_variable": "QUALITY",
	}
}

// RegisterFlags adds the overridable settings to a command's flag set.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("database.driver", "sqlite3", "database driver (sqlite3 or postgres)")
	flags.String("database.dsn", "data/heartvoice.db", "database DSN")
	flags.String("logging.level", "info", "log level")
	flags.Bool("mirror.enabled", true, "mirror rows to spreadsheets")
}

// Load reads the configuration: defaults, then the YAML file, then the environment, then changed flags.
// A missing file is not an error.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// Well-known credential variables
	for envKey, key := range map[string]string{
		"TWILIO_ACCOUNT_SID":       "voice.account_sid",
		"TWILIO_AUTH_TOKEN":        "voice.auth_token",
		"TWILIO_MAIN_PHONE_NUMBER": "voice.from_number",
		"TELEGRAM_BOT_TOKEN":       "notify.telegram_token",
	} {
		if v := os.Getenv(envKey); v != "" {
			k.Set(key, v)
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Scheduler.CallStartHour > c.Scheduler.CallEndHour {
		return fmt.Errorf("invalid config: call_start_hour %d after call_end_hour %d",
			c.Scheduler.CallStartHour, c.Scheduler.CallEndHour)
	}
	return nil
}

// Watch reloads the file on change and hands the new configuration to onChange.
// Invalid edits are reported to onError and the previous configuration stays in effect.
func Watch(path string, flags *pflag.FlagSet, onChange func(*Config), onError func(error)) error {
	return file.Provider(path).Watch(func(_ interface{}, err error) {
		if err != nil {
			onError(fmt.Errorf("config watch: %w", err))
			return
		}
		cfg, err := Load(path, flags)
		if err != nil {
			onError(err)
			return
		}
		onChange(cfg)
	})
}
