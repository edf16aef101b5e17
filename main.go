package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/heartvoice/internal/config"
	"github.com/example/heartvoice/internal/contact"
	"github.com/example/heartvoice/internal/database"
	"github.com/example/heartvoice/internal/excel"
	"github.com/example/heartvoice/internal/logging"
	"github.com/example/heartvoice/internal/notify"
	"github.com/example/heartvoice/internal/scheduler"
	"github.com/example/heartvoice/internal/spaced_repetition"
	"github.com/example/heartvoice/internal/voice"
	"github.com/example/heartvoice/pkg/models"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const usage = `usage: heartvoice <command> [flags]

commands:
  serve             run the due sweep until interrupted
  enroll            register a patient and assign reminders
  review            apply a review answer to an assignment
  due               list assignments due before a time
  held              list assignments held after a failed call
  release           return a held assignment to the sweep
  profile           call a patient to fill empty profile fields
  import-reminders  load reminders from an xlsx or csv file
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "heartvoice %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// app holds the handles shared by all commands; built once per process
type app struct {
	cfg         *config.Config
	log         *zap.Logger
	db          *sqlx.DB
	patients    *database.PatientRepository
	reminders   *database.ReminderRepository
	assignments *database.AssignmentRepository
	calls       *database.CallRepository
	metrics     *database.HealthMetricRepository
	mirror      *excel.Mirror
	notifier    notify.Notifier
}

var commands = map[string]bool{
	"serve": true, "enroll": true, "review": true, "due": true, "held": true, "release": true,
	"profile": true, "import-reminders": true,
}

func run(command string, args []string) error {
	if !commands[command] {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
	flags := pflag.NewFlagSet(command, pflag.ContinueOnError)
	configPath := flags.String("config", "config.yaml", "configuration file")
	config.RegisterFlags(flags)

	var (
		phone      = flags.String("phone", "", "patient phone number (enroll, profile)")
		username   = flags.String("name", "", "patient name (enroll)")
		timezone   = flags.String("timezone", "", "IANA timezone of the patient, default UTC (enroll)")
		callStart  = flags.String("call-start", "", "HH:MM local time calls may start (enroll)")
		callEnd    = flags.String("call-end", "", "HH:MM local time calls must end (enroll)")
		reminders  = flags.Int64Slice("reminder", nil, "reminder ID to assign, repeatable (enroll)")
		assignment = flags.Int64("assignment", 0, "assignment ID (review, release)")
		quality    = flags.Int("quality", -1, "review quality 0-5 (review)")
		before     = flags.String("before", "", "RFC3339 time, default now (due)")
		file       = flags.String("file", "", "xlsx or csv file (import-reminders)")
	)
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case "serve":
		return a.serve(ctx, *configPath, flags)
	case "enroll":
		p := models.Patient{Phone: *phone, Username: *username, Timezone: *timezone, CallStart: *callStart, CallEnd: *callEnd}
		return a.enroll(ctx, p, *reminders)
	case "review":
		return a.review(ctx, *assignment, *quality)
	case "due":
		return a.due(ctx, *before)
	case "held":
		return a.held(ctx)
	case "release":
		return a.release(ctx, *assignment)
	case "profile":
		return a.profile(ctx, *phone)
	default: // import-reminders
		return a.importReminders(ctx, *file)
	}
}

func newApp(cfg *config.Config) (*app, error) {
	log, err := logging.Init(cfg.Logging)
	if err != nil {
		return nil, err
	}

	db, err := database.Connect(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sm2 := spaced_repetition.NewSM2()
	a := &app{
		cfg:         cfg,
		log:         log,
		db:          db,
		patients:    database.NewPatientRepository(db),
		reminders:   database.NewReminderRepository(db),
		assignments: database.NewAssignmentRepository(db, sm2, cfg.Scheduler.SchedulingUnit),
		calls:       database.NewCallRepository(db),
		metrics:     database.NewHealthMetricRepository(db),
		notifier:    &notify.LogNotifier{Log: log},
	}

	if cfg.Mirror.Enabled {
		a.mirror, err = excel.NewMirror(cfg.Mirror.Directory, cfg.Mirror.Retries, cfg.Mirror.InitialBackoff, log)
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	if cfg.Notify.TelegramToken != "" {
		tg, err := notify.NewTelegram(cfg.Notify.TelegramToken, cfg.Notify.ChatID, log)
		if err != nil {
			// operator messages still reach the log
			log.Error("Telegram unavailable, notifying through the log", zap.Error(err))
		} else {
			a.notifier = tg
		}
	}
	return a, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.log.Error("Failed to close database", zap.Error(err))
	}
	_ = a.log.Sync()
}

func (a *app) trigger() (*contact.Trigger, error) {
	vc := a.cfg.Voice
	if vc.AccountSID == "" || vc.AuthToken == "" || vc.FromNumber == "" {
		return nil, errors.New("voice platform credentials are not configured")
	}
	platform := voice.NewStudioClient(vc.AccountSID, vc.AuthToken, vc.FromNumber, vc.MaxSteps)
	return contact.NewTrigger(contact.Deps{
		Patients:    a.patients,
		Reminders:   a.reminders,
		Assignments: a.assignments,
		Calls:       a.calls,
		Metrics:     a.metrics,
		Poller:      &voice.Poller{Platform: platform, Interval: vc.PollInterval, Attempts: vc.PollAttempts},
		Mirror:      a.mirror,
		Notifier:    a.notifier,
	}, a.cfg.Scripts, a.cfg.Answer, a.cfg.Scheduler.SchedulingUnit, a.log), nil
}

func (a *app) serve(ctx context.Context, configPath string, flags *pflag.FlagSet) error {
	trigger, err := a.trigger()
	if err != nil {
		return err
	}

	if _, err := os.Stat(configPath); err == nil {
		err := config.Watch(configPath, flags,
			func(cfg *config.Config) { trigger.SetScripts(cfg.Scripts) },
			func(err error) { a.log.Error("Config reload rejected", zap.Error(err)) },
		)
		if err != nil {
			a.log.Warn("Config file is not watched", zap.Error(err))
		}
	}

	s := scheduler.New(a.assignments, trigger, a.cfg.Scheduler, a.log)
	if err := s.Start(ctx); err != nil {
		return err
	}
	a.log.Info("Scheduler started. Press Ctrl+C to stop.",
		zap.Duration("sweep_interval", a.cfg.Scheduler.SweepInterval),
		zap.Int("workers", a.cfg.Scheduler.Workers),
	)

	<-ctx.Done()
	a.log.Info("Stopping scheduler...")
	s.Stop()
	a.log.Info("Scheduler stopped")
	return nil
}

func (a *app) enroll(ctx context.Context, p models.Patient, reminderIDs []int64) error {
	if p.Phone == "" {
		return errors.New("--phone is required")
	}
	e := &contact.Enroller{
		Patients:    a.patients,
		Reminders:   a.reminders,
		Assignments: a.assignments,
		Mirror:      a.mirror,
		Notifier:    a.notifier,
		Log:         a.log,
	}
	res, err := e.Enroll(ctx, p, reminderIDs)
	if err != nil {
		return err
	}
	fmt.Printf("patient %d (%s), new: %v\n", res.Patient.ID, res.Patient.Phone, res.NewPatient)
	for _, asg := range res.Created {
		fmt.Printf("  assignment %d: reminder %d, due %s\n", asg.ID, asg.ReminderID, asg.NextReviewAt.Format(time.RFC3339))
	}
	for _, id := range res.Skipped {
		fmt.Printf("  reminder %d already assigned\n", id)
	}
	return nil
}

func (a *app) review(ctx context.Context, id int64, quality int) error {
	if id == 0 {
		return errors.New("--assignment is required")
	}
	updated, err := a.assignments.ApplyReview(ctx, id, quality, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("assignment %d: easiness %.2f, interval %d, repetitions %d, next review %s\n",
		updated.ID, updated.Easiness, updated.Interval, updated.Repetitions, updated.NextReviewAt.Format(time.RFC3339))
	return nil
}

func (a *app) due(ctx context.Context, before string) error {
	at := time.Now()
	if before != "" {
		var err error
		if at, err = time.Parse(time.RFC3339, before); err != nil {
			return fmt.Errorf("invalid --before: %w", err)
		}
	}
	due, err := a.assignments.FindDue(ctx, at)
	if err != nil {
		return err
	}
	for _, asg := range due {
		fmt.Printf("%d\tpatient %d\treminder %d\t%s\n", asg.ID, asg.PatientID, asg.ReminderID, asg.NextReviewAt.Format(time.RFC3339))
	}
	fmt.Printf("%d due before %s\n", len(due), at.Format(time.RFC3339))
	return nil
}

func (a *app) held(ctx context.Context) error {
	held, err := a.assignments.ListHeld(ctx)
	if err != nil {
		return err
	}
	for _, asg := range held {
		fmt.Printf("%d\tpatient %d\treminder %d\theld since %s\n", asg.ID, asg.PatientID, asg.ReminderID, asg.HeldAt.Format(time.RFC3339))
	}
	fmt.Printf("%d held\n", len(held))
	return nil
}

func (a *app) release(ctx context.Context, id int64) error {
	if id == 0 {
		return errors.New("--assignment is required")
	}
	if err := a.assignments.Release(ctx, id); err != nil {
		return err
	}
	fmt.Printf("assignment %d released\n", id)
	return nil
}

func (a *app) profile(ctx context.Context, phone string) error {
	if phone == "" {
		return errors.New("--phone is required")
	}
	patient, err := a.patients.GetByPhone(ctx, phone)
	if err != nil {
		return err
	}
	trigger, err := a.trigger()
	if err != nil {
		return err
	}
	collected, err := trigger.CollectProfile(ctx, patient)
	if err != nil {
		return err
	}
	for field, value := range collected {
		fmt.Printf("%s: %s\n", field, value)
	}
	return nil
}

func (a *app) importReminders(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("--file is required")
	}
	cfg := excel.DefaultImportConfig()
	cfg.FilePath = path
	res, err := excel.ImportReminders(ctx, cfg, a.reminders)
	if err != nil {
		return err
	}
	fmt.Printf("processed %d, created %d, skipped %d\n", res.TotalProcessed, res.Created, res.Skipped)
	for _, e := range res.Errors {
		fmt.Println("  " + e)
	}
	return nil
}
