package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/heartvoice/internal/config"
	"github.com/example/heartvoice/internal/contact"
	"github.com/example/heartvoice/internal/database"
	"github.com/example/heartvoice/pkg/models"
	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DueSource pages through due assignments
type DueSource interface {
	FindDuePage(ctx context.Context, before time.Time, after *database.DueCursor, limit int) ([]models.ReminderAssignment, *database.DueCursor, error)
}

// Processor handles one due assignment
type Processor interface {
	Process(ctx context.Context, a models.ReminderAssignment) (*models.ReminderAssignment, error)
}

// SweepResult counts what one sweep did
type SweepResult struct {
	Due       int
	Succeeded int
	Failed    int
	Skipped   int // already being processed
	Deferred  int // outside the patient's call window
}

// Scheduler manages scheduled tasks for the application
type Scheduler struct {
	cron      *gocron.Scheduler
	source    DueSource
	processor Processor
	cfg       config.SchedulerConfig
	clock     func() time.Time
	inFlight  sync.Map // assignment ID -> struct{}
	log       *zap.Logger

	cancel context.CancelFunc
}

// New creates a new scheduler instance
func New(source DueSource, processor Processor, cfg config.SchedulerConfig, log *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:      gocron.NewScheduler(time.UTC),
		source:    source,
		processor: processor,
		cfg:       cfg,
		clock:     time.Now,
		log:       log,
	}
}

// Start runs a sweep every sweep interval until Stop. A sweep still running when the next
// is due delays it rather than overlapping.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.cron.SingletonModeAll()
	_, err := s.cron.Every(s.cfg.SweepInterval).Do(func() {
		res, err := s.Sweep(ctx)
		if res.Due > 0 {
			s.log.Info("Sweep finished",
				zap.Int("due", res.Due),
				zap.Int("succeeded", res.Succeeded),
				zap.Int("failed", res.Failed),
				zap.Int("skipped", res.Skipped),
				zap.Int("deferred", res.Deferred),
			)
		}
		if err != nil {
			s.log.Error("Sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	// Start the scheduler in a non-blocking manner
	s.cron.StartAsync()
	return nil
}

// Stop terminates scheduled tasks and cancels a sweep in progress
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.cron.Stop()
}

// InCallHours reports whether calls may be placed at t
func (s *Scheduler) InCallHours(t time.Time) bool {
	hour := t.Hour()
	return hour >= s.cfg.CallStartHour && hour <= s.cfg.CallEndHour
}

// Sweep processes every assignment due now, a page at a time, with at most Workers in parallel.
// A failed assignment is logged and counted but does not stop the sweep; the first failure is
// returned once the sweep is done. Assignments outside their patient's call window are deferred.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.clock()
	if !s.InCallHours(now) {
		s.log.Debug("Outside call hours, skipping sweep",
			zap.Int("hour", now.Hour()),
			zap.Int("start_hour", s.cfg.CallStartHour),
			zap.Int("end_hour", s.cfg.CallEndHour),
		)
		return res, nil
	}

	var succeeded, failed, deferred atomic.Int64
	var firstErr error
	var cursor *database.DueCursor
	for {
		page, next, err := s.source.FindDuePage(ctx, now, cursor, s.cfg.BatchSize)
		if err != nil {
			return res, fmt.Errorf("failed to get due assignments: %w", err)
		}
		res.Due += len(page)

		g := new(errgroup.Group)
		g.SetLimit(s.cfg.Workers)
		for _, a := range page {
			a := a
			if _, busy := s.inFlight.LoadOrStore(a.ID, struct{}{}); busy {
				res.Skipped++
				continue
			}
			g.Go(func() error {
				defer s.inFlight.Delete(a.ID)
				_, err := s.processor.Process(ctx, a)
				switch {
				case err == nil:
					succeeded.Add(1)
					return nil
				case errors.Is(err, contact.ErrOutsideCallWindow):
					deferred.Add(1)
					return nil
				}
				failed.Add(1)
				s.log.Error("Failed to process assignment",
					zap.Int64("assignment_id", a.ID),
					zap.Int64("patient_id", a.PatientID),
					zap.Error(err),
				)
				return fmt.Errorf("assignment %d: %w", a.ID, err)
			})
		}
		// a plain Group cancels nothing, so every assignment of the page still runs
		if err := g.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}

		if next == nil || ctx.Err() != nil {
			break
		}
		cursor = next
	}

	res.Succeeded = int(succeeded.Load())
	res.Failed = int(failed.Load())
	res.Deferred = int(deferred.Load())
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if firstErr != nil {
		return res, fmt.Errorf("%d of %d assignments failed, first: %w", res.Failed, res.Due, firstErr)
	}
	return res, nil
}
