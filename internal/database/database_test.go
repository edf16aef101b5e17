package database

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/example/heartvoice/internal/spaced_repetition"
	"github.com/example/heartvoice/pkg/models"
	"github.com/jmoiron/sqlx"
)

var t0 = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

const day = 24 * time.Hour

type fixture struct {
	db          *sqlx.DB
	sm2         *spaced_repetition.SM2
	assignments *AssignmentRepository
	patients    *PatientRepository
	reminders   *ReminderRepository
	calls       *CallRepository
	metrics     *HealthMetricRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := Connect(DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sm := spaced_repetition.NewSM2()
	sm.Clock = func() time.Time { return t0 }
	return &fixture{
		db:          db,
		sm2:         sm,
		assignments: NewAssignmentRepository(db, sm, day),
		patients:    NewPatientRepository(db),
		reminders:   NewReminderRepository(db),
		calls:       NewCallRepository(db),
		metrics:     NewHealthMetricRepository(db),
	}
}

func (f *fixture) patient(t *testing.T, phone string) *models.Patient {
	t.Helper()
	p := &models.Patient{Phone: phone, Username: "Alex"}
	if err := f.patients.Create(context.Background(), p); err != nil {
		t.Fatalf("create patient: %v", err)
	}
	return p
}

func (f *fixture) reminder(t *testing.T, text string) *models.Reminder {
	t.Helper()
	r := &models.Reminder{Text: text, Topic: "activity"}
	if err := f.reminders.Create(context.Background(), r); err != nil {
		t.Fatalf("create reminder: %v", err)
	}
	return r
}

func (f *fixture) assignment(t *testing.T, patientID, reminderID int64) *models.ReminderAssignment {
	t.Helper()
	a, err := f.assignments.Create(context.Background(), patientID, reminderID)
	if err != nil {
		t.Fatalf("create assignment: %v", err)
	}
	return a
}

func (f *fixture) setNextReview(t *testing.T, id int64, at time.Time) {
	t.Helper()
	_, err := f.db.Exec(f.db.Rebind(`UPDATE reminder_assignments SET next_review_at = ? WHERE id = ?`), dbTime(at), id)
	if err != nil {
		t.Fatalf("set next_review_at: %v", err)
	}
}

func TestCreateAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.patient(t, "13333333333")
	r := f.reminder(t, "Spend less time sitting.")

	a := f.assignment(t, p.ID, r.ID)
	if a.ID == 0 {
		t.Fatal("expected an ID")
	}

	got, err := f.assignments.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Reviewed() {
		t.Error("new assignment should have no review history")
	}
	if got.Easiness != spaced_repetition.InitialEasiness || got.Interval != 0 || got.Repetitions != 0 {
		t.Errorf("unexpected initial state %+v", got)
	}
	if !got.NextReviewAt.Equal(t0) {
		t.Errorf("NextReviewAt = %v, want due immediately at %v", got.NextReviewAt, t0)
	}

	_, err = f.assignments.Create(ctx, p.ID, r.ID)
	if !errors.Is(err, ErrDuplicateAssignment) {
		t.Errorf("second Create err = %v, want ErrDuplicateAssignment", err)
	}
}

func TestDuplicatePatient(t *testing.T) {
	f := newFixture(t)
	f.patient(t, "12222222222")
	err := f.patients.Create(context.Background(), &models.Patient{Phone: " 12222222222 "})
	if !errors.Is(err, ErrDuplicatePatient) {
		t.Errorf("err = %v, want ErrDuplicatePatient", err)
	}
	if _, err := f.patients.GetByPhone(context.Background(), "19999999999"); !errors.Is(err, ErrPatientNotFound) {
		t.Errorf("GetByPhone err = %v, want ErrPatientNotFound", err)
	}
}

func TestApplyReviewSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.assignment(t, f.patient(t, "1").ID, f.reminder(t, "Walk").ID)

	first, err := f.assignments.ApplyReview(ctx, a.ID, 4, t0)
	if err != nil {
		t.Fatal(err)
	}
	if first.Interval != 1 || first.Repetitions != 1 || math.Abs(first.Easiness-2.6) > 1e-9 {
		t.Errorf("first review = %+v", first)
	}
	if first.LastReviewedAt == nil || !first.LastReviewedAt.Equal(t0) {
		t.Errorf("LastReviewedAt = %v, want %v", first.LastReviewedAt, t0)
	}
	if !first.NextReviewAt.Equal(t0.Add(day)) {
		t.Errorf("NextReviewAt = %v, want %v", first.NextReviewAt, t0.Add(day))
	}
	if first.Version != 1 {
		t.Errorf("Version = %d, want 1", first.Version)
	}

	t1 := t0.Add(day)
	second, err := f.assignments.ApplyReview(ctx, a.ID, 5, t1)
	if err != nil {
		t.Fatal(err)
	}
	if second.Interval != 6 || second.Repetitions != 2 || second.Easiness <= first.Easiness {
		t.Errorf("second review = %+v", second)
	}

	t2 := t1.Add(6 * day)
	third, err := f.assignments.ApplyReview(ctx, a.ID, 2, t2)
	if err != nil {
		t.Fatal(err)
	}
	if third.Interval != 1 || third.Repetitions != 0 {
		t.Errorf("third review = %+v", third)
	}
	if third.Easiness >= second.Easiness || third.Easiness < spaced_repetition.MinEasiness {
		t.Errorf("third Easiness = %.4f", third.Easiness)
	}

	stored, err := f.assignments.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Version != 3 || stored.Interval != 1 || !stored.NextReviewAt.Equal(t2.Add(day)) {
		t.Errorf("stored = %+v", stored)
	}
}

func TestApplyReviewErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.assignment(t, f.patient(t, "1").ID, f.reminder(t, "Walk").ID)

	if _, err := f.assignments.ApplyReview(ctx, a.ID+100, 4, t0); !errors.Is(err, ErrAssignmentNotFound) {
		t.Errorf("missing id err = %v, want ErrAssignmentNotFound", err)
	}

	for _, q := range []int{-1, 6} {
		if _, err := f.assignments.ApplyReview(ctx, a.ID, q, t0); !errors.Is(err, spaced_repetition.ErrInvalidQuality) {
			t.Errorf("quality %d err = %v, want ErrInvalidQuality", q, err)
		}
	}
	stored, err := f.assignments.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Version != 0 || stored.Reviewed() {
		t.Errorf("invalid quality must not touch the row, got %+v", stored)
	}

	// a stored state violating the invariants is reported, not overwritten
	if _, err := f.db.Exec(`UPDATE reminder_assignments SET last_reviewed_at = ?, interval_units = -2 WHERE id = ?`, dbTime(t0), a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.assignments.ApplyReview(ctx, a.ID, 4, t0); !errors.Is(err, spaced_repetition.ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestApplyReviewForRejectsReassigned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p1 := f.patient(t, "1")
	p2 := f.patient(t, "2")
	r := f.reminder(t, "Walk")
	a := f.assignment(t, p1.ID, r.ID)

	if _, err := f.db.Exec(`UPDATE reminder_assignments SET patient_id = ? WHERE id = ?`, p2.ID, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.assignments.ApplyReviewFor(ctx, *a, 4, t0); !errors.Is(err, ErrAssignmentNotFound) {
		t.Errorf("reassigned err = %v, want ErrAssignmentNotFound", err)
	}

	if _, err := f.db.Exec(`DELETE FROM reminder_assignments WHERE id = ?`, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.assignments.ApplyReviewFor(ctx, *a, 4, t0); !errors.Is(err, ErrAssignmentNotFound) {
		t.Errorf("deleted err = %v, want ErrAssignmentNotFound", err)
	}
}

func TestCompareAndSwapDetectsStaleVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.assignment(t, f.patient(t, "1").ID, f.reminder(t, "Walk").ID)

	if _, err := f.assignments.ApplyReview(ctx, a.ID, 4, t0); err != nil {
		t.Fatal(err)
	}

	stale := *a
	stale.Version = 1
	ok, err := f.assignments.compareAndSwap(ctx, &stale, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("write with a stale version must not be applied")
	}
}

func TestConcurrentReviewsAreSerialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.assignment(t, f.patient(t, "1").ID, f.reminder(t, "Walk").ID)
	if _, err := f.assignments.ApplyReview(ctx, a.ID, 4, t0); err != nil {
		t.Fatal(err)
	}
	start, err := f.assignments.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}

	at := t0.Add(day)
	qualities := []int{5, 2}

	var wg sync.WaitGroup
	errs := make([]error, len(qualities))
	for i, q := range qualities {
		wg.Add(1)
		go func(i, q int) {
			defer wg.Done()
			_, errs[i] = f.assignments.ApplyReview(ctx, a.ID, q, at)
		}(i, q)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil && !errors.Is(err, ErrPersistenceConflict) {
			t.Fatalf("review %d: %v", i, err)
		}
	}

	final, err := f.assignments.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}

	// the result must match one serial ordering of the reviews that succeeded
	apply := func(order ...int) spaced_repetition.State {
		s := learningState(start)
		var out spaced_repetition.ReviewOutcome
		for _, q := range order {
			var err error
			out, err = f.sm2.ComputeAt(s, q, at)
			if err != nil {
				t.Fatal(err)
			}
			st := out.State()
			s = &st
		}
		return *s
	}
	var candidates []spaced_repetition.State
	switch {
	case errs[0] == nil && errs[1] == nil:
		candidates = append(candidates, apply(5, 2), apply(2, 5))
		if final.Version != start.Version+2 {
			t.Errorf("Version = %d, want %d", final.Version, start.Version+2)
		}
	case errs[0] == nil:
		candidates = append(candidates, apply(5))
	default:
		candidates = append(candidates, apply(2))
	}

	got := spaced_repetition.State{Easiness: final.Easiness, Interval: final.Interval, Repetitions: final.Repetitions}
	matched := false
	for _, c := range candidates {
		if c.Interval == got.Interval && c.Repetitions == got.Repetitions && math.Abs(c.Easiness-got.Easiness) < 1e-9 {
			matched = true
		}
	}
	if !matched {
		t.Errorf("final state %+v matches no serial ordering %+v", got, candidates)
	}
}

func TestFindDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.patient(t, "1")

	var ids []int64
	for _, text := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, f.assignment(t, p.ID, f.reminder(t, text).ID).ID)
	}
	f.setNextReview(t, ids[0], t0.Add(2*time.Hour))
	f.setNextReview(t, ids[1], t0.Add(-time.Hour))
	f.setNextReview(t, ids[2], t0.Add(2*time.Hour)) // ties with ids[0]
	f.setNextReview(t, ids[3], t0.Add(30*day))     // not due
	f.setNextReview(t, ids[4], t0)

	before := t0.Add(3 * time.Hour)
	due, err := f.assignments.FindDue(ctx, before)
	if err != nil {
		t.Fatal(err)
	}
	var got []int64
	for _, a := range due {
		got = append(got, a.ID)
	}
	want := []int64{ids[1], ids[4], ids[0], ids[2]}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FindDue ids = %v, want %v", got, want)
	}

	again, err := f.assignments.FindDue(ctx, before)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(due, again) {
		t.Error("FindDue is not stable across calls without writes")
	}

	// paging from a cursor yields the same sequence
	var paged []int64
	var cursor *DueCursor
	for {
		page, next, err := f.assignments.FindDuePage(ctx, before, cursor, 1)
		if err != nil {
			t.Fatal(err)
		}
		for _, a := range page {
			paged = append(paged, a.ID)
		}
		if next == nil {
			break
		}
		cursor = next
	}
	if !reflect.DeepEqual(paged, want) {
		t.Errorf("paged ids = %v, want %v", paged, want)
	}
}

func TestCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.patient(t, "1")

	done, err := f.calls.HasCompletedCall(ctx, p.ID)
	if err != nil || done {
		t.Fatalf("HasCompletedCall = %v, %v; want false", done, err)
	}

	c := &models.Call{PatientID: p.ID, ScriptID: "FW1", StartedAt: t0}
	if err := f.calls.Create(ctx, c); err != nil {
		t.Fatal(err)
	}
	c.ExecutionSID = "FN1"
	q := 4
	c.Quality = &q
	if err := f.calls.Finish(ctx, c, models.CallCompleted, t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	done, err = f.calls.HasCompletedCall(ctx, p.ID)
	if err != nil || !done {
		t.Fatalf("HasCompletedCall = %v, %v; want true", done, err)
	}

	calls, err := f.calls.ListByPatient(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0].ExecutionSID != "FN1" || calls[0].Quality == nil || *calls[0].Quality != 4 {
		t.Errorf("calls = %+v", calls)
	}
}

func TestHealthMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.patient(t, "1")

	if err := f.metrics.Record(ctx, p.ID, t0, map[string]string{"UP": "120"}); err != nil {
		t.Fatal(err)
	}
	if err := f.metrics.Record(ctx, p.ID, t0.Add(time.Hour), map[string]string{"DOWN": "80"}); err != nil {
		t.Fatal(err)
	}
	err := f.metrics.Record(ctx, p.ID, t0, map[string]string{"UP": "130", "PULSE": "70"})
	if !errors.Is(err, ErrMetricAlreadyRecorded) {
		t.Errorf("err = %v, want ErrMetricAlreadyRecorded", err)
	}

	got, err := f.metrics.Get(ctx, p.ID, t0)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"UP": "120", "DOWN": "80"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("metrics = %v, want %v", got, want)
	}
}

func TestUpdateProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.patient(t, "13333333333")

	err := f.patients.UpdateProfile(ctx, p.ID, map[string]string{
		"weight":   " 72 ",
		"dob":      "1961-04-12",
		"password": "ignored",
	})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	got, err := f.patients.GetByID(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Weight != "72" || got.DateOfBirth != "1961-04-12" || got.Username != "Alex" {
		t.Errorf("patient = %+v", got)
	}

	if err := f.patients.UpdateProfile(ctx, 999, map[string]string{"weight": "1"}); !errors.Is(err, ErrPatientNotFound) {
		t.Errorf("err = %v, want ErrPatientNotFound", err)
	}
}

func TestFindDuePageRejectsNonPositiveLimit(t *testing.T) {
	f := newFixture(t)
	p := f.patient(t, "1")
	f.assignment(t, p.ID, f.reminder(t, "a").ID)

	for _, limit := range []int{0, -1} {
		page, next, err := f.assignments.FindDuePage(context.Background(), t0, nil, limit)
		if !errors.Is(err, ErrInvalidPageSize) || page != nil || next != nil {
			t.Errorf("limit %d: page = %v, next = %v, err = %v", limit, page, next, err)
		}
	}
}

func TestHoldAndRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.patient(t, "1")
	held := f.assignment(t, p.ID, f.reminder(t, "a").ID)
	other := f.assignment(t, p.ID, f.reminder(t, "b").ID)

	if err := f.assignments.Hold(ctx, held.ID, t0); err != nil {
		t.Fatalf("Hold: %v", err)
	}
	if err := f.assignments.Hold(ctx, held.ID, t0.Add(time.Hour)); err != nil {
		t.Fatalf("second Hold: %v", err)
	}

	due, err := f.assignments.FindDue(ctx, t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != other.ID {
		t.Errorf("due = %+v, want only assignment %d", due, other.ID)
	}

	list, err := f.assignments.ListHeld(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].HeldAt == nil || !list[0].HeldAt.Equal(t0) {
		t.Errorf("held = %+v, want first hold time kept", list)
	}

	if err := f.assignments.Release(ctx, held.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	due, err = f.assignments.FindDue(ctx, t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Errorf("due after release = %d, want 2", len(due))
	}

	// a stored review clears the hold
	if err := f.assignments.Hold(ctx, held.ID, t0); err != nil {
		t.Fatal(err)
	}
	reviewed, err := f.assignments.ApplyReview(ctx, held.ID, 4, t0)
	if err != nil {
		t.Fatal(err)
	}
	if reviewed.Held() {
		t.Error("review result still held")
	}
	if got, _ := f.assignments.GetByID(ctx, held.ID); got.Held() {
		t.Error("stored row still held after review")
	}

	if err := f.assignments.Hold(ctx, 404, t0); !errors.Is(err, ErrAssignmentNotFound) {
		t.Errorf("Hold missing: err = %v", err)
	}
	if err := f.assignments.Release(ctx, 404); !errors.Is(err, ErrAssignmentNotFound) {
		t.Errorf("Release missing: err = %v", err)
	}
}

func TestConcurrentHealthMetricRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.patient(t, "1")

	keys := []string{"UP", "DOWN", "PULSE", "WEIGHT"}
	var wg sync.WaitGroup
	errs := make(chan error, len(keys))
	for i, k := range keys {
		wg.Add(1)
		go func(k, v string) {
			defer wg.Done()
			errs <- f.metrics.Record(ctx, p.ID, t0, map[string]string{k: v})
		}(k, string(rune('1'+i)))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Record: %v", err)
		}
	}

	got, err := f.metrics.Get(ctx, p.ID, t0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(keys) {
		t.Errorf("metrics = %v, want all %d keys", got, len(keys))
	}

	// the same key written concurrently is stored once
	const writers = 4
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			results <- f.metrics.Record(ctx, p.ID, t0, map[string]string{"MOOD": string(rune('a' + v))})
		}(i)
	}
	wg.Wait()
	close(results)
	stored, rejected := 0, 0
	for err := range results {
		switch {
		case err == nil:
			stored++
		case errors.Is(err, ErrMetricAlreadyRecorded):
			rejected++
		default:
			t.Errorf("Record: %v", err)
		}
	}
	if stored != 1 || rejected != writers-1 {
		t.Errorf("stored = %d, rejected = %d", stored, rejected)
	}
}
