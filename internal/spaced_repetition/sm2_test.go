package spaced_repetition

import (
	"errors"
	"math"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func fixedSM2() *SM2 {
	sm := NewSM2()
	sm.Clock = func() time.Time { return t0 }
	return sm
}

func assertFloat(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("%s = %.6f, want %.6f", name, got, want)
	}
}

func stateGrid() []State {
	var states []State
	for _, ef := range []float64{1.3, 1.7, 2.5, 3.1} {
		for _, interval := range []int{1, 6, 17} {
			for _, reps := range []int{0, 1, 2, 7} {
				states = append(states, State{Easiness: ef, Interval: interval, Repetitions: reps})
			}
		}
	}
	return states
}

func TestFirstReviewIgnoresQuality(t *testing.T) {
	sm := fixedSM2()
	for q := 0; q <= 5; q++ {
		out, err := sm.ComputeNext(nil, q)
		if err != nil {
			t.Fatalf("quality %d: %v", q, err)
		}
		if out.Interval != 1 {
			t.Errorf("quality %d: Interval = %d, want 1", q, out.Interval)
		}
		if out.Repetitions != FirstReviewRepetitions {
			t.Errorf("quality %d: Repetitions = %d, want %d", q, out.Repetitions, FirstReviewRepetitions)
		}
		assertFloat(t, "Easiness", out.Easiness, 2.6)
		if !out.ReviewDate.Equal(t0) {
			t.Errorf("ReviewDate = %v, want %v", out.ReviewDate, t0)
		}
	}
}

func TestInvalidQualityRejected(t *testing.T) {
	sm := fixedSM2()
	prior := &State{Easiness: 2.5, Interval: 6, Repetitions: 2}
	for _, q := range []int{-1, 6, 100} {
		if _, err := sm.ComputeNext(nil, q); !errors.Is(err, ErrInvalidQuality) {
			t.Errorf("first review quality %d: err = %v, want ErrInvalidQuality", q, err)
		}
		if _, err := sm.ComputeNext(prior, q); !errors.Is(err, ErrInvalidQuality) {
			t.Errorf("quality %d: err = %v, want ErrInvalidQuality", q, err)
		}
	}
}

func TestInvalidStateRejected(t *testing.T) {
	sm := fixedSM2()
	tests := []struct {
		name  string
		state State
	}{
		{"easiness below floor", State{Easiness: 1.2, Interval: 1, Repetitions: 1}},
		{"easiness NaN", State{Easiness: math.NaN(), Interval: 1, Repetitions: 1}},
		{"zero interval", State{Easiness: 2.5, Interval: 0, Repetitions: 1}},
		{"negative interval", State{Easiness: 2.5, Interval: -3, Repetitions: 1}},
		{"negative repetitions", State{Easiness: 2.5, Interval: 1, Repetitions: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.state
			if _, err := sm.ComputeNext(&s, 4); !errors.Is(err, ErrInvalidState) {
				t.Errorf("err = %v, want ErrInvalidState", err)
			}
		})
	}
}

func TestEasinessNeverBelowFloor(t *testing.T) {
	sm := fixedSM2()
	for _, s := range stateGrid() {
		for q := 0; q <= 5; q++ {
			st := s
			out, err := sm.ComputeNext(&st, q)
			if err != nil {
				t.Fatalf("%+v q=%d: %v", s, q, err)
			}
			if out.Easiness < MinEasiness {
				t.Errorf("%+v q=%d: Easiness = %.4f below floor", s, q, out.Easiness)
			}
		}
	}
}

func TestFailedRecallResetsStreak(t *testing.T) {
	sm := fixedSM2()
	for _, s := range stateGrid() {
		for q := 0; q < 3; q++ {
			st := s
			out, err := sm.ComputeNext(&st, q)
			if err != nil {
				t.Fatal(err)
			}
			if out.Repetitions != 0 || out.Interval != 1 {
				t.Errorf("%+v q=%d: got reps=%d interval=%d, want 0 and 1", s, q, out.Repetitions, out.Interval)
			}
			assertFloat(t, "Easiness", out.Easiness, UpdateEasiness(s.Easiness, QualityResponse(q)))
		}
	}
}

func TestSuccessfulRecallIntervals(t *testing.T) {
	sm := fixedSM2()
	for _, s := range stateGrid() {
		for q := 3; q <= 5; q++ {
			st := s
			out, err := sm.ComputeNext(&st, q)
			if err != nil {
				t.Fatal(err)
			}
			var want int
			switch s.Repetitions {
			case 0:
				want = 1
			case 1:
				want = 6
			default:
				want = int(math.Round(float64(s.Interval) * out.Easiness))
			}
			if out.Interval != want {
				t.Errorf("%+v q=%d: Interval = %d, want %d", s, q, out.Interval, want)
			}
			if out.Repetitions != s.Repetitions+1 {
				t.Errorf("%+v q=%d: Repetitions = %d, want %d", s, q, out.Repetitions, s.Repetitions+1)
			}
		}
	}
}

func TestUpdateEasiness(t *testing.T) {
	tests := []struct {
		ef   float64
		q    QualityResponse
		want float64
	}{
		{2.5, QualityPerfect, 2.6},
		{2.5, QualityCorrectHesitation, 2.5},
		{2.5, QualityCorrectDifficult, 2.36},
		{2.5, QualityIncorrectFamiliar, 2.18},
		{2.5, QualityIncorrect, 1.96},
		{2.5, QualityBlackout, 1.7},
		{1.4, QualityBlackout, MinEasiness},
	}
	for _, tt := range tests {
		assertFloat(t, "UpdateEasiness", UpdateEasiness(tt.ef, tt.q), tt.want)
	}
}

func TestReviewSequence(t *testing.T) {
	sm := fixedSM2()

	first, err := sm.ComputeNext(nil, 4)
	if err != nil {
		t.Fatal(err)
	}
	if first.Interval != 1 || first.Repetitions != 1 {
		t.Fatalf("first review = %+v", first)
	}
	assertFloat(t, "first Easiness", first.Easiness, 2.6)

	s1 := first.State()
	second, err := sm.ComputeNext(&s1, 5)
	if err != nil {
		t.Fatal(err)
	}
	if second.Interval != 6 || second.Repetitions != 2 {
		t.Fatalf("second review = %+v", second)
	}
	if second.Easiness <= first.Easiness {
		t.Errorf("Easiness should increase, got %.4f", second.Easiness)
	}
	assertFloat(t, "second Easiness", second.Easiness, 2.7)

	s2 := second.State()
	third, err := sm.ComputeNext(&s2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if third.Interval != 1 || third.Repetitions != 0 {
		t.Fatalf("third review = %+v", third)
	}
	if third.Easiness >= second.Easiness || third.Easiness < MinEasiness {
		t.Errorf("Easiness = %.4f, want below %.4f and >= %.1f", third.Easiness, second.Easiness, MinEasiness)
	}
	assertFloat(t, "third Easiness", third.Easiness, 2.38)
}

func TestNextReviewAt(t *testing.T) {
	out := ReviewOutcome{Interval: 6, ReviewDate: t0}
	want := t0.Add(6 * 24 * time.Hour)
	if got := out.NextReviewAt(24 * time.Hour); !got.Equal(want) {
		t.Errorf("NextReviewAt = %v, want %v", got, want)
	}
}

func TestParseQuality(t *testing.T) {
	if q, err := ParseQuality(" 4\n"); err != nil || q != 4 {
		t.Errorf("ParseQuality(4) = %d, %v", q, err)
	}
	for _, s := range []string{"", "seven", "6", "-1"} {
		if _, err := ParseQuality(s); !errors.Is(err, ErrInvalidQuality) {
			t.Errorf("ParseQuality(%q) err = %v, want ErrInvalidQuality", s, err)
		}
	}
}
