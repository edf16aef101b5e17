package spaced_repetition

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// MinEasiness is the floor of the easiness factor
	MinEasiness = 1.3
	// InitialEasiness is the easiness of an assignment that was never reviewed
	InitialEasiness = 2.5

	// FirstReviewInterval and FirstReviewRepetitions are fixed for the first exposure.
	// The first exposure is scored as a perfect response from the initial state,
	// so its easiness is InitialEasiness + 0.1.
	FirstReviewInterval    = 1
	FirstReviewRepetitions = 1
)

// QualityResponse represents the quality of response in SM-2
type QualityResponse int

const (
	// Complete blackout, unable to recall
	QualityBlackout QualityResponse = 0
	// Incorrect response but remembered upon seeing the correct answer
	QualityIncorrect QualityResponse = 1
	// Incorrect response but the correct answer felt familiar
	QualityIncorrectFamiliar QualityResponse = 2
	// Correct response but required significant effort
	QualityCorrectDifficult QualityResponse = 3
	// Correct response after some hesitation
	QualityCorrectHesitation QualityResponse = 4
	// Perfect response with no hesitation
	QualityPerfect QualityResponse = 5
)

// State is the learning state of a reviewed assignment
type State struct {
	Easiness    float64
	Interval    int
	Repetitions int
}

// Validate checks the state invariants of a reviewed assignment
func (s State) Validate() error {
	switch {
	case math.IsNaN(s.Easiness) || s.Easiness < MinEasiness:
		return fmt.Errorf("%w: easiness %.4f below %.1f", ErrInvalidState, s.Easiness, MinEasiness)
	case s.Interval < 1:
		return fmt.Errorf("%w: interval %d after a review", ErrInvalidState, s.Interval)
	case s.Repetitions < 0:
		return fmt.Errorf("%w: negative repetitions %d", ErrInvalidState, s.Repetitions)
	}
	return nil
}

// ReviewOutcome is the result of one review
type ReviewOutcome struct {
	Quality     QualityResponse
	Interval    int
	Easiness    float64
	Repetitions int
	ReviewDate  time.Time
}

// State returns the learning state carried by the outcome
func (o ReviewOutcome) State() State {
	return State{Easiness: o.Easiness, Interval: o.Interval, Repetitions: o.Repetitions}
}

// NextReviewAt returns the due date of the following review
func (o ReviewOutcome) NextReviewAt(unit time.Duration) time.Time {
	return o.ReviewDate.Add(time.Duration(o.Interval) * unit)
}

// SM2 implements the SuperMemo-2 algorithm for spaced repetition
type SM2 struct {
	// Quality at or above which a review counts as successful recall
	PassThreshold QualityResponse
	// Clock stamps review dates
	Clock func() time.Time
}

// NewSM2 creates a new SM2 with default settings
func NewSM2() *SM2 {
	return &SM2{
		PassThreshold: QualityCorrectDifficult,
		Clock:         time.Now,
	}
}

// ComputeNext computes the state following a review graded with quality.
// A nil state means the assignment has never been reviewed.
func (sm *SM2) ComputeNext(state *State, quality int) (ReviewOutcome, error) {
	return sm.ComputeAt(state, quality, sm.Clock())
}

// ComputeAt is ComputeNext with an explicit review instant
func (sm *SM2) ComputeAt(state *State, quality int, at time.Time) (ReviewOutcome, error) {
	if err := ValidateQuality(quality); err != nil {
		return ReviewOutcome{}, err
	}

	if state == nil {
		return ReviewOutcome{
			Quality:     QualityResponse(quality),
			Interval:    FirstReviewInterval,
			Easiness:    UpdateEasiness(InitialEasiness, QualityPerfect),
			Repetitions: FirstReviewRepetitions,
			ReviewDate:  at,
		}, nil
	}

	if err := state.Validate(); err != nil {
		return ReviewOutcome{}, err
	}

	q := QualityResponse(quality)
	out := ReviewOutcome{
		Quality:    q,
		Easiness:   UpdateEasiness(state.Easiness, q),
		ReviewDate: at,
	}

	if q < sm.PassThreshold {
		// failed recall breaks the streak
		out.Repetitions = 0
		out.Interval = 1
		return out, nil
	}

	switch state.Repetitions {
	case 0:
		out.Interval = 1
	case 1:
		out.Interval = 6
	default:
		out.Interval = int(math.Round(float64(state.Interval) * out.Easiness))
	}
	out.Repetitions = state.Repetitions + 1

	return out, nil
}

// UpdateEasiness applies the SM-2 easiness update with the 1.3 floor
func UpdateEasiness(easiness float64, quality QualityResponse) float64 {
	d := 5.0 - float64(quality)
	ef := easiness + (0.1 - d*(0.08+d*0.02))
	if ef < MinEasiness {
		ef = MinEasiness
	}
	return ef
}

// ValidateQuality rejects grades outside [0, 5]
func ValidateQuality(quality int) error {
	if quality < int(QualityBlackout) || quality > int(QualityPerfect) {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidQuality, quality, QualityBlackout, QualityPerfect)
	}
	return nil
}

// ParseQuality reads a grade captured by the voice flow, e.g. a keypad digit
func ParseQuality(s string) (int, error) {
	q, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidQuality, s)
	}
	if err := ValidateQuality(q); err != nil {
		return 0, err
	}
	return q, nil
}
