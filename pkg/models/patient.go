package models

import (
	"fmt"
	"time"
)

// Patient represents a person enrolled in phone check-ins
type Patient struct {
	ID             int64     `json:"id" db:"id"`
	Phone          string    `json:"phone" db:"phone"`
	Username       string    `json:"username" db:"username"`
	Gender         string    `json:"gender" db:"gender"`
	Timezone       string    `json:"timezone" db:"timezone"`
	CallStart      string    `json:"call_start" db:"call_start"` // HH:MM, patient local time
	CallEnd        string    `json:"call_end" db:"call_end"`
	Type           string    `json:"type" db:"type"` // e.g. "volunteer"
	DateOfBirth    string    `json:"dob" db:"dob"`
	Weight         string    `json:"weight" db:"weight"`
	Height         string    `json:"height" db:"height"`
	Activity       string    `json:"activity" db:"activity"`
	EmergencyName  string    `json:"emergency_name" db:"emergency_name"`
	EmergencyPhone string    `json:"emergency_phone" db:"emergency_phone"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// ProfileFields returns the profile answers collected over the phone, keyed by field name
func (p Patient) ProfileFields() map[string]string {
	return map[string]string{
		"dob":             p.DateOfBirth,
		"gender":          p.Gender,
		"weight":          p.Weight,
		"height":          p.Height,
		"activity":        p.Activity,
		"timezone":        p.Timezone,
		"emergency_name":  p.EmergencyName,
		"emergency_phone": p.EmergencyPhone,
	}
}

// CallWindow is the local time of day a patient accepts calls, in minutes since midnight.
// End before Start means the window spans midnight.
type CallWindow struct {
	Location *time.Location
	Start    int
	End      int
}

// CallWindow parses the patient's timezone and call hours. An empty timezone means UTC,
// an empty start means midnight and an empty end means the end of the day.
func (p Patient) CallWindow() (CallWindow, error) {
	w := CallWindow{Location: time.UTC, Start: 0, End: 24 * 60}
	if p.Timezone != "" {
		loc, err := time.LoadLocation(p.Timezone)
		if err != nil {
			return w, fmt.Errorf("patient %d: invalid timezone %q: %w", p.ID, p.Timezone, err)
		}
		w.Location = loc
	}
	var err error
	if p.CallStart != "" {
		if w.Start, err = clockMinutes(p.CallStart); err != nil {
			return w, fmt.Errorf("patient %d: invalid call start: %w", p.ID, err)
		}
	}
	if p.CallEnd != "" {
		if w.End, err = clockMinutes(p.CallEnd); err != nil {
			return w, fmt.Errorf("patient %d: invalid call end: %w", p.ID, err)
		}
	}
	return w, nil
}

// Contains reports whether t falls inside the window, end exclusive
func (w CallWindow) Contains(t time.Time) bool {
	local := t.In(w.Location)
	m := local.Hour()*60 + local.Minute()
	if w.Start <= w.End {
		return m >= w.Start && m < w.End
	}
	return m >= w.Start || m < w.End
}

func clockMinutes(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
