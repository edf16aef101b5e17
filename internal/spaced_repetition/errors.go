package spaced_repetition

import "errors"

// Caller errors, returned before any state is touched
var (
	ErrInvalidQuality = errors.New("spaced_repetition: invalid quality")
	ErrInvalidState   = errors.New("spaced_repetition: invalid state")
)
