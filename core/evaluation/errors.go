package evaluation

import (
	"errors"
	"fmt"
)

// ErrMalformedScore is wrapped by scorers when the service answered but the
// answer could not be used.
var ErrMalformedScore = errors.New("malformed score")

type fallbackReason string

const (
	reasonUnavailable fallbackReason = "unavailable"
	reasonMalformed   fallbackReason = "malformed"
	reasonCancelled   fallbackReason = "cancelled"
)

// ScoringError is a failed per-turn scoring call. The turn is given the
// neutral fallback score.
type ScoringError struct {
	TurnID string
	Err    error
}

func (e *ScoringError) Error() string {
	return fmt.Sprintf("scoring turn %s: %v", e.TurnID, e.Err)
}

func (e *ScoringError) Unwrap() error { return e.Err }

func (e *ScoringError) reason() fallbackReason {
	switch {
	case errors.Is(e.Err, ErrMalformedScore):
		return reasonMalformed
	case isCancellation(e.Err):
		return reasonCancelled
	default:
		return reasonUnavailable
	}
}

// PersistenceError is a failed save of the session record. It is logged and
// never blocks the session from finishing.
type PersistenceError struct {
	RecordID string
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting session %s: %v", e.RecordID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
