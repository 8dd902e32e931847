package session

import "fmt"

type StateKind int

const (
	StateIdle StateKind = iota
	StateConnecting
	StateActive
	StateEvaluating
	StateFinished
	StateFailed
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEvaluating:
		return "evaluating"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(k))
	}
}

// State is the controller's lifecycle state. Reason is only set for Failed.
type State struct {
	Kind   StateKind
	Reason error
}

func (s State) String() string {
	if s.Kind == StateFailed && s.Reason != nil {
		return fmt.Sprintf("failed: %v", s.Reason)
	}
	return s.Kind.String()
}

func (s State) IsTerminal() bool {
	return s.Kind == StateFinished || s.Kind == StateFailed
}

// canTransition reports whether from may move to to. States only move
// forward; Failed is reachable from any non-terminal state.
func canTransition(from, to StateKind) bool {
	if from == StateFinished || from == StateFailed {
		return false
	}
	if to == StateFailed {
		return true
	}
	switch from {
	case StateIdle:
		return to == StateConnecting || to == StateEvaluating
	case StateConnecting:
		return to == StateActive || to == StateEvaluating
	case StateActive:
		return to == StateEvaluating
	case StateEvaluating:
		return to == StateFinished
	}
	return false
}
