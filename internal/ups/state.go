package ups

import (
	"fmt"
	"math"
)

var transitions = map[State][]State{
	StateScheduled:  {StateInProgress, StateCanceled},
	StateInProgress: {StateInProgress, StateCompleted, StateCanceled},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StateUpdate carries one update_state call. Percent is optional.
type StateUpdate struct {
	State              State
	Percent            *float64
	Description        string
	CancellationReason string
}

// Percent is a helper for building StateUpdate literals.
func Percent(v float64) *float64 { return &v }

// UpdateState applies u in place. It never performs I/O.
//
// Progress is recorded when moving into or staying in IN_PROGRESS and when
// completing. Moving to CANCELED stamps the cancellation time and reason.
// Once IN_PROGRESS, a lower percent than the recorded one is rejected.
func (w *Workitem) UpdateState(u StateUpdate) error {
	if !CanTransition(w.State, u.State) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.State, u.State)
	}
	if u.Percent != nil {
		p := *u.Percent
		if math.IsNaN(p) || p < 0 || p > 100 {
			return fmt.Errorf("%w: progress %v outside 0-100", ErrMalformed, p)
		}
		if w.State == StateInProgress && u.State == StateInProgress && w.ProgressPercent != nil && p < *w.ProgressPercent {
			return fmt.Errorf("%w: progress regression %v -> %v", ErrInvalidTransition, *w.ProgressPercent, p)
		}
	}

	switch u.State {
	case StateInProgress, StateCompleted:
		if u.Percent != nil {
			p := *u.Percent
			w.ProgressPercent = &p
		}
		if u.Description != "" {
			w.ProgressDescription = u.Description
		}
	case StateCanceled:
		w.CanceledAt = now()
		w.CancellationReason = u.CancellationReason
	}
	w.State = u.State
	return nil
}

// Supersedes reports whether next is a forward (or equal) snapshot of cur, so
// a mirrored copy may be replaced by it.
func Supersedes(cur, next *Workitem) bool {
	if cur == nil {
		return true
	}
	if cur.State == next.State {
		if cur.State.Terminal() {
			return true
		}
		return cur.State != StateInProgress || next.Percent() >= cur.Percent()
	}
	return CanTransition(cur.State, next.State)
}
