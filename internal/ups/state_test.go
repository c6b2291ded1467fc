package ups

import (
	"errors"
	"regexp"
	"testing"
)

func newScheduled(t *testing.T) *Workitem {
	t.Helper()
	w, err := New("1.2.3", []string{"1.2.3.4"}, BuildRetrievalLocations("http://v/dicom-web", "1.2.3", []string{"1.2.3.4"}), PriorityMedium)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return w
}

func TestNewValidatesInput(t *testing.T) {
	if _, err := New("  ", nil, nil, PriorityLow); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for empty study, got %v", err)
	}
	if _, err := New("1.2", nil, []RetrievalLocation{{SeriesUID: "1"}}, PriorityLow); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for location without url, got %v", err)
	}
	if _, err := New("1.2", nil, nil, Priority("URGENT")); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for unknown priority, got %v", err)
	}
	w := newScheduled(t)
	if w.State != StateScheduled || w.Priority != PriorityMedium {
		t.Fatalf("unexpected initial workitem %+v", w)
	}
	if w.RetrievalLocations[0].LocationUID == "" {
		t.Fatalf("expected retrieve location uid to be assigned")
	}
}

func TestNewUIDFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^2\.25\.[1-9][0-9]*$`)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		uid := NewUID()
		if !pattern.MatchString(uid) || len(uid) > 64 {
			t.Fatalf("invalid uid %q", uid)
		}
		if seen[uid] {
			t.Fatalf("duplicate uid %q", uid)
		}
		seen[uid] = true
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateScheduled, StateInProgress, true},
		{StateScheduled, StateCanceled, true},
		{StateScheduled, StateCompleted, false},
		{StateScheduled, StateScheduled, false},
		{StateInProgress, StateInProgress, true},
		{StateInProgress, StateCompleted, true},
		{StateInProgress, StateCanceled, true},
		{StateInProgress, StateScheduled, false},
		{StateCompleted, StateInProgress, false},
		{StateCompleted, StateCanceled, false},
		{StateCompleted, StateCompleted, false},
		{StateCanceled, StateInProgress, false},
		{StateCanceled, StateScheduled, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestUpdateStateTerminalIsImmutable(t *testing.T) {
	w := newScheduled(t)
	if err := w.UpdateState(StateUpdate{State: StateInProgress, Percent: Percent(10), Description: "Starting AI inference"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := w.UpdateState(StateUpdate{State: StateCompleted, Percent: Percent(100), Description: "AI inference completed successfully"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	for _, next := range []State{StateScheduled, StateInProgress, StateCanceled, StateCompleted} {
		if err := w.UpdateState(StateUpdate{State: next}); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition for COMPLETED -> %s, got %v", next, err)
		}
	}
	if w.State != StateCompleted || w.ProgressDescription != "AI inference completed successfully" {
		t.Fatalf("rejected updates must not mutate: %+v", w)
	}
}

func TestUpdateStateProgressMonotonic(t *testing.T) {
	w := newScheduled(t)
	for _, pct := range []float64{10, 20, 20, 30, 50} {
		if err := w.UpdateState(StateUpdate{State: StateInProgress, Percent: Percent(pct)}); err != nil {
			t.Fatalf("progress %v: %v", pct, err)
		}
	}
	if err := w.UpdateState(StateUpdate{State: StateInProgress, Percent: Percent(40)}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected regression to be rejected, got %v", err)
	}
	if w.Percent() != 50 {
		t.Fatalf("expected percent to stay at 50, got %v", w.Percent())
	}
	if err := w.UpdateState(StateUpdate{State: StateInProgress, Percent: Percent(101)}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected out-of-range percent to be rejected, got %v", err)
	}
	if err := w.UpdateState(StateUpdate{State: StateInProgress, Description: "still going"}); err != nil {
		t.Fatalf("description-only update: %v", err)
	}
	if w.Percent() != 50 || w.ProgressDescription != "still going" {
		t.Fatalf("unexpected progress %v %q", w.Percent(), w.ProgressDescription)
	}
}

func TestUpdateStateCancelRecordsReason(t *testing.T) {
	w := newScheduled(t)
	if err := w.UpdateState(StateUpdate{State: StateCanceled, CancellationReason: "Network error calling model: refused"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if w.CanceledAt.IsZero() || w.CancellationReason != "Network error calling model: refused" {
		t.Fatalf("cancellation not recorded: %+v", w)
	}
}

func TestSupersedes(t *testing.T) {
	cur := newScheduled(t)
	next := cur.Clone()
	if err := next.UpdateState(StateUpdate{State: StateInProgress, Percent: Percent(30)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !Supersedes(cur, next) {
		t.Fatalf("IN_PROGRESS should supersede SCHEDULED")
	}
	if Supersedes(next, cur) {
		t.Fatalf("SCHEDULED must not supersede IN_PROGRESS")
	}
	later := next.Clone()
	_ = later.UpdateState(StateUpdate{State: StateInProgress, Percent: Percent(50)})
	if Supersedes(later, next) {
		t.Fatalf("lower progress must not supersede")
	}
	done := later.Clone()
	_ = done.UpdateState(StateUpdate{State: StateCompleted})
	if !Supersedes(done, done.Clone()) {
		t.Fatalf("identical terminal snapshot should be accepted")
	}
	if Supersedes(done, later) {
		t.Fatalf("terminal mirror must not regress")
	}
	if !Supersedes(nil, cur) {
		t.Fatalf("anything supersedes an absent mirror")
	}
}
