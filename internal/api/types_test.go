package api

import (
	"testing"
	"time"

	"upsrouter/internal/ups"
)

func TestSummarize(t *testing.T) {
	w := &ups.Workitem{
		UID:                 "2.25.1",
		StudyUID:            "1.2.3",
		SeriesUIDs:          []string{"1.2.3.4", "1.2.3.5"},
		State:               ups.StateCompleted,
		Priority:            ups.PriorityHigh,
		ProgressPercent:     ups.Percent(100),
		ProgressDescription: " done ",
		ScheduledStart:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		OutputReferences:    []ups.OutputReference{{StudyUID: "1.2.3", SeriesUID: "9.9"}},
	}
	s := Summarize(w)
	if s.State != "COMPLETED" || s.Priority != "HIGH" || s.SeriesCount != 2 {
		t.Fatalf("unexpected summary %+v", s)
	}
	if s.ProgressPercent == nil || *s.ProgressPercent != 100 {
		t.Fatalf("expected progress 100, got %v", s.ProgressPercent)
	}
	if s.ScheduledStart != "2026-01-02T03:04:05Z" {
		t.Fatalf("unexpected scheduled start %q", s.ScheduledStart)
	}
	if s.CanceledAt != "" {
		t.Fatalf("expected empty canceled_at, got %q", s.CanceledAt)
	}
	if len(s.OutputSeries) != 1 || s.OutputSeries[0] != "9.9" {
		t.Fatalf("unexpected output series %v", s.OutputSeries)
	}
	if s.Detail() != "done" {
		t.Fatalf("unexpected detail %q", s.Detail())
	}

	*w.ProgressPercent = 5
	if *s.ProgressPercent != 100 {
		t.Fatalf("summary must not alias the workitem")
	}
}

func TestSummaryDetailPrefersCancellationReason(t *testing.T) {
	s := Summarize(&ups.Workitem{State: ups.StateCanceled, ProgressDescription: "Sending data to AI model", CancellationReason: "Model error: 500 - boom"})
	if s.Detail() != "Model error: 500 - boom" {
		t.Fatalf("unexpected detail %q", s.Detail())
	}
	if got := SummarizeAll([]*ups.Workitem{nil}); len(got) != 1 || got[0].UID != "" {
		t.Fatalf("unexpected summaries %+v", got)
	}
}
