package api

import (
	"strings"
	"time"

	"upsrouter/internal/ups"
)

// dateTimeFormat is used for timestamps in summaries.
const dateTimeFormat = "2006-01-02T15:04:05Z07:00"

// Response status values.
const (
	StatusOK           = "ok"
	StatusSubscribed   = "subscribed"
	StatusUnsubscribed = "unsubscribed"
	StatusReceived     = "received"
)

// CreateWorkitemRequest is the body of POST /ups-rs/workitems.
type CreateWorkitemRequest struct {
	StudyUID   string   `json:"study_uid"`
	SeriesUIDs []string `json:"series_uids"`
	WADORSBase string   `json:"wado_rs_base,omitempty"`
	Priority   string   `json:"priority,omitempty"`
}

// UpdateStateRequest is the body of PUT /ups-rs/workitems/{uid}/state.
type UpdateStateRequest struct {
	State              string   `json:"state"`
	ProgressInfo       string   `json:"progress_info,omitempty"`
	ProgressPercent    *float64 `json:"progress_percent,omitempty"`
	CancellationReason string   `json:"cancellation_reason,omitempty"`
}

// SubscribeRequest is the body of POST /ups-rs/workitems/{uid}/subscribers.
type SubscribeRequest struct {
	SubscriberURL string `json:"subscriber_url"`
	DeletionLock  bool   `json:"deletion_lock"`
}

// GlobalSubscribeRequest is the body of POST /ups-rs/subscribers/global.
type GlobalSubscribeRequest struct {
	SubscriberURL string `json:"subscriber_url"`
}

// StatusResponse acknowledges a request that returns no resource.
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WorkitemSummary is a flattened, display-oriented view of a workitem.
type WorkitemSummary struct {
	UID                 string   `json:"uid"`
	StudyUID            string   `json:"study_uid"`
	State               string   `json:"state"`
	Priority            string   `json:"priority"`
	ProgressPercent     *float64 `json:"progress_percent,omitempty"`
	ProgressDescription string   `json:"progress_description,omitempty"`
	CancellationReason  string   `json:"cancellation_reason,omitempty"`
	ScheduledStart      string   `json:"scheduled_start,omitempty"`
	CanceledAt          string   `json:"canceled_at,omitempty"`
	SeriesCount         int      `json:"series_count"`
	OutputSeries        []string `json:"output_series,omitempty"`
}

// Summarize flattens w for display.
func Summarize(w *ups.Workitem) WorkitemSummary {
	if w == nil {
		return WorkitemSummary{}
	}
	summary := WorkitemSummary{
		UID:                 w.UID,
		StudyUID:            w.StudyUID,
		State:               string(w.State),
		Priority:            string(w.Priority),
		ProgressDescription: strings.TrimSpace(w.ProgressDescription),
		CancellationReason:  strings.TrimSpace(w.CancellationReason),
		ScheduledStart:      formatTime(w.ScheduledStart),
		CanceledAt:          formatTime(w.CanceledAt),
		SeriesCount:         len(w.SeriesUIDs),
	}
	if w.ProgressPercent != nil {
		p := *w.ProgressPercent
		summary.ProgressPercent = &p
	}
	for _, ref := range w.OutputReferences {
		summary.OutputSeries = append(summary.OutputSeries, ref.SeriesUID)
	}
	return summary
}

// SummarizeAll flattens a list of workitems.
func SummarizeAll(items []*ups.Workitem) []WorkitemSummary {
	out := make([]WorkitemSummary, 0, len(items))
	for _, w := range items {
		out = append(out, Summarize(w))
	}
	return out
}

// Detail returns the most relevant free-text status of a summary: the
// cancellation reason for canceled workitems, the progress description
// otherwise.
func (s WorkitemSummary) Detail() string {
	if s.State == string(ups.StateCanceled) && s.CancellationReason != "" {
		return s.CancellationReason
	}
	return s.ProgressDescription
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
