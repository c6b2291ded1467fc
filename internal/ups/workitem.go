package ups

import (
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the UPS Procedure Step State (0074,1000).
type State string

const (
	StateScheduled  State = "SCHEDULED"
	StateInProgress State = "IN_PROGRESS"
	StateCompleted  State = "COMPLETED"
	StateCanceled   State = "CANCELED"
)

var allStates = []State{StateScheduled, StateInProgress, StateCompleted, StateCanceled}

// ParseState converts a wire value into a State.
func ParseState(value string) (State, error) {
	candidate := State(strings.ToUpper(strings.TrimSpace(value)))
	if slices.Contains(allStates, candidate) {
		return candidate, nil
	}
	return "", fmt.Errorf("%w: unknown procedure step state %q", ErrMalformed, value)
}

// Terminal reports whether no further transition is accepted from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCanceled
}

// Priority is the advisory Scheduled Procedure Step Priority (0074,1200).
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// ParsePriority converts a wire value into a Priority. Empty input yields
// PriorityMedium.
func ParsePriority(value string) (Priority, error) {
	switch Priority(strings.ToUpper(strings.TrimSpace(value))) {
	case "", PriorityMedium:
		return PriorityMedium, nil
	case PriorityLow:
		return PriorityLow, nil
	case PriorityHigh:
		return PriorityHigh, nil
	}
	return "", fmt.Errorf("%w: unknown priority %q", ErrMalformed, value)
}

// RetrievalLocation is one network location the processor fetches data from.
type RetrievalLocation struct {
	RetrievalURL string `json:"retrieval_url"`
	StudyUID     string `json:"study_uid"`
	SeriesUID    string `json:"series_uid"`
	// LocationUID is the Retrieve Location UID carried on the wire. New
	// assigns one when empty.
	LocationUID string `json:"-"`
}

// OutputReference names one series produced for the workitem.
type OutputReference struct {
	StudyUID  string `json:"study_uid"`
	SeriesUID string `json:"series_uid"`
}

// Workitem is one UPS workitem, i.e. one tracked inference job.
type Workitem struct {
	UID                 string
	StudyUID            string
	SeriesUIDs          []string
	RetrievalLocations  []RetrievalLocation
	State               State
	Priority            Priority
	ScheduledStart      time.Time
	ProgressPercent     *float64
	ProgressDescription string
	CanceledAt          time.Time
	CancellationReason  string
	OutputReferences    []OutputReference
}

var nowFunc = time.Now

func now() time.Time {
	return nowFunc().UTC().Truncate(time.Second)
}

// New creates a SCHEDULED workitem with a fresh UID.
//
// SeriesUIDs lists the series covered by a retrieval location first, in
// location order, followed by any other requested series.
func New(studyUID string, seriesUIDs []string, locations []RetrievalLocation, priority Priority) (*Workitem, error) {
	studyUID = strings.TrimSpace(studyUID)
	if studyUID == "" {
		return nil, fmt.Errorf("%w: study uid is required", ErrMalformed)
	}
	if priority == "" {
		priority = PriorityMedium
	}
	if _, err := ParsePriority(string(priority)); err != nil {
		return nil, err
	}

	var locs []RetrievalLocation
	for i, loc := range locations {
		if strings.TrimSpace(loc.RetrievalURL) == "" {
			return nil, fmt.Errorf("%w: retrieval location %d has no url", ErrMalformed, i)
		}
		if loc.StudyUID == "" {
			loc.StudyUID = studyUID
		}
		if loc.LocationUID == "" {
			loc.LocationUID = NewUID()
		}
		locs = append(locs, loc)
	}

	return &Workitem{
		UID:                NewUID(),
		StudyUID:           studyUID,
		SeriesUIDs:         orderSeries(locs, seriesUIDs),
		RetrievalLocations: locs,
		State:              StateScheduled,
		Priority:           priority,
		ScheduledStart:     now(),
	}, nil
}

// BuildRetrievalLocations derives WADO-RS series URLs under base for each
// series of the study.
func BuildRetrievalLocations(base, studyUID string, seriesUIDs []string) []RetrievalLocation {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	locs := make([]RetrievalLocation, 0, len(seriesUIDs))
	for _, series := range seriesUIDs {
		series = strings.TrimSpace(series)
		if series == "" {
			continue
		}
		locs = append(locs, RetrievalLocation{
			RetrievalURL: fmt.Sprintf("%s/studies/%s/series/%s", base, studyUID, series),
			StudyUID:     studyUID,
			SeriesUID:    series,
		})
	}
	return locs
}

func orderSeries(locs []RetrievalLocation, extra []string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(uid string) {
		uid = strings.TrimSpace(uid)
		if uid == "" {
			return
		}
		if _, ok := seen[uid]; ok {
			return
		}
		seen[uid] = struct{}{}
		out = append(out, uid)
	}
	for _, loc := range locs {
		add(loc.SeriesUID)
	}
	for _, uid := range extra {
		add(uid)
	}
	return out
}

// NewUID returns a DICOM UID under the UUID-derived 2.25 root.
func NewUID() string {
	id := uuid.New()
	return "2.25." + new(big.Int).SetBytes(id[:]).String()
}

// AddOutputReference appends a produced series. Duplicates are kept.
func (w *Workitem) AddOutputReference(studyUID, seriesUID string) {
	w.OutputReferences = append(w.OutputReferences, OutputReference{StudyUID: studyUID, SeriesUID: seriesUID})
}

// WADORSURLs returns the retrieval locations that carry a URL.
func (w *Workitem) WADORSURLs() []RetrievalLocation {
	out := make([]RetrievalLocation, 0, len(w.RetrievalLocations))
	for _, loc := range w.RetrievalLocations {
		if loc.RetrievalURL != "" {
			out = append(out, loc)
		}
	}
	return out
}

func (w *Workitem) GetStudyUID() string { return w.StudyUID }

func (w *Workitem) GetState() State { return w.State }

// Percent returns the recorded progress, or zero when none was recorded.
func (w *Workitem) Percent() float64 {
	if w.ProgressPercent == nil {
		return 0
	}
	return *w.ProgressPercent
}

// Clone returns a deep copy.
func (w *Workitem) Clone() *Workitem {
	if w == nil {
		return nil
	}
	out := *w
	out.SeriesUIDs = slices.Clone(w.SeriesUIDs)
	out.RetrievalLocations = slices.Clone(w.RetrievalLocations)
	out.OutputReferences = slices.Clone(w.OutputReferences)
	if w.ProgressPercent != nil {
		p := *w.ProgressPercent
		out.ProgressPercent = &p
	}
	return &out
}

var (
	// ErrMalformed reports input that cannot form a valid workitem.
	ErrMalformed = errors.New("malformed workitem")
	// ErrInvalidTransition reports a state change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
)
