package ups

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// attribute is one DICOM JSON element: {"vr": "...", "Value": [...]}.
type attribute struct {
	VR    string `json:"vr"`
	Value []any  `json:"Value,omitempty"`
}

type dataset map[string]attribute

func text(vr, value string) attribute {
	return attribute{VR: vr, Value: []any{value}}
}

func sequence(items ...dataset) attribute {
	values := make([]any, 0, len(items))
	for _, item := range items {
		values = append(values, item)
	}
	return attribute{VR: "SQ", Value: values}
}

// Encode serializes w to DICOM JSON. Output is deterministic.
func (w *Workitem) Encode() ([]byte, error) {
	return json.Marshal(w.dataset())
}

// MarshalJSON makes a Workitem embed as its DICOM JSON form.
func (w *Workitem) MarshalJSON() ([]byte, error) {
	return w.Encode()
}

func (w *Workitem) dataset() dataset {
	ds := dataset{
		TagSOPClassUID:                text("UI", UPSPushSOPClassUID),
		TagSOPInstanceUID:             text("UI", w.UID),
		TagStudyInstanceUID:           text("UI", w.StudyUID),
		TagProcedureStepState:         text("CS", string(w.State)),
		TagScheduledProcedurePriority: text("CS", string(w.Priority)),
		TagWorklistLabel:              text("LO", WorklistLabel),
		TagProcedureStepLabel:         text("LO", ProcedureStepLabel),
		TagScheduledStartDateTime:     text("DT", w.ScheduledStart.UTC().Format(dicomDateTime)),
		TagInputReadinessState:        text("CS", InputReadinessReady),
		TagInputInformationSeq:        sequence(w.inputItems()...),
		TagScheduledWorkitemCodeSeq: sequence(dataset{
			TagCodeValue:              text("SH", WorkitemCodeValue),
			TagCodingSchemeDesignator: text("SH", WorkitemCodeScheme),
			TagCodeMeaning:            text("LO", WorkitemCodeMeaning),
		}),
	}

	if w.ProgressPercent != nil || w.ProgressDescription != "" {
		progress := dataset{}
		if w.ProgressPercent != nil {
			progress[TagProcedureStepProgress] = text("DS", strconv.FormatFloat(*w.ProgressPercent, 'f', -1, 64))
		}
		if w.ProgressDescription != "" {
			progress[TagProcedureStepProgressDesc] = text("ST", w.ProgressDescription)
		}
		ds[TagProgressInformationSeq] = sequence(progress)
	}

	if !w.CanceledAt.IsZero() {
		ds[TagCancellationDateTime] = text("DT", w.CanceledAt.UTC().Format(dicomDateTime))
	}
	if w.CancellationReason != "" {
		ds[TagReasonForCancellation] = text("LO", w.CancellationReason)
	}

	if len(w.OutputReferences) > 0 {
		items := make([]dataset, 0, len(w.OutputReferences))
		for _, ref := range w.OutputReferences {
			items = append(items, dataset{
				TagStudyInstanceUID:  text("UI", ref.StudyUID),
				TagSeriesInstanceUID: text("UI", ref.SeriesUID),
			})
		}
		ds[TagOutputInformationSeq] = sequence(items...)
	}
	return ds
}

// inputItems emits items in SeriesUIDs order: every retrieval location of a
// series, or one bare item when no location covers it. Locations of series
// absent from SeriesUIDs come last.
func (w *Workitem) inputItems() []dataset {
	bySeries := make(map[string][]RetrievalLocation)
	for _, loc := range w.RetrievalLocations {
		bySeries[loc.SeriesUID] = append(bySeries[loc.SeriesUID], loc)
	}
	items := make([]dataset, 0, len(w.SeriesUIDs)+len(w.RetrievalLocations))
	listed := make(map[string]struct{}, len(w.SeriesUIDs))
	for _, series := range w.SeriesUIDs {
		if _, ok := listed[series]; ok {
			continue
		}
		listed[series] = struct{}{}
		locs, ok := bySeries[series]
		if !ok {
			items = append(items, dataset{
				TagTypeOfInstances:   text("CS", TypeOfInstances),
				TagStudyInstanceUID:  text("UI", w.StudyUID),
				TagSeriesInstanceUID: text("UI", series),
			})
			continue
		}
		for _, loc := range locs {
			items = append(items, locationItem(loc))
		}
	}
	for _, loc := range w.RetrievalLocations {
		if _, ok := listed[loc.SeriesUID]; !ok {
			items = append(items, locationItem(loc))
		}
	}
	return items
}

func locationItem(loc RetrievalLocation) dataset {
	return dataset{
		TagTypeOfInstances:   text("CS", TypeOfInstances),
		TagStudyInstanceUID:  text("UI", loc.StudyUID),
		TagSeriesInstanceUID: text("UI", loc.SeriesUID),
		TagWADORSRetrievalSeq: sequence(dataset{
			TagRetrieveURL:         text("UR", loc.RetrievalURL),
			TagRetrieveLocationUID: text("UI", loc.LocationUID),
		}),
	}
}

type rawAttribute struct {
	VR    string            `json:"vr"`
	Value []json.RawMessage `json:"Value"`
}

type rawDataset map[string]rawAttribute

// Decode parses DICOM JSON into a Workitem. Missing mandatory attributes and
// unknown enumerated values are rejected with ErrMalformed.
func Decode(data []byte) (*Workitem, error) {
	var ds rawDataset
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&ds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ds == nil {
		return nil, fmt.Errorf("%w: empty document", ErrMalformed)
	}
	return decodeDataset(ds)
}

// DecodeList parses a JSON array of encoded workitems.
func DecodeList(data []byte) ([]*Workitem, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	out := make([]*Workitem, 0, len(raw))
	for i, item := range raw {
		w, err := Decode(item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, w)
	}
	return out, nil
}

func decodeDataset(ds rawDataset) (*Workitem, error) {
	w := &Workitem{}
	var err error

	if w.UID, err = ds.required(TagSOPInstanceUID); err != nil {
		return nil, err
	}
	if w.StudyUID, err = ds.required(TagStudyInstanceUID); err != nil {
		return nil, err
	}
	stateValue, err := ds.required(TagProcedureStepState)
	if err != nil {
		return nil, err
	}
	if w.State, err = ParseState(stateValue); err != nil {
		return nil, err
	}
	priorityValue, _, err := ds.text(TagScheduledProcedurePriority)
	if err != nil {
		return nil, err
	}
	if w.Priority, err = ParsePriority(priorityValue); err != nil {
		return nil, err
	}
	if w.ScheduledStart, err = ds.dateTime(TagScheduledStartDateTime); err != nil {
		return nil, err
	}
	if w.CanceledAt, err = ds.dateTime(TagCancellationDateTime); err != nil {
		return nil, err
	}
	if w.CancellationReason, _, err = ds.text(TagReasonForCancellation); err != nil {
		return nil, err
	}

	inputs, err := ds.sequence(TagInputInformationSeq)
	if err != nil {
		return nil, err
	}
	var series []string
	for i, item := range inputs {
		studyUID, _, err := item.text(TagStudyInstanceUID)
		if err != nil {
			return nil, err
		}
		seriesUID, _, err := item.text(TagSeriesInstanceUID)
		if err != nil {
			return nil, err
		}
		series = append(series, seriesUID)
		retrievals, err := item.sequence(TagWADORSRetrievalSeq)
		if err != nil {
			return nil, err
		}
		for _, retrieval := range retrievals {
			url, ok, err := retrieval.text(TagRetrieveURL)
			if err != nil {
				return nil, err
			}
			if !ok || url == "" {
				return nil, fmt.Errorf("%w: input item %d has a retrieval without url", ErrMalformed, i)
			}
			locationUID, _, err := retrieval.text(TagRetrieveLocationUID)
			if err != nil {
				return nil, err
			}
			w.RetrievalLocations = append(w.RetrievalLocations, RetrievalLocation{
				RetrievalURL: url,
				StudyUID:     studyUID,
				SeriesUID:    seriesUID,
				LocationUID:  locationUID,
			})
		}
	}
	w.SeriesUIDs = orderSeries(nil, series)

	progress, err := ds.sequence(TagProgressInformationSeq)
	if err != nil {
		return nil, err
	}
	if len(progress) > 0 {
		pct, ok, err := progress[0].text(TagProcedureStepProgress)
		if err != nil {
			return nil, err
		}
		if ok && pct != "" {
			value, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: progress %q: %v", ErrMalformed, pct, err)
			}
			w.ProgressPercent = &value
		}
		if w.ProgressDescription, _, err = progress[0].text(TagProcedureStepProgressDesc); err != nil {
			return nil, err
		}
	}

	outputs, err := ds.sequence(TagOutputInformationSeq)
	if err != nil {
		return nil, err
	}
	for _, item := range outputs {
		studyUID, _, err := item.text(TagStudyInstanceUID)
		if err != nil {
			return nil, err
		}
		seriesUID, _, err := item.text(TagSeriesInstanceUID)
		if err != nil {
			return nil, err
		}
		w.AddOutputReference(studyUID, seriesUID)
	}
	return w, nil
}

func (ds rawDataset) required(tag string) (string, error) {
	value, ok, err := ds.text(tag)
	if err != nil {
		return "", err
	}
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%w: missing %s", ErrMalformed, tag)
	}
	return value, nil
}

// text returns the first value of tag. DS and IS values may arrive as JSON
// numbers and are returned in their textual form.
func (ds rawDataset) text(tag string) (string, bool, error) {
	attr, ok := ds[tag]
	if !ok || len(attr.Value) == 0 {
		return "", false, nil
	}
	raw := attr.Value[0]
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true, nil
	}
	return "", false, fmt.Errorf("%w: %s is not a string value", ErrMalformed, tag)
}

func (ds rawDataset) sequence(tag string) ([]rawDataset, error) {
	attr, ok := ds[tag]
	if !ok {
		return nil, nil
	}
	if attr.VR != "" && attr.VR != "SQ" {
		return nil, fmt.Errorf("%w: %s has vr %s, want SQ", ErrMalformed, tag, attr.VR)
	}
	items := make([]rawDataset, 0, len(attr.Value))
	for _, raw := range attr.Value {
		var item rawDataset
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("%w: %s item: %v", ErrMalformed, tag, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func (ds rawDataset) dateTime(tag string) (time.Time, error) {
	value, ok, err := ds.text(tag)
	if err != nil || !ok || value == "" {
		return time.Time{}, err
	}
	// DT may carry fractional seconds or an offset; the first 14 digits are
	// enough for the values written here.
	if len(value) > len(dicomDateTime) {
		value = value[:len(dicomDateTime)]
	}
	parsed, err := time.ParseInLocation(dicomDateTime, value, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s datetime %q: %v", ErrMalformed, tag, value, err)
	}
	return parsed, nil
}
