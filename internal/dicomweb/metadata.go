package dicomweb

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Attribute tags read from instance metadata.
const (
	tagSOPClassUID          = "00080016"
	tagSOPInstanceUID       = "00080018"
	tagStudyDate            = "00080020"
	tagStudyTime            = "00080030"
	tagAccessionNumber      = "00080050"
	tagModality             = "00080060"
	tagPatientName          = "00100010"
	tagPatientID            = "00100020"
	tagPatientBirthDate     = "00100030"
	tagPatientSex           = "00100040"
	tagStudyInstanceUID     = "0020000D"
	tagSeriesInstanceUID    = "0020000E"
	tagStudyID              = "00200010"
	tagInstanceNumber       = "00200013"
	tagImagePositionPatient = "00200032"
	tagImageOrientation     = "00200037"
	tagFrameOfReferenceUID  = "00200052"
	tagTemporalPositionID   = "00200100"
	tagPixelSpacing         = "00280030"
)

// DefaultSliceSpacing is used when fewer than two positioned slices exist.
const DefaultSliceSpacing = 1.0

// SeriesInfo is the identifying and spatial context of a source series,
// enough to register result objects without fetching pixel data.
// SOPClassUID and SOPInstanceUID identify the first instance after sorting.
type SeriesInfo struct {
	PatientName         string
	PatientID           string
	PatientBirthDate    string
	PatientSex          string
	StudyInstanceUID    string
	StudyDate           string
	StudyTime           string
	StudyID             string
	AccessionNumber     string
	SeriesUID           string
	Modality            string
	SOPClassUID         string
	SOPInstanceUID      string
	FrameOfReferenceUID string
	ImagePosition       []float64
	ImageOrientation    []float64
	PixelSpacing        []float64
	SliceSpacing        float64
	InstanceCount       int
}

type element struct {
	VR    string            `json:"vr"`
	Value []json.RawMessage `json:"Value"`
}

type instance map[string]element

func (in instance) str(tag string) string {
	el, ok := in[tag]
	if !ok || len(el.Value) == 0 {
		return ""
	}
	raw := el.Value[0]
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if el.VR == "PN" {
		var pn struct {
			Alphabetic string `json:"Alphabetic"`
		}
		if err := json.Unmarshal(raw, &pn); err == nil {
			return pn.Alphabetic
		}
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func (in instance) floats(tag string) []float64 {
	el, ok := in[tag]
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(el.Value))
	for _, raw := range el.Value {
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			out = append(out, f)
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil
		}
		out = append(out, f)
	}
	return out
}

// integer returns the first value of an IS attribute, or math.MaxInt when
// absent so unnumbered instances sort last.
func (in instance) integer(tag string) int {
	values := in.floats(tag)
	if len(values) == 0 {
		return math.MaxInt
	}
	return int(values[0])
}

// ParseSeriesMetadata builds SeriesInfo from a WADO-RS metadata response.
// Instances are ordered by temporal position and then instance number; the
// slice spacing is the distance between the first two image positions.
func ParseSeriesMetadata(body []byte) (*SeriesInfo, error) {
	var instances []instance
	if err := json.Unmarshal(body, &instances); err != nil {
		return nil, fmt.Errorf("decode series metadata: %w", err)
	}
	if len(instances) == 0 {
		return nil, errors.New("series metadata lists no instances")
	}
	sort.SliceStable(instances, func(i, j int) bool {
		ti, tj := instances[i].integer(tagTemporalPositionID), instances[j].integer(tagTemporalPositionID)
		if ti != tj {
			return ti < tj
		}
		return instances[i].integer(tagInstanceNumber) < instances[j].integer(tagInstanceNumber)
	})

	first := instances[0]
	info := &SeriesInfo{
		PatientName:         first.str(tagPatientName),
		PatientID:           first.str(tagPatientID),
		PatientBirthDate:    first.str(tagPatientBirthDate),
		PatientSex:          first.str(tagPatientSex),
		StudyInstanceUID:    first.str(tagStudyInstanceUID),
		StudyDate:           first.str(tagStudyDate),
		StudyTime:           first.str(tagStudyTime),
		StudyID:             first.str(tagStudyID),
		AccessionNumber:     first.str(tagAccessionNumber),
		SeriesUID:           first.str(tagSeriesInstanceUID),
		Modality:            first.str(tagModality),
		SOPClassUID:         first.str(tagSOPClassUID),
		SOPInstanceUID:      first.str(tagSOPInstanceUID),
		FrameOfReferenceUID: first.str(tagFrameOfReferenceUID),
		ImagePosition:       first.floats(tagImagePositionPatient),
		ImageOrientation:    first.floats(tagImageOrientation),
		PixelSpacing:        first.floats(tagPixelSpacing),
		SliceSpacing:        DefaultSliceSpacing,
		InstanceCount:       len(instances),
	}
	if info.SOPInstanceUID == "" {
		return nil, errors.New("series metadata is missing SOPInstanceUID")
	}
	if len(instances) > 1 {
		second := instances[1].floats(tagImagePositionPatient)
		if spacing := distance(info.ImagePosition, second); spacing > 0 {
			info.SliceSpacing = spacing
		}
	}
	return info, nil
}

func distance(a, b []float64) float64 {
	if len(a) != 3 || len(b) != 3 {
		return 0
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
