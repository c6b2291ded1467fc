package artifacts

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/suyashkumar/dicom"

	"upsrouter/internal/config"
	"upsrouter/internal/dicomweb"
	"upsrouter/internal/inference"
	"upsrouter/internal/ups"
)

// Artifact labels reported in logs and upload outcomes.
const (
	LabelBilateral    = "SR-Bilateral"
	LabelBilateralMST = "SR-Bilateral-MST"
	LabelMultiFrame   = "SC-MultiFrame"
)

// SOP classes of generated objects.
const (
	ComprehensiveSRClassUID  = "1.2.840.10008.5.1.4.1.1.88.33"
	SecondaryCaptureClassUID = "1.2.840.10008.5.1.4.1.1.7"
)

const (
	defaultSourceSOPClassUID = "1.2.840.10008.5.1.4.1.1.4"
	defaultModelArchitecture = "ResNet-50"
	defaultModelVersion      = "1.2.3"
	unknownModelField        = "Unknown"
)

// Artifact is one encoded Part 10 object ready for upload.
type Artifact struct {
	Label          string
	Data           []byte
	StudyUID       string
	SeriesUID      string
	SOPClassUID    string
	SOPInstanceUID string
}

// Builder turns inference results into artifacts stamped with the configured
// model identity.
type Builder struct {
	aiName           string
	algorithmName    string
	algorithmVersion string
	now              func() time.Time
	newUID           func() string
}

// NewBuilder returns a builder for the artifacts section of cfg.
func NewBuilder(cfg *config.Config) *Builder {
	b := &Builder{
		aiName:           strings.TrimSpace(cfg.Artifacts.AIName),
		algorithmName:    strings.TrimSpace(cfg.Artifacts.AlgorithmName),
		algorithmVersion: strings.TrimSpace(cfg.Artifacts.AlgorithmVersion),
		now:              time.Now,
		newUID:           ups.NewUID,
	}
	if b.algorithmName == "" {
		b.algorithmName = defaultModelArchitecture
	}
	if b.algorithmVersion == "" {
		b.algorithmVersion = defaultModelVersion
	}
	return b
}

// Build produces the artifacts for one response. studyUID is used when the
// series metadata carries no Study Instance UID.
func (b *Builder) Build(studyUID string, res *inference.Result, format inference.Format, series *dicomweb.SeriesInfo) ([]Artifact, error) {
	if res == nil {
		return nil, errors.New("no inference result")
	}
	if series == nil {
		series = &dicomweb.SeriesInfo{}
	}
	src := newSource(studyUID, series)

	switch format {
	case inference.FormatBilateral:
		sr, err := b.bilateralSR(src, res, LabelBilateral)
		if err != nil {
			return nil, err
		}
		return []Artifact{*sr}, nil
	case inference.FormatBilateralWithHeatmap:
		sr, err := b.bilateralSR(src, res, LabelBilateralMST)
		if err != nil {
			return nil, err
		}
		out := []Artifact{*sr}
		if res.AttentionMaps.HasData() {
			volume, err := res.AttentionMaps.Decode()
			if err != nil {
				return nil, fmt.Errorf("attention maps: %w", err)
			}
			sc, err := b.attentionSC(src, volume, sr)
			if err != nil {
				return nil, err
			}
			out = append(out, *sc)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q", inference.ErrUnknownFormat, format)
	}
}

// source is the identifying context copied from the analyzed series.
type source struct {
	*dicomweb.SeriesInfo
	studyUID    string
	sopClassUID string
}

func newSource(studyUID string, info *dicomweb.SeriesInfo) source {
	src := source{SeriesInfo: info, studyUID: info.StudyInstanceUID, sopClassUID: info.SOPClassUID}
	if src.studyUID == "" {
		src.studyUID = studyUID
	}
	if src.sopClassUID == "" {
		src.sopClassUID = defaultSourceSOPClassUID
	}
	return src
}

// patientAndStudy returns the patient and study module elements shared by
// every generated object.
func (s source) patientAndStudy(e *encoder) []*dicom.Element {
	list := []*dicom.Element{
		e.str(tagPatientName, foldText(s.PatientName)),
		e.str(tagPatientID, s.PatientID),
		e.str(tagStudyInstanceUID, s.studyUID),
	}
	list = e.optional(list, tagPatientBirthDate, s.PatientBirthDate)
	list = e.optional(list, tagPatientSex, s.PatientSex)
	list = e.optional(list, tagStudyDate, s.StudyDate)
	list = e.optional(list, tagStudyTime, s.StudyTime)
	list = e.optional(list, tagStudyID, s.StudyID)
	list = e.optional(list, tagAccessionNumber, s.AccessionNumber)
	return list
}

func (s source) referencedImage(e *encoder) *dicom.Element {
	return e.seq(tagReferencedImageSequence, []*dicom.Element{
		e.str(tagReferencedSOPClassUID, s.sopClassUID),
		e.str(tagReferencedSOPInstanceUID, s.SOPInstanceUID),
	})
}

// fileMeta returns the group 0002 elements for an object.
func fileMeta(e *encoder, sopClassUID, sopInstanceUID string) []*dicom.Element {
	return []*dicom.Element{
		e.el(tagFileMetaInformationVersion, []byte{0x00, 0x01}),
		e.str(tagMediaStorageSOPClassUID, sopClassUID),
		e.str(tagMediaStorageSOPInstanceUID, sopInstanceUID),
		e.str(tagTransferSyntaxUID, explicitVRLittleEndian),
		e.str(tagImplementationClassUID, implementationClassUID),
	}
}

func encode(e *encoder, elements []*dicom.Element) ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	sortElements(elements)
	var buf bytes.Buffer
	ds := dicom.Dataset{Elements: elements}
	if err := dicom.Write(&buf, ds, dicom.SkipVRVerification(), dicom.SkipValueTypeVerification()); err != nil {
		return nil, fmt.Errorf("write dataset: %w", err)
	}
	return buf.Bytes(), nil
}

// sortElements orders elements by tag, recursing into sequence items.
func sortElements(elements []*dicom.Element) {
	slices.SortStableFunc(elements, func(a, b *dicom.Element) int {
		if c := cmp.Compare(a.Tag.Group, b.Tag.Group); c != 0 {
			return c
		}
		return cmp.Compare(a.Tag.Element, b.Tag.Element)
	})
	for _, elem := range elements {
		items, ok := elem.Value.GetValue().([]*dicom.SequenceItemValue)
		if !ok {
			continue
		}
		for _, item := range items {
			if nested, ok := item.GetValue().([]*dicom.Element); ok {
				sortElements(nested)
			}
		}
	}
}
