package artifacts

import (
	"fmt"
	"strings"

	"github.com/suyashkumar/dicom"

	"upsrouter/internal/inference"
)

const (
	srStudyDescription  = "AI Classification Report"
	srSeriesDescription = "Automated Diagnostic Findings"
	srSeriesNumber      = "998"
)

var (
	codeDiagnosticImagingReport = code{"18748-4", "LN", "Diagnostic Imaging Report"}
	codeMalignant               = code{"86049000", "SCT", "Malignant"}
	codeBenign                  = code{"108369006", "SCT", "Benign"}
	codeAIModel                 = code{"12710003", "SCT", "AI Model"}
	codePercent                 = code{"%", "UCUM", "percent"}
)

func sideConcept(side, suffix string) code {
	return code{"R-00339", "SRT", side + " Side " + suffix}
}

// bilateralSR encodes the per-side findings as a Comprehensive SR document.
func (b *Builder) bilateralSR(src source, res *inference.Result, label string) (*Artifact, error) {
	e := &encoder{}
	now := b.now().UTC()
	seriesUID := b.newUID()
	instanceUID := b.newUID()

	content := [][]*dicom.Element{
		b.sideItem(e, "Left", res.Left),
		b.sideItem(e, "Right", res.Right),
		b.modelItem(e, res.ModelMetadata),
	}

	elements := fileMeta(e, ComprehensiveSRClassUID, instanceUID)
	elements = append(elements,
		e.str(tagInstanceCreationDate, now.Format(dicomDate)),
		e.str(tagInstanceCreationTime, now.Format(dicomTime)),
		e.str(tagSOPClassUID, ComprehensiveSRClassUID),
		e.str(tagSOPInstanceUID, instanceUID),
		e.str(tagContentDate, now.Format(dicomDate)),
		e.str(tagContentTime, now.Format(dicomTime)),
		e.str(tagModality, "SR"),
		e.str(tagManufacturer, foldText(b.aiName)),
		e.str(tagStudyDescription, srStudyDescription),
		e.str(tagSeriesDescription, srSeriesDescription),
		src.referencedImage(e),
	)
	elements = append(elements, src.patientAndStudy(e)...)
	elements = append(elements,
		e.str(tagSeriesInstanceUID, seriesUID),
		e.str(tagSeriesNumber, srSeriesNumber),
		e.str(tagInstanceNumber, "1"),
		e.str(tagValueType, "CONTAINER"),
		e.code(tagConceptNameCodeSequence, codeDiagnosticImagingReport),
		e.str(tagContinuityOfContent, "SEPARATE"),
		e.str(tagCompletionFlag, "COMPLETE"),
		e.str(tagVerificationFlag, "UNVERIFIED"),
		e.seq(tagContentSequence, content...),
	)

	data, err := encode(e, elements)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", label, err)
	}
	return &Artifact{
		Label:          label,
		Data:           data,
		StudyUID:       src.studyUID,
		SeriesUID:      seriesUID,
		SOPClassUID:    ComprehensiveSRClassUID,
		SOPInstanceUID: instanceUID,
	}, nil
}

// sideItem is a coded finding with its confidence, or a text note when the
// model could not analyze that side.
func (b *Builder) sideItem(e *encoder, side string, result *inference.SideResult) []*dicom.Element {
	if result == nil || result.Error != "" {
		reason := "Analysis failed"
		if result != nil {
			reason = result.Error
		}
		return []*dicom.Element{
			e.str(tagRelationshipType, "CONTAINS"),
			e.str(tagValueType, "TEXT"),
			e.code(tagConceptNameCodeSequence, sideConcept(side, "Analysis")),
			e.str(tagTextValue, foldText(reason)),
		}
	}

	finding := codeBenign
	if result.Malignant() {
		finding = codeMalignant
	}
	return []*dicom.Element{
		e.str(tagRelationshipType, "CONTAINS"),
		e.str(tagValueType, "CODE"),
		e.code(tagConceptNameCodeSequence, sideConcept(side, "Probability")),
		e.code(tagConceptCodeSequence, finding),
		e.seq(tagMeasuredValueSequence, []*dicom.Element{
			e.code(tagMeasurementUnitsCodeSequence, codePercent),
			e.str(tagNumericValue, formatDS(result.Confidence)),
		}),
	}
}

// modelItem identifies the model from the response metadata, falling back
// to the configured identity.
func (b *Builder) modelItem(e *encoder, meta *inference.ModelMetadata) []*dicom.Element {
	name, architecture, version := b.aiName, b.algorithmName, b.algorithmVersion
	if meta != nil {
		name = orUnknown(meta.ModelName)
		architecture = orUnknown(meta.Architecture)
		version = orUnknown(meta.Version)
	}
	return []*dicom.Element{
		e.str(tagRelationshipType, "CONTAINS"),
		e.str(tagValueType, "CODE"),
		e.code(tagConceptNameCodeSequence, codeAIModel),
		e.str(tagTextValue, foldText(name)),
		e.str(tagAlgorithmName, foldText(architecture)),
		e.str(tagAlgorithmVersion, foldText(version)),
	}
}

func orUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return unknownModelField
	}
	return v
}
