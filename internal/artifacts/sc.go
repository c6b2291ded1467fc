package artifacts

import (
	"fmt"
	"strconv"

	"github.com/suyashkumar/dicom"

	"upsrouter/internal/inference"
)

const (
	scStudyDescription = "AI Attention Heatmap Visualization"
	scSeriesNumber     = "999"
)

// attentionSC encodes the overlay volume as a multi-frame RGB Secondary
// Capture referencing both the source image and the SR it accompanies.
func (b *Builder) attentionSC(src source, volume *inference.Volume, sr *Artifact) (*Artifact, error) {
	e := &encoder{}
	now := b.now().UTC()
	seriesUID := b.newUID()
	instanceUID := b.newUID()

	elements := fileMeta(e, SecondaryCaptureClassUID, instanceUID)
	elements = append(elements,
		e.str(tagInstanceCreationDate, now.Format(dicomDate)),
		e.str(tagInstanceCreationTime, now.Format(dicomTime)),
		e.str(tagSOPClassUID, SecondaryCaptureClassUID),
		e.str(tagSOPInstanceUID, instanceUID),
		e.str(tagContentDate, now.Format(dicomDate)),
		e.str(tagContentTime, now.Format(dicomTime)),
		e.str(tagModality, "SC"),
		e.str(tagConversionType, "DF"),
		e.str(tagManufacturer, foldText(b.aiName)),
		e.str(tagStudyDescription, scStudyDescription),
		e.str(tagSeriesDescription, foldText(b.aiName+" - Complete 3D Attention Heatmap")),
		e.str(tagManufacturerModelName, foldText(b.aiName)),
		src.referencedImage(e),
		e.seq(tagReferencedInstanceSequence, []*dicom.Element{
			e.str(tagReferencedSOPClassUID, sr.SOPClassUID),
			e.str(tagReferencedSOPInstanceUID, sr.SOPInstanceUID),
		}),
	)
	elements = append(elements, src.patientAndStudy(e)...)
	elements = append(elements,
		e.str(tagSeriesInstanceUID, seriesUID),
		e.str(tagSeriesNumber, scSeriesNumber),
		e.str(tagInstanceNumber, "1"),
	)
	elements = append(elements, b.spatial(e, src, volume.Frames)...)
	elements = append(elements,
		e.ints(tagSamplesPerPixel, volume.Samples),
		e.str(tagPhotometricInterpretation, "RGB"),
		e.ints(tagPlanarConfiguration, 0),
		e.str(tagNumberOfFrames, strconv.Itoa(volume.Frames)),
		e.ints(tagRows, volume.Rows),
		e.ints(tagColumns, volume.Columns),
		e.ints(tagBitsAllocated, 8),
		e.ints(tagBitsStored, 8),
		e.ints(tagHighBit, 7),
		e.ints(tagPixelRepresentation, 0),
		e.bytes(tagPixelData, volume.Pixels),
	)

	data, err := encode(e, elements)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", LabelMultiFrame, err)
	}
	return &Artifact{
		Label:          LabelMultiFrame,
		Data:           data,
		StudyUID:       src.studyUID,
		SeriesUID:      seriesUID,
		SOPClassUID:    SecondaryCaptureClassUID,
		SOPInstanceUID: instanceUID,
	}, nil
}

// spatial registers the overlay to the source series: shared orientation and
// pixel spacing, plus one plane position per frame.
func (b *Builder) spatial(e *encoder, src source, frames int) []*dicom.Element {
	orientation := src.ImageOrientation
	if len(orientation) != 6 {
		orientation = []float64{1, 0, 0, 0, 1, 0}
	}
	positions := FramePositions(src.ImagePosition, orientation, src.SliceSpacing, frames)

	var list []*dicom.Element
	if src.FrameOfReferenceUID != "" {
		list = append(list, e.str(tagFrameOfReferenceUID, src.FrameOfReferenceUID))
	}
	list = append(list,
		e.str(tagImagePositionPatient, formatDSList(positions[0])...),
		e.str(tagImageOrientationPatient, formatDSList(orientation)...),
	)
	if len(src.PixelSpacing) == 2 {
		list = append(list, e.str(tagPixelSpacing, formatDSList(src.PixelSpacing)...))
	}

	shared := []*dicom.Element{
		e.seq(tagPlaneOrientationSequence, []*dicom.Element{
			e.str(tagImageOrientationPatient, formatDSList(orientation)...),
		}),
	}
	perFrame := make([][]*dicom.Element, len(positions))
	for i, pos := range positions {
		perFrame[i] = []*dicom.Element{
			e.seq(tagPlanePositionSequence, []*dicom.Element{
				e.str(tagImagePositionPatient, formatDSList(pos)...),
			}),
		}
	}
	return append(list,
		e.seq(tagSharedFunctionalGroupsSequence, shared),
		e.seq(tagPerFrameFunctionalGroupsSequence, perFrame...),
	)
}

// FramePositions returns the Image Position (Patient) of each frame: the
// first position advanced by spacing along the slice normal (row × column
// direction cosines). A missing first position starts at the origin and a
// non-positive spacing falls back to one millimetre.
func FramePositions(first, orientation []float64, spacing float64, frames int) [][]float64 {
	if frames < 1 {
		frames = 1
	}
	origin := []float64{0, 0, 0}
	if len(first) == 3 {
		origin = first
	}
	if spacing <= 0 {
		spacing = 1
	}
	normal := []float64{0, 0, 1}
	if len(orientation) == 6 {
		row, col := orientation[:3], orientation[3:]
		normal = []float64{
			row[1]*col[2] - row[2]*col[1],
			row[2]*col[0] - row[0]*col[2],
			row[0]*col[1] - row[1]*col[0],
		}
	}
	out := make([][]float64, frames)
	for i := range out {
		step := float64(i) * spacing
		out[i] = []float64{
			origin[0] + step*normal[0],
			origin[1] + step*normal[1],
			origin[2] + step*normal[2],
		}
	}
	return out
}
