package artifacts

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	tagFileMetaInformationVersion = tag.Tag{Group: 0x0002, Element: 0x0001}
	tagMediaStorageSOPClassUID    = tag.Tag{Group: 0x0002, Element: 0x0002}
	tagMediaStorageSOPInstanceUID = tag.Tag{Group: 0x0002, Element: 0x0003}
	tagTransferSyntaxUID          = tag.Tag{Group: 0x0002, Element: 0x0010}
	tagImplementationClassUID     = tag.Tag{Group: 0x0002, Element: 0x0012}

	tagInstanceCreationDate       = tag.Tag{Group: 0x0008, Element: 0x0012}
	tagInstanceCreationTime       = tag.Tag{Group: 0x0008, Element: 0x0013}
	tagSOPClassUID                = tag.Tag{Group: 0x0008, Element: 0x0016}
	tagSOPInstanceUID             = tag.Tag{Group: 0x0008, Element: 0x0018}
	tagStudyDate                  = tag.Tag{Group: 0x0008, Element: 0x0020}
	tagContentDate                = tag.Tag{Group: 0x0008, Element: 0x0023}
	tagStudyTime                  = tag.Tag{Group: 0x0008, Element: 0x0030}
	tagContentTime                = tag.Tag{Group: 0x0008, Element: 0x0033}
	tagAccessionNumber            = tag.Tag{Group: 0x0008, Element: 0x0050}
	tagModality                   = tag.Tag{Group: 0x0008, Element: 0x0060}
	tagConversionType             = tag.Tag{Group: 0x0008, Element: 0x0064}
	tagManufacturer               = tag.Tag{Group: 0x0008, Element: 0x0070}
	tagCodeValue                  = tag.Tag{Group: 0x0008, Element: 0x0100}
	tagCodingSchemeDesignator     = tag.Tag{Group: 0x0008, Element: 0x0102}
	tagCodeMeaning                = tag.Tag{Group: 0x0008, Element: 0x0104}
	tagStudyDescription           = tag.Tag{Group: 0x0008, Element: 0x1030}
	tagSeriesDescription          = tag.Tag{Group: 0x0008, Element: 0x103E}
	tagManufacturerModelName      = tag.Tag{Group: 0x0008, Element: 0x1090}
	tagReferencedImageSequence    = tag.Tag{Group: 0x0008, Element: 0x1140}
	tagReferencedInstanceSequence = tag.Tag{Group: 0x0008, Element: 0x114A}
	tagReferencedSOPClassUID      = tag.Tag{Group: 0x0008, Element: 0x1150}
	tagReferencedSOPInstanceUID   = tag.Tag{Group: 0x0008, Element: 0x1155}

	tagPatientName      = tag.Tag{Group: 0x0010, Element: 0x0010}
	tagPatientID        = tag.Tag{Group: 0x0010, Element: 0x0020}
	tagPatientBirthDate = tag.Tag{Group: 0x0010, Element: 0x0030}
	tagPatientSex       = tag.Tag{Group: 0x0010, Element: 0x0040}

	tagStudyInstanceUID          = tag.Tag{Group: 0x0020, Element: 0x000D}
	tagSeriesInstanceUID         = tag.Tag{Group: 0x0020, Element: 0x000E}
	tagStudyID                   = tag.Tag{Group: 0x0020, Element: 0x0010}
	tagSeriesNumber              = tag.Tag{Group: 0x0020, Element: 0x0011}
	tagInstanceNumber            = tag.Tag{Group: 0x0020, Element: 0x0013}
	tagImagePositionPatient      = tag.Tag{Group: 0x0020, Element: 0x0032}
	tagImageOrientationPatient   = tag.Tag{Group: 0x0020, Element: 0x0037}
	tagFrameOfReferenceUID       = tag.Tag{Group: 0x0020, Element: 0x0052}
	tagPlanePositionSequence     = tag.Tag{Group: 0x0020, Element: 0x9113}
	tagPlaneOrientationSequence  = tag.Tag{Group: 0x0020, Element: 0x9116}
	tagSamplesPerPixel           = tag.Tag{Group: 0x0028, Element: 0x0002}
	tagPhotometricInterpretation = tag.Tag{Group: 0x0028, Element: 0x0004}
	tagPlanarConfiguration       = tag.Tag{Group: 0x0028, Element: 0x0006}
	tagNumberOfFrames            = tag.Tag{Group: 0x0028, Element: 0x0008}
	tagRows                      = tag.Tag{Group: 0x0028, Element: 0x0010}
	tagColumns                   = tag.Tag{Group: 0x0028, Element: 0x0011}
	tagPixelSpacing              = tag.Tag{Group: 0x0028, Element: 0x0030}
	tagBitsAllocated             = tag.Tag{Group: 0x0028, Element: 0x0100}
	tagBitsStored                = tag.Tag{Group: 0x0028, Element: 0x0101}
	tagHighBit                   = tag.Tag{Group: 0x0028, Element: 0x0102}
	tagPixelRepresentation       = tag.Tag{Group: 0x0028, Element: 0x0103}

	tagMeasurementUnitsCodeSequence = tag.Tag{Group: 0x0040, Element: 0x08EA}
	tagRelationshipType             = tag.Tag{Group: 0x0040, Element: 0xA010}
	tagValueType                    = tag.Tag{Group: 0x0040, Element: 0xA040}
	tagConceptNameCodeSequence      = tag.Tag{Group: 0x0040, Element: 0xA043}
	tagContinuityOfContent          = tag.Tag{Group: 0x0040, Element: 0xA050}
	tagTextValue                    = tag.Tag{Group: 0x0040, Element: 0xA160}
	tagConceptCodeSequence          = tag.Tag{Group: 0x0040, Element: 0xA168}
	tagMeasuredValueSequence        = tag.Tag{Group: 0x0040, Element: 0xA300}
	tagNumericValue                 = tag.Tag{Group: 0x0040, Element: 0xA30A}
	tagCompletionFlag               = tag.Tag{Group: 0x0040, Element: 0xA491}
	tagVerificationFlag             = tag.Tag{Group: 0x0040, Element: 0xA493}
	tagContentSequence              = tag.Tag{Group: 0x0040, Element: 0xA730}

	tagAlgorithmVersion = tag.Tag{Group: 0x0066, Element: 0x0031}
	tagAlgorithmName    = tag.Tag{Group: 0x0066, Element: 0x0036}

	tagSharedFunctionalGroupsSequence   = tag.Tag{Group: 0x5200, Element: 0x9229}
	tagPerFrameFunctionalGroupsSequence = tag.Tag{Group: 0x5200, Element: 0x9230}

	tagPixelData = tag.Tag{Group: 0x7FE0, Element: 0x0010}
)

const (
	explicitVRLittleEndian = "1.2.840.10008.1.2.1"
	implementationClassUID = "1.2.826.0.1.3680043.10.1452"
	dicomDate              = "20060102"
	dicomTime              = "150405"
	maxDSLength            = 16
)

// code is a coded concept triplet.
type code struct {
	value   string
	scheme  string
	meaning string
}

// encoder builds elements and keeps the first construction failure so call
// sites can nest sequences without checking every element.
type encoder struct {
	err error
}

func (e *encoder) el(t tag.Tag, value any) *dicom.Element {
	if e.err != nil {
		return nil
	}
	elem, err := dicom.NewElement(t, value)
	if err != nil {
		e.err = fmt.Errorf("build element %s: %w", t, err)
		return nil
	}
	return elem
}

func (e *encoder) str(t tag.Tag, values ...string) *dicom.Element {
	return e.el(t, values)
}

func (e *encoder) ints(t tag.Tag, values ...int) *dicom.Element {
	return e.el(t, values)
}

func (e *encoder) seq(t tag.Tag, items ...[]*dicom.Element) *dicom.Element {
	return e.el(t, items)
}

func (e *encoder) code(t tag.Tag, c code) *dicom.Element {
	return e.seq(t, []*dicom.Element{
		e.str(tagCodeValue, c.value),
		e.str(tagCodingSchemeDesignator, c.scheme),
		e.str(tagCodeMeaning, c.meaning),
	})
}

// bytes builds an OB element. Odd lengths are padded with a zero byte.
func (e *encoder) bytes(t tag.Tag, data []byte) *dicom.Element {
	if e.err != nil {
		return nil
	}
	if len(data)%2 != 0 {
		data = append(data[:len(data):len(data)], 0)
	}
	value, err := dicom.NewValue(data)
	if err != nil {
		e.err = fmt.Errorf("build element %s: %w", t, err)
		return nil
	}
	return &dicom.Element{
		Tag:                    t,
		ValueRepresentation:    tag.VRBytes,
		RawValueRepresentation: "OB",
		ValueLength:            uint32(len(data)),
		Value:                  value,
	}
}

// optional appends elem only when the source value is present.
func (e *encoder) optional(list []*dicom.Element, t tag.Tag, value string) []*dicom.Element {
	if strings.TrimSpace(value) == "" {
		return list
	}
	return append(list, e.str(t, value))
}

func formatDS(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "0"
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if len(s) <= maxDSLength {
		return s
	}
	for prec := 10; prec > 0; prec-- {
		s = strconv.FormatFloat(v, 'g', prec, 64)
		if len(s) <= maxDSLength {
			break
		}
	}
	return s
}

func formatDSList(values []float64) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = formatDS(v)
	}
	return out
}

// foldText reduces free text to the default character repertoire so result
// objects can omit Specific Character Set. Accents are dropped and any rune
// still outside printable ASCII becomes '?'.
func foldText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII || (r < 0x20 && r != '\n' && r != '\r') {
			return '?'
		}
		return r
	}, folded)
}
