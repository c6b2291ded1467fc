package ups

// DICOM attribute tags used by the UPS-RS JSON encoding.
const (
	TagSOPClassUID                = "00080016"
	TagSOPInstanceUID             = "00080018"
	TagCodeValue                  = "00080100"
	TagCodingSchemeDesignator     = "00080102"
	TagCodeMeaning                = "00080104"
	TagRetrieveURL                = "00081190"
	TagStudyInstanceUID           = "0020000D"
	TagSeriesInstanceUID          = "0020000E"
	TagScheduledStartDateTime     = "00404005"
	TagScheduledWorkitemCodeSeq   = "00404018"
	TagInputInformationSeq        = "00404021"
	TagOutputInformationSeq       = "00404033"
	TagInputReadinessState        = "00404041"
	TagCancellationDateTime       = "00404052"
	TagRetrieveLocationUID        = "0040E011"
	TagTypeOfInstances            = "0040E020"
	TagWADORSRetrievalSeq         = "0040E025"
	TagProcedureStepState         = "00741000"
	TagProgressInformationSeq     = "00741002"
	TagProcedureStepProgress      = "00741004"
	TagProcedureStepProgressDesc  = "00741006"
	TagScheduledProcedurePriority = "00741200"
	TagWorklistLabel              = "00741202"
	TagProcedureStepLabel         = "00741204"
	TagReasonForCancellation      = "00741238"
)

// Fixed values written on every workitem.
const (
	UPSPushSOPClassUID  = "1.2.840.10008.5.1.4.34.6.1"
	WorklistLabel       = "AI-INFERENCE"
	ProcedureStepLabel  = "AI Model Inference"
	InputReadinessReady = "READY"
	TypeOfInstances     = "DICOM"

	// Scheduled workitem code: Computer Aided Detection (DCM 110004).
	WorkitemCodeValue   = "110004"
	WorkitemCodeScheme  = "DCM"
	WorkitemCodeMeaning = "Computer Aided Detection"

	// MediaType is the content type of an encoded workitem.
	MediaType = "application/dicom+json"
)

const dicomDateTime = "20060102150405"
