// Package sopclass lists the DICOM SOP class UIDs used during association
// negotiation.
//
// https://www.dicomlibrary.com/dicom/sop/
package sopclass

type SOPUID struct {
	Name string
	UID  string
}

// For issuing C-ECHO.
var VerificationClasses = []SOPUID{
	{"VerificationSOPClass", "1.2.840.10008.1.1"},
}

// For issuing C-STORE or C-GET. Trimmed to the common imaging modalities;
// extend with your own SOPUID values for anything more exotic.
var StorageClasses = []SOPUID{
	{"ComputedRadiographyImageStorage", "1.2.840.10008.5.1.4.1.1.1"},
	{"DigitalXRayImagePresentationStorage", "1.2.840.10008.5.1.4.1.1.1.1"},
	{"DigitalMammographyXRayImagePresentationStorage", "1.2.840.10008.5.1.4.1.1.1.2"},
	{"CTImageStorage", "1.2.840.10008.5.1.4.1.1.2"},
	{"EnhancedCTImageStorage", "1.2.840.10008.5.1.4.1.1.2.1"},
	{"UltrasoundMultiframeImageStorage", "1.2.840.10008.5.1.4.1.1.3.1"},
	{"MRImageStorage", "1.2.840.10008.5.1.4.1.1.4"},
	{"EnhancedMRImageStorage", "1.2.840.10008.5.1.4.1.1.4.1"},
	{"UltrasoundImageStorage", "1.2.840.10008.5.1.4.1.1.6.1"},
	{"SecondaryCaptureImageStorage", "1.2.840.10008.5.1.4.1.1.7"},
	{"XRayAngiographicImageStorage", "1.2.840.10008.5.1.4.1.1.12.1"},
	{"XRayRadiofluoroscopicImageStorage", "1.2.840.10008.5.1.4.1.1.12.2"},
	{"NuclearMedicineImageStorage", "1.2.840.10008.5.1.4.1.1.20"},
	{"SegmentationStorage", "1.2.840.10008.5.1.4.1.1.66.4"},
	{"VLEndoscopicImageStorage", "1.2.840.10008.5.1.4.1.1.77.1.1"},
	{"VLMicroscopicImageStorage", "1.2.840.10008.5.1.4.1.1.77.1.2"},
	{"VLPhotographicImageStorage", "1.2.840.10008.5.1.4.1.1.77.1.4"},
	{"OphthalmicPhotography8BitImageStorage", "1.2.840.10008.5.1.4.1.1.77.1.5.1"},
	{"BasicTextSRStorage", "1.2.840.10008.5.1.4.1.1.88.11"},
	{"EnhancedSRStorage", "1.2.840.10008.5.1.4.1.1.88.22"},
	{"ComprehensiveSRStorage", "1.2.840.10008.5.1.4.1.1.88.33"},
	{"EncapsulatedPDFStorage", "1.2.840.10008.5.1.4.1.1.104.1"},
	{"PositronEmissionTomographyImageStorage", "1.2.840.10008.5.1.4.1.1.128"},
	{"RTImageStorage", "1.2.840.10008.5.1.4.1.1.481.1"},
	{"RTDoseStorage", "1.2.840.10008.5.1.4.1.1.481.2"},
	{"RTStructureSetStorage", "1.2.840.10008.5.1.4.1.1.481.3"},
	{"RTPlanStorage", "1.2.840.10008.5.1.4.1.1.481.5"},
}

// For issuing C-FIND.
var QRFindClasses = []SOPUID{
	{"PatientRootQueryRetrieveInformationModelFind", "1.2.840.10008.5.1.4.1.2.1.1"},
	{"StudyRootQueryRetrieveInformationModelFind", "1.2.840.10008.5.1.4.1.2.2.1"},
	{"PatientStudyOnlyQueryRetrieveInformationModelFind", "1.2.840.10008.5.1.4.1.2.3.1"},
	{"ModalityWorklistInformationFind", "1.2.840.10008.5.1.4.31"},
}

// For issuing C-MOVE.
var QRMoveClasses = []SOPUID{
	{"PatientRootQueryRetrieveInformationModelMove", "1.2.840.10008.5.1.4.1.2.1.2"},
	{"StudyRootQueryRetrieveInformationModelMove", "1.2.840.10008.5.1.4.1.2.2.2"},
	{"PatientStudyOnlyQueryRetrieveInformationModelMove", "1.2.840.10008.5.1.4.1.2.3.2"},
}

// For issuing C-GET.
var QRGetClasses = []SOPUID{
	{"PatientRootQueryRetrieveInformationModelGet", "1.2.840.10008.5.1.4.1.2.1.3"},
	{"StudyRootQueryRetrieveInformationModelGet", "1.2.840.10008.5.1.4.1.2.2.3"},
	{"PatientStudyOnlyQueryRetrieveInformationModelGet", "1.2.840.10008.5.1.4.1.2.3.3"},
}
