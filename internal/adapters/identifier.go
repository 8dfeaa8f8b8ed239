package adapters

import (
	"bytes"
	"fmt"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/otcheredev/ris-dicom-connector/internal/models"
)

// This file builds and parses C-FIND/C-MOVE query identifiers and STOW-RS
// payload datasets. Unlike pkg/dimse/dimsemsg (the fixed-shape, always
// Implicit-VR-LE command set), identifiers are arbitrary DICOM datasets in
// the association's negotiated transfer syntax, so this layer goes through
// suyashkumar/dicom's general codec rather than hand-rolling one.

func stringElement(t tag.Tag, v string) (*dicom.Element, error) {
	return dicom.NewElement(t, []string{v})
}

func encodeDataset(elements ...*dicom.Element) ([]byte, error) {
	var filtered []*dicom.Element
	for _, e := range elements {
		if e != nil {
			filtered = append(filtered, e)
		}
	}
	ds := dicom.Dataset{Elements: filtered}
	var buf bytes.Buffer
	if err := dicom.Write(&buf, ds); err != nil {
		return nil, fmt.Errorf("encoding dataset: %w", err)
	}
	return buf.Bytes(), nil
}

func parseDataset(raw []byte) (dicom.Dataset, error) {
	return dicom.Parse(bytes.NewReader(raw), int64(len(raw)), nil)
}

func getString(ds dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el.Value == nil {
		return ""
	}
	if strs, ok := el.Value.GetValue().([]string); ok && len(strs) > 0 {
		return strs[0]
	}
	return ""
}

func getStrings(ds dicom.Dataset, t tag.Tag) []string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el.Value == nil {
		return nil
	}
	if strs, ok := el.Value.GetValue().([]string); ok {
		return strs
	}
	return nil
}

func getInt(ds dicom.Dataset, t tag.Tag) int {
	el, err := ds.FindElementByTag(t)
	if err != nil || el.Value == nil {
		return 0
	}
	switch v := el.Value.GetValue().(type) {
	case []int:
		if len(v) > 0 {
			return v[0]
		}
	case []string:
		if len(v) > 0 {
			var n int
			fmt.Sscanf(v[0], "%d", &n)
			return n
		}
	}
	return 0
}

// buildStudyQueryIdentifier builds a STUDY-level C-FIND identifier from
// QIDO-RS search params (§4.7). Empty matching keys mean "return this
// attribute, match anything" per PS3.4 C.2.2.2.
func buildStudyQueryIdentifier(params models.QueryParams) ([]byte, error) {
	level, _ := stringElement(tag.QueryRetrieveLevel, "STUDY")
	patientID, _ := stringElement(tag.PatientID, params.PatientID)
	patientName, _ := stringElement(tag.PatientName, params.PatientName)
	studyDate, _ := stringElement(tag.StudyDate, params.StudyDate)
	studyTime, _ := stringElement(tag.StudyTime, params.StudyTime)
	accession, _ := stringElement(tag.AccessionNumber, params.AccessionNumber)
	modality, _ := stringElement(tag.ModalitiesInStudy, params.Modality)
	description, _ := stringElement(tag.StudyDescription, params.StudyDescription)
	studyUID, _ := stringElement(tag.StudyInstanceUID, "")
	refPhysician, _ := stringElement(tag.ReferringPhysicianName, "")
	birthDate, _ := stringElement(tag.PatientBirthDate, "")
	sex, _ := stringElement(tag.PatientSex, "")
	numSeries, _ := stringElement(tag.NumberOfStudyRelatedSeries, "")
	numInstances, _ := stringElement(tag.NumberOfStudyRelatedInstances, "")

	return encodeDataset(level, patientID, patientName, studyDate, studyTime,
		accession, modality, description, studyUID, refPhysician, birthDate,
		sex, numSeries, numInstances)
}

func buildSeriesQueryIdentifier(studyUID string) ([]byte, error) {
	level, _ := stringElement(tag.QueryRetrieveLevel, "SERIES")
	study, _ := stringElement(tag.StudyInstanceUID, studyUID)
	series, _ := stringElement(tag.SeriesInstanceUID, "")
	number, _ := stringElement(tag.SeriesNumber, "")
	modality, _ := stringElement(tag.Modality, "")
	description, _ := stringElement(tag.SeriesDescription, "")
	date, _ := stringElement(tag.SeriesDate, "")
	timeEl, _ := stringElement(tag.SeriesTime, "")
	numInstances, _ := stringElement(tag.NumberOfSeriesRelatedInstances, "")
	return encodeDataset(level, study, series, number, modality, description, date, timeEl, numInstances)
}

func buildInstanceQueryIdentifier(studyUID, seriesUID string) ([]byte, error) {
	level, _ := stringElement(tag.QueryRetrieveLevel, "IMAGE")
	study, _ := stringElement(tag.StudyInstanceUID, studyUID)
	series, _ := stringElement(tag.SeriesInstanceUID, seriesUID)
	sopInstance, _ := stringElement(tag.SOPInstanceUID, "")
	sopClass, _ := stringElement(tag.SOPClassUID, "")
	number, _ := stringElement(tag.InstanceNumber, "")
	rows, _ := stringElement(tag.Rows, "")
	columns, _ := stringElement(tag.Columns, "")
	bitsAllocated, _ := stringElement(tag.BitsAllocated, "")
	numFrames, _ := stringElement(tag.NumberOfFrames, "")
	return encodeDataset(level, study, series, sopInstance, sopClass, number, rows, columns, bitsAllocated, numFrames)
}

func buildRetrieveIdentifier(level, studyUID, seriesUID, instanceUID string) ([]byte, error) {
	lvl, _ := stringElement(tag.QueryRetrieveLevel, level)
	elements := []*dicom.Element{lvl}
	if studyUID != "" {
		e, _ := stringElement(tag.StudyInstanceUID, studyUID)
		elements = append(elements, e)
	}
	if seriesUID != "" {
		e, _ := stringElement(tag.SeriesInstanceUID, seriesUID)
		elements = append(elements, e)
	}
	if instanceUID != "" {
		e, _ := stringElement(tag.SOPInstanceUID, instanceUID)
		elements = append(elements, e)
	}
	return encodeDataset(elements...)
}

func identifierToStudy(raw []byte) (models.Study, error) {
	ds, err := parseDataset(raw)
	if err != nil {
		return models.Study{}, err
	}
	return models.Study{
		StudyInstanceUID:   getString(ds, tag.StudyInstanceUID),
		PatientID:          getString(ds, tag.PatientID),
		PatientName:        getString(ds, tag.PatientName),
		PatientBirthDate:   getString(ds, tag.PatientBirthDate),
		PatientSex:         getString(ds, tag.PatientSex),
		StudyDate:          getString(ds, tag.StudyDate),
		StudyTime:          getString(ds, tag.StudyTime),
		StudyDescription:   getString(ds, tag.StudyDescription),
		AccessionNumber:    getString(ds, tag.AccessionNumber),
		ReferringPhysician: getString(ds, tag.ReferringPhysicianName),
		NumberOfSeries:     getInt(ds, tag.NumberOfStudyRelatedSeries),
		NumberOfInstances:  getInt(ds, tag.NumberOfStudyRelatedInstances),
		ModalitiesInStudy:  getStrings(ds, tag.ModalitiesInStudy),
	}, nil
}

func identifierToSeries(raw []byte) (models.Series, error) {
	ds, err := parseDataset(raw)
	if err != nil {
		return models.Series{}, err
	}
	return models.Series{
		SeriesInstanceUID:  getString(ds, tag.SeriesInstanceUID),
		SeriesNumber:       getInt(ds, tag.SeriesNumber),
		Modality:           getString(ds, tag.Modality),
		SeriesDescription:  getString(ds, tag.SeriesDescription),
		SeriesDate:         getString(ds, tag.SeriesDate),
		SeriesTime:         getString(ds, tag.SeriesTime),
		BodyPartExamined:   getString(ds, tag.BodyPartExamined),
		NumberOfInstances:  getInt(ds, tag.NumberOfSeriesRelatedInstances),
		ProtocolName:       getString(ds, tag.ProtocolName),
		PerformedProcedure: getString(ds, tag.PerformedProcedureStepDescription),
	}, nil
}

func identifierToInstance(raw []byte) (models.Instance, error) {
	ds, err := parseDataset(raw)
	if err != nil {
		return models.Instance{}, err
	}
	return models.Instance{
		SOPInstanceUID:            getString(ds, tag.SOPInstanceUID),
		SOPClassUID:               getString(ds, tag.SOPClassUID),
		InstanceNumber:            getInt(ds, tag.InstanceNumber),
		TransferSyntaxUID:         getString(ds, tag.TransferSyntaxUID),
		Rows:                      getInt(ds, tag.Rows),
		Columns:                   getInt(ds, tag.Columns),
		BitsAllocated:             getInt(ds, tag.BitsAllocated),
		BitsStored:                getInt(ds, tag.BitsStored),
		HighBit:                   getInt(ds, tag.HighBit),
		PixelRepresentation:       getInt(ds, tag.PixelRepresentation),
		PhotometricInterpretation: getString(ds, tag.PhotometricInterpretation),
		SamplesPerPixel:           getInt(ds, tag.SamplesPerPixel),
		NumberOfFrames:            getInt(ds, tag.NumberOfFrames),
	}, nil
}
