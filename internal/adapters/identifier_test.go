package adapters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/otcheredev/ris-dicom-connector/internal/models"
)

func TestBuildAndParseStudyQueryIdentifierRoundTrip(t *testing.T) {
	params := models.QueryParams{
		PatientID:        "PAT001",
		PatientName:      "DOE^JANE",
		StudyDate:        "20260101",
		AccessionNumber:  "ACC42",
		Modality:         "CT",
		StudyDescription: "CHEST",
	}

	raw, err := buildStudyQueryIdentifier(params)
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	study, err := identifierToStudy(raw)
	require.NoError(t, err)
	assert.Equal(t, "PAT001", study.PatientID)
	assert.Equal(t, "DOE^JANE", study.PatientName)
	assert.Equal(t, "20260101", study.StudyDate)
	assert.Equal(t, "ACC42", study.AccessionNumber)
	assert.Equal(t, "CHEST", study.StudyDescription)
}

func TestBuildSeriesQueryIdentifierCarriesLevelAndStudyUID(t *testing.T) {
	raw, err := buildSeriesQueryIdentifier("1.2.3.4.5")
	require.NoError(t, err)

	ds, err := parseDataset(raw)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4.5", getString(ds, tag.StudyInstanceUID))

	series, err := identifierToSeries(raw)
	require.NoError(t, err)
	// Series-specific fields come back empty (they were blank matching
	// keys); this only exercises that the identifier round-trips.
	assert.Equal(t, "", series.SeriesInstanceUID)
}

func TestBuildInstanceQueryIdentifierRoundTrip(t *testing.T) {
	raw, err := buildInstanceQueryIdentifier("1.2.3", "4.5.6")
	require.NoError(t, err)

	ds, err := parseDataset(raw)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", getString(ds, tag.StudyInstanceUID))
	assert.Equal(t, "4.5.6", getString(ds, tag.SeriesInstanceUID))

	instance, err := identifierToInstance(raw)
	require.NoError(t, err)
	assert.Equal(t, "", instance.SOPInstanceUID) // blank matching key
}

func TestBuildRetrieveIdentifierOmitsEmptyUIDs(t *testing.T) {
	raw, err := buildRetrieveIdentifier("STUDY", "1.2.3", "", "")
	require.NoError(t, err)

	ds, err := parseDataset(raw)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", getString(ds, tag.StudyInstanceUID))
	assert.Equal(t, "", getString(ds, tag.SeriesInstanceUID))
	assert.Equal(t, "", getString(ds, tag.SOPInstanceUID))
}

func TestIdentifierToStudyParsesPopulatedResponseIdentifier(t *testing.T) {
	raw, err := buildStudyQueryIdentifier(models.QueryParams{PatientID: "PAT1"})
	require.NoError(t, err)

	study, err := identifierToStudy(raw)
	require.NoError(t, err)
	assert.Equal(t, "PAT1", study.PatientID)
}
