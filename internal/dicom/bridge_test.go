package dicom

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flatmapit/gopacs/pkg/types"
)

func buildFile(t *testing.T, replacements map[string]string) []byte {
	t.Helper()

	ds, err := CreateDataset(CreateOptions{Replacements: replacements}, NewUIDGenerator(""))
	require.NoError(t, err)

	data, err := SerializeFile(ds)
	require.NoError(t, err)
	return data
}

func TestFileRoundTrip(t *testing.T) {
	data := buildFile(t, map[string]string{
		"PatientID":        "P1",
		"PatientName":      "DOE^JOHN",
		"StudyInstanceUID": "1.2.3",
	})

	ds, err := ParseFile(data)
	require.NoError(t, err)

	value, ok := GetTagValue(ds, TagPatientID)
	require.True(t, ok)
	assert.Equal(t, "P1", value)

	value, ok = GetTagValue(ds, TagStudyInstanceUID)
	require.True(t, ok)
	assert.Equal(t, "1.2.3", value)
}

func TestParseFileRejectsGarbage(t *testing.T) {
	_, err := ParseFile([]byte("certainly not a dicom file"))
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	data := buildFile(t, map[string]string{
		"PatientID":   "P1",
		"PatientName": "DOE^JOHN",
		"Modality":    "CT",
	})

	ds, err := ParseFile(data)
	require.NoError(t, err)

	summary := Summarize(ds)
	assert.Equal(t, "P1", summary.GetString(TagPatientID, ""))
	assert.Equal(t, "CT", summary.GetString(TagModality, ""))

	// The file meta group stays out of the summary.
	assert.False(t, summary.Has(TagTransferSyntaxUID))
	assert.False(t, summary.Has(TagMediaStorageSOPInstanceUID))
}

func TestToJSONProjection(t *testing.T) {
	long := strings.Repeat("x", ValueTooLongThreshold+10)
	data := buildFile(t, map[string]string{
		"PatientID":        "P1",
		"StudyDescription": long,
	})

	ds, err := ParseFile(data)
	require.NoError(t, err)

	projection := ToJSON(ds)

	entry, ok := projection["0010,0020"]
	require.True(t, ok)
	assert.Equal(t, "PatientID", entry.Name)
	assert.Equal(t, "String", entry.Type)
	assert.Equal(t, "P1", entry.Value)

	entry, ok = projection["0008,1030"]
	require.True(t, ok)
	assert.Equal(t, "TooLong", entry.Type)
	assert.Nil(t, entry.Value, "overlong values are withheld")

	_, ok = projection["0002,0010"]
	assert.False(t, ok, "the file meta group stays out of the projection")
}

func TestReplaceTagUpdatesMediaStorage(t *testing.T) {
	data := buildFile(t, map[string]string{"PatientID": "P1"})
	ds, err := ParseFile(data)
	require.NoError(t, err)

	require.NoError(t, ReplaceTag(&ds, TagSOPInstanceUID, "9.8.7"))

	value, _ := GetTagValue(ds, TagSOPInstanceUID)
	assert.Equal(t, "9.8.7", value)
	value, _ = GetTagValue(ds, TagMediaStorageSOPInstanceUID)
	assert.Equal(t, "9.8.7", value)
}

func TestRemoveTag(t *testing.T) {
	data := buildFile(t, map[string]string{
		"PatientID":       "P1",
		"AccessionNumber": "ACC-1",
	})
	ds, err := ParseFile(data)
	require.NoError(t, err)

	RemoveTag(&ds, TagAccessionNumber)
	_, ok := GetTagValue(ds, TagAccessionNumber)
	assert.False(t, ok)
}

// encodeExplicitElement renders one short-form explicit VR element.
func encodeExplicitElement(t Tag, vr, value string) []byte {
	payload := []byte(value)
	if len(payload)%2 == 1 {
		pad := byte(0x20)
		if vr == "UI" {
			pad = 0x00
		}
		payload = append(payload, pad)
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, t.Group)
	binary.Write(&buf, binary.LittleEndian, t.Element)
	buf.WriteString(vr)
	binary.Write(&buf, binary.LittleEndian, uint16(len(payload)))
	buf.Write(payload)
	return buf.Bytes()
}

func TestWrapWithMeta(t *testing.T) {
	var dataset bytes.Buffer
	dataset.Write(encodeExplicitElement(TagSOPClassUID, "UI", "1.2.840.10008.5.1.4.1.1.7"))
	dataset.Write(encodeExplicitElement(TagSOPInstanceUID, "UI", "1.2.3.4.5"))
	dataset.Write(encodeExplicitElement(TagPatientID, "LO", "P1"))

	file := WrapWithMeta(dataset.Bytes(), "1.2.840.10008.5.1.4.1.1.7", "1.2.3.4.5",
		types.ExplicitVRLittleEndian)

	// The preamble and magic are in place.
	require.Greater(t, len(file), 132)
	assert.Equal(t, "DICM", string(file[128:132]))

	// The regular parser accepts the wrapped payload.
	ds, err := ParseFile(file)
	require.NoError(t, err)

	value, ok := GetTagValue(ds, TagPatientID)
	require.True(t, ok)
	assert.Equal(t, "P1", value)

	value, ok = GetTagValue(ds, TagSOPInstanceUID)
	require.True(t, ok)
	assert.Equal(t, "1.2.3.4.5", value)
}
