package modify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	suyash "github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/flatmapit/gopacs/internal/dicom"
	"github.com/flatmapit/gopacs/internal/errs"
	"github.com/flatmapit/gopacs/pkg/types"
)

func newTestDataset(t *testing.T) suyash.Dataset {
	t.Helper()

	ds := suyash.Dataset{}
	add := func(libTag tag.Tag, value string) {
		elem, err := suyash.NewElement(libTag, []string{value})
		require.NoError(t, err)
		ds.Elements = append(ds.Elements, elem)
	}

	add(tag.PatientID, "P1")
	add(tag.PatientName, "DOE^JOHN")
	add(tag.StudyInstanceUID, "1.2.3")
	add(tag.SeriesInstanceUID, "1.2.3.4")
	add(tag.SOPInstanceUID, "1.2.3.4.5")
	add(tag.SOPClassUID, "1.2.840.10008.5.1.4.1.1.7")
	add(tag.AccessionNumber, "ACC-17")
	add(tag.StudyDescription, "CT CHEST")

	// A private element; only the tag matters for stripping.
	ds.Elements = append(ds.Elements, &suyash.Element{
		Tag:                    tag.Tag{Group: 0x0009, Element: 0x1001},
		RawValueRepresentation: "LO",
	})

	return ds
}

func value(t *testing.T, ds suyash.Dataset, tg dicom.Tag) string {
	t.Helper()
	v, _ := dicom.GetTagValue(ds, tg)
	return v
}

func TestModificationRejectsIdentifierRemoval(t *testing.T) {
	for _, tg := range []dicom.Tag{
		dicom.TagPatientID,
		dicom.TagStudyInstanceUID,
		dicom.TagSeriesInstanceUID,
		dicom.TagSOPInstanceUID,
	} {
		m := New(dicom.NewUIDGenerator(""))
		m.Remove(tg)
		ds := newTestDataset(t)

		err := m.Apply(&ds)
		require.Error(t, err, "removing %s must be rejected", tg)
		assert.True(t, errs.Is(err, errs.BadRequest))
	}
}

func TestModificationRejectsReplacementAboveLevel(t *testing.T) {
	m := New(dicom.NewUIDGenerator(""))
	m.SetLevel(types.ResourceSeries)
	m.Replace(dicom.TagPatientID, "OTHER")

	ds := newTestDataset(t)
	err := m.Apply(&ds)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.BadRequest))

	m = New(dicom.NewUIDGenerator(""))
	m.SetLevel(types.ResourceInstance)
	m.Replace(dicom.TagStudyInstanceUID, "9.9.9")

	ds = newTestDataset(t)
	err = m.Apply(&ds)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.BadRequest))
}

func TestModificationPatientLevelNeedsPatientID(t *testing.T) {
	m := New(dicom.NewUIDGenerator(""))
	m.SetLevel(types.ResourcePatient)

	ds := newTestDataset(t)
	err := m.Apply(&ds)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.BadRequest))

	m.Replace(dicom.TagPatientID, "NEW-PATIENT")
	ds = newTestDataset(t)
	assert.NoError(t, m.Apply(&ds))
	assert.Equal(t, "NEW-PATIENT", value(t, ds, dicom.TagPatientID))
}

func TestModificationRemoveAndReplace(t *testing.T) {
	m := New(dicom.NewUIDGenerator(""))
	m.Remove(dicom.TagAccessionNumber)
	m.Replace(dicom.Tag{Group: 0x0008, Element: 0x1030}, "REDACTED") // StudyDescription
	m.Replace(dicom.TagStudyID, "STUDY-1")                           // insert-if-absent

	ds := newTestDataset(t)
	require.NoError(t, m.Apply(&ds))

	_, present := dicom.GetTagValue(ds, dicom.TagAccessionNumber)
	assert.False(t, present)
	assert.Equal(t, "REDACTED", value(t, ds, dicom.Tag{Group: 0x0008, Element: 0x1030}))
	assert.Equal(t, "STUDY-1", value(t, ds, dicom.TagStudyID))
}

func TestModificationKeepUndoesRemove(t *testing.T) {
	m := New(dicom.NewUIDGenerator(""))
	m.Remove(dicom.TagAccessionNumber)
	m.Keep(dicom.TagAccessionNumber)

	ds := newTestDataset(t)
	require.NoError(t, m.Apply(&ds))
	assert.Equal(t, "ACC-17", value(t, ds, dicom.TagAccessionNumber))
}

func TestModificationInstanceLevelRewritesOnlySOP(t *testing.T) {
	m := New(dicom.NewUIDGenerator(""))

	ds := newTestDataset(t)
	require.NoError(t, m.Apply(&ds))

	assert.Equal(t, "1.2.3", value(t, ds, dicom.TagStudyInstanceUID))
	assert.Equal(t, "1.2.3.4", value(t, ds, dicom.TagSeriesInstanceUID))
	assert.NotEqual(t, "1.2.3.4.5", value(t, ds, dicom.TagSOPInstanceUID))
}

func TestModificationSeriesLevelMemoization(t *testing.T) {
	m := New(dicom.NewUIDGenerator(""))
	m.SetLevel(types.ResourceSeries)

	first := newTestDataset(t)
	require.NoError(t, m.Apply(&first))

	second := newTestDataset(t)
	require.NoError(t, dicom.ReplaceTag(&second, dicom.TagSOPInstanceUID, "1.2.3.4.6"))
	require.NoError(t, m.Apply(&second))

	// Same original series and study: both instances land in the same
	// rewritten series.
	assert.Equal(t, value(t, first, dicom.TagSeriesInstanceUID),
		value(t, second, dicom.TagSeriesInstanceUID))
	assert.Equal(t, value(t, first, dicom.TagStudyInstanceUID),
		value(t, second, dicom.TagStudyInstanceUID))
	assert.NotEqual(t, value(t, first, dicom.TagSOPInstanceUID),
		value(t, second, dicom.TagSOPInstanceUID))

	// The rewrite changed the UIDs.
	assert.NotEqual(t, "1.2.3.4", value(t, first, dicom.TagSeriesInstanceUID))
	assert.NotEqual(t, "1.2.3", value(t, first, dicom.TagStudyInstanceUID))

	// The memoized mapping is recorded.
	mapped, ok := m.MappedUID(types.ResourceSeries, "1.2.3.4")
	assert.True(t, ok)
	assert.Equal(t, mapped, value(t, first, dicom.TagSeriesInstanceUID))
}

func TestModificationRewritesMediaStorageHeader(t *testing.T) {
	m := New(dicom.NewUIDGenerator(""))

	ds := newTestDataset(t)
	require.NoError(t, m.Apply(&ds))

	sop := value(t, ds, dicom.TagSOPInstanceUID)
	assert.Equal(t, sop, value(t, ds, dicom.TagMediaStorageSOPInstanceUID),
		"rewriting SOPInstanceUID must update the file meta header")
}

func TestAnonymizationPreset(t *testing.T) {
	m := New(dicom.NewUIDGenerator(""))
	m.SetupAnonymization()

	assert.Equal(t, types.ResourcePatient, m.Level())

	ds := newTestDataset(t)
	require.NoError(t, m.Apply(&ds))

	// Every basic-profile tag is gone.
	for _, tg := range BasicProfileRemovals() {
		_, present := dicom.GetTagValue(ds, tg)
		assert.False(t, present, "tag %s must be removed", tg)
	}

	// No private tag survives.
	for _, elem := range ds.Elements {
		assert.Zero(t, elem.Tag.Group%2, "private tag %v must be stripped", elem.Tag)
	}

	assert.Equal(t, "YES", value(t, ds, dicom.TagPatientIdentityRemoved))
	assert.NotEmpty(t, value(t, ds, dicom.TagDeidentificationMethod))

	// Fresh random identity, copied into the name.
	patientID := value(t, ds, dicom.TagPatientID)
	assert.NotEqual(t, "P1", patientID)
	assert.Equal(t, patientID, value(t, ds, dicom.TagPatientName))

	// The whole identifier chain is rewritten.
	assert.NotEqual(t, "1.2.3", value(t, ds, dicom.TagStudyInstanceUID))
	assert.NotEqual(t, "1.2.3.4", value(t, ds, dicom.TagSeriesInstanceUID))
	assert.NotEqual(t, "1.2.3.4.5", value(t, ds, dicom.TagSOPInstanceUID))
}

func TestAnonymizationTwoRunsDiffer(t *testing.T) {
	gen := dicom.NewUIDGenerator("")

	first := New(gen)
	first.SetupAnonymization()
	ds1 := newTestDataset(t)
	require.NoError(t, first.Apply(&ds1))

	second := New(gen)
	second.SetupAnonymization()
	ds2 := newTestDataset(t)
	require.NoError(t, second.Apply(&ds2))

	assert.NotEqual(t, value(t, ds1, dicom.TagPatientID), value(t, ds2, dicom.TagPatientID))
	assert.NotEqual(t, value(t, ds1, dicom.TagStudyInstanceUID), value(t, ds2, dicom.TagStudyInstanceUID))
}
