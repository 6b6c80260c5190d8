package index

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flatmapit/gopacs/internal/dicom"
	"github.com/flatmapit/gopacs/internal/errs"
	"github.com/flatmapit/gopacs/pkg/types"
)

// recordingListener captures deletion side effects for assertions.
type recordingListener struct {
	deletedFiles []string
	ancestorID   string
	ancestorType types.ResourceType
	gotAncestor  bool
}

func (l *recordingListener) Reset() {
	l.deletedFiles = nil
	l.ancestorID = ""
	l.ancestorType = 0
	l.gotAncestor = false
}

func (l *recordingListener) SignalFileDeleted(info types.FileInfo) {
	l.deletedFiles = append(l.deletedFiles, info.UUID)
}

func (l *recordingListener) SignalRemainingAncestor(t types.ResourceType, publicID string) {
	l.ancestorType = t
	l.ancestorID = publicID
	l.gotAncestor = true
}

func openTestIndex(t *testing.T) (*Index, *recordingListener) {
	t.Helper()
	listener := &recordingListener{}
	idx, err := Open(":memory:", listener)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx, listener
}

func TestIndexSimple(t *testing.T) {
	idx, listener := openTestIndex(t)

	var a [7]int64
	require.NoError(t, idx.Update(func(tx *Tx) error {
		specs := []struct {
			publicID string
			level    types.ResourceType
		}{
			{"a", types.ResourcePatient},
			{"b", types.ResourceStudy},
			{"c", types.ResourceSeries},
			{"d", types.ResourceInstance},
			{"e", types.ResourceInstance},
			{"f", types.ResourceInstance},
			{"g", types.ResourceStudy},
		}
		for i, s := range specs {
			id, err := tx.CreateResource(s.publicID, s.level)
			require.NoError(t, err)
			a[i] = id
		}

		require.NoError(t, tx.AttachChild(a[0], a[1]))
		require.NoError(t, tx.AttachChild(a[1], a[2]))
		require.NoError(t, tx.AttachChild(a[2], a[3]))
		require.NoError(t, tx.AttachChild(a[2], a[4]))
		require.NoError(t, tx.AttachChild(a[6], a[5]))
		return nil
	}))

	require.NoError(t, idx.View(func(tx *Tx) error {
		pub, err := tx.GetPublicID(a[4])
		require.NoError(t, err)
		assert.Equal(t, "e", pub)

		level, err := tx.GetResourceType(a[6])
		require.NoError(t, err)
		assert.Equal(t, types.ResourceStudy, level)

		_, ok := tx.LookupParent(a[0])
		assert.False(t, ok)
		parent, ok := tx.LookupParent(a[3])
		assert.True(t, ok)
		assert.Equal(t, a[2], parent)

		pub, ok = tx.GetParentPublicID(a[5])
		assert.True(t, ok)
		assert.Equal(t, "g", pub)

		assert.ElementsMatch(t, []string{"d", "e"}, tx.GetChildrenPublicID(a[2]))
		assert.Empty(t, tx.GetChildrenPublicID(a[3]))

		assert.ElementsMatch(t, []string{"b", "g"}, tx.GetAllPublicIDs(types.ResourceStudy))
		assert.ElementsMatch(t, []string{"a"}, tx.GetAllPublicIDs(types.ResourcePatient))
		return nil
	}))

	require.NoError(t, idx.Update(func(tx *Tx) error {
		assert.Empty(t, tx.ListAvailableMetadata(a[4]))

		jsonInfo := types.FileInfo{
			UUID: "my json file", ContentType: types.ContentDicomAsJson,
			UncompressedSize: 42, UncompressedMD5: "md5",
			Compression: types.CompressionZlib, CompressedSize: 21, CompressedMD5: "compressedMD5",
		}
		require.NoError(t, tx.AddAttachment(a[4], jsonInfo))
		require.NoError(t, tx.AddAttachment(a[4], types.NewFileInfo("my dicom file", types.ContentDicom, 42, "md5")))
		require.NoError(t, tx.AddAttachment(a[6], types.NewFileInfo("world", types.ContentDicom, 44, "md5")))

		require.NoError(t, tx.SetMetadata(a[4], types.MetadataRemoteAET, "PINNACLE"))
		assert.Equal(t, []types.MetadataType{types.MetadataRemoteAET}, tx.ListAvailableMetadata(a[4]))

		require.NoError(t, tx.SetMetadata(a[4], types.MetadataModifiedFrom, "TUTU"))
		assert.Len(t, tx.ListAvailableMetadata(a[4]), 2)
		tx.DeleteMetadata(a[4], types.MetadataModifiedFrom)
		assert.Equal(t, []types.MetadataType{types.MetadataRemoteAET}, tx.ListAvailableMetadata(a[4]))

		assert.Equal(t, "PINNACLE", tx.GetMetadata(a[4], types.MetadataRemoteAET, "None"))
		assert.Equal(t, "None", tx.GetMetadata(a[4], types.MetadataIndexInSeries, "None"))

		stats := tx.GetStatistics()
		assert.Equal(t, uint64(21+42+44), stats.TotalCompressedSize)
		assert.Equal(t, uint64(42+42+44), stats.TotalUncompressedSize)

		att, ok := tx.LookupAttachment(a[4], types.ContentDicomAsJson)
		require.True(t, ok)
		assert.Equal(t, "my json file", att.UUID)
		assert.Equal(t, uint64(21), att.CompressedSize)
		assert.Equal(t, "compressedMD5", att.CompressedMD5)
		assert.Equal(t, types.CompressionZlib, att.Compression)
		return nil
	}))

	// Deleting the patient cascades through b, c, d, e; the two blobs of
	// instance e must be signalled.
	require.NoError(t, idx.Update(func(tx *Tx) error {
		return tx.DeleteResource(a[0])
	}))
	assert.ElementsMatch(t, []string{"my json file", "my dicom file"}, listener.deletedFiles)

	require.NoError(t, idx.View(func(tx *Tx) error {
		assert.False(t, tx.IsExistingResource(a[0]))
		assert.False(t, tx.IsExistingResource(a[4]))
		assert.True(t, tx.IsExistingResource(a[6]))
		return nil
	}))
}

func TestIndexUpwardDeletion(t *testing.T) {
	idx, listener := openTestIndex(t)

	var a [8]int64
	require.NoError(t, idx.Update(func(tx *Tx) error {
		specs := []struct {
			publicID string
			level    types.ResourceType
		}{
			{"a", types.ResourcePatient},
			{"b", types.ResourceStudy},
			{"c", types.ResourceSeries},
			{"d", types.ResourceInstance},
			{"e", types.ResourceInstance},
			{"f", types.ResourceStudy},
			{"g", types.ResourceSeries},
			{"h", types.ResourceSeries},
		}
		for i, s := range specs {
			id, err := tx.CreateResource(s.publicID, s.level)
			require.NoError(t, err)
			a[i] = id
		}

		require.NoError(t, tx.AttachChild(a[0], a[1]))
		require.NoError(t, tx.AttachChild(a[1], a[2]))
		require.NoError(t, tx.AttachChild(a[2], a[3]))
		require.NoError(t, tx.AttachChild(a[2], a[4]))
		require.NoError(t, tx.AttachChild(a[1], a[6]))
		require.NoError(t, tx.AttachChild(a[0], a[5]))
		require.NoError(t, tx.AttachChild(a[5], a[7]))
		return nil
	}))

	deleteOne := func(id int64) {
		listener.Reset()
		require.NoError(t, idx.Update(func(tx *Tx) error {
			return tx.DeleteResource(id)
		}))
	}

	deleteOne(a[3])
	assert.Equal(t, "c", listener.ancestorID)
	assert.Equal(t, types.ResourceSeries, listener.ancestorType)

	deleteOne(a[4])
	assert.Equal(t, "b", listener.ancestorID)
	assert.Equal(t, types.ResourceStudy, listener.ancestorType)

	deleteOne(a[7])
	assert.Equal(t, "a", listener.ancestorID)
	assert.Equal(t, types.ResourcePatient, listener.ancestorType)

	deleteOne(a[6])
	assert.True(t, listener.gotAncestor)
	assert.Equal(t, "", listener.ancestorID, "no ancestor survives")
}

func TestIndexPatientRecycling(t *testing.T) {
	idx, listener := openTestIndex(t)

	patients := make([]int64, 10)
	require.NoError(t, idx.Update(func(tx *Tx) error {
		for i := range patients {
			name := fmt.Sprintf("Patient %d", i)
			id, err := tx.CreateResource(name, types.ResourcePatient)
			require.NoError(t, err)
			patients[i] = id
			require.NoError(t, tx.AddAttachment(id, types.NewFileInfo(name, types.ContentDicom, uint64(i+10), "md5")))
			assert.False(t, tx.IsProtectedPatient(id))
		}
		return nil
	}))

	require.NoError(t, idx.Update(func(tx *Tx) error {
		require.NoError(t, tx.DeleteResource(patients[5]))
		require.NoError(t, tx.DeleteResource(patients[0]))
		return nil
	}))
	assert.Equal(t, []string{"Patient 5", "Patient 0"}, listener.deletedFiles)

	expected := []int{1, 2, 3, 4, 6}
	for _, want := range expected {
		require.NoError(t, idx.Update(func(tx *Tx) error {
			id, ok := tx.SelectPatientToRecycle()
			require.True(t, ok)
			assert.Equal(t, patients[want], id)
			return tx.DeleteResource(id)
		}))
	}

	require.NoError(t, idx.Update(func(tx *Tx) error {
		require.NoError(t, tx.DeleteResource(patients[8]))
		id, ok := tx.SelectPatientToRecycle()
		require.True(t, ok)
		assert.Equal(t, patients[7], id)
		require.NoError(t, tx.DeleteResource(id))

		id, ok = tx.SelectPatientToRecycle()
		require.True(t, ok)
		assert.Equal(t, patients[9], id)
		require.NoError(t, tx.DeleteResource(id))

		_, ok = tx.SelectPatientToRecycle()
		assert.False(t, ok)

		stats := tx.GetStatistics()
		assert.Zero(t, stats.CountPatients)
		return nil
	}))

	assert.Len(t, listener.deletedFiles, 10)
}

func TestIndexPatientProtection(t *testing.T) {
	idx, listener := openTestIndex(t)

	patients := make([]int64, 5)
	require.NoError(t, idx.Update(func(tx *Tx) error {
		for i := range patients {
			name := fmt.Sprintf("Patient %d", i)
			id, err := tx.CreateResource(name, types.ResourcePatient)
			require.NoError(t, err)
			patients[i] = id
			require.NoError(t, tx.AddAttachment(id, types.NewFileInfo(name, types.ContentDicom, uint64(i+10), "md5")))
		}

		// Protection is idempotent both ways.
		assert.False(t, tx.IsProtectedPatient(patients[2]))
		tx.SetProtectedPatient(patients[2], true)
		assert.True(t, tx.IsProtectedPatient(patients[2]))
		tx.SetProtectedPatient(patients[2], true)
		assert.True(t, tx.IsProtectedPatient(patients[2]))
		tx.SetProtectedPatient(patients[2], false)
		assert.False(t, tx.IsProtectedPatient(patients[2]))
		tx.SetProtectedPatient(patients[2], false)
		assert.False(t, tx.IsProtectedPatient(patients[2]))

		// Protect 2, unprotect it (goes to the back), then protect 3.
		tx.SetProtectedPatient(patients[2], true)
		tx.SetProtectedPatient(patients[2], false)
		tx.SetProtectedPatient(patients[3], true)
		return nil
	}))

	require.NoError(t, idx.Update(func(tx *Tx) error {
		id, ok := tx.SelectPatientToRecycle()
		require.True(t, ok)
		assert.Equal(t, patients[0], id)
		require.NoError(t, tx.DeleteResource(id))

		// Avoiding patient 1 yields patient 4 (2 moved to the back).
		id, ok = tx.SelectPatientToRecycle(patients[1])
		require.True(t, ok)
		assert.Equal(t, patients[4], id)

		id, ok = tx.SelectPatientToRecycle()
		require.True(t, ok)
		assert.Equal(t, patients[1], id)
		require.NoError(t, tx.DeleteResource(id))

		id, ok = tx.SelectPatientToRecycle()
		require.True(t, ok)
		assert.Equal(t, patients[4], id)
		require.NoError(t, tx.DeleteResource(id))

		// Only patient 2 remains recyclable; avoiding it yields nothing.
		_, ok = tx.SelectPatientToRecycle(patients[2])
		assert.False(t, ok)
		id, ok = tx.SelectPatientToRecycle()
		require.True(t, ok)
		assert.Equal(t, patients[2], id)
		require.NoError(t, tx.DeleteResource(id))

		// Patient 3 is still protected.
		_, ok = tx.SelectPatientToRecycle()
		assert.False(t, ok)

		stats := tx.GetStatistics()
		assert.Equal(t, uint64(1), stats.CountPatients)

		tx.SetProtectedPatient(patients[3], false)
		_, ok = tx.SelectPatientToRecycle(patients[3])
		assert.False(t, ok)
		id, ok = tx.SelectPatientToRecycle()
		require.True(t, ok)
		assert.Equal(t, patients[3], id)
		require.NoError(t, tx.DeleteResource(id))
		return nil
	}))

	assert.Len(t, listener.deletedFiles, 5)
}

func TestIndexGlobalSequence(t *testing.T) {
	idx, _ := openTestIndex(t)

	require.NoError(t, idx.Update(func(tx *Tx) error {
		for want := uint64(1); want <= 4; want++ {
			assert.Equal(t, want, tx.IncrementGlobalSequence("AnonymizationSequence"))
		}
		return nil
	}))
}

func TestIndexGlobalProperties(t *testing.T) {
	idx, _ := openTestIndex(t)

	require.NoError(t, idx.Update(func(tx *Tx) error {
		tx.SetGlobalProperty("FlushSleep", "World")

		v, ok := tx.LookupGlobalProperty("FlushSleep")
		assert.True(t, ok)
		assert.Equal(t, "World", v)

		_, ok = tx.LookupGlobalProperty("Unknown42")
		assert.False(t, ok)
		assert.Equal(t, "None", tx.GetGlobalProperty("Unknown42", "None"))
		return nil
	}))
}

func TestIndexLookupTagValue(t *testing.T) {
	idx, _ := openTestIndex(t)

	var a [4]int64
	require.NoError(t, idx.Update(func(tx *Tx) error {
		for i, spec := range []struct {
			publicID string
			level    types.ResourceType
			tag      dicom.Tag
			value    string
		}{
			{"a", types.ResourceStudy, dicom.TagStudyInstanceUID, "0"},
			{"b", types.ResourceStudy, dicom.TagStudyInstanceUID, "1"},
			{"c", types.ResourceStudy, dicom.TagStudyInstanceUID, "0"},
			{"d", types.ResourceSeries, dicom.TagSeriesInstanceUID, "0"},
		} {
			id, err := tx.CreateResource(spec.publicID, spec.level)
			require.NoError(t, err)
			a[i] = id

			tags := dicom.NewMap()
			tags.SetString(spec.tag, spec.value)
			require.NoError(t, tx.SetMainDicomTags(id, tags))
		}
		return nil
	}))

	require.NoError(t, idx.View(func(tx *Tx) error {
		assert.ElementsMatch(t, []int64{a[0], a[2]}, tx.LookupTagValue(dicom.TagStudyInstanceUID, "0"))
		assert.ElementsMatch(t, []int64{a[1]}, tx.LookupTagValue(dicom.TagStudyInstanceUID, "1"))
		assert.ElementsMatch(t, []int64{a[3]}, tx.LookupTagValue(dicom.TagSeriesInstanceUID, "0"))
		assert.Empty(t, tx.LookupTagValue(dicom.TagSOPInstanceUID, "0"))
		return nil
	}))
}

func TestIndexChanges(t *testing.T) {
	idx, _ := openTestIndex(t)

	require.NoError(t, idx.Update(func(tx *Tx) error {
		require.NoError(t, tx.LogChange(types.ChangeNewInstance, types.ResourceInstance, "i1"))
		require.NoError(t, tx.LogChange(types.ChangeNewSeries, types.ResourceSeries, "s1"))
		require.NoError(t, tx.LogChange(types.ChangeNewInstance, types.ResourceInstance, "i2"))
		return nil
	}))

	require.NoError(t, idx.View(func(tx *Tx) error {
		changes, done := tx.GetChanges(0, 10)
		assert.True(t, done)
		require.Len(t, changes, 3)
		assert.Equal(t, "i1", changes[0].PublicID)
		assert.Equal(t, "s1", changes[1].PublicID)
		assert.Equal(t, "i2", changes[2].PublicID)
		assert.Less(t, changes[0].Seq, changes[1].Seq)
		assert.Less(t, changes[1].Seq, changes[2].Seq)

		changes, done = tx.GetChanges(changes[0].Seq, 1)
		assert.False(t, done)
		require.Len(t, changes, 1)
		assert.Equal(t, "s1", changes[0].PublicID)

		last, ok := tx.GetLastChange()
		require.True(t, ok)
		assert.Equal(t, "i2", last.PublicID)
		return nil
	}))

	require.NoError(t, idx.Update(func(tx *Tx) error {
		tx.ClearChanges()
		changes, done := tx.GetChanges(0, 10)
		assert.True(t, done)
		assert.Empty(t, changes)
		return nil
	}))
}

func TestIndexSchemaVersionMismatch(t *testing.T) {
	path := t.TempDir() + "/index.db"

	idx, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, idx.Update(func(tx *Tx) error {
		tx.SetGlobalProperty("DatabaseSchemaVersion", "999")
		return nil
	}))
	require.NoError(t, idx.Close())

	_, err = Open(path, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.IncompatibleDatabaseVersion))
}

func TestIndexAttachmentReplacement(t *testing.T) {
	idx, listener := openTestIndex(t)

	require.NoError(t, idx.Update(func(tx *Tx) error {
		id, err := tx.CreateResource("i", types.ResourceInstance)
		require.NoError(t, err)

		require.NoError(t, tx.AddAttachment(id, types.NewFileInfo("first", types.ContentDicom, 10, "a")))
		require.NoError(t, tx.AddAttachment(id, types.NewFileInfo("second", types.ContentDicom, 20, "b")))

		att, ok := tx.LookupAttachment(id, types.ContentDicom)
		require.True(t, ok)
		assert.Equal(t, "second", att.UUID)

		stats := tx.GetStatistics()
		assert.Equal(t, uint64(20), stats.TotalUncompressedSize)
		return nil
	}))

	assert.Equal(t, []string{"first"}, listener.deletedFiles)
}
