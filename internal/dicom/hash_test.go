package dicom

import (
	"crypto/sha1"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flatmapit/gopacs/pkg/types"
)

func summaryFor(patient, study, series, sop string) Map {
	m := NewMap()
	m.SetString(TagPatientID, patient)
	m.SetString(TagStudyInstanceUID, study)
	m.SetString(TagSeriesInstanceUID, series)
	m.SetString(TagSOPInstanceUID, sop)
	return m
}

func manualHash(t *testing.T, payload string) string {
	t.Helper()
	sum := sha1.Sum([]byte(payload))
	h := hex.EncodeToString(sum[:])
	return h[0:8] + "-" + h[8:16] + "-" + h[16:24] + "-" + h[24:32] + "-" + h[32:40]
}

func TestInstanceHasherDerivation(t *testing.T) {
	hasher, err := NewInstanceHasher(summaryFor("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5"))
	require.NoError(t, err)

	assert.Equal(t, manualHash(t, "P1"), hasher.HashPatient())
	assert.Equal(t, manualHash(t, "P1|1.2.3"), hasher.HashStudy())
	assert.Equal(t, manualHash(t, "P1|1.2.3|1.2.3.4"), hasher.HashSeries())
	assert.Equal(t, manualHash(t, "P1|1.2.3|1.2.3.4|1.2.3.4.5"), hasher.HashInstance())
}

func TestInstanceHasherFormat(t *testing.T) {
	hasher, err := NewInstanceHasher(summaryFor("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5"))
	require.NoError(t, err)

	id := hasher.HashInstance()
	assert.Len(t, id, 44, "five groups of eight hex chars, four dashes")
	assert.Regexp(t, `^[0-9a-f]{8}(-[0-9a-f]{8}){4}$`, id)
}

func TestInstanceHasherDeterministic(t *testing.T) {
	a, err := NewInstanceHasher(summaryFor("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5"))
	require.NoError(t, err)
	b, err := NewInstanceHasher(summaryFor("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5"))
	require.NoError(t, err)

	for _, level := range []types.ResourceType{
		types.ResourcePatient, types.ResourceStudy, types.ResourceSeries, types.ResourceInstance,
	} {
		assert.Equal(t, a.Hash(level), b.Hash(level))
	}
}

func TestInstanceHasherDistinguishesLevels(t *testing.T) {
	h1, err := NewInstanceHasher(summaryFor("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5"))
	require.NoError(t, err)
	h2, err := NewInstanceHasher(summaryFor("P1", "1.2.3", "1.2.3.4", "1.2.3.4.6"))
	require.NoError(t, err)

	assert.Equal(t, h1.HashSeries(), h2.HashSeries())
	assert.NotEqual(t, h1.HashInstance(), h2.HashInstance())
}

func TestInstanceHasherMissingIdentifiers(t *testing.T) {
	m := summaryFor("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5")
	m.Remove(TagSeriesInstanceUID)

	_, err := NewInstanceHasher(m)
	assert.Error(t, err)
}

func TestInstanceHasherAnonymousPatient(t *testing.T) {
	m := summaryFor("", "1.2.3", "1.2.3.4", "1.2.3.4.5")
	m.Remove(TagPatientID)

	hasher, err := NewInstanceHasher(m)
	require.NoError(t, err)
	assert.Equal(t, manualHash(t, ""), hasher.HashPatient())
}
