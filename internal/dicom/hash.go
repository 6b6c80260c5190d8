package dicom

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"github.com/flatmapit/gopacs/internal/errs"
	"github.com/flatmapit/gopacs/pkg/types"
)

// InstanceHasher derives the four public resource identifiers of the
// patient/study/series/instance chain from the four DICOM identifiers of
// one instance. The derivation is deterministic, so any two instances
// sharing identifiers collapse onto the same resources.
type InstanceHasher struct {
	patientID string
	studyUID  string
	seriesUID string
	sopUID    string
}

// NewInstanceHasher extracts the four identifiers from a summary map.
// Every identifier except PatientID must be present.
func NewInstanceHasher(summary Map) (*InstanceHasher, error) {
	h := &InstanceHasher{
		// A missing PatientID is tolerated (some modalities omit it);
		// the empty string then identifies the anonymous patient.
		patientID: summary.GetString(TagPatientID, ""),
		studyUID:  summary.GetString(TagStudyInstanceUID, ""),
		seriesUID: summary.GetString(TagSeriesInstanceUID, ""),
		sopUID:    summary.GetString(TagSOPInstanceUID, ""),
	}

	if h.studyUID == "" || h.seriesUID == "" || h.sopUID == "" {
		return nil, errs.New(errs.BadFileFormat, "missing DICOM identifiers in instance")
	}
	return h, nil
}

// formatHash renders a SHA-1 digest as dash-separated groups of eight hex
// characters.
func formatHash(payload string) string {
	sum := sha1.Sum([]byte(payload))
	hexsum := hex.EncodeToString(sum[:])

	groups := make([]string, 0, 5)
	for i := 0; i < len(hexsum); i += 8 {
		groups = append(groups, hexsum[i:i+8])
	}
	return strings.Join(groups, "-")
}

// HashPatient returns the public identifier of the patient resource.
func (h *InstanceHasher) HashPatient() string {
	return formatHash(h.patientID)
}

// HashStudy returns the public identifier of the study resource.
func (h *InstanceHasher) HashStudy() string {
	return formatHash(h.patientID + "|" + h.studyUID)
}

// HashSeries returns the public identifier of the series resource.
func (h *InstanceHasher) HashSeries() string {
	return formatHash(h.patientID + "|" + h.studyUID + "|" + h.seriesUID)
}

// HashInstance returns the public identifier of the instance resource.
func (h *InstanceHasher) HashInstance() string {
	return formatHash(h.patientID + "|" + h.studyUID + "|" + h.seriesUID + "|" + h.sopUID)
}

// Hash returns the public identifier at the requested level.
func (h *InstanceHasher) Hash(level types.ResourceType) string {
	switch level {
	case types.ResourcePatient:
		return h.HashPatient()
	case types.ResourceStudy:
		return h.HashStudy()
	case types.ResourceSeries:
		return h.HashSeries()
	default:
		return h.HashInstance()
	}
}

// PatientID returns the raw PatientID used for the derivation.
func (h *InstanceHasher) PatientID() string {
	return h.patientID
}
