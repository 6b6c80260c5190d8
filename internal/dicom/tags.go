// Package dicom is the bridge between parsed DICOM datasets and the
// internal neutral representation used by the index and the protocol
// layers: the DicomMap, its JSON projection, identifier hashing and UID
// generation.
package dicom

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/flatmapit/gopacs/pkg/types"
)

// Tag is a DICOM (group, element) pair.
type Tag struct {
	Group   uint16
	Element uint16
}

// String formats the tag as "gggg,eeee".
func (t Tag) String() string {
	return fmt.Sprintf("%04x,%04x", t.Group, t.Element)
}

// IsPrivate reports whether the tag belongs to a private (odd) group.
func (t Tag) IsPrivate() bool {
	return t.Group%2 == 1
}

// ParseTag parses "gggg,eeee" (hex) into a Tag.
func ParseTag(s string) (Tag, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return Tag{}, fmt.Errorf("invalid tag %q", s)
	}
	group, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 16, 16)
	if err != nil {
		return Tag{}, fmt.Errorf("invalid tag %q: %w", s, err)
	}
	element, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 16, 16)
	if err != nil {
		return Tag{}, fmt.Errorf("invalid tag %q: %w", s, err)
	}
	return Tag{Group: uint16(group), Element: uint16(element)}, nil
}

// Identifier and header tags used across the server.
var (
	TagSpecificCharacterSet = Tag{0x0008, 0x0005}
	TagSOPClassUID          = Tag{0x0008, 0x0016}
	TagSOPInstanceUID       = Tag{0x0008, 0x0018}
	TagAccessionNumber      = Tag{0x0008, 0x0050}
	TagModality             = Tag{0x0008, 0x0060}
	TagPatientName          = Tag{0x0010, 0x0010}
	TagPatientID            = Tag{0x0010, 0x0020}
	TagStudyInstanceUID     = Tag{0x0020, 0x000d}
	TagSeriesInstanceUID    = Tag{0x0020, 0x000e}
	TagStudyID              = Tag{0x0020, 0x0010}
	TagInstanceNumber       = Tag{0x0020, 0x0013}

	TagMediaStorageSOPClassUID    = Tag{0x0002, 0x0002}
	TagMediaStorageSOPInstanceUID = Tag{0x0002, 0x0003}
	TagTransferSyntaxUID          = Tag{0x0002, 0x0010}

	TagDeidentificationMethod = Tag{0x0012, 0x0063}
	TagPatientIdentityRemoved = Tag{0x0012, 0x0062}
	TagQueryRetrieveLevel     = Tag{0x0008, 0x0052}
	TagNumberOfFrames         = Tag{0x0028, 0x0008}
	TagPixelData              = Tag{0x7fe0, 0x0010}
)

// mainTagsByLevel is the fixed set of tags copied into the index at
// ingestion, per resource level. Queries only match against these.
var mainTagsByLevel = map[types.ResourceType][]Tag{
	types.ResourcePatient: {
		TagPatientName,
		TagPatientID,
		{0x0010, 0x0030}, // PatientBirthDate
		{0x0010, 0x0040}, // PatientSex
		{0x0010, 0x1000}, // OtherPatientIDs
	},
	types.ResourceStudy: {
		TagStudyInstanceUID,
		{0x0008, 0x0020}, // StudyDate
		{0x0008, 0x0030}, // StudyTime
		TagStudyID,
		{0x0008, 0x1030}, // StudyDescription
		TagAccessionNumber,
		{0x0008, 0x0090}, // ReferringPhysicianName
		{0x0008, 0x0080}, // InstitutionName
	},
	types.ResourceSeries: {
		TagSeriesInstanceUID,
		{0x0020, 0x0011}, // SeriesNumber
		{0x0008, 0x0021}, // SeriesDate
		{0x0008, 0x0031}, // SeriesTime
		TagModality,
		{0x0008, 0x0070}, // Manufacturer
		{0x0008, 0x103e}, // SeriesDescription
		{0x0018, 0x0015}, // BodyPartExamined
		{0x0018, 0x1030}, // ProtocolName
		{0x0008, 0x1010}, // StationName
	},
	types.ResourceInstance: {
		TagSOPInstanceUID,
		TagSOPClassUID,
		TagInstanceNumber,
		TagNumberOfFrames,
	},
}

// MainTags returns the indexed tag set for one resource level.
func MainTags(level types.ResourceType) []Tag {
	return mainTagsByLevel[level]
}

// LevelIdentifier returns the DICOM UID tag identifying a resource level
// (PatientID for patients).
func LevelIdentifier(level types.ResourceType) Tag {
	switch level {
	case types.ResourcePatient:
		return TagPatientID
	case types.ResourceStudy:
		return TagStudyInstanceUID
	case types.ResourceSeries:
		return TagSeriesInstanceUID
	default:
		return TagSOPInstanceUID
	}
}
