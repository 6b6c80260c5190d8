package modify

import (
	"github.com/flatmapit/gopacs/internal/dicom"
	"github.com/flatmapit/gopacs/pkg/types"
)

// deidentificationMethod is recorded in tag (0012,0063) of every
// anonymized instance.
const deidentificationMethod = "gopacs - PS 3.15-2008 Table E.1-1 Basic Profile"

// basicProfileRemovals is Table E.1-1 from PS 3.15-2008 (Basic Application
// Level Confidentiality Profile), minus the identifiers that Apply rewrites
// itself and the patient tags that receive a replacement instead.
var basicProfileRemovals = []dicom.Tag{
	{Group: 0x0008, Element: 0x0014}, // Instance Creator UID
	{Group: 0x0008, Element: 0x0050}, // Accession Number
	{Group: 0x0008, Element: 0x0080}, // Institution Name
	{Group: 0x0008, Element: 0x0081}, // Institution Address
	{Group: 0x0008, Element: 0x0090}, // Referring Physician's Name
	{Group: 0x0008, Element: 0x0092}, // Referring Physician's Address
	{Group: 0x0008, Element: 0x0094}, // Referring Physician's Telephone Numbers
	{Group: 0x0008, Element: 0x1010}, // Station Name
	{Group: 0x0008, Element: 0x1030}, // Study Description
	{Group: 0x0008, Element: 0x103e}, // Series Description
	{Group: 0x0008, Element: 0x1040}, // Institutional Department Name
	{Group: 0x0008, Element: 0x1048}, // Physician(s) of Record
	{Group: 0x0008, Element: 0x1050}, // Performing Physicians' Name
	{Group: 0x0008, Element: 0x1060}, // Name of Physician(s) Reading Study
	{Group: 0x0008, Element: 0x1070}, // Operators' Name
	{Group: 0x0008, Element: 0x1080}, // Admitting Diagnoses Description
	{Group: 0x0008, Element: 0x1155}, // Referenced SOP Instance UID
	{Group: 0x0008, Element: 0x2111}, // Derivation Description
	{Group: 0x0010, Element: 0x0030}, // Patient's Birth Date
	{Group: 0x0010, Element: 0x0032}, // Patient's Birth Time
	{Group: 0x0010, Element: 0x0040}, // Patient's Sex
	{Group: 0x0010, Element: 0x1000}, // Other Patient Ids
	{Group: 0x0010, Element: 0x1001}, // Other Patient Names
	{Group: 0x0010, Element: 0x1010}, // Patient's Age
	{Group: 0x0010, Element: 0x1020}, // Patient's Size
	{Group: 0x0010, Element: 0x1030}, // Patient's Weight
	{Group: 0x0010, Element: 0x1090}, // Medical Record Locator
	{Group: 0x0010, Element: 0x2160}, // Ethnic Group
	{Group: 0x0010, Element: 0x2180}, // Occupation
	{Group: 0x0010, Element: 0x21b0}, // Additional Patient's History
	{Group: 0x0010, Element: 0x4000}, // Patient Comments
	{Group: 0x0018, Element: 0x1000}, // Device Serial Number
	{Group: 0x0018, Element: 0x1030}, // Protocol Name
	{Group: 0x0020, Element: 0x0010}, // Study ID
	{Group: 0x0020, Element: 0x0052}, // Frame of Reference UID
	{Group: 0x0020, Element: 0x0200}, // Synchronization Frame of Reference UID
	{Group: 0x0020, Element: 0x4000}, // Image Comments
	{Group: 0x0040, Element: 0x0275}, // Request Attributes Sequence
	{Group: 0x0040, Element: 0xa124}, // UID
	{Group: 0x0040, Element: 0xa730}, // Content Sequence
	{Group: 0x0088, Element: 0x0140}, // Storage Media File-set UID
	{Group: 0x3006, Element: 0x0024}, // Referenced Frame of Reference UID
	{Group: 0x3006, Element: 0x00c2}, // Related Frame of Reference UID

	// Additional fields commonly seen carrying identity in the wild.
	{Group: 0x0010, Element: 0x1040}, // Patient's Address
	{Group: 0x0032, Element: 0x1032}, // Requesting Physician
	{Group: 0x0010, Element: 0x2154}, // Patient's Telephone Numbers
	{Group: 0x0010, Element: 0x2000}, // Medical Alerts
}

// BasicProfileRemovals exposes the anonymization removal set, mainly for
// verification in tests.
func BasicProfileRemovals() []dicom.Tag {
	out := make([]dicom.Tag, len(basicProfileRemovals))
	copy(out, basicProfileRemovals)
	return out
}

// SetupAnonymization resets the modification to the anonymization preset:
// the basic-profile removal set, private-tag stripping, patient-level UID
// rewriting and a fresh random patient identity. The generated PatientID
// is copied into PatientName; callers may overwrite both afterwards.
func (m *Modification) SetupAnonymization() {
	m.removals = make(map[dicom.Tag]struct{})
	m.replacements = make(map[dicom.Tag]string)
	m.removePrivate = true
	m.level = types.ResourcePatient
	m.uidMap = make(map[uidKey]string)

	for _, t := range basicProfileRemovals {
		m.removals[t] = struct{}{}
	}

	m.replacements[dicom.TagDeidentificationMethod] = deidentificationMethod
	m.replacements[dicom.TagPatientIdentityRemoved] = "YES"

	patientID := m.generator.Generate(types.ResourcePatient)
	m.replacements[dicom.TagPatientID] = patientID
	m.replacements[dicom.TagPatientName] = patientID
}
