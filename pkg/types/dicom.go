package types

// Well-known DICOM UIDs shared by the DICOM server, the user connection
// and the dataset bridge.

// ApplicationContextName is the single application context of the DICOM
// Upper Layer Protocol.
const ApplicationContextName = "1.2.840.10008.3.1.1.1"

// VerificationSOPClass is the C-ECHO SOP class.
const VerificationSOPClass = "1.2.840.10008.1.1"

// Query/retrieve information models.
const (
	FindPatientRootModel = "1.2.840.10008.5.1.4.1.2.1.1"
	FindStudyRootModel   = "1.2.840.10008.5.1.4.1.2.2.1"
	MovePatientRootModel = "1.2.840.10008.5.1.4.1.2.1.2"
	MoveStudyRootModel   = "1.2.840.10008.5.1.4.1.2.2.2"
)

// StorageSOPClasses lists the storage SOP classes accepted during
// association negotiation, keyed by modality mnemonic.
var StorageSOPClasses = map[string]string{
	"CR": "1.2.840.10008.5.1.4.1.1.1",   // Computed Radiography Image Storage
	"DX": "1.2.840.10008.5.1.4.1.1.1.1", // Digital X-Ray Image Storage
	"MG": "1.2.840.10008.5.1.4.1.1.1.2", // Digital Mammography X-Ray Image Storage
	"CT": "1.2.840.10008.5.1.4.1.1.2",   // CT Image Storage
	"MR": "1.2.840.10008.5.1.4.1.1.4",   // MR Image Storage
	"US": "1.2.840.10008.5.1.4.1.1.6.1", // Ultrasound Image Storage
	"SC": "1.2.840.10008.5.1.4.1.1.7",   // Secondary Capture Image Storage
	"NM": "1.2.840.10008.5.1.4.1.1.20",  // Nuclear Medicine Image Storage
	"XA": "1.2.840.10008.5.1.4.1.1.12.1",
	"RF": "1.2.840.10008.5.1.4.1.1.12.2",
	"PT": "1.2.840.10008.5.1.4.1.1.128", // PET Image Storage
	"SR": "1.2.840.10008.5.1.4.1.1.88.11",
}

// Transfer syntax UIDs.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
	DeflatedLittleEndian   = "1.2.840.10008.1.2.1.99"
	JPEGBaseline           = "1.2.840.10008.1.2.4.50"
	JPEGExtended           = "1.2.840.10008.1.2.4.51"
	JPEGLosslessNonHier    = "1.2.840.10008.1.2.4.57"
	JPEGLossless           = "1.2.840.10008.1.2.4.70"
	JPEGLSLossless         = "1.2.840.10008.1.2.4.80"
	JPEGLSLossy            = "1.2.840.10008.1.2.4.81"
	JPEG2000Lossless       = "1.2.840.10008.1.2.4.90"
	JPEG2000               = "1.2.840.10008.1.2.4.91"
	JPIPReferenced         = "1.2.840.10008.1.2.4.94"
	MPEG2MainProfile       = "1.2.840.10008.1.2.4.100"
	RLELossless            = "1.2.840.10008.1.2.5"
)

// TransferSyntaxPreference is the order in which transfer syntaxes are
// selected during presentation context negotiation: explicit little endian
// first, then big endian, implicit little endian, deflated, and finally
// the compressed syntaxes.
var TransferSyntaxPreference = []string{
	ExplicitVRLittleEndian,
	ExplicitVRBigEndian,
	ImplicitVRLittleEndian,
	DeflatedLittleEndian,
	JPEGBaseline,
	JPEGExtended,
	JPEGLosslessNonHier,
	JPEGLossless,
	JPEGLSLossless,
	JPEGLSLossy,
	JPEG2000Lossless,
	JPEG2000,
	JPIPReferenced,
	MPEG2MainProfile,
	RLELossless,
}
