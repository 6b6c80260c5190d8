package types

import (
	"fmt"
	"image"
)

// The explicit values of the enumerations in this file are persisted in the
// index database. Do not renumber them.

// ResourceType identifies a level of the patient/study/series/instance tree.
type ResourceType int

const (
	ResourcePatient  ResourceType = 1
	ResourceStudy    ResourceType = 2
	ResourceSeries   ResourceType = 3
	ResourceInstance ResourceType = 4
)

// String returns the REST-facing name of the resource type.
func (t ResourceType) String() string {
	switch t {
	case ResourcePatient:
		return "Patient"
	case ResourceStudy:
		return "Study"
	case ResourceSeries:
		return "Series"
	case ResourceInstance:
		return "Instance"
	default:
		return fmt.Sprintf("ResourceType(%d)", int(t))
	}
}

// Child returns the resource type one level below, or 0 for instances.
func (t ResourceType) Child() ResourceType {
	if t == ResourceInstance {
		return 0
	}
	return t + 1
}

// ParseResourceType maps a REST path segment or level name to a resource
// type.
func ParseResourceType(s string) (ResourceType, bool) {
	switch s {
	case "Patient", "patient", "patients":
		return ResourcePatient, true
	case "Study", "study", "studies":
		return ResourceStudy, true
	case "Series", "series":
		return ResourceSeries, true
	case "Instance", "instance", "instances":
		return ResourceInstance, true
	}
	return 0, false
}

// CompressionType tells how an attachment is stored on disk.
type CompressionType int

const (
	CompressionNone CompressionType = 1
	CompressionZlib CompressionType = 2
)

// ContentType identifies the kind of an attachment.
type ContentType int

const (
	ContentDicom       ContentType = 1
	ContentDicomAsJson ContentType = 2

	// User-defined attachments live in [ContentStartUser, ContentEndUser].
	ContentStartUser ContentType = 1024
	ContentEndUser   ContentType = 65535
)

// MetadataType identifies an entry of the per-resource metadata bag.
type MetadataType int

const (
	MetadataIndexInSeries  MetadataType = 1
	MetadataReceptionDate  MetadataType = 2
	MetadataRemoteAET      MetadataType = 3
	MetadataModifiedFrom   MetadataType = 5
	MetadataAnonymizedFrom MetadataType = 6
	MetadataLastUpdate     MetadataType = 7

	// User-defined metadata starts here.
	MetadataStartUser MetadataType = 1024
)

// ChangeType identifies an entry of the change feed.
type ChangeType int

const (
	ChangeCompletedSeries   ChangeType = 1
	ChangeDeleted           ChangeType = 2
	ChangeNewChildInstance  ChangeType = 3
	ChangeNewInstance       ChangeType = 4
	ChangeNewPatient        ChangeType = 5
	ChangeNewSeries         ChangeType = 6
	ChangeNewStudy          ChangeType = 7
	ChangeModifiedPatient   ChangeType = 8
	ChangeModifiedStudy     ChangeType = 9
	ChangeModifiedSeries    ChangeType = 10
	ChangeAnonymizedPatient ChangeType = 11
	ChangeAnonymizedStudy   ChangeType = 12
	ChangeAnonymizedSeries  ChangeType = 13
)

// String returns the feed-facing name of the change type.
func (c ChangeType) String() string {
	switch c {
	case ChangeCompletedSeries:
		return "CompletedSeries"
	case ChangeDeleted:
		return "Deleted"
	case ChangeNewChildInstance:
		return "NewChildInstance"
	case ChangeNewInstance:
		return "NewInstance"
	case ChangeNewPatient:
		return "NewPatient"
	case ChangeNewSeries:
		return "NewSeries"
	case ChangeNewStudy:
		return "NewStudy"
	case ChangeModifiedPatient:
		return "ModifiedPatient"
	case ChangeModifiedStudy:
		return "ModifiedStudy"
	case ChangeModifiedSeries:
		return "ModifiedSeries"
	case ChangeAnonymizedPatient:
		return "AnonymizedPatient"
	case ChangeAnonymizedStudy:
		return "AnonymizedStudy"
	case ChangeAnonymizedSeries:
		return "AnonymizedSeries"
	default:
		return fmt.Sprintf("ChangeType(%d)", int(c))
	}
}

// StoreStatus is the outcome of storing one instance.
type StoreStatus int

const (
	StoreSuccess StoreStatus = iota
	StoreAlreadyStored
	StoreFailure
)

// String returns the REST-facing name of the store status.
func (s StoreStatus) String() string {
	switch s {
	case StoreSuccess:
		return "Success"
	case StoreAlreadyStored:
		return "AlreadyStored"
	default:
		return "Failure"
	}
}

// FileInfo describes one attachment: the blob it points to in the content
// store and the integrity information of both representations.
type FileInfo struct {
	UUID             string          `json:"Uuid"`
	ContentType      ContentType     `json:"ContentType"`
	UncompressedSize uint64          `json:"UncompressedSize"`
	UncompressedMD5  string          `json:"UncompressedMD5"`
	Compression      CompressionType `json:"CompressionType"`
	CompressedSize   uint64          `json:"CompressedSize"`
	CompressedMD5    string          `json:"CompressedMD5"`
}

// NewFileInfo builds the record of an uncompressed attachment.
func NewFileInfo(uuid string, content ContentType, size uint64, md5 string) FileInfo {
	return FileInfo{
		UUID:             uuid,
		ContentType:      content,
		UncompressedSize: size,
		UncompressedMD5:  md5,
		Compression:      CompressionNone,
		CompressedSize:   size,
		CompressedMD5:    md5,
	}
}

// Change is one entry of the change feed.
type Change struct {
	Seq          int64        `json:"Seq"`
	ChangeType   ChangeType   `json:"ChangeType"`
	ResourceType ResourceType `json:"ResourceType"`
	PublicID     string       `json:"ID"`
	Date         string       `json:"Date"`
}

// ExportedResource is one entry of the export log.
type ExportedResource struct {
	Seq               int64        `json:"Seq"`
	ResourceType      ResourceType `json:"ResourceType"`
	PublicID          string       `json:"ID"`
	RemoteModality    string       `json:"RemoteModality"`
	PatientID         string       `json:"PatientID"`
	StudyInstanceUID  string       `json:"StudyInstanceUID,omitempty"`
	SeriesInstanceUID string       `json:"SeriesInstanceUID,omitempty"`
	SOPInstanceUID    string       `json:"SOPInstanceUID,omitempty"`
	Date              string       `json:"Date"`
}

// RequestKind is the DIMSE request category submitted to a RequestFilter.
type RequestKind int

const (
	RequestEcho RequestKind = iota
	RequestStore
	RequestFind
	RequestMove
)

// RequestFilter decides whether a remote application entity may open an
// association or issue a given request. Implemented by the Lua engine.
type RequestFilter interface {
	IsAllowedConnection(remoteIP, remoteAET string) bool
	IsAllowedRequest(remoteIP, remoteAET string, kind RequestKind) bool
}

// ImageWriter encodes a decoded frame. The concrete codecs (PNG, JPEG)
// are collaborators behind this narrow contract, not part of the core.
type ImageWriter interface {
	WriteImage(img image.Image) ([]byte, error)
	ContentType() string
}
