// Package errs defines the error taxonomy shared by the storage, index and
// server layers, together with its HTTP and DIMSE projections.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind int

const (
	Success Kind = iota
	InternalError
	NotImplemented
	ParameterOutOfRange
	NotEnoughMemory
	BadParameterType
	BadSequenceOfCalls
	InexistentItem
	BadRequest
	NetworkProtocol
	URISyntax
	InexistentFile
	CannotWriteFile
	BadFileFormat
	Timeout
	UnknownResource
	IncompatibleDatabaseVersion
	FullStorage
	CorruptedFile
	InexistentTag
)

var kindNames = map[Kind]string{
	Success:                     "Success",
	InternalError:               "InternalError",
	NotImplemented:              "NotImplemented",
	ParameterOutOfRange:         "ParameterOutOfRange",
	NotEnoughMemory:             "NotEnoughMemory",
	BadParameterType:            "BadParameterType",
	BadSequenceOfCalls:          "BadSequenceOfCalls",
	InexistentItem:              "InexistentItem",
	BadRequest:                  "BadRequest",
	NetworkProtocol:             "NetworkProtocol",
	URISyntax:                   "UriSyntax",
	InexistentFile:              "InexistentFile",
	CannotWriteFile:             "CannotWriteFile",
	BadFileFormat:               "BadFileFormat",
	Timeout:                     "Timeout",
	UnknownResource:             "UnknownResource",
	IncompatibleDatabaseVersion: "IncompatibleDatabaseVersion",
	FullStorage:                 "FullStorage",
	CorruptedFile:               "CorruptedFile",
	InexistentTag:               "InexistentTag",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a typed server error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
		}
		return e.Kind.String()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind carried by err, or InternalError for untyped
// errors. A nil error maps to Success.
func KindOf(err error) Kind {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalError
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error to the status code returned by the REST facade.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Success:
		return http.StatusOK
	case BadRequest, URISyntax, BadParameterType, ParameterOutOfRange, BadFileFormat, InexistentTag:
		return http.StatusBadRequest
	case UnknownResource, InexistentItem, InexistentFile:
		return http.StatusNotFound
	case FullStorage:
		return http.StatusInsufficientStorage
	case NotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// DIMSE status codes surfaced by the protocol dispatcher.
const (
	DimseSuccess                      uint16 = 0x0000
	DimsePending                      uint16 = 0xFF00
	DimseOutOfResources               uint16 = 0xA700
	DimseDataSetDoesNotMatchSOPClass  uint16 = 0xA900
	DimseCannotUnderstand             uint16 = 0xC000
	DimseFailedUnableToProcess        uint16 = 0xC001
	DimseBadCommandType               uint16 = 0x0C00
	DimseMoveUnknownDestination       uint16 = 0xA801
)

// DimseStatus maps an error to the status word of a DIMSE response.
func DimseStatus(err error) uint16 {
	switch KindOf(err) {
	case Success:
		return DimseSuccess
	case FullStorage, NotEnoughMemory:
		return DimseOutOfResources
	case BadFileFormat, BadRequest:
		return DimseCannotUnderstand
	case InexistentTag, BadParameterType:
		return DimseDataSetDoesNotMatchSOPClass
	default:
		return DimseFailedUnableToProcess
	}
}
