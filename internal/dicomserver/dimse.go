package dicomserver

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/flatmapit/gopacs/internal/dicom"
	"github.com/flatmapit/gopacs/internal/errs"
	"github.com/flatmapit/gopacs/pkg/types"
)

// DIMSE command fields.
const (
	cStoreRQ  = 0x0001
	cStoreRSP = 0x8001
	cFindRQ   = 0x0020
	cFindRSP  = 0x8020
	cMoveRQ   = 0x0021
	cMoveRSP  = 0x8021
	cEchoRQ   = 0x0030
	cEchoRSP  = 0x8030
	cCancelRQ = 0x0FFF
)

// Data set type values of the command group.
const (
	dataSetPresent = 0x0000
	dataSetAbsent  = 0x0101
)

// command is a decoded DIMSE command set.
type command struct {
	SOPClassUID          string
	CommandField         uint16
	MessageID            uint16
	MessageIDRespondedTo uint16
	Priority             uint16
	DataSetType          uint16
	Status               uint16
	SOPInstanceUID       string
	MoveDestination      string

	// Sub-operation counters of C-MOVE responses.
	Remaining  uint16
	Completed  uint16
	Failed     uint16
	Warnings   uint16
	HasCounter bool
}

func (c command) hasDataSet() bool {
	return c.DataSetType != dataSetAbsent
}

func evenPad(s string, pad byte) []byte {
	out := []byte(s)
	if len(out)%2 == 1 {
		out = append(out, pad)
	}
	return out
}

func writeCommandString(buf *bytes.Buffer, group, element uint16, value string) {
	payload := evenPad(value, 0x00)
	binary.Write(buf, binary.LittleEndian, group)
	binary.Write(buf, binary.LittleEndian, element)
	binary.Write(buf, binary.LittleEndian, uint32(len(payload)))
	buf.Write(payload)
}

func writeCommandUint16(buf *bytes.Buffer, group, element, value uint16) {
	binary.Write(buf, binary.LittleEndian, group)
	binary.Write(buf, binary.LittleEndian, element)
	binary.Write(buf, binary.LittleEndian, uint32(2))
	binary.Write(buf, binary.LittleEndian, value)
}

// encodeCommand renders a command set in implicit VR little endian, the
// mandated encoding of the command group, with the group length element
// first.
func encodeCommand(c command) []byte {
	var body bytes.Buffer

	if c.SOPClassUID != "" {
		writeCommandString(&body, 0x0000, 0x0002, c.SOPClassUID)
	}
	writeCommandUint16(&body, 0x0000, 0x0100, c.CommandField)
	if c.MessageID != 0 {
		writeCommandUint16(&body, 0x0000, 0x0110, c.MessageID)
	}
	if c.MessageIDRespondedTo != 0 {
		writeCommandUint16(&body, 0x0000, 0x0120, c.MessageIDRespondedTo)
	}
	if c.MoveDestination != "" {
		writeCommandString(&body, 0x0000, 0x0600, evenPadString(c.MoveDestination))
	}
	if c.Priority != 0 {
		writeCommandUint16(&body, 0x0000, 0x0700, c.Priority)
	}
	writeCommandUint16(&body, 0x0000, 0x0800, c.DataSetType)
	if c.CommandField&0x8000 != 0 {
		writeCommandUint16(&body, 0x0000, 0x0900, c.Status)
	}
	if c.SOPInstanceUID != "" {
		writeCommandString(&body, 0x0000, 0x1000, c.SOPInstanceUID)
	}
	if c.HasCounter {
		writeCommandUint16(&body, 0x0000, 0x1020, c.Remaining)
		writeCommandUint16(&body, 0x0000, 0x1021, c.Completed)
		writeCommandUint16(&body, 0x0000, 0x1022, c.Failed)
		writeCommandUint16(&body, 0x0000, 0x1023, c.Warnings)
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint16(0x0000))
	binary.Write(&out, binary.LittleEndian, uint16(0x0000))
	binary.Write(&out, binary.LittleEndian, uint32(4))
	binary.Write(&out, binary.LittleEndian, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

func evenPadString(s string) string {
	if len(s)%2 == 1 {
		return s + " "
	}
	return s
}

// parseCommand decodes an implicit VR little endian command set.
func parseCommand(data []byte) (command, error) {
	var out command

	for len(data) >= 8 {
		group := binary.LittleEndian.Uint16(data[0:2])
		element := binary.LittleEndian.Uint16(data[2:4])
		length := binary.LittleEndian.Uint32(data[4:8])
		if int(length) > len(data)-8 {
			return out, errs.New(errs.NetworkProtocol, "truncated DIMSE command")
		}
		value := data[8 : 8+length]
		data = data[8+length:]

		if group != 0x0000 {
			continue
		}

		str := func() string {
			return strings.TrimRight(string(value), " \x00")
		}
		u16 := func() uint16 {
			if len(value) >= 2 {
				return binary.LittleEndian.Uint16(value[0:2])
			}
			return 0
		}

		switch element {
		case 0x0002:
			out.SOPClassUID = str()
		case 0x0100:
			out.CommandField = u16()
		case 0x0110:
			out.MessageID = u16()
		case 0x0120:
			out.MessageIDRespondedTo = u16()
		case 0x0600:
			out.MoveDestination = str()
		case 0x0700:
			out.Priority = u16()
		case 0x0800:
			out.DataSetType = u16()
		case 0x0900:
			out.Status = u16()
		case 0x1000:
			out.SOPInstanceUID = str()
		case 0x1020:
			out.Remaining = u16()
			out.HasCounter = true
		case 0x1021:
			out.Completed = u16()
		case 0x1022:
			out.Failed = u16()
		case 0x1023:
			out.Warnings = u16()
		}
	}

	return out, nil
}

// shortFormVR tells whether an explicit VR uses the short length form.
func shortFormVR(vr string) bool {
	switch vr {
	case "OB", "OW", "OF", "SQ", "UT", "UN":
		return false
	default:
		return true
	}
}

// vrForQueryTag picks the explicit VR written for a query attribute.
func vrForQueryTag(t dicom.Tag) string {
	switch t {
	case dicom.TagQueryRetrieveLevel:
		return "CS"
	case dicom.TagPatientID, dicom.TagStudyID:
		return "LO"
	case dicom.TagPatientName:
		return "PN"
	case dicom.TagAccessionNumber:
		return "SH"
	case dicom.TagModality:
		return "CS"
	case dicom.TagInstanceNumber:
		return "IS"
	default:
		return "UI"
	}
}

// decodeIdentifier scans a little-endian identifier dataset into a
// DicomMap. Both the implicit and the explicit encodings are handled. In
// the explicit encoding, SQ, OB, OW and UN elements are skipped; the
// implicit encoding records every element as a string. An element of
// undefined length is refused.
func decodeIdentifier(data []byte, explicit bool) (dicom.Map, error) {
	out := dicom.NewMap()

	for len(data) >= 8 {
		group := binary.LittleEndian.Uint16(data[0:2])
		element := binary.LittleEndian.Uint16(data[2:4])

		var length uint32
		var header int
		skip := false

		if explicit {
			vr := string(data[4:6])
			if shortFormVR(vr) {
				length = uint32(binary.LittleEndian.Uint16(data[6:8]))
				header = 8
			} else {
				if len(data) < 12 {
					return out, errs.New(errs.NetworkProtocol, "truncated identifier element")
				}
				length = binary.LittleEndian.Uint32(data[8:12])
				header = 12
				skip = vr == "SQ" || vr == "OB" || vr == "OW" || vr == "UN"
			}
		} else {
			length = binary.LittleEndian.Uint32(data[4:8])
			header = 8
		}

		if length == 0xFFFFFFFF {
			// Undefined lengths (sequences) are not part of supported
			// identifiers.
			return out, errs.New(errs.NetworkProtocol, "unsupported undefined-length element in identifier")
		}
		if int(length) > len(data)-header {
			return out, errs.New(errs.NetworkProtocol, "truncated identifier element")
		}

		value := data[header : header+int(length)]
		data = data[header+int(length):]

		if skip {
			continue
		}
		out.SetString(dicom.Tag{Group: group, Element: element},
			strings.TrimRight(string(value), " \x00"))
	}

	return out, nil
}

// encodeIdentifier renders a DicomMap as a little-endian dataset in the
// requested encoding, tags in ascending order.
func encodeIdentifier(m dicom.Map, explicit bool) []byte {
	var buf bytes.Buffer

	for _, t := range m.SortedTags() {
		payload := evenPad(m.GetString(t, ""), paddingFor(t))

		binary.Write(&buf, binary.LittleEndian, t.Group)
		binary.Write(&buf, binary.LittleEndian, t.Element)
		if explicit {
			buf.WriteString(vrForQueryTag(t))
			binary.Write(&buf, binary.LittleEndian, uint16(len(payload)))
		} else {
			binary.Write(&buf, binary.LittleEndian, uint32(len(payload)))
		}
		buf.Write(payload)
	}

	return buf.Bytes()
}

func paddingFor(t dicom.Tag) byte {
	if vrForQueryTag(t) == "UI" {
		return 0x00
	}
	return 0x20
}

// queryKindOf maps a DIMSE command field to the filter request kind.
func queryKindOf(field uint16) types.RequestKind {
	switch field {
	case cEchoRQ:
		return types.RequestEcho
	case cStoreRQ:
		return types.RequestStore
	case cFindRQ:
		return types.RequestFind
	default:
		return types.RequestMove
	}
}
