// Package dicomserver implements the server side of the DICOM Upper
// Layer Protocol: association negotiation, the per-command dispatch loop
// of C-ECHO / C-STORE / C-FIND / C-MOVE, and the client connection used
// for C-MOVE sub-operations.
package dicomserver

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/flatmapit/gopacs/internal/errs"
)

// PDU types of the Upper Layer Protocol.
const (
	pduAssociateRQ = 0x01
	pduAssociateAC = 0x02
	pduAssociateRJ = 0x03
	pduDataTF      = 0x04
	pduReleaseRQ   = 0x05
	pduReleaseRP   = 0x06
	pduAbort       = 0x07
)

// Item types inside association PDUs.
const (
	itemApplicationContext = 0x10
	itemPresentationCtxRQ  = 0x20
	itemPresentationCtxAC  = 0x21
	itemAbstractSyntax     = 0x30
	itemTransferSyntax     = 0x40
	itemUserInformation    = 0x50
	itemMaximumLength      = 0x51
	itemImplementationUID  = 0x52
	itemImplementationName = 0x55
)

// Presentation context results in an A-ASSOCIATE-AC.
const (
	contextAccepted         = 0
	contextRejectedAbstract = 3
	contextRejectedTransfer = 4
)

// Association rejection reasons (service-user source).
const (
	rejectApplicationContextNotSupported = 2
	rejectCallingAETNotRecognized        = 3
	rejectCalledAETNotRecognized         = 7
)

// maxIncomingPDU bounds the size of one inbound PDU.
const maxIncomingPDU = 16 * 1024 * 1024

// defaultMaxPDULength is announced in the A-ASSOCIATE-AC.
const defaultMaxPDULength = 16384

// ProposedContext is one presentation context of an A-ASSOCIATE-RQ.
type ProposedContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// AssociationRequest is the parsed form of an A-ASSOCIATE-RQ.
type AssociationRequest struct {
	CalledAET              string
	CallingAET             string
	ApplicationContext     string
	ImplementationClassUID string
	MaxPDULength           uint32
	PresentationContexts   []ProposedContext
}

// AcceptedContext is the negotiation outcome for one presentation
// context.
type AcceptedContext struct {
	ID             byte
	Result         byte
	TransferSyntax string
	AbstractSyntax string
}

func readFull(conn net.Conn, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// readPDU reads one PDU: type, reserved byte, 32-bit length, payload.
func readPDU(conn net.Conn) (byte, []byte, error) {
	header, err := readFull(conn, 6)
	if err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header[2:6])
	if length > maxIncomingPDU {
		return 0, nil, errs.Newf(errs.NetworkProtocol, "PDU of %d bytes exceeds the limit", length)
	}

	payload, err := readFull(conn, int(length))
	if err != nil {
		return 0, nil, err
	}
	return header[0], payload, nil
}

func writePDU(conn net.Conn, pduType byte, payload []byte) error {
	var buf bytes.Buffer
	buf.WriteByte(pduType)
	buf.WriteByte(0x00)
	binary.Write(&buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(payload)

	if _, err := conn.Write(buf.Bytes()); err != nil {
		return errs.Wrap(errs.NetworkProtocol, "cannot write PDU", err)
	}
	return nil
}

// parseAssociateRQ decodes the payload of an A-ASSOCIATE-RQ.
func parseAssociateRQ(payload []byte) (*AssociationRequest, error) {
	if len(payload) < 68 {
		return nil, errs.New(errs.NetworkProtocol, "association request too short")
	}

	req := &AssociationRequest{
		CalledAET:  strings.TrimSpace(string(payload[4:20])),
		CallingAET: strings.TrimSpace(string(payload[20:36])),
	}

	items := payload[68:]
	for len(items) >= 4 {
		itemType := items[0]
		itemLength := int(binary.BigEndian.Uint16(items[2:4]))
		if len(items) < 4+itemLength {
			return nil, errs.New(errs.NetworkProtocol, "truncated association item")
		}
		body := items[4 : 4+itemLength]

		switch itemType {
		case itemApplicationContext:
			req.ApplicationContext = string(body)

		case itemPresentationCtxRQ:
			ctx, err := parsePresentationContext(body)
			if err != nil {
				return nil, err
			}
			req.PresentationContexts = append(req.PresentationContexts, ctx)

		case itemUserInformation:
			parseUserInformation(body, req)
		}

		items = items[4+itemLength:]
	}

	return req, nil
}

func parsePresentationContext(body []byte) (ProposedContext, error) {
	if len(body) < 4 {
		return ProposedContext{}, errs.New(errs.NetworkProtocol, "truncated presentation context")
	}

	ctx := ProposedContext{ID: body[0]}
	items := body[4:]
	for len(items) >= 4 {
		itemType := items[0]
		itemLength := int(binary.BigEndian.Uint16(items[2:4]))
		if len(items) < 4+itemLength {
			return ProposedContext{}, errs.New(errs.NetworkProtocol, "truncated syntax sub-item")
		}
		value := string(items[4 : 4+itemLength])

		switch itemType {
		case itemAbstractSyntax:
			ctx.AbstractSyntax = strings.TrimRight(value, "\x00")
		case itemTransferSyntax:
			ctx.TransferSyntaxes = append(ctx.TransferSyntaxes, strings.TrimRight(value, "\x00"))
		}

		items = items[4+itemLength:]
	}
	return ctx, nil
}

func parseUserInformation(body []byte, req *AssociationRequest) {
	for len(body) >= 4 {
		itemType := body[0]
		itemLength := int(binary.BigEndian.Uint16(body[2:4]))
		if len(body) < 4+itemLength {
			return
		}
		value := body[4 : 4+itemLength]

		switch itemType {
		case itemMaximumLength:
			if itemLength == 4 {
				req.MaxPDULength = binary.BigEndian.Uint32(value)
			}
		case itemImplementationUID:
			req.ImplementationClassUID = strings.TrimRight(string(value), "\x00")
		}

		body = body[4+itemLength:]
	}
}

func writeItem(buf *bytes.Buffer, itemType byte, body []byte) {
	buf.WriteByte(itemType)
	buf.WriteByte(0x00)
	binary.Write(buf, binary.BigEndian, uint16(len(body)))
	buf.Write(body)
}

func paddedAET(aet string) []byte {
	out := []byte(strings.Repeat(" ", 16))
	copy(out, aet)
	return out
}

// buildAssociateAC encodes the payload of an A-ASSOCIATE-AC answering
// req with the given negotiation results.
func buildAssociateAC(req *AssociationRequest, implementationUID, implementationName string,
	accepted []AcceptedContext) []byte {

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint16(0x0001)) // protocol version
	buf.Write([]byte{0x00, 0x00})
	buf.Write(paddedAET(req.CalledAET))
	buf.Write(paddedAET(req.CallingAET))
	buf.Write(make([]byte, 32))

	writeItem(&buf, itemApplicationContext, []byte(req.ApplicationContext))

	for _, ctx := range accepted {
		var item bytes.Buffer
		item.WriteByte(ctx.ID)
		item.WriteByte(0x00)
		item.WriteByte(ctx.Result)
		item.WriteByte(0x00)
		writeItem(&item, itemTransferSyntax, []byte(ctx.TransferSyntax))
		writeItem(&buf, itemPresentationCtxAC, item.Bytes())
	}

	var user bytes.Buffer
	var maxLength [4]byte
	binary.BigEndian.PutUint32(maxLength[:], defaultMaxPDULength)
	writeItem(&user, itemMaximumLength, maxLength[:])
	writeItem(&user, itemImplementationUID, []byte(implementationUID))
	writeItem(&user, itemImplementationName, []byte(implementationName))
	writeItem(&buf, itemUserInformation, user.Bytes())

	return buf.Bytes()
}

// buildAssociateRJ encodes the payload of an A-ASSOCIATE-RJ.
func buildAssociateRJ(reason byte) []byte {
	// result 1 (rejected permanent), source 1 (service user).
	return []byte{0x00, 0x01, 0x01, reason}
}

// pdv is one presentation data value of a P-DATA-TF PDU.
type pdv struct {
	contextID byte
	command   bool
	last      bool
	data      []byte
}

func parsePDataTF(payload []byte) ([]pdv, error) {
	var out []pdv
	for len(payload) > 0 {
		if len(payload) < 6 {
			return nil, errs.New(errs.NetworkProtocol, "truncated PDV item")
		}
		length := binary.BigEndian.Uint32(payload[0:4])
		if length < 2 || int(length) > len(payload)-4 {
			return nil, errs.New(errs.NetworkProtocol, "bad PDV length")
		}
		header := payload[5]
		out = append(out, pdv{
			contextID: payload[4],
			command:   header&0x01 != 0,
			last:      header&0x02 != 0,
			data:      payload[6 : 4+length],
		})
		payload = payload[4+length:]
	}
	return out, nil
}

// writePData sends one message part, fragmenting to the peer's maximum
// PDU length.
func writePData(conn net.Conn, contextID byte, command bool, data []byte, maxPDU uint32) error {
	if maxPDU == 0 {
		maxPDU = defaultMaxPDULength
	}
	chunk := int(maxPDU) - 6
	if chunk <= 0 {
		chunk = defaultMaxPDULength - 6
	}

	for offset := 0; ; {
		remaining := len(data) - offset
		size := remaining
		last := true
		if size > chunk {
			size = chunk
			last = false
		}

		var buf bytes.Buffer
		binary.Write(&buf, binary.BigEndian, uint32(size+2))
		buf.WriteByte(contextID)
		header := byte(0)
		if command {
			header |= 0x01
		}
		if last {
			header |= 0x02
		}
		buf.WriteByte(header)
		buf.Write(data[offset : offset+size])

		if err := writePDU(conn, pduDataTF, buf.Bytes()); err != nil {
			return err
		}

		offset += size
		if last {
			return nil
		}
	}
}

// abortPayload is the fixed payload of an A-ABORT from the service user.
func abortPayload() []byte {
	return []byte{0x00, 0x00, 0x00, 0x00}
}

func describeContext(ctx ProposedContext) string {
	return fmt.Sprintf("context %d (%s)", ctx.ID, ctx.AbstractSyntax)
}
