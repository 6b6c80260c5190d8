package dicomserver

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flatmapit/gopacs/internal/config"
	"github.com/flatmapit/gopacs/internal/dicom"
	"github.com/flatmapit/gopacs/internal/errs"
	"github.com/flatmapit/gopacs/internal/server"
	"github.com/flatmapit/gopacs/pkg/types"
)

// UserConnection is a DICOM client association towards a remote
// application entity, used for C-ECHO probes and the C-STORE
// sub-operations of a C-MOVE.
type UserConnection struct {
	conn     net.Conn
	localAET string
	remote   config.ModalityConfig
	timeout  time.Duration

	// accepted presentation context per abstract syntax.
	contexts map[string]acceptedClientContext
	maxPDU   uint32

	nextMessageID uint16
}

type acceptedClientContext struct {
	id             byte
	transferSyntax string
}

// DialModality opens and negotiates an association with a configured
// remote modality.
func DialModality(localAET string, modality config.ModalityConfig, timeout time.Duration) (*UserConnection, error) {
	address := fmt.Sprintf("%s:%d", modality.Host, modality.Port)

	logrus.Infof("Opening DICOM association towards %s (%s)", modality.AET, address)
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, errs.Wrap(errs.NetworkProtocol, "cannot reach the remote modality", err)
	}

	c := &UserConnection{
		conn:          conn,
		localAET:      localAET,
		remote:        modality,
		timeout:       timeout,
		contexts:      make(map[string]acceptedClientContext),
		maxPDU:        defaultMaxPDULength,
		nextMessageID: 1,
	}

	if err := c.negotiate(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// proposedAbstractSyntaxes is the client-side negotiation list:
// verification plus every storage SOP class.
func proposedAbstractSyntaxes() []string {
	out := []string{types.VerificationSOPClass}
	for _, uid := range types.StorageSOPClasses {
		out = append(out, uid)
	}
	return out
}

func (c *UserConnection) negotiate() error {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint16(0x0001))
	buf.Write([]byte{0x00, 0x00})
	buf.Write(paddedAET(c.remote.AET))
	buf.Write(paddedAET(c.localAET))
	buf.Write(make([]byte, 32))

	writeItem(&buf, itemApplicationContext, []byte(types.ApplicationContextName))

	proposed := proposedAbstractSyntaxes()
	idByAbstract := make(map[byte]string, len(proposed))
	id := byte(1)
	for _, abstract := range proposed {
		var item bytes.Buffer
		item.WriteByte(id)
		item.Write([]byte{0x00, 0x00, 0x00})
		writeItem(&item, itemAbstractSyntax, []byte(abstract))
		for _, ts := range []string{types.ExplicitVRLittleEndian, types.ImplicitVRLittleEndian} {
			writeItem(&item, itemTransferSyntax, []byte(ts))
		}
		writeItem(&buf, itemPresentationCtxRQ, item.Bytes())

		idByAbstract[id] = abstract
		id += 2
	}

	var user bytes.Buffer
	var maxLength [4]byte
	binary.BigEndian.PutUint32(maxLength[:], defaultMaxPDULength)
	writeItem(&user, itemMaximumLength, maxLength[:])
	writeItem(&user, itemImplementationUID, []byte(dicom.ImplementationClassUID))
	writeItem(&user, itemImplementationName, []byte(dicom.ImplementationVersionName))
	writeItem(&buf, itemUserInformation, user.Bytes())

	if err := writePDU(c.conn, pduAssociateRQ, buf.Bytes()); err != nil {
		return err
	}

	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	pduType, payload, err := readPDU(c.conn)
	if err != nil {
		return errs.Wrap(errs.NetworkProtocol, "no answer to the association request", err)
	}

	switch pduType {
	case pduAssociateAC:
		return c.parseAccept(payload, idByAbstract)
	case pduAssociateRJ:
		return errs.New(errs.NetworkProtocol, "association rejected by the remote modality")
	default:
		return errs.Newf(errs.NetworkProtocol, "unexpected answer PDU 0x%02x", pduType)
	}
}

func (c *UserConnection) parseAccept(payload []byte, idByAbstract map[byte]string) error {
	if len(payload) < 68 {
		return errs.New(errs.NetworkProtocol, "association accept too short")
	}

	items := payload[68:]
	for len(items) >= 4 {
		itemType := items[0]
		itemLength := int(binary.BigEndian.Uint16(items[2:4]))
		if len(items) < 4+itemLength {
			return errs.New(errs.NetworkProtocol, "truncated accept item")
		}
		body := items[4 : 4+itemLength]

		switch itemType {
		case itemPresentationCtxAC:
			if len(body) >= 4 && body[2] == contextAccepted {
				contextID := body[0]
				transfer := ""
				sub := body[4:]
				for len(sub) >= 4 {
					subLength := int(binary.BigEndian.Uint16(sub[2:4]))
					if len(sub) < 4+subLength {
						break
					}
					if sub[0] == itemTransferSyntax {
						transfer = string(bytes.TrimRight(sub[4:4+subLength], "\x00"))
					}
					sub = sub[4+subLength:]
				}
				if abstract, ok := idByAbstract[contextID]; ok {
					c.contexts[abstract] = acceptedClientContext{id: contextID, transferSyntax: transfer}
				}
			}

		case itemUserInformation:
			var req AssociationRequest
			parseUserInformation(body, &req)
			if req.MaxPDULength > 0 {
				c.maxPDU = req.MaxPDULength
			}
		}

		items = items[4+itemLength:]
	}

	if len(c.contexts) == 0 {
		return errs.New(errs.NetworkProtocol, "the remote modality accepted no presentation context")
	}
	return nil
}

// readResponse assembles the next DIMSE response command set.
func (c *UserConnection) readResponse() (command, error) {
	var commandBytes bytes.Buffer
	for {
		c.conn.SetReadDeadline(time.Now().Add(c.timeout))
		pduType, payload, err := readPDU(c.conn)
		if err != nil {
			return command{}, errs.Wrap(errs.NetworkProtocol, "no DIMSE response", err)
		}

		switch pduType {
		case pduDataTF:
			pdvs, err := parsePDataTF(payload)
			if err != nil {
				return command{}, err
			}
			for _, item := range pdvs {
				if item.command {
					commandBytes.Write(item.data)
					if item.last {
						return parseCommand(commandBytes.Bytes())
					}
				}
			}

		case pduAbort:
			return command{}, errs.New(errs.NetworkProtocol, "association aborted by the remote modality")

		default:
			return command{}, errs.Newf(errs.NetworkProtocol, "unexpected PDU 0x%02x", pduType)
		}
	}
}

func (c *UserConnection) messageID() uint16 {
	id := c.nextMessageID
	c.nextMessageID++
	return id
}

// CEcho verifies the association.
func (c *UserConnection) CEcho() error {
	ctx, ok := c.contexts[types.VerificationSOPClass]
	if !ok {
		return errs.New(errs.NetworkProtocol, "verification was not negotiated")
	}

	cmd := command{
		SOPClassUID:  types.VerificationSOPClass,
		CommandField: cEchoRQ,
		MessageID:    c.messageID(),
		DataSetType:  dataSetAbsent,
	}
	if err := writePData(c.conn, ctx.id, true, encodeCommand(cmd), c.maxPDU); err != nil {
		return err
	}

	rsp, err := c.readResponse()
	if err != nil {
		return err
	}
	if rsp.Status != errs.DimseSuccess {
		return errs.Newf(errs.NetworkProtocol, "C-ECHO failed with status 0x%04x", rsp.Status)
	}
	return nil
}

// CStore pushes one instance; it implements server.DicomSender.
func (c *UserConnection) CStore(data []byte, sopClassUID, sopInstanceUID string) error {
	ctx, ok := c.contexts[sopClassUID]
	if !ok {
		return errs.Newf(errs.NetworkProtocol, "no presentation context for SOP class %s", sopClassUID)
	}

	// The peer receives the bare dataset in the negotiated syntax; the
	// Part-10 header is local storage framing.
	payload := data
	if stripped, err := stripPart10Header(data); err == nil {
		payload = stripped
	}

	cmd := command{
		SOPClassUID:    sopClassUID,
		CommandField:   cStoreRQ,
		MessageID:      c.messageID(),
		Priority:       0x0002,
		DataSetType:    dataSetPresent,
		SOPInstanceUID: sopInstanceUID,
	}
	if err := writePData(c.conn, ctx.id, true, encodeCommand(cmd), c.maxPDU); err != nil {
		return err
	}
	if err := writePData(c.conn, ctx.id, false, payload, c.maxPDU); err != nil {
		return err
	}

	rsp, err := c.readResponse()
	if err != nil {
		return err
	}
	if rsp.Status != errs.DimseSuccess {
		return errs.Newf(errs.NetworkProtocol, "C-STORE failed with status 0x%04x", rsp.Status)
	}
	return nil
}

// Close releases the association and the connection.
func (c *UserConnection) Close() error {
	if c.conn == nil {
		return nil
	}

	writePDU(c.conn, pduReleaseRQ, make([]byte, 4))
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	readPDU(c.conn) // best-effort wait for the release response

	err := c.conn.Close()
	c.conn = nil
	return err
}

// stripPart10Header drops the preamble and file meta group of a stored
// file, keeping the dataset.
func stripPart10Header(data []byte) ([]byte, error) {
	if len(data) < 132+12 || string(data[128:132]) != "DICM" {
		return nil, errs.New(errs.BadFileFormat, "not a Part-10 file")
	}

	offset := 132
	// Group length element (0002,0000), explicit VR "UL".
	if binary.LittleEndian.Uint16(data[offset:]) != 0x0002 {
		return nil, errs.New(errs.BadFileFormat, "missing file meta group")
	}
	if string(data[offset+4:offset+6]) != "UL" {
		return nil, errs.New(errs.BadFileFormat, "unexpected meta group encoding")
	}
	groupLength := binary.LittleEndian.Uint32(data[offset+8 : offset+12])

	start := offset + 12 + int(groupLength)
	if start > len(data) {
		return nil, errs.New(errs.BadFileFormat, "truncated file meta group")
	}
	return data[start:], nil
}

// Sender adapts DialModality to the factory the server context expects.
func Sender(localAET string, timeout time.Duration) server.SenderFactory {
	return func(modality config.ModalityConfig) (server.DicomSender, error) {
		return DialModality(localAET, modality, timeout)
	}
}
