package dicomserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flatmapit/gopacs/internal/dicom"
	"github.com/flatmapit/gopacs/internal/errs"
	"github.com/flatmapit/gopacs/internal/server"
	"github.com/flatmapit/gopacs/pkg/types"
)

const rejectNoReasonGiven = 1

// Server accepts DICOM associations and dispatches their commands onto
// the server context. One goroutine serves one association.
type Server struct {
	ctx    *server.Context
	filter types.RequestFilter
}

// New builds a DICOM server over the given context. Connections and
// requests are filtered through the context's script engine when it has
// one; without one, every peer is allowed.
func New(ctx *server.Context) *Server {
	srv := &Server{ctx: ctx}
	if ctx.Scripts() != nil {
		srv.filter = ctx.Scripts()
	}
	return srv
}

// ListenAndServe binds the configured DICOM port and accepts
// associations until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	cfg := s.ctx.Config().DICOM

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return errs.Wrap(errs.NetworkProtocol, "cannot listen on the DICOM port", err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts associations from listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	logrus.Infof("DICOM server listening on %s (AET %s)",
		listener.Addr(), s.ctx.Config().DICOM.AET)

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			logrus.Warnf("Accept failed: %v", err)
			continue
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer c.Close()
			s.handleAssociation(c)
		}(conn)
	}

	wg.Wait()
	return ctx.Err()
}

// association carries the negotiated state of one connection.
type association struct {
	conn       net.Conn
	remoteIP   string
	callingAET string
	maxPDU     uint32

	// accepted transfer syntax per presentation context id.
	contexts map[byte]AcceptedContext

	idleSeconds int
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// supportedAbstractSyntaxes is the fixed list proposed peers may use:
// verification, patient/study-root find and move, and the storage SOP
// classes.
func supportedAbstractSyntaxes() map[string]struct{} {
	out := map[string]struct{}{
		types.VerificationSOPClass: {},
		types.FindPatientRootModel: {},
		types.FindStudyRootModel:   {},
		types.MovePatientRootModel: {},
		types.MoveStudyRootModel:   {},
	}
	for _, uid := range types.StorageSOPClasses {
		out[uid] = struct{}{}
	}
	return out
}

// pickTransferSyntax selects the syntax this server can re-encode.
func pickTransferSyntax(proposed []string) (string, bool) {
	for _, candidate := range []string{types.ExplicitVRLittleEndian, types.ImplicitVRLittleEndian} {
		for _, p := range proposed {
			if p == candidate {
				return candidate, true
			}
		}
	}
	return "", false
}

func (s *Server) aetMatches(called string) bool {
	cfg := s.ctx.Config().DICOM
	if cfg.StrictAETComparison {
		return called == cfg.AET
	}
	return strings.EqualFold(strings.TrimSpace(called), cfg.AET)
}

// handleAssociation negotiates one association and runs its command
// loop.
func (s *Server) handleAssociation(conn net.Conn) {
	ip := remoteIP(conn)

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	pduType, payload, err := readPDU(conn)
	if err != nil || pduType != pduAssociateRQ {
		logrus.Debugf("Connection from %s did not open an association", ip)
		return
	}

	req, err := parseAssociateRQ(payload)
	if err != nil {
		logrus.Warnf("Malformed association request from %s: %v", ip, err)
		writePDU(conn, pduAbort, abortPayload())
		return
	}

	cfg := s.ctx.Config().DICOM

	reject := func(reason byte, why string) {
		logrus.Infof("Rejecting association from %s (%s): %s", ip, req.CallingAET, why)
		writePDU(conn, pduAssociateRJ, buildAssociateRJ(reason))
	}

	if req.ApplicationContext != types.ApplicationContextName {
		reject(rejectApplicationContextNotSupported, "unsupported application context")
		return
	}
	if cfg.CheckCalledAET && !s.aetMatches(req.CalledAET) {
		reject(rejectCalledAETNotRecognized, "called AET mismatch")
		return
	}
	if s.filter != nil && !s.filter.IsAllowedConnection(ip, req.CallingAET) {
		reject(rejectCallingAETNotRecognized, "denied by the connection filter")
		return
	}
	if cfg.StrictAETComparison && req.ImplementationClassUID == "" {
		reject(rejectNoReasonGiven, "missing implementation class UID")
		return
	}

	assoc := &association{
		conn:       conn,
		remoteIP:   ip,
		callingAET: req.CallingAET,
		maxPDU:     req.MaxPDULength,
		contexts:   make(map[byte]AcceptedContext),
	}

	supported := supportedAbstractSyntaxes()
	var results []AcceptedContext
	for _, proposed := range req.PresentationContexts {
		result := AcceptedContext{ID: proposed.ID, AbstractSyntax: proposed.AbstractSyntax}
		if _, ok := supported[proposed.AbstractSyntax]; !ok {
			result.Result = contextRejectedAbstract
			result.TransferSyntax = types.ImplicitVRLittleEndian
			logrus.Debugf("Refusing %s", describeContext(proposed))
		} else if ts, ok := pickTransferSyntax(proposed.TransferSyntaxes); ok {
			result.Result = contextAccepted
			result.TransferSyntax = ts
			assoc.contexts[proposed.ID] = result
		} else {
			result.Result = contextRejectedTransfer
			result.TransferSyntax = types.ImplicitVRLittleEndian
		}
		results = append(results, result)
	}

	ac := buildAssociateAC(req, dicom.ImplementationClassUID, dicom.ImplementationVersionName, results)
	if err := writePDU(conn, pduAssociateAC, ac); err != nil {
		return
	}

	s.ctx.Metrics().Associations.Inc()
	logrus.Infof("Association accepted from %s (calling AET %s)", ip, req.CallingAET)

	s.commandLoop(assoc)
}

var (
	errReleased = errors.New("association released")
	errAborted  = errors.New("association aborted")
)

// readMessage assembles one DIMSE message: the command set and, when
// announced, its dataset. Reads are bounded to one second; each timeout
// increments the idle counter, and the association is aborted when it
// exceeds the configured client timeout.
func (s *Server) readMessage(assoc *association) (byte, command, []byte, error) {
	clientTimeout := s.ctx.Config().DICOM.ClientTimeout

	var contextID byte
	var commandBytes, dataBytes bytes.Buffer
	var cmd command
	commandDone := false

	for {
		assoc.conn.SetReadDeadline(time.Now().Add(time.Second))
		pduType, payload, err := readPDU(assoc.conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				assoc.idleSeconds++
				if clientTimeout > 0 && assoc.idleSeconds >= clientTimeout {
					logrus.Infof("Aborting idle association from %s", assoc.remoteIP)
					writePDU(assoc.conn, pduAbort, abortPayload())
					return 0, cmd, nil, errAborted
				}
				continue
			}
			return 0, cmd, nil, err
		}
		assoc.idleSeconds = 0

		switch pduType {
		case pduReleaseRQ:
			writePDU(assoc.conn, pduReleaseRP, nil)
			return 0, cmd, nil, errReleased

		case pduAbort:
			return 0, cmd, nil, errAborted

		case pduDataTF:
			pdvs, err := parsePDataTF(payload)
			if err != nil {
				return 0, cmd, nil, err
			}
			for _, item := range pdvs {
				contextID = item.contextID
				if item.command {
					commandBytes.Write(item.data)
					if item.last {
						cmd, err = parseCommand(commandBytes.Bytes())
						if err != nil {
							return 0, cmd, nil, err
						}
						commandDone = true
						if !cmd.hasDataSet() {
							return contextID, cmd, nil, nil
						}
					}
				} else {
					dataBytes.Write(item.data)
					if item.last && commandDone {
						return contextID, cmd, dataBytes.Bytes(), nil
					}
				}
			}

		default:
			return 0, cmd, nil, errs.Newf(errs.NetworkProtocol, "unexpected PDU type 0x%02x", pduType)
		}
	}
}

func (s *Server) commandLoop(assoc *association) {
	for {
		contextID, cmd, dataset, err := s.readMessage(assoc)
		if err != nil {
			if errors.Is(err, errReleased) {
				logrus.Infof("Association from %s released", assoc.remoteIP)
			} else if !errors.Is(err, errAborted) {
				logrus.Debugf("Association from %s ended: %v", assoc.remoteIP, err)
			}
			return
		}

		accepted, ok := assoc.contexts[contextID]
		if !ok {
			logrus.Warnf("Message on unaccepted presentation context %d", contextID)
			writePDU(assoc.conn, pduAbort, abortPayload())
			return
		}

		if s.filter != nil &&
			!s.filter.IsAllowedRequest(assoc.remoteIP, assoc.callingAET, queryKindOf(cmd.CommandField)) {
			logrus.Infof("Request from %s denied by the request filter", assoc.callingAET)
			s.respond(assoc, contextID, command{
				SOPClassUID:          cmd.SOPClassUID,
				CommandField:         cmd.CommandField | 0x8000,
				MessageIDRespondedTo: cmd.MessageID,
				DataSetType:          dataSetAbsent,
				Status:               errs.DimseFailedUnableToProcess,
			}, nil)
			continue
		}

		switch cmd.CommandField {
		case cEchoRQ:
			s.handleEcho(assoc, contextID, cmd)
		case cStoreRQ:
			s.handleStore(assoc, contextID, accepted, cmd, dataset)
		case cFindRQ:
			s.handleFind(assoc, contextID, accepted, cmd, dataset)
		case cMoveRQ:
			s.handleMove(assoc, contextID, accepted, cmd, dataset)
		case cCancelRQ:
			// No long-running operation to interrupt between messages.
		default:
			logrus.Warnf("Unsupported DIMSE command 0x%04x", cmd.CommandField)
			s.respond(assoc, contextID, command{
				SOPClassUID:          cmd.SOPClassUID,
				CommandField:         cmd.CommandField | 0x8000,
				MessageIDRespondedTo: cmd.MessageID,
				DataSetType:          dataSetAbsent,
				Status:               errs.DimseBadCommandType,
			}, nil)
		}
	}
}

func (s *Server) respond(assoc *association, contextID byte, rsp command, dataset []byte) {
	if err := writePData(assoc.conn, contextID, true, encodeCommand(rsp), assoc.maxPDU); err != nil {
		logrus.Warnf("Cannot send DIMSE response: %v", err)
		return
	}
	if dataset != nil {
		if err := writePData(assoc.conn, contextID, false, dataset, assoc.maxPDU); err != nil {
			logrus.Warnf("Cannot send DIMSE dataset: %v", err)
		}
	}
}

func (s *Server) handleEcho(assoc *association, contextID byte, cmd command) {
	s.respond(assoc, contextID, command{
		SOPClassUID:          cmd.SOPClassUID,
		CommandField:         cEchoRSP,
		MessageIDRespondedTo: cmd.MessageID,
		DataSetType:          dataSetAbsent,
		Status:               errs.DimseSuccess,
	}, nil)
}

func (s *Server) handleStore(assoc *association, contextID byte, accepted AcceptedContext,
	cmd command, dataset []byte) {

	status := errs.DimseSuccess
	if len(dataset) == 0 {
		status = errs.DimseCannotUnderstand
	} else {
		file := dicom.WrapWithMeta(dataset, cmd.SOPClassUID, cmd.SOPInstanceUID, accepted.TransferSyntax)
		if _, err := s.ctx.Store(file, assoc.callingAET); err != nil {
			logrus.Warnf("C-STORE from %s failed: %v", assoc.callingAET, err)
			status = errs.DimseStatus(err)
		}
	}

	s.respond(assoc, contextID, command{
		SOPClassUID:          cmd.SOPClassUID,
		CommandField:         cStoreRSP,
		MessageIDRespondedTo: cmd.MessageID,
		DataSetType:          dataSetAbsent,
		Status:               status,
		SOPInstanceUID:       cmd.SOPInstanceUID,
	}, nil)
}

func (s *Server) handleFind(assoc *association, contextID byte, accepted AcceptedContext,
	cmd command, dataset []byte) {

	explicit := accepted.TransferSyntax == types.ExplicitVRLittleEndian

	final := command{
		SOPClassUID:          cmd.SOPClassUID,
		CommandField:         cFindRSP,
		MessageIDRespondedTo: cmd.MessageID,
		DataSetType:          dataSetAbsent,
		Status:               errs.DimseSuccess,
	}

	query, err := decodeIdentifier(dataset, explicit)
	if err != nil {
		final.Status = errs.DimseCannotUnderstand
		s.respond(assoc, contextID, final, nil)
		return
	}

	answers, err := s.ctx.Find(query)
	if err != nil {
		logrus.Warnf("C-FIND from %s failed: %v", assoc.callingAET, err)
		final.Status = errs.DimseStatus(err)
		s.respond(assoc, contextID, final, nil)
		return
	}

	for _, answer := range answers {
		s.respond(assoc, contextID, command{
			SOPClassUID:          cmd.SOPClassUID,
			CommandField:         cFindRSP,
			MessageIDRespondedTo: cmd.MessageID,
			DataSetType:          dataSetPresent,
			Status:               errs.DimsePending,
		}, encodeIdentifier(answer, explicit))
	}

	s.respond(assoc, contextID, final, nil)
}

func (s *Server) handleMove(assoc *association, contextID byte, accepted AcceptedContext,
	cmd command, dataset []byte) {

	explicit := accepted.TransferSyntax == types.ExplicitVRLittleEndian

	rsp := command{
		SOPClassUID:          cmd.SOPClassUID,
		CommandField:         cMoveRSP,
		MessageIDRespondedTo: cmd.MessageID,
		DataSetType:          dataSetAbsent,
		HasCounter:           true,
	}

	query, err := decodeIdentifier(dataset, explicit)
	if err != nil {
		rsp.Status = errs.DimseCannotUnderstand
		s.respond(assoc, contextID, rsp, nil)
		return
	}

	iterator, err := s.ctx.CreateMoveIterator(cmd.MoveDestination, query)
	if err != nil {
		logrus.Warnf("C-MOVE towards %q failed to start: %v", cmd.MoveDestination, err)
		if errs.Is(err, errs.ParameterOutOfRange) {
			rsp.Status = errs.DimseMoveUnknownDestination
		} else {
			rsp.Status = errs.DimseStatus(err)
		}
		s.respond(assoc, contextID, rsp, nil)
		return
	}
	defer iterator.Close()

	completed := 0
	for {
		status := iterator.Next()
		switch status {
		case server.MovePending:
			completed++
			s.respond(assoc, contextID, command{
				SOPClassUID:          cmd.SOPClassUID,
				CommandField:         cMoveRSP,
				MessageIDRespondedTo: cmd.MessageID,
				DataSetType:          dataSetAbsent,
				Status:               errs.DimsePending,
				HasCounter:           true,
				Remaining:            uint16(iterator.Remaining()),
				Completed:            uint16(completed - iterator.Failed()),
				Failed:               uint16(iterator.Failed()),
			}, nil)

		case server.MoveSuccess, server.MoveFailure:
			rsp.Status = errs.DimseSuccess
			if status == server.MoveFailure {
				rsp.Status = errs.DimseFailedUnableToProcess
			}
			rsp.Completed = uint16(completed - iterator.Failed())
			rsp.Failed = uint16(iterator.Failed())
			s.respond(assoc, contextID, rsp, nil)
			return
		}
	}
}
