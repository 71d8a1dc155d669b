package opp

import (
	"errors"
	"fmt"

	"github.com/opd-ai/obexd/file"
	"github.com/opd-ai/obexd/limits"
	"github.com/opd-ai/obexd/loop"
	"github.com/opd-ai/obexd/metrics"
	"github.com/opd-ai/obexd/notify"
	"github.com/opd-ai/obexd/obex"
	"github.com/opd-ai/obexd/session"
	"github.com/opd-ai/obexd/storage"
	"github.com/opd-ai/obexd/transport"
	"github.com/sirupsen/logrus"
)

var (
	// ErrRejected indicates the user declined an incoming object.
	ErrRejected = errors.New("object rejected")

	// ErrStopped indicates receiving was stopped locally.
	ErrStopped = errors.New("receiving stopped")

	// ErrSizeMismatch indicates the peer sent more or less than it declared.
	ErrSizeMismatch = errors.New("object size mismatch")
)

// ServerOptions configures the receive side.
type ServerOptions struct {
	// AutoAccept skips the confirmation of the first object of a session.
	AutoAccept bool

	// MaxPacketLength is advertised in the Connect reply and bounds the
	// packets we accept. Zero means limits.MaxPacketLength.
	MaxPacketLength int
}

// ServerDeps are the collaborators of a Server.
type ServerDeps struct {
	Scheduler loop.Scheduler
	Store     storage.Store
	Notifier  notify.Notifier
	Transfers *file.Manager
	Metrics   *metrics.Metrics
}

// Server receives pushed objects. It serves one session at a time; a
// second link is closed as soon as it connects. All state is owned by the
// scheduler's loop.
type Server struct {
	deps ServerDeps
	opts ServerOptions

	conn transport.Conn
	sess *session.Session

	sink       storage.Sink
	transfer   *file.Transfer
	transferID uint64
	declared   uint64
	hasLength  bool

	confirmed       bool
	awaitingConfirm bool
	held            *obex.Frame
}

// NewServer creates an OPP server.
func NewServer(deps ServerDeps, opts ServerOptions) *Server {
	if opts.MaxPacketLength <= 0 {
		opts.MaxPacketLength = limits.MaxPacketLength
	}
	opts.MaxPacketLength = limits.ClampPacketLength(opts.MaxPacketLength)
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Transfers == nil {
		deps.Transfers = file.NewManager()
	}
	return &Server{deps: deps, opts: opts}
}

// HandleConnect implements transport.Handler.
func (s *Server) HandleConnect(c transport.Conn) {
	s.deps.Scheduler.Post(func() { s.onLink(c) })
}

// HandleReceive implements transport.Handler.
func (s *Server) HandleReceive(c transport.Conn, data []byte) {
	s.deps.Scheduler.Post(func() { s.onReceive(c, data) })
}

// HandleDisconnect implements transport.Handler.
func (s *Server) HandleDisconnect(c transport.Conn, err error) {
	s.deps.Scheduler.Post(func() { s.onLinkLost(c, err) })
}

// ConfirmReceivingFile answers a ReceivingConfirmation event.
func (s *Server) ConfirmReceivingFile(accept bool) {
	s.deps.Scheduler.Post(func() { s.confirm(accept) })
}

// StopReceiving cancels the object being received. The peer learns about
// it on its next PUT.
func (s *Server) StopReceiving() {
	s.deps.Scheduler.Post(func() {
		if s.sess == nil || !s.sess.Is(session.StateTransferring) {
			return
		}
		s.sess.AbortRequested = true
	})
}

// State returns the session state. Must be called on the loop.
func (s *Server) State() session.State {
	if s.sess == nil {
		return session.StateDisconnected
	}
	return s.sess.State()
}

func (s *Server) onLink(c transport.Conn) {
	if s.conn != nil {
		logrus.WithFields(logrus.Fields{
			"function": "onLink",
			"remote":   c.RemoteAddr(),
			"busy":     s.conn.RemoteAddr(),
		}).Warn("Rejecting second OPP link")
		c.Close()
		return
	}
	s.conn = c
	s.sess = session.New(session.RoleServer, c.RemoteAddr(), s.opts.MaxPacketLength)
	s.confirmed = s.opts.AutoAccept
	s.deps.Metrics.SessionOpened(notify.ProfileOPP)

	logrus.WithFields(logrus.Fields{
		"function": "onLink",
		"remote":   c.RemoteAddr(),
	}).Info("OPP link established")
}

func (s *Server) onLinkLost(c transport.Conn, err error) {
	if c != s.conn {
		return
	}
	if s.transfer != nil {
		cause := err
		if cause == nil {
			cause = fmt.Errorf("%w: link closed mid-transfer", transport.ErrTransport)
		}
		s.discardObject(cause)
	}
	s.teardown()

	logrus.WithFields(logrus.Fields{
		"function": "onLinkLost",
		"remote":   c.RemoteAddr(),
		"error":    err,
	}).Info("OPP link closed")
}

func (s *Server) teardown() {
	if s.sess == nil {
		return
	}
	s.sess.Close()
	s.sess = nil
	s.conn = nil
	s.held = nil
	s.awaitingConfirm = false
	s.deps.Metrics.SessionClosed(notify.ProfileOPP)
}

func (s *Server) onReceive(c transport.Conn, data []byte) {
	if c != s.conn || s.sess == nil {
		return
	}

	packet, err := s.sess.Reassembler.Feed(data)
	if err != nil {
		if errors.Is(err, obex.ErrOverrun) {
			s.abortConnection(err)
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "onReceive",
			"remote":   c.RemoteAddr(),
			"error":    err.Error(),
		}).Warn("Malformed OPP packet")
		s.rejectMalformed(err)
		return
	}
	if packet == nil {
		return
	}

	f, err := obex.DecodeRequest(packet)
	if err != nil {
		s.rejectMalformed(err)
		return
	}
	s.dispatch(f)
}

// rejectMalformed answers BadRequest. Mid-transfer the object is dropped
// and the session ends.
func (s *Server) rejectMalformed(err error) {
	if s.transfer != nil {
		s.abortConnection(err)
		return
	}
	s.reply(obex.BadRequest)
}

func (s *Server) dispatch(f *obex.Frame) {
	op := f.Op()
	s.deps.Metrics.RecordRequest(notify.ProfileOPP, op.String())

	if s.awaitingConfirm && op != obex.OpAbort && op != obex.OpDisconnect {
		// The peer must wait for our answer to the held PUT.
		s.reply(obex.BadRequest)
		return
	}
	if s.sess.Is(session.StateDisconnected) && op != obex.OpConnect {
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"remote":   s.sess.Address,
			"opcode":   op,
		}).Warn("Request before Connect")
		s.reply(obex.BadRequest)
		return
	}
	s.sess.LastRequestOpcode = op

	switch op {
	case obex.OpConnect:
		s.handleConnect(f)
	case obex.OpPut, obex.OpPutFinal:
		s.handlePut(f)
	case obex.OpAbort:
		s.handleAbort()
	case obex.OpDisconnect:
		s.handleDisconnect()
	case obex.OpGet, obex.OpGetFinal, obex.OpSetPath:
		s.reply(obex.BadRequest)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"opcode":   op,
			"error":    obex.ErrUnsupported.Error(),
		}).Debug("Unsupported opcode")
		s.reply(obex.NotImplemented)
	}
}

func (s *Server) handleConnect(f *obex.Frame) {
	if !s.sess.Is(session.StateDisconnected) {
		_ = s.replyConnect(obex.BadRequest)
		return
	}
	remoteMax, err := limits.NegotiatePacketLength(int(f.Connect.MaxPacketLength))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleConnect",
			"remote":   s.sess.Address,
			"error":    err.Error(),
		}).Warn("Refusing connection")
		_ = s.replyConnect(obex.BadRequest)
		return
	}
	if err := s.sess.Transition(session.StateConnecting); err != nil {
		_ = s.replyConnect(obex.InternalServerError)
		return
	}
	s.sess.RemoteMaxPacketLength = remoteMax

	if err := s.replyConnect(obex.Success); err != nil {
		return
	}
	_ = s.sess.Transition(session.StateConnected)
}

// replyConnect answers a Connect with the connect fields attached.
func (s *Server) replyConnect(code obex.ResponseCode) error {
	resp := obex.NewResponse(code)
	resp.Connect = &obex.ConnectFields{
		Version:         obex.Version,
		MaxPacketLength: uint16(s.opts.MaxPacketLength),
	}
	return s.send(resp)
}

func (s *Server) handlePut(f *obex.Frame) {
	if s.sess.AbortRequested {
		s.reply(obex.Unauthorized)
		s.discardObject(ErrStopped)
		_ = s.sess.Transition(session.StateConnected)
		return
	}

	if s.transfer == nil {
		if !s.confirmed {
			s.held = f
			s.awaitingConfirm = true
			name, _ := f.Headers.Name()
			contentType, _ := f.Headers.Type()
			length, _ := f.Headers.Length()
			s.notify(notify.Event{
				Kind:        notify.KindReceivingConfirmation,
				FileName:    file.SanitizeName(name),
				ContentType: contentType,
				FileLength:  uint64(length),
			})
			return
		}
		if !s.beginObject(f) {
			return
		}
	}
	s.continuePut(f)
}

func (s *Server) confirm(accept bool) {
	if !s.awaitingConfirm || s.sess == nil {
		return
	}
	f := s.held
	s.held = nil
	s.awaitingConfirm = false

	if !accept {
		logrus.WithFields(logrus.Fields{
			"function": "confirm",
			"remote":   s.sess.Address,
		}).Info("Incoming object rejected")
		s.reply(obex.Forbidden, obex.DescriptionHeader(ErrRejected.Error()))
		name, _ := f.Headers.Name()
		s.notify(notify.Event{
			Kind:     notify.KindTransferComplete,
			FileName: file.SanitizeName(name),
			Err:      ErrRejected,
		})
		return
	}

	s.confirmed = true
	if s.beginObject(f) {
		s.continuePut(f)
	}
}

// beginObject opens a sink for the object announced by f.
func (s *Server) beginObject(f *obex.Frame) bool {
	rawName, _ := f.Headers.Name()
	name := file.SanitizeName(rawName)
	contentType, _ := f.Headers.Type()
	length, hasLength := f.Headers.Length()

	sink, err := s.deps.Store.Create(name, contentType)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "beginObject",
			"file_name": name,
			"error":     err.Error(),
		}).Error("Cannot create staging file")
		s.reply(obex.InternalServerError)
		s.notify(notify.Event{Kind: notify.KindTransferComplete, FileName: name, ContentType: contentType, Err: err})
		return false
	}
	if err := s.sess.Transition(session.StateTransferring); err != nil {
		_ = s.deps.Store.Delete(sink)
		s.reply(obex.InternalServerError)
		return false
	}

	s.sink = sink
	s.declared = uint64(length)
	s.hasLength = hasLength
	s.sess.File = session.FileInfo{Name: name, ContentType: contentType, Length: uint64(length)}

	t := file.NewTransfer(s.sess.Address, name, contentType, uint64(length), file.TransferDirectionIncoming)
	t.OnProgress(func(received uint64) {
		s.notify(notify.Event{
			Kind:        notify.KindTransferProgress,
			FileName:    name,
			ContentType: contentType,
			FileLength:  uint64(length),
			Transferred: received,
		})
	})
	t.OnComplete(func(err error) {
		snap := t.Snapshot()
		length := snap.FileSize
		if err == nil {
			length = snap.Transferred
		}
		s.notify(notify.Event{
			Kind:        notify.KindTransferComplete,
			FileName:    snap.FileName,
			ContentType: snap.ContentType,
			FileLength:  length,
			Transferred: snap.Transferred,
			Success:     err == nil,
			Err:         err,
		})
	})
	_ = t.Start()
	s.transfer = t
	s.transferID = s.deps.Transfers.Track(t)

	s.notify(notify.Event{
		Kind:        notify.KindTransferStart,
		FileName:    name,
		ContentType: contentType,
		FileLength:  uint64(length),
	})
	return true
}

func (s *Server) continuePut(f *obex.Frame) {
	if body, ok := f.Headers.Body(); ok && len(body) > 0 {
		if s.hasLength && s.sess.ReceivedLength+uint64(len(body)) > s.declared {
			s.abortConnection(fmt.Errorf("%w: %d bytes past declared %d",
				ErrSizeMismatch, s.sess.ReceivedLength+uint64(len(body))-s.declared, s.declared))
			return
		}
		n, err := s.sink.Write(body)
		s.sess.ReceivedLength += uint64(n)
		if err != nil {
			s.reply(obex.InternalServerError)
			s.discardObject(err)
			_ = s.sess.Transition(session.StateConnected)
			return
		}
		s.transfer.AddProgress(uint64(n))
	}

	if f.Op() != obex.OpPutFinal {
		s.reply(obex.Continue)
		return
	}

	if s.hasLength && s.sess.ReceivedLength != s.declared {
		s.abortConnection(fmt.Errorf("%w: received %d of %d bytes", ErrSizeMismatch, s.sess.ReceivedLength, s.declared))
		return
	}
	s.finishObject()
}

func (s *Server) finishObject() {
	info := s.sess.File
	path, err := s.deps.Store.Finalize(s.sink, info.Name)
	if err != nil {
		s.reply(obex.InternalServerError)
		s.discardObject(err)
		_ = s.sess.Transition(session.StateConnected)
		return
	}
	s.sink = nil

	received := s.sess.ReceivedLength
	s.reply(obex.Success)
	s.deps.Transfers.Untrack(s.transferID)
	_ = s.transfer.Complete(nil)
	s.transfer = nil

	logrus.WithFields(logrus.Fields{
		"function": "finishObject",
		"remote":   s.sess.Address,
		"path":     path,
		"bytes":    received,
	}).Info("Object received")

	s.sess.ResetTransfer()
	_ = s.sess.Transition(session.StateConnected)
}

// discardObject deletes the partial object and reports the failure.
func (s *Server) discardObject(cause error) {
	if s.sink != nil {
		if err := s.deps.Store.Delete(s.sink); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "discardObject",
				"error":    err.Error(),
			}).Warn("Failed to delete partial object")
		}
		s.sink = nil
	}
	if s.transfer != nil {
		s.deps.Transfers.Untrack(s.transferID)
		_ = s.transfer.Complete(cause)
		s.transfer = nil
	}
	s.sess.ResetTransfer()
}

// abortConnection handles a size violation: BadRequest, drop the object,
// then end the session.
func (s *Server) abortConnection(cause error) {
	logrus.WithFields(logrus.Fields{
		"function": "abortConnection",
		"remote":   s.sess.Address,
		"error":    cause.Error(),
	}).Warn("Protocol violation, closing OPP session")

	s.reply(obex.BadRequest)
	s.discardObject(cause)
	_ = s.sess.Transition(session.StateDisconnecting)
	conn := s.conn
	s.teardown()
	conn.Close()
}

func (s *Server) handleAbort() {
	s.reply(obex.Success)
	if s.transfer != nil {
		s.discardObject(file.ErrTransferCancelled)
	}
	s.held = nil
	s.awaitingConfirm = false
	_ = s.sess.Transition(session.StateDisconnected)
}

func (s *Server) handleDisconnect() {
	s.reply(obex.Success)
	if s.transfer != nil {
		s.discardObject(file.ErrTransferCancelled)
	}
	_ = s.sess.Transition(session.StateDisconnecting)
	conn := s.conn
	s.teardown()
	conn.Close()
}

func (s *Server) reply(code obex.ResponseCode, headers ...obex.Header) {
	_ = s.send(obex.NewResponse(code, headers...))
}

func (s *Server) send(f *obex.Frame) error {
	if s.conn == nil {
		return transport.ErrConnClosed
	}
	data, err := obex.Encode(f, s.sess.RemoteMaxPacketLength)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "send",
			"code":     f.Code(),
			"error":    err.Error(),
		}).Error("Cannot encode response")
		return err
	}
	s.deps.Metrics.RecordResponse(notify.ProfileOPP, f.Code().String())
	if err := s.conn.Send(data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "send",
			"remote":   s.conn.RemoteAddr(),
			"error":    err.Error(),
		}).Warn("Cannot send response")
		return err
	}
	return nil
}

func (s *Server) notify(ev notify.Event) {
	ev.Profile = notify.ProfileOPP
	ev.Direction = notify.Inbound
	if s.sess != nil {
		ev.Address = s.sess.Address
	}
	s.deps.Notifier.Notify(ev)
}
