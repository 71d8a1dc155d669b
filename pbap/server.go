package pbap

import (
	"bytes"
	"errors"
	"time"

	"github.com/opd-ai/obexd/auth"
	"github.com/opd-ai/obexd/limits"
	"github.com/opd-ai/obexd/loop"
	"github.com/opd-ai/obexd/metrics"
	"github.com/opd-ai/obexd/notify"
	"github.com/opd-ai/obexd/obex"
	"github.com/opd-ai/obexd/session"
	"github.com/opd-ai/obexd/transport"
	"github.com/sirupsen/logrus"
)

// ConnectionID is the only connection identifier we hand out.
const ConnectionID = 1

// ErrRejected indicates the user declined the connection.
var ErrRejected = errors.New("connection rejected")

// Replier is how a Provider answers a request. Every method may be called
// from any goroutine; replies for a request that is no longer outstanding
// are dropped.
type Replier interface {
	ReplyToPullPhonebook(req *Request, body []byte, size uint16)
	ReplyToPullvCardListing(req *Request, body []byte, size uint16)
	ReplyToPullvCardEntry(req *Request, body []byte)
	ReplyError(req *Request, code obex.ResponseCode)
}

// Provider produces phonebook objects.
type Provider interface {
	// HandleRequest runs on the control loop and must not block. It answers
	// through r, now or later.
	HandleRequest(r Replier, req *Request)
}

// FolderInfo carries the optional parameters of a response.
type FolderInfo struct {
	PrimaryVersion   [16]byte
	SecondaryVersion [16]byte
	DatabaseID       [16]byte
	NewMissedCalls   uint8
}

// FolderInfoProvider is implemented by providers that track folder
// versions or missed calls.
type FolderInfoProvider interface {
	FolderInfo(folder string) FolderInfo
}

// ServerOptions configures the phonebook server.
type ServerOptions struct {
	// AutoAccept skips the connection request event.
	AutoAccept bool

	// Password answers authentication challenges without asking the user.
	Password string

	// SRMInterval paces the packets of a Single Response Mode operation.
	SRMInterval time.Duration

	MaxPacketLength int
}

// ServerDeps are the collaborators of a Server.
type ServerDeps struct {
	Scheduler loop.Scheduler
	Provider  Provider
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
}

type stream struct {
	req      *Request
	body     []byte
	off      int
	params   obex.AppParams
	sizeOnly bool
}

// Server answers phonebook pulls for one client at a time.
type Server struct {
	deps ServerDeps
	opts ServerOptions

	conn transport.Conn
	sess *session.Session

	srm      SRM
	authCtx  *auth.Context
	features uint32
	path     string

	awaitingUser     bool
	awaitingPassword bool

	pending *Request
	stream  *stream

	pumpSeq   uint64
	pumpArmed bool
	pumpStop  func()
}

// NewServer creates a PBAP server.
func NewServer(deps ServerDeps, opts ServerOptions) *Server {
	if opts.MaxPacketLength <= 0 {
		opts.MaxPacketLength = limits.MaxPacketLength
	}
	opts.MaxPacketLength = limits.ClampPacketLength(opts.MaxPacketLength)
	if opts.SRMInterval <= 0 {
		opts.SRMInterval = DefaultSRMInterval
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
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

// ReplyToConnectionRequest answers a ConnectionRequest event.
func (s *Server) ReplyToConnectionRequest(accept bool) {
	s.deps.Scheduler.Post(func() { s.answerConnection(accept) })
}

// ReplyToAuthChallenge answers a PasswordRequest event. An empty password
// rejects the connection.
func (s *Server) ReplyToAuthChallenge(password string) {
	s.deps.Scheduler.Post(func() { s.answerChallenge(password) })
}

// ReplyToPullPhonebook implements Replier.
func (s *Server) ReplyToPullPhonebook(req *Request, body []byte, size uint16) {
	s.deps.Scheduler.Post(func() { s.startStream(req, body, size) })
}

// ReplyToPullvCardListing implements Replier.
func (s *Server) ReplyToPullvCardListing(req *Request, body []byte, size uint16) {
	s.deps.Scheduler.Post(func() { s.startStream(req, body, size) })
}

// ReplyToPullvCardEntry implements Replier.
func (s *Server) ReplyToPullvCardEntry(req *Request, body []byte) {
	s.deps.Scheduler.Post(func() { s.startStream(req, body, 0) })
}

// ReplyError implements Replier.
func (s *Server) ReplyError(req *Request, code obex.ResponseCode) {
	s.deps.Scheduler.Post(func() {
		if !s.outstanding(req) {
			return
		}
		s.pending = nil
		s.srm.Reset()
		_ = s.sess.Transition(session.StateConnected)
		s.reply(code)
		s.notify(notify.Event{
			Kind:     notify.KindTransferComplete,
			FileName: req.Name,
			Err:      errors.New(code.String()),
		})
	})
}

// State returns the session state. Must be called on the loop.
func (s *Server) State() session.State {
	if s.sess == nil {
		return session.StateDisconnected
	}
	return s.sess.State()
}

// Path returns the current folder. Must be called on the loop.
func (s *Server) Path() string { return s.path }

// Features returns the feature bits the client advertised. Must be called
// on the loop.
func (s *Server) Features() uint32 { return s.features }

// SRMState returns a copy of the flow control state. Must be called on the loop.
func (s *Server) SRMState() SRM { return s.srm }

func (s *Server) onLink(c transport.Conn) {
	if s.conn != nil {
		logrus.WithFields(logrus.Fields{
			"function": "onLink",
			"remote":   c.RemoteAddr(),
			"busy":     s.conn.RemoteAddr(),
		}).Warn("Rejecting second PBAP link")
		c.Close()
		return
	}
	s.conn = c
	s.sess = session.New(session.RoleServer, c.RemoteAddr(), s.opts.MaxPacketLength)
	s.deps.Metrics.SessionOpened(notify.ProfilePBAP)

	logrus.WithFields(logrus.Fields{
		"function": "onLink",
		"remote":   c.RemoteAddr(),
	}).Info("PBAP link established")
}

func (s *Server) onLinkLost(c transport.Conn, err error) {
	if c != s.conn {
		return
	}
	if s.stream != nil || s.pending != nil {
		s.failOperation(transport.ErrConnClosed)
	}
	s.resetOperation()
	s.sess.Close()
	s.sess = nil
	s.conn = nil
	s.deps.Metrics.SessionClosed(notify.ProfilePBAP)

	logrus.WithFields(logrus.Fields{
		"function": "onLinkLost",
		"remote":   c.RemoteAddr(),
		"error":    err,
	}).Info("PBAP link closed")
}

func (s *Server) onReceive(c transport.Conn, data []byte) {
	if c != s.conn || s.sess == nil {
		return
	}
	packet, err := s.sess.Reassembler.Feed(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "onReceive",
			"remote":   c.RemoteAddr(),
			"error":    err.Error(),
		}).Warn("Malformed PBAP packet")
		s.reply(obex.BadRequest)
		return
	}
	if packet == nil {
		return
	}
	f, err := obex.DecodeRequest(packet)
	if err != nil {
		s.reply(obex.BadRequest)
		return
	}
	s.dispatch(f)
}

func (s *Server) dispatch(f *obex.Frame) {
	op := f.Op()
	s.deps.Metrics.RecordRequest(notify.ProfilePBAP, op.String())

	if op == obex.OpConnect {
		s.sess.LastRequestOpcode = op
		s.handleConnect(f)
		return
	}
	if s.sess.Is(session.StateDisconnected) {
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
	case obex.OpDisconnect, obex.OpAbort:
		s.handleDisconnect(op)
		return
	}
	if s.sess.Is(session.StateConnecting) {
		s.reply(obex.BadRequest)
		return
	}
	if id, ok := f.Headers.ConnectionID(); ok && id != ConnectionID {
		s.reply(obex.ServiceUnavailable)
		return
	}

	switch op {
	case obex.OpSetPath:
		s.handleSetPath(f)
	case obex.OpGet, obex.OpGetFinal:
		if op == obex.OpGet {
			logrus.WithFields(logrus.Fields{
				"function": "dispatch",
			}).Debug("Treating non-final GET as GetFinal")
		}
		s.handleGet(f)
	case obex.OpPut, obex.OpPutFinal:
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
		s.replyConnect(obex.BadRequest)
		return
	}
	s.srm.Reset()
	s.authCtx = nil
	s.features = 0

	target, ok := f.Headers.Get(obex.HeaderTarget)
	if !ok || !bytes.Equal(target.Data, Target[:]) {
		logrus.WithFields(logrus.Fields{
			"function": "handleConnect",
			"remote":   s.sess.Address,
		}).Warn("Connect without PBAP target")
		s.replyConnect(obex.BadRequest)
		return
	}
	remoteMax, err := limits.NegotiatePacketLength(int(f.Connect.MaxPacketLength))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleConnect",
			"remote":   s.sess.Address,
			"error":    err.Error(),
		}).Warn("Remote maximum packet length rejected")
		s.replyConnect(obex.BadRequest)
		return
	}

	params, err := f.Headers.AppParams()
	if err != nil {
		s.replyConnect(obex.BadRequest)
		return
	}
	if v, ok := params.Uint32(obex.ParamSupportedFeatures); ok {
		s.features = v
	}
	if h, ok := f.Headers.Get(obex.HeaderAuthChallenge); ok {
		ctx, err := auth.NewContext(h.Data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleConnect",
				"error":    err.Error(),
			}).Warn("Bad authentication challenge")
			s.replyConnect(obex.BadRequest)
			return
		}
		s.authCtx = ctx
	}

	s.sess.RemoteMaxPacketLength = remoteMax
	if err := s.sess.Transition(session.StateConnecting); err != nil {
		s.replyConnect(obex.InternalServerError)
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "handleConnect",
		"remote":     s.sess.Address,
		"features":   s.features,
		"max_packet": s.sess.RemoteMaxPacketLength,
		"auth":       s.authCtx != nil,
	}).Info("PBAP connection requested")

	s.awaitingUser = true
	if s.opts.AutoAccept {
		s.answerConnection(true)
		return
	}
	s.notify(notify.Event{Kind: notify.KindConnectionRequest})
}

func (s *Server) answerConnection(accept bool) {
	if s.sess == nil || !s.awaitingUser || !s.sess.Is(session.StateConnecting) {
		return
	}
	s.awaitingUser = false
	if !accept {
		s.refuseConnect(obex.Forbidden, ErrRejected)
		return
	}
	if s.authCtx == nil {
		s.completeConnect(nil)
		return
	}
	if s.opts.Password != "" {
		s.awaitingPassword = true
		s.answerChallenge(s.opts.Password)
		return
	}
	s.awaitingPassword = true
	s.notify(notify.Event{Kind: notify.KindPasswordRequest})
}

func (s *Server) answerChallenge(password string) {
	if s.sess == nil || !s.awaitingPassword || s.authCtx == nil {
		return
	}
	s.awaitingPassword = false
	resp, err := s.authCtx.Reply(password)
	if err != nil {
		s.refuseConnect(obex.Unauthorized, err)
		return
	}
	s.completeConnect(resp)
}

func (s *Server) refuseConnect(code obex.ResponseCode, cause error) {
	logrus.WithFields(logrus.Fields{
		"function": "refuseConnect",
		"remote":   s.sess.Address,
		"code":     code,
		"error":    cause.Error(),
	}).Info("PBAP connection refused")
	s.authCtx = nil
	s.replyConnect(code)
	_ = s.sess.Transition(session.StateDisconnected)
}

func (s *Server) completeConnect(authResponse []byte) {
	headers := []obex.Header{
		obex.ConnectionIDHeader(ConnectionID),
		obex.WhoHeader(Target[:]),
	}
	if authResponse != nil {
		headers = append(headers, obex.AuthResponseHeader(authResponse))
	}
	s.authCtx = nil
	if err := s.replyConnect(obex.Success, headers...); err != nil {
		return
	}
	s.path = ""
	_ = s.sess.Transition(session.StateConnected)
}

func (s *Server) handleDisconnect(op obex.Opcode) {
	if s.stream != nil || s.pending != nil {
		s.failOperation(errors.New(op.String()))
	}
	s.resetOperation()
	s.authCtx = nil
	s.awaitingUser = false
	s.awaitingPassword = false
	s.reply(obex.Success)
	s.sess.ResetTransfer()
	_ = s.sess.Transition(session.StateDisconnected)
}

func (s *Server) handleSetPath(f *obex.Frame) {
	if s.pending != nil || s.stream != nil {
		s.reply(obex.BadRequest)
		return
	}
	flags := f.SetPath.Flags
	if flags>>1 != 1 {
		logrus.WithFields(logrus.Fields{
			"function": "handleSetPath",
			"flags":    flags,
		}).Warn("Illegal SetPath flags")
		s.reply(obex.BadRequest)
		return
	}
	name, _ := f.Headers.Name()
	next, err := Navigate(s.path, flags&obex.SetPathBackup != 0, name)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleSetPath",
			"current":  s.path,
			"error":    err.Error(),
		}).Info("Illegal phonebook path")
		s.reply(obex.NotFound)
		return
	}
	s.path = next
	s.reply(obex.Success)
}

func (s *Server) handleGet(f *obex.Frame) {
	s.srm.Update(f.Headers)

	if s.stream != nil {
		s.sendNext()
		return
	}
	if s.pending != nil {
		s.reply(obex.BadRequest)
		return
	}

	req, err := ParseRequest(f.Headers, s.path)
	if err != nil {
		code := obex.BadRequest
		switch {
		case errors.Is(err, ErrNotFound):
			code = obex.NotFound
		case errors.Is(err, ErrNotAcceptable):
			code = obex.NotAcceptable
		}
		logrus.WithFields(logrus.Fields{
			"function": "handleGet",
			"path":     s.path,
			"error":    err.Error(),
		}).Info("Rejecting phonebook request")
		s.srm.Reset()
		s.reply(code)
		return
	}
	if s.deps.Provider == nil {
		s.srm.Reset()
		s.reply(obex.ServiceUnavailable)
		return
	}
	if err := s.sess.Transition(session.StateTransferring); err != nil {
		s.reply(obex.InternalServerError)
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":       "handleGet",
		"kind":           req.Kind,
		"folder":         req.Folder,
		"name":           req.Name,
		"max_list_count": req.MaxListCount,
		"offset":         req.ListStartOffset,
	}).Debug("Phonebook request")

	s.pending = req
	s.deps.Provider.HandleRequest(s, req)
}

func (s *Server) outstanding(req *Request) bool {
	if req == nil || s.sess == nil || req != s.pending {
		logrus.WithFields(logrus.Fields{
			"function": "outstanding",
		}).Debug("Dropping reply to a request that is no longer pending")
		return false
	}
	return true
}

func (s *Server) startStream(req *Request, body []byte, size uint16) {
	if !s.outstanding(req) {
		return
	}
	s.pending = nil
	s.stream = &stream{
		req:      req,
		body:     body,
		params:   s.responseParams(req, size),
		sizeOnly: req.SizeOnly(),
	}
	s.notify(notify.Event{
		Kind:        notify.KindTransferStart,
		FileName:    req.Name,
		ContentType: contentTypeOf(req.Kind),
		FileLength:  uint64(len(body)),
	})
	s.sendNext()
}

func (s *Server) responseParams(req *Request, size uint16) obex.AppParams {
	var info FolderInfo
	if fp, ok := s.deps.Provider.(FolderInfoProvider); ok {
		info = fp.FolderInfo(req.Folder)
	}

	var params obex.AppParams
	if req.Kind != PullvCardEntry && s.features&FeatureFolderVersionCounters != 0 {
		params.Add(obex.ParamPrimaryVersionCounter, info.PrimaryVersion[:])
		params.Add(obex.ParamSecondaryVersionCounter, info.SecondaryVersion[:])
	}
	if s.features&FeatureDatabaseIdentifier != 0 {
		params.Add(obex.ParamDatabaseIdentifier, info.DatabaseID[:])
	}
	switch {
	case req.SizeOnly():
		params.AddUint16(obex.ParamPhonebookSize, size)
	case req.MissedCalls():
		params.AddUint8(obex.ParamNewMissedCalls, info.NewMissedCalls)
	}
	return params
}

// sendNext sends the next packet of the current response. The body goes
// out in Continue packets; a zero-length EndOfBody ends the response in a
// Success packet of its own.
func (s *Server) sendNext() {
	st := s.stream
	headers := s.srm.ResponseHeaders()
	if len(st.params) > 0 {
		headers = append(headers, obex.AppParamsHeader(st.params))
		st.params = nil
	}

	if st.sizeOnly || st.off >= len(st.body) {
		headers = append(headers, obex.EndOfBodyHeader(nil))
		s.finishStream(headers)
		return
	}

	used := limits.PreludeLength + 3
	for _, h := range headers {
		used += h.EncodedLen()
	}
	if room := s.sess.RemoteMaxPacketLength - used; room > 0 {
		n := min(room, len(st.body)-st.off)
		headers = append(headers, obex.BodyHeader(st.body[st.off:st.off+n]))
		st.off += n
	}
	if err := s.send(obex.NewResponse(obex.Continue, headers...)); err != nil {
		return
	}
	if s.srm.Active {
		s.armPump()
	}
}

func (s *Server) finishStream(headers []obex.Header) {
	st := s.stream
	s.stream = nil
	s.disarmPump()
	s.srm.Reset()
	s.reply(obex.Success, headers...)
	s.sess.ResetTransfer()
	_ = s.sess.Transition(session.StateConnected)

	s.notify(notify.Event{
		Kind:        notify.KindTransferComplete,
		FileName:    st.req.Name,
		ContentType: contentTypeOf(st.req.Kind),
		FileLength:  uint64(len(st.body)),
		Transferred: uint64(st.off),
		Success:     true,
	})
}

// armPump schedules the next Single Response Mode packet.
func (s *Server) armPump() {
	if s.pumpArmed {
		return
	}
	s.pumpArmed = true
	seq := s.pumpSeq
	tok := s.sess.Token()
	s.pumpStop = s.deps.Scheduler.PostDelayed(s.opts.SRMInterval, func() {
		if seq != s.pumpSeq {
			return
		}
		s.pumpArmed = false
		s.pumpStop = nil
		if !tok.Valid() || s.stream == nil || !s.srm.Active {
			return
		}
		s.sendNext()
	})
}

func (s *Server) disarmPump() {
	s.pumpSeq++
	s.pumpArmed = false
	if s.pumpStop != nil {
		s.pumpStop()
		s.pumpStop = nil
	}
}

func (s *Server) resetOperation() {
	s.disarmPump()
	s.srm.Reset()
	s.stream = nil
	s.pending = nil
}

func (s *Server) failOperation(cause error) {
	var name string
	switch {
	case s.stream != nil:
		name = s.stream.req.Name
	case s.pending != nil:
		name = s.pending.Name
	}
	s.notify(notify.Event{
		Kind:     notify.KindTransferComplete,
		FileName: name,
		Err:      cause,
	})
}

func contentTypeOf(k Kind) string {
	switch k {
	case PullPhonebook:
		return TypePhonebook
	case PullvCardListing:
		return TypeVCardListing
	default:
		return TypeVCard
	}
}

// replyConnect answers a Connect. Connect responses carry the connect
// fields whatever the code.
func (s *Server) replyConnect(code obex.ResponseCode, headers ...obex.Header) error {
	resp := obex.NewResponse(code, headers...)
	resp.Connect = &obex.ConnectFields{
		Version:         obex.Version,
		MaxPacketLength: uint16(s.opts.MaxPacketLength),
	}
	return s.send(resp)
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
	s.deps.Metrics.RecordResponse(notify.ProfilePBAP, f.Code().String())
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
	ev.Profile = notify.ProfilePBAP
	ev.Direction = notify.Outbound
	if s.sess != nil {
		ev.Address = s.sess.Address
	}
	s.deps.Notifier.Notify(ev)
}
