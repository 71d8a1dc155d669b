package opp

import (
	"errors"
	"fmt"
	"math"

	"github.com/opd-ai/obexd/file"
	"github.com/opd-ai/obexd/limits"
	"github.com/opd-ai/obexd/notify"
	"github.com/opd-ai/obexd/obex"
	"github.com/opd-ai/obexd/session"
	"github.com/opd-ai/obexd/transport"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnexpectedResponse indicates the peer answered with a code that
	// does not fit the request.
	ErrUnexpectedResponse = errors.New("unexpected obex response")

	// ErrCancelled indicates the outbound batch was cancelled locally.
	ErrCancelled = errors.New("transfer cancelled")
)

// client drives one outbound OPP session for one batch:
// Connect, then per file a PUT carrying the metadata and first body chunk,
// further body PUTs and a final PUT with EndOfBody, then Disconnect.
// It lives on the control loop.
type client struct {
	p     *Pusher
	batch *Batch

	conn transport.Conn
	sess *session.Session

	src        file.Source
	reader     *file.Reader
	transfer   *file.Transfer
	transferID uint64
	headerSent bool

	cancelRequested bool
	failure         error
	abandoned       bool
}

func newClient(p *Pusher, b *Batch) *client {
	return &client{p: p, batch: b}
}

// HandleConnect implements transport.Handler.
func (c *client) HandleConnect(conn transport.Conn) {
	c.p.deps.Scheduler.Post(func() { c.onLink(conn) })
}

// HandleReceive implements transport.Handler.
func (c *client) HandleReceive(conn transport.Conn, data []byte) {
	c.p.deps.Scheduler.Post(func() { c.onReceive(conn, data) })
}

// HandleDisconnect implements transport.Handler.
func (c *client) HandleDisconnect(conn transport.Conn, err error) {
	c.p.deps.Scheduler.Post(func() { c.onLinkLost(conn, err) })
}

func (c *client) onLink(conn transport.Conn) {
	if c.abandoned || c.conn != nil {
		conn.Close()
		return
	}
	c.conn = conn
	c.sess = session.New(session.RoleClient, c.batch.Address, c.p.opts.MaxPacketLength)
	c.p.deps.Metrics.SessionOpened(notify.ProfileOPP)
	_ = c.sess.Transition(session.StateConnecting)

	req := obex.NewRequest(obex.OpConnect)
	req.Connect = &obex.ConnectFields{
		Version:         obex.Version,
		MaxPacketLength: uint16(c.p.opts.MaxPacketLength),
	}
	c.sendRequest(req)
}

func (c *client) onReceive(conn transport.Conn, data []byte) {
	if conn != c.conn || c.sess == nil || c.sess.Closed() {
		return
	}
	packet, err := c.sess.Reassembler.Feed(data)
	if err != nil {
		c.fail(fmt.Errorf("response from %s: %w", c.batch.Address, err))
		c.closeLink()
		return
	}
	if packet == nil {
		return
	}
	f, err := obex.DecodeResponse(packet, c.sess.LastRequestOpcode == obex.OpConnect)
	if err != nil {
		c.fail(err)
		c.closeLink()
		return
	}
	c.handleResponse(f)
}

func (c *client) handleResponse(f *obex.Frame) {
	code := f.Code()
	op := c.sess.LastRequestOpcode

	logrus.WithFields(logrus.Fields{
		"function": "handleResponse",
		"address":  c.batch.Address,
		"request":  op,
		"code":     code,
	}).Debug("Response received")

	switch op {
	case obex.OpConnect:
		if code != obex.Success || f.Connect == nil {
			c.fail(responseError(f, "Connect"))
			c.closeLink()
			return
		}
		c.sess.RemoteMaxPacketLength = limits.ClampPacketLength(int(f.Connect.MaxPacketLength))
		_ = c.sess.Transition(session.StateConnected)
		c.startFile()

	case obex.OpPut:
		if code != obex.Continue {
			c.failFile(responseError(f, "Put"))
			return
		}
		if c.cancelRequested {
			c.sendAbort()
			return
		}
		c.readNext()

	case obex.OpPutFinal:
		if code != obex.Success {
			c.failFile(responseError(f, "PutFinal"))
			return
		}
		c.fileDone()

	case obex.OpAbort:
		c.cancelFile()

	case obex.OpDisconnect:
		c.closeLink()
	}
}

// responseError describes a refusal, with the peer's Description if it sent one.
func responseError(f *obex.Frame, request string) error {
	err := fmt.Errorf("%w: %s to %s", ErrUnexpectedResponse, f.Code(), request)
	if h, ok := f.Headers.Get(obex.HeaderDescription); ok {
		if text, terr := h.Text(); terr == nil && text != "" {
			err = fmt.Errorf("%w: %s", err, text)
		}
	}
	return err
}

func (c *client) startFile() {
	src := c.batch.Current()
	if src == nil {
		c.sendDisconnect()
		return
	}
	if c.cancelRequested {
		c.fail(ErrCancelled)
		c.sendDisconnect()
		return
	}

	c.src = src
	c.headerSent = false
	c.sess.File = session.FileInfo{Name: src.Name(), ContentType: src.ContentType(), Length: src.Size()}
	_ = c.sess.Transition(session.StateTransferring)

	t := file.NewTransfer(c.batch.Address, src.Name(), src.ContentType(), src.Size(), file.TransferDirectionOutgoing)
	t.OnProgress(func(sent uint64) {
		c.notify(notify.Event{
			Kind:        notify.KindTransferProgress,
			FileName:    src.Name(),
			ContentType: src.ContentType(),
			FileLength:  src.Size(),
			Transferred: sent,
		})
	})
	t.OnComplete(func(err error) {
		snap := t.Snapshot()
		c.notify(notify.Event{
			Kind:        notify.KindTransferComplete,
			FileName:    snap.FileName,
			ContentType: snap.ContentType,
			FileLength:  snap.FileSize,
			Transferred: snap.Transferred,
			Success:     err == nil,
			Err:         err,
		})
	})
	_ = t.Start()
	c.transfer = t
	c.transferID = c.p.deps.Transfers.Track(t)
	c.notify(notify.Event{
		Kind:        notify.KindTransferStart,
		FileName:    src.Name(),
		ContentType: src.ContentType(),
		FileLength:  src.Size(),
	})

	if src.Size() == 0 {
		c.sendPut(nil, true)
		return
	}

	rc, err := src.Open()
	if err != nil {
		c.failFile(fmt.Errorf("open %s: %w", src.Name(), err))
		return
	}
	c.reader = file.NewReader(rc, c.p.deps.Scheduler)
	c.readNext()
}

func (c *client) metadata() []obex.Header {
	size := c.src.Size()
	if size > math.MaxUint32 {
		size = math.MaxUint32
	}
	headers := []obex.Header{obex.NameHeader(c.src.Name())}
	if ct := c.src.ContentType(); ct != "" {
		headers = append(headers, obex.TypeHeader(ct))
	}
	return append(headers, obex.LengthHeader(uint32(size)))
}

func metadataLen(headers []obex.Header) int {
	n := 0
	for _, h := range headers {
		n += h.EncodedLen()
	}
	return n
}

// readNext asks the file worker for the next body chunk. The first chunk
// shares its packet with the metadata headers.
func (c *client) readNext() {
	size := limits.BodyChunkSize(c.sess.RemoteMaxPacketLength)
	if !c.headerSent {
		size -= metadataLen(c.metadata())
		if size <= 0 {
			// Metadata alone fills the packet.
			c.sendPut(nil, false)
			return
		}
	}
	if remaining := c.src.Size() - c.sess.SentLength; uint64(size) > remaining {
		size = int(remaining)
	}

	token := c.sess.Token()
	if err := c.reader.Read(size, func(chunk file.Chunk) {
		if !token.Valid() {
			return
		}
		c.onChunk(chunk)
	}); err != nil {
		c.failFile(err)
	}
}

func (c *client) onChunk(chunk file.Chunk) {
	if c.transfer == nil {
		return
	}
	if chunk.Err != nil {
		c.failFile(fmt.Errorf("read %s: %w", c.src.Name(), chunk.Err))
		return
	}
	if c.cancelRequested {
		c.sendAbort()
		return
	}

	sent := c.sess.SentLength + uint64(len(chunk.Data))
	final := sent >= c.src.Size()
	if !final && (chunk.EOF || len(chunk.Data) == 0) {
		c.failFile(fmt.Errorf("%s shrank to %d of %d bytes", c.src.Name(), sent, c.src.Size()))
		return
	}
	c.sendPut(chunk.Data, final)
}

func (c *client) sendPut(body []byte, final bool) {
	var headers []obex.Header
	if !c.headerSent {
		headers = c.metadata()
		c.headerSent = true
	}

	op := obex.OpPut
	if final {
		op = obex.OpPutFinal
		headers = append(headers, obex.EndOfBodyHeader(body))
	} else if len(body) > 0 {
		headers = append(headers, obex.BodyHeader(body))
	}

	if !c.sendRequest(obex.NewRequest(op, headers...)) {
		return
	}
	c.sess.SentLength += uint64(len(body))
	if len(body) > 0 {
		c.transfer.AddProgress(uint64(len(body)))
	}
}

func (c *client) fileDone() {
	c.finishTransfer(nil)
	_ = c.sess.Transition(session.StateConnected)

	if c.p.queue.Advance() == nil {
		c.sendDisconnect()
		return
	}
	c.startFile()
}

// finishTransfer closes the current file and reports its outcome.
func (c *client) finishTransfer(err error) {
	if c.reader != nil {
		c.reader.Close()
		c.reader = nil
	}
	if c.transfer == nil {
		return
	}
	t := c.transfer
	c.transfer = nil
	c.p.deps.Transfers.Untrack(c.transferID)
	c.sess.ResetTransfer()

	// The completion callback reports the outcome.
	if errors.Is(err, ErrCancelled) {
		_ = t.Cancel(err)
	} else {
		_ = t.Complete(err)
	}
}

// failFile fails the current file, which fails the rest of the batch too.
func (c *client) failFile(err error) {
	logrus.WithFields(logrus.Fields{
		"function": "failFile",
		"address":  c.batch.Address,
		"error":    err.Error(),
	}).Warn("Outbound transfer failed")

	if c.transfer != nil {
		c.finishTransfer(err)
		c.batch.Cursor++
	}
	c.fail(err)
	c.sendDisconnect()
}

func (c *client) cancelFile() {
	if c.transfer != nil {
		c.finishTransfer(ErrCancelled)
		c.batch.Cursor++
	}
	c.fail(ErrCancelled)
	c.sendDisconnect()
}

// fail records the first failure of the session.
func (c *client) fail(err error) {
	if c.failure == nil {
		c.failure = err
	}
}

// cancel takes effect at the next packet boundary: an Abort replaces the
// next PUT, or the next file is not started.
func (c *client) cancel() {
	c.cancelRequested = true
}

func (c *client) sendAbort() {
	c.cancelRequested = false
	c.sendRequest(obex.NewRequest(obex.OpAbort))
}

func (c *client) sendDisconnect() {
	if c.sess == nil || c.sess.Is(session.StateDisconnecting) || c.sess.Closed() {
		return
	}
	_ = c.sess.Transition(session.StateDisconnecting)
	if !c.sendRequest(obex.NewRequest(obex.OpDisconnect)) {
		c.closeLink()
	}
}

func (c *client) sendRequest(f *obex.Frame) bool {
	data, err := obex.Encode(f, c.sess.RemoteMaxPacketLength)
	if err == nil {
		c.sess.LastRequestOpcode = f.Op()
		c.p.deps.Metrics.RecordRequest(notify.ProfileOPP, f.Op().String())
		err = c.conn.Send(data)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendRequest",
			"address":  c.batch.Address,
			"opcode":   f.Op(),
			"error":    err.Error(),
		}).Warn("Cannot send request")
		if f.Op() != obex.OpDisconnect {
			if c.transfer != nil {
				c.finishTransfer(err)
				c.batch.Cursor++
			}
			c.fail(err)
			c.closeLink()
		}
		return false
	}
	return true
}

func (c *client) closeLink() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *client) onLinkLost(conn transport.Conn, err error) {
	if conn != c.conn || c.sess == nil || c.sess.Closed() {
		return
	}
	if err == nil && !c.sess.Is(session.StateDisconnecting) {
		err = fmt.Errorf("%w: link to %s closed", transport.ErrTransport, c.batch.Address)
	}
	if err != nil && c.transfer != nil {
		c.finishTransfer(err)
		c.batch.Cursor++
	}
	if err != nil {
		c.fail(err)
	}
	if c.reader != nil {
		c.reader.Close()
		c.reader = nil
	}
	c.sess.Close()
	c.p.deps.Metrics.SessionClosed(notify.ProfileOPP)
	c.p.clientDone(c, c.failure)
}

// abandon drops the client after a failed connect.
func (c *client) abandon() {
	c.abandoned = true
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *client) notify(ev notify.Event) {
	ev.Profile = notify.ProfileOPP
	ev.Direction = notify.Outbound
	ev.Address = c.batch.Address
	c.p.deps.Notifier.Notify(ev)
}
