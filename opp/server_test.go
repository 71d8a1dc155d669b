package opp

import (
	"testing"

	"github.com/opd-ai/obexd/limits"
	"github.com/opd-ai/obexd/loop"
	"github.com/opd-ai/obexd/notify"
	"github.com/opd-ai/obexd/obex"
	"github.com/opd-ai/obexd/session"
	"github.com/opd-ai/obexd/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverFixture struct {
	l      *loop.Loop
	fs     afero.Fs
	srv    *Server
	conn   *memConn
	events *notify.ChannelNotifier
}

func newServerFixture(t *testing.T, autoAccept bool) *serverFixture {
	t.Helper()
	l := startLoop(t)
	fs := afero.NewMemMapFs()
	store, err := storage.NewFSStore(fs, "/inbox")
	require.NoError(t, err)

	events := notify.NewChannelNotifier(64)
	srv := NewServer(ServerDeps{Scheduler: l, Store: store, Notifier: events}, ServerOptions{AutoAccept: autoAccept})
	conn := &memConn{remote: "11:22:33:44:55:66", handler: srv}
	srv.HandleConnect(conn)
	return &serverFixture{l: l, fs: fs, srv: srv, conn: conn, events: events}
}

func (f *serverFixture) send(data []byte) {
	f.srv.HandleReceive(f.conn, data)
}

func (f *serverFixture) sendFrame(t *testing.T, fr *obex.Frame) {
	f.send(encodeRequest(t, fr))
}

func (f *serverFixture) responses(t *testing.T) [][]byte {
	onLoop(t, f.l, func() {})
	return f.conn.packets()
}

func (f *serverFixture) lastResponse(t *testing.T, connect bool) *obex.Frame {
	t.Helper()
	pkts := f.responses(t)
	require.NotEmpty(t, pkts)
	resp, err := obex.DecodeResponse(pkts[len(pkts)-1], connect)
	require.NoError(t, err)
	return resp
}

func (f *serverFixture) state(t *testing.T) session.State {
	var st session.State
	onLoop(t, f.l, func() { st = f.srv.State() })
	return st
}

func (f *serverFixture) connect(t *testing.T) {
	t.Helper()
	f.send(connectRequest(t, 4096))
	resp := f.lastResponse(t, true)
	require.Equal(t, obex.Success, resp.Code())
}

func (f *serverFixture) inbox(t *testing.T) []string {
	t.Helper()
	infos, err := afero.ReadDir(f.fs, "/inbox")
	require.NoError(t, err)
	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		names = append(names, fi.Name())
	}
	return names
}

func TestServerDisconnectedAcceptsOnlyConnect(t *testing.T) {
	requests := []*obex.Frame{
		obex.NewRequest(obex.OpPut, obex.NameHeader("a.txt")),
		obex.NewRequest(obex.OpPutFinal, obex.EndOfBodyHeader(nil)),
		obex.NewRequest(obex.OpGet),
		obex.NewRequest(obex.OpGetFinal),
		{Opcode: uint8(obex.OpSetPath), SetPath: &obex.SetPathFields{Flags: 2}},
		obex.NewRequest(obex.OpDisconnect),
		obex.NewRequest(obex.OpAbort),
	}

	f := newServerFixture(t, true)
	for _, req := range requests {
		f.sendFrame(t, req)
		assert.Equal(t, obex.BadRequest, f.lastResponse(t, false).Code(), "opcode %s", req.Op())
		assert.Equal(t, session.StateDisconnected, f.state(t))
	}

	f.connect(t)
	assert.Equal(t, session.StateConnected, f.state(t))
}

func TestServerConnectReply(t *testing.T) {
	f := newServerFixture(t, true)
	f.send(connectRequest(t, 4096))

	resp := f.lastResponse(t, true)
	assert.Equal(t, obex.Success, resp.Code())
	require.NotNil(t, resp.Connect)
	assert.Equal(t, uint8(obex.Version), resp.Connect.Version)
	assert.Equal(t, uint8(0), resp.Connect.Flags)
	assert.Equal(t, uint16(0xFFFE), resp.Connect.MaxPacketLength)
}

func TestServerConnectPacketLength(t *testing.T) {
	f := newServerFixture(t, true)
	f.send(connectRequest(t, 254))

	resp := f.lastResponse(t, true)
	assert.Equal(t, obex.BadRequest, resp.Code())
	require.NotNil(t, resp.Connect)
	assert.Equal(t, session.StateDisconnected, f.state(t))

	// Oversized maximums are capped rather than refused.
	f.send(connectRequest(t, 0xFFFF))
	assert.Equal(t, obex.Success, f.lastResponse(t, true).Code())
	var remoteMax int
	onLoop(t, f.l, func() { remoteMax = f.srv.sess.RemoteMaxPacketLength })
	assert.Equal(t, limits.MaxPacketLength, remoteMax)
}

func TestServerReceivesObject(t *testing.T) {
	f := newServerFixture(t, true)
	f.connect(t)

	f.sendFrame(t, obex.NewRequest(obex.OpPut,
		obex.NameHeader("../notes.txt"),
		obex.TypeHeader("text/plain"),
		obex.LengthHeader(11),
		obex.BodyHeader([]byte("hello "))))
	assert.Equal(t, obex.Continue, f.lastResponse(t, false).Code())
	assert.Equal(t, session.StateTransferring, f.state(t))
	assert.Equal(t, []string{"notes.txt.part"}, f.inbox(t))

	f.sendFrame(t, obex.NewRequest(obex.OpPutFinal, obex.EndOfBodyHeader([]byte("world"))))
	assert.Equal(t, obex.Success, f.lastResponse(t, false).Code())
	assert.Equal(t, session.StateConnected, f.state(t))

	data, err := afero.ReadFile(f.fs, "/inbox/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	start := waitEvent(t, f.events, notify.KindTransferStart)
	assert.Equal(t, "notes.txt", start.FileName)
	done := waitEvent(t, f.events, notify.KindTransferComplete)
	assert.True(t, done.Success)
	assert.Equal(t, uint64(11), done.FileLength)
	assert.Equal(t, notify.Inbound, done.Direction)
}

func TestServerWaitsForConfirmation(t *testing.T) {
	f := newServerFixture(t, false)
	f.connect(t)
	before := len(f.responses(t))

	f.sendFrame(t, obex.NewRequest(obex.OpPutFinal,
		obex.NameHeader("photo.jpg"),
		obex.LengthHeader(3),
		obex.EndOfBodyHeader([]byte{1, 2, 3})))
	ev := waitEvent(t, f.events, notify.KindReceivingConfirmation)
	assert.Equal(t, "photo.jpg", ev.FileName)
	assert.Len(t, f.responses(t), before, "no reply until confirmed")

	f.srv.ConfirmReceivingFile(true)
	assert.Equal(t, obex.Success, f.lastResponse(t, false).Code())
	assert.Equal(t, []string{"photo.jpg"}, f.inbox(t))

	// Later objects in the same session need no confirmation.
	f.sendFrame(t, obex.NewRequest(obex.OpPutFinal,
		obex.NameHeader("photo.jpg"),
		obex.LengthHeader(1),
		obex.EndOfBodyHeader([]byte{9})))
	assert.Equal(t, obex.Success, f.lastResponse(t, false).Code())
	assert.ElementsMatch(t, []string{"photo.jpg", "photo-1.jpg"}, f.inbox(t))
}

func TestServerRejectedObject(t *testing.T) {
	f := newServerFixture(t, false)
	f.connect(t)

	f.sendFrame(t, obex.NewRequest(obex.OpPut, obex.NameHeader("virus.exe"), obex.LengthHeader(10)))
	waitEvent(t, f.events, notify.KindReceivingConfirmation)
	f.srv.ConfirmReceivingFile(false)

	resp := f.lastResponse(t, false)
	assert.Equal(t, obex.Forbidden, resp.Code())
	desc, ok := resp.Headers.Get(obex.HeaderDescription)
	require.True(t, ok)
	text, err := desc.Text()
	require.NoError(t, err)
	assert.Equal(t, "object rejected", text)
	assert.Empty(t, f.inbox(t))
	assert.Equal(t, session.StateConnected, f.state(t))
	done := waitEvent(t, f.events, notify.KindTransferComplete)
	assert.False(t, done.Success)
	assert.ErrorIs(t, done.Err, ErrRejected)
}

func TestServerOverrunLeavesNoFile(t *testing.T) {
	f := newServerFixture(t, true)
	f.connect(t)

	// The packet claims 100 bytes; the peer delivers 150 across fragments.
	packet := make([]byte, 150)
	packet[0] = uint8(obex.OpPut)
	packet[1], packet[2] = 0, 100
	f.send(packet[:60])
	f.send(packet[60:])

	assert.Equal(t, obex.BadRequest, f.lastResponse(t, false).Code())
	assert.True(t, f.conn.isClosed())
	assert.Empty(t, f.inbox(t))
	assert.Equal(t, session.StateDisconnected, f.state(t))
}

func TestServerOverrunMidObject(t *testing.T) {
	f := newServerFixture(t, true)
	f.connect(t)

	f.sendFrame(t, obex.NewRequest(obex.OpPut, obex.NameHeader("big.bin"), obex.LengthHeader(1000),
		obex.BodyHeader(make([]byte, 10))))
	require.Equal(t, obex.Continue, f.lastResponse(t, false).Code())

	next := encodeRequest(t, obex.NewRequest(obex.OpPut, obex.BodyHeader(make([]byte, 20))))
	f.send(append(next, 0xFF, 0xFF))

	assert.Equal(t, obex.BadRequest, f.lastResponse(t, false).Code())
	assert.True(t, f.conn.isClosed())
	assert.Empty(t, f.inbox(t))
	done := waitEvent(t, f.events, notify.KindTransferComplete)
	assert.False(t, done.Success)
	assert.ErrorIs(t, done.Err, obex.ErrOverrun)
}

func TestServerDeclaredLengthExceeded(t *testing.T) {
	f := newServerFixture(t, true)
	f.connect(t)

	f.sendFrame(t, obex.NewRequest(obex.OpPutFinal, obex.NameHeader("a.txt"), obex.LengthHeader(2),
		obex.EndOfBodyHeader([]byte("abc"))))
	assert.Equal(t, obex.BadRequest, f.lastResponse(t, false).Code())
	assert.True(t, f.conn.isClosed())
	assert.Empty(t, f.inbox(t))
}

func TestServerAbortDiscardsPartialObject(t *testing.T) {
	f := newServerFixture(t, true)
	f.connect(t)

	f.sendFrame(t, obex.NewRequest(obex.OpPut, obex.NameHeader("a.txt"), obex.BodyHeader([]byte("part"))))
	require.Equal(t, obex.Continue, f.lastResponse(t, false).Code())

	f.sendFrame(t, obex.NewRequest(obex.OpAbort))
	assert.Equal(t, obex.Success, f.lastResponse(t, false).Code())
	assert.Equal(t, session.StateDisconnected, f.state(t))
	assert.Empty(t, f.inbox(t))
	assert.False(t, f.conn.isClosed())
}

func TestServerStopReceiving(t *testing.T) {
	f := newServerFixture(t, true)
	f.connect(t)

	f.sendFrame(t, obex.NewRequest(obex.OpPut, obex.NameHeader("a.txt"), obex.BodyHeader([]byte("part"))))
	require.Equal(t, obex.Continue, f.lastResponse(t, false).Code())

	f.srv.StopReceiving()
	f.sendFrame(t, obex.NewRequest(obex.OpPut, obex.BodyHeader([]byte("more"))))
	assert.Equal(t, obex.Unauthorized, f.lastResponse(t, false).Code())
	assert.Empty(t, f.inbox(t))
	assert.Equal(t, session.StateConnected, f.state(t))

	done := waitEvent(t, f.events, notify.KindTransferComplete)
	assert.ErrorIs(t, done.Err, ErrStopped)
}

func TestServerUnsupportedRequests(t *testing.T) {
	f := newServerFixture(t, true)
	f.connect(t)

	f.sendFrame(t, obex.NewRequest(obex.OpGetFinal, obex.TypeHeader("x-bt/phonebook")))
	assert.Equal(t, obex.BadRequest, f.lastResponse(t, false).Code())

	f.sendFrame(t, &obex.Frame{Opcode: 0x87})
	assert.Equal(t, obex.NotImplemented, f.lastResponse(t, false).Code())
	assert.Equal(t, session.StateConnected, f.state(t))
}

func TestServerDisconnect(t *testing.T) {
	f := newServerFixture(t, true)
	f.connect(t)

	f.sendFrame(t, obex.NewRequest(obex.OpDisconnect))
	assert.Equal(t, obex.Success, f.lastResponse(t, false).Code())
	assert.True(t, f.conn.isClosed())
	assert.Equal(t, session.StateDisconnected, f.state(t))
}

func TestServerOneSessionAtATime(t *testing.T) {
	f := newServerFixture(t, true)
	f.connect(t)

	second := &memConn{remote: "second", handler: f.srv}
	f.srv.HandleConnect(second)
	onLoop(t, f.l, func() {})
	assert.True(t, second.isClosed())
	assert.False(t, f.conn.isClosed())
}
