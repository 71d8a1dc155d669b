package pbap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/obexd/loop"
	"github.com/opd-ai/obexd/notify"
	"github.com/opd-ai/obexd/obex"
	"github.com/opd-ai/obexd/session"
	"github.com/stretchr/testify/require"
)

// fakeConn records the responses the server sends.
type fakeConn struct {
	remote string
	out    chan []byte

	mu     sync.Mutex
	closed bool
}

func newFakeConn(remote string) *fakeConn {
	return &fakeConn{remote: remote, out: make(chan []byte, 512)}
}

func (c *fakeConn) Send(data []byte) error {
	c.out <- append([]byte(nil), data...)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) RemoteAddr() string { return c.remote }

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// staticProvider answers every request with the same body.
type staticProvider struct {
	body     []byte
	size     uint16
	errCode  obex.ResponseCode
	info     FolderInfo
	requests chan *Request
}

func newStaticProvider(body []byte, size uint16) *staticProvider {
	return &staticProvider{body: body, size: size, requests: make(chan *Request, 16)}
}

func (p *staticProvider) HandleRequest(r Replier, req *Request) {
	p.requests <- req
	if p.errCode != 0 {
		r.ReplyError(req, p.errCode)
		return
	}
	switch req.Kind {
	case PullPhonebook:
		r.ReplyToPullPhonebook(req, p.body, p.size)
	case PullvCardListing:
		r.ReplyToPullvCardListing(req, p.body, p.size)
	default:
		r.ReplyToPullvCardEntry(req, p.body)
	}
}

func (p *staticProvider) FolderInfo(string) FolderInfo { return p.info }

type fixture struct {
	l        *loop.Loop
	srv      *Server
	conn     *fakeConn
	events   *notify.ChannelNotifier
	provider *staticProvider
}

func newFixture(t *testing.T, opts ServerOptions, provider *staticProvider) *fixture {
	t.Helper()
	l := loop.New()
	l.Start()
	t.Cleanup(l.Stop)

	if provider == nil {
		provider = newStaticProvider(nil, 0)
	}
	events := notify.NewChannelNotifier(64)
	srv := NewServer(ServerDeps{Scheduler: l, Provider: provider, Notifier: events}, opts)
	conn := newFakeConn("00:11:22:33:44:55")
	srv.HandleConnect(conn)
	return &fixture{l: l, srv: srv, conn: conn, events: events, provider: provider}
}

func (f *fixture) onLoop(t *testing.T, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.l.Do(ctx, fn))
}

func (f *fixture) send(t *testing.T, fr *obex.Frame) {
	t.Helper()
	data, err := obex.Encode(fr, 0)
	require.NoError(t, err)
	f.srv.HandleReceive(f.conn, data)
}

// response waits for the next response packet.
func (f *fixture) response(t *testing.T, connect bool) *obex.Frame {
	t.Helper()
	select {
	case data := <-f.conn.out:
		resp, err := obex.DecodeResponse(data, connect)
		require.NoError(t, err)
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a response")
		return nil
	}
}

// noResponse asserts that nothing is sent within d.
func (f *fixture) noResponse(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case data := <-f.conn.out:
		t.Fatalf("unexpected response 0x%02x", data[0])
	case <-time.After(d):
	}
}

func (f *fixture) state(t *testing.T) session.State {
	var st session.State
	f.onLoop(t, func() { st = f.srv.State() })
	return st
}

func (f *fixture) event(t *testing.T, kind notify.Kind) notify.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-f.events.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
			return notify.Event{}
		}
	}
}

func connectFrame(maxPacket uint16, headers ...obex.Header) *obex.Frame {
	fr := obex.NewRequest(obex.OpConnect, append([]obex.Header{obex.TargetHeader(Target[:])}, headers...)...)
	fr.Connect = &obex.ConnectFields{Version: obex.Version, MaxPacketLength: maxPacket}
	return fr
}

// connect runs an auto-accepted Connect and returns its response.
func (f *fixture) connect(t *testing.T, maxPacket uint16, headers ...obex.Header) *obex.Frame {
	t.Helper()
	f.send(t, connectFrame(maxPacket, headers...))
	resp := f.response(t, true)
	require.Equal(t, obex.Success, resp.Code())
	return resp
}

func getFrame(contentType, name string, params obex.AppParams, extra ...obex.Header) *obex.Frame {
	headers := []obex.Header{
		obex.ConnectionIDHeader(ConnectionID),
		obex.TypeHeader(contentType),
		obex.NameHeader(name),
	}
	if len(params) > 0 {
		headers = append(headers, obex.AppParamsHeader(params))
	}
	return obex.NewRequest(obex.OpGetFinal, append(headers, extra...)...)
}

func setPathFrame(flags uint8, name *string) *obex.Frame {
	fr := obex.NewRequest(obex.OpSetPath, obex.ConnectionIDHeader(ConnectionID))
	if name != nil {
		fr.Headers = append(fr.Headers, obex.NameHeader(*name))
	}
	fr.SetPath = &obex.SetPathFields{Flags: flags}
	return fr
}
