package opp

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/obexd/loop"
	"github.com/opd-ai/obexd/notify"
	"github.com/opd-ai/obexd/obex"
	"github.com/opd-ai/obexd/transport"
	"github.com/stretchr/testify/require"
)

// memConn is one end of an in-memory link. Sends are delivered to the
// peer's handler, which posts them to the loop.
type memConn struct {
	remote  string
	handler transport.Handler
	peer    *memConn

	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (c *memConn) Send(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrConnClosed
	}
	cp := append([]byte(nil), data...)
	c.sent = append(c.sent, cp)
	peer := c.peer
	c.mu.Unlock()

	if peer != nil {
		peer.handler.HandleReceive(peer, cp)
	}
	return nil
}

func (c *memConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.handler.HandleDisconnect(c, nil)
	if c.peer != nil {
		c.peer.Close()
	}
	return nil
}

func (c *memConn) RemoteAddr() string { return c.remote }

func (c *memConn) packets() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *memConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// memTransport links Connect calls to the handler registered by Listen.
type memTransport struct {
	mu         sync.Mutex
	listeners  map[uuid.UUID]transport.Handler
	clients    []*memConn
	connectErr error
}

func newMemTransport() *memTransport {
	return &memTransport{listeners: make(map[uuid.UUID]transport.Handler)}
}

func (m *memTransport) Listen(svc transport.Service, h transport.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[svc.UUID] = h
	return nil
}

func (m *memTransport) Connect(_ context.Context, address string, svc transport.Service, h transport.Handler) (transport.Conn, error) {
	m.mu.Lock()
	srv, ok := m.listeners[svc.UUID]
	err := m.connectErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: nobody listening on %s", transport.ErrTransport, svc)
	}

	client := &memConn{remote: address, handler: h}
	server := &memConn{remote: "AA:BB:CC:DD:EE:FF", handler: srv}
	client.peer, server.peer = server, client

	m.mu.Lock()
	m.clients = append(m.clients, client)
	m.mu.Unlock()

	srv.HandleConnect(server)
	h.HandleConnect(client)
	return client, nil
}

func (m *memTransport) Close() error { return nil }

func (m *memTransport) clientConns() []*memConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*memConn(nil), m.clients...)
}

func startLoop(t *testing.T) *loop.Loop {
	t.Helper()
	l := loop.New()
	l.Start()
	t.Cleanup(l.Stop)
	return l
}

// onLoop runs fn on the loop after everything posted before it.
func onLoop(t *testing.T, l *loop.Loop, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Do(ctx, fn))
}

func waitEvent(t *testing.T, n *notify.ChannelNotifier, kind notify.Kind) notify.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-n.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
			return notify.Event{}
		}
	}
}

func encodeRequest(t *testing.T, f *obex.Frame) []byte {
	t.Helper()
	data, err := obex.Encode(f, 0)
	require.NoError(t, err)
	return data
}

func connectRequest(t *testing.T, maxPacket uint16) []byte {
	f := obex.NewRequest(obex.OpConnect)
	f.Connect = &obex.ConnectFields{Version: obex.Version, MaxPacketLength: maxPacket}
	return encodeRequest(t, f)
}
