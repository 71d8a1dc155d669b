package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TCPTransport carries OBEX over TCP, one listen address per service.
// Packets are framed by their OBEX length so each delivery is one packet.
// It is used for testing and for bridging to OBEX peers reachable over IP.
type TCPTransport struct {
	addrs     map[uuid.UUID]string
	retry     RetryPolicy
	listeners map[uuid.UUID]net.Listener
	conns     map[*StreamConn]struct{}
	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	closed    bool
}

// NewTCPTransport creates a TCP transport. addrs maps service UUIDs to
// listen addresses; services missing from it cannot Listen.
func NewTCPTransport(addrs map[uuid.UUID]string, retry RetryPolicy) *TCPTransport {
	ctx, cancel := context.WithCancel(context.Background())
	copied := make(map[uuid.UUID]string, len(addrs))
	for k, v := range addrs {
		copied[k] = v
	}
	return &TCPTransport{
		addrs:     copied,
		retry:     retry,
		listeners: make(map[uuid.UUID]net.Listener),
		conns:     make(map[*StreamConn]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Listen starts accepting connections for svc.
func (t *TCPTransport) Listen(svc Service, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("%w: transport closed", ErrTransport)
	}
	addr, ok := t.addrs[svc.UUID]
	if !ok {
		return fmt.Errorf("%w: no listen address for %s", ErrUnknownService, svc)
	}
	if _, exists := t.listeners[svc.UUID]; exists {
		return fmt.Errorf("%w: %s already listening", ErrTransport, svc)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %w", ErrTransport, addr, err)
	}
	t.listeners[svc.UUID] = listener

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"service":  svc.Name,
		"address":  listener.Addr().String(),
	}).Info("Listening for OBEX connections")

	go t.acceptConnections(listener, svc, h)
	return nil
}

// Addr returns the bound address for svc, or nil when not listening.
func (t *TCPTransport) Addr(svc Service) net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.listeners[svc.UUID]; ok {
		return l.Addr()
	}
	return nil
}

// Connect dials address, retrying within the retry window.
func (t *TCPTransport) Connect(ctx context.Context, address string, svc Service, h Handler) (Conn, error) {
	var conn net.Conn
	err := Retry(ctx, t.retry, "dial "+address, func(ctx context.Context) error {
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"service":  svc.Name,
		"address":  address,
	}).Debug("Connected")

	sc, err := t.track(conn, h)
	if err != nil {
		return nil, err
	}
	sc.Start()
	return sc, nil
}

func (t *TCPTransport) track(conn net.Conn, h Handler) (*StreamConn, error) {
	sc := NewStreamConn(conn, conn.RemoteAddr().String(), h, true)
	sc.onClose = t.untrack

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		conn.Close()
		return nil, fmt.Errorf("%w: transport closed", ErrTransport)
	}
	t.conns[sc] = struct{}{}
	return sc, nil
}

func (t *TCPTransport) untrack(sc *StreamConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, sc)
}

// Close stops all listeners and closes all connections.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.cancel()

	var firstErr error
	for id, l := range t.listeners {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.listeners, id)
	}
	conns := make([]*StreamConn, 0, len(t.conns))
	for sc := range t.conns {
		conns = append(conns, sc)
	}
	t.mu.Unlock()

	for _, sc := range conns {
		sc.Close()
	}
	return firstErr
}

func (t *TCPTransport) acceptConnections(listener net.Listener, svc Service, h Handler) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptConnections",
				"service":  svc.Name,
				"error":    err.Error(),
			}).Warn("Accept failed")
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		sc, err := t.track(conn, h)
		if err != nil {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "acceptConnections",
			"service":  svc.Name,
			"remote":   sc.RemoteAddr(),
		}).Debug("Accepted connection")
		sc.Start()
	}
}
