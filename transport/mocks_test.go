package transport

import (
	"sync"
	"time"
)

// recordingHandler captures link events for assertions.
type recordingHandler struct {
	mu          sync.Mutex
	connected   []Conn
	received    [][]byte
	disconnects []error
	recvCh      chan []byte
	discCh      chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		recvCh: make(chan []byte, 64),
		discCh: make(chan error, 4),
	}
}

func (h *recordingHandler) HandleConnect(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = append(h.connected, c)
}

func (h *recordingHandler) HandleReceive(c Conn, data []byte) {
	h.mu.Lock()
	h.received = append(h.received, data)
	h.mu.Unlock()
	h.recvCh <- data
}

func (h *recordingHandler) HandleDisconnect(c Conn, err error) {
	h.mu.Lock()
	h.disconnects = append(h.disconnects, err)
	h.mu.Unlock()
	h.discCh <- err
}

func (h *recordingHandler) connections() []Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Conn(nil), h.connected...)
}

func (h *recordingHandler) waitReceive(timeout time.Duration) ([]byte, bool) {
	select {
	case d := <-h.recvCh:
		return d, true
	case <-time.After(timeout):
		return nil, false
	}
}

func (h *recordingHandler) waitDisconnect(timeout time.Duration) (error, bool) {
	select {
	case err := <-h.discCh:
		return err, true
	case <-time.After(timeout):
		return nil, false
	}
}
