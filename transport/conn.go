package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/opd-ai/obexd/limits"
	"github.com/opd-ai/obexd/obex"
	"github.com/sirupsen/logrus"
)

// StreamConn carries OBEX packets over any io.ReadWriteCloser.
//
// In framed mode every delivered buffer is exactly one OBEX packet, read
// by its declared length. Otherwise each read is delivered as it arrives
// and reassembly is left to the receiver, which is how RFCOMM sockets
// behave.
type StreamConn struct {
	rwc     io.ReadWriteCloser
	remote  string
	handler Handler
	framed  bool

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	discOnce  sync.Once
	onClose   func(*StreamConn)
}

// NewStreamConn wraps rwc. Call Start to begin reading.
func NewStreamConn(rwc io.ReadWriteCloser, remote string, h Handler, framed bool) *StreamConn {
	return &StreamConn{
		rwc:     rwc,
		remote:  remote,
		handler: h,
		framed:  framed,
		closed:  make(chan struct{}),
	}
}

// Start fires HandleConnect and launches the read goroutine.
func (c *StreamConn) Start() {
	c.handler.HandleConnect(c)
	go c.readLoop()
}

// RemoteAddr returns the peer address.
func (c *StreamConn) RemoteAddr() string { return c.remote }

// Send writes data in full.
func (c *StreamConn) Send(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.rwc.Write(data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Send",
			"remote":   c.remote,
			"bytes":    len(data),
			"error":    err.Error(),
		}).Warn("Write failed")
		return fmt.Errorf("%w: write to %s: %w", ErrTransport, c.remote, err)
	}
	return nil
}

// Close closes the underlying stream. It is idempotent.
func (c *StreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.rwc.Close()
	})
	return err
}

func (c *StreamConn) readLoop() {
	var err error
	if c.framed {
		err = c.readFramed()
	} else {
		err = c.readRaw()
	}

	select {
	case <-c.closed:
		err = nil
	default:
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}
	_ = c.Close()
	c.disconnect(err)
}

func (c *StreamConn) disconnect(err error) {
	c.discOnce.Do(func() {
		logrus.WithFields(logrus.Fields{
			"function": "disconnect",
			"remote":   c.remote,
			"error":    err,
		}).Debug("Connection ended")
		if err != nil {
			err = fmt.Errorf("%w: read from %s: %w", ErrTransport, c.remote, err)
		}
		if c.onClose != nil {
			c.onClose(c)
		}
		c.handler.HandleDisconnect(c, err)
	})
}

func (c *StreamConn) readRaw() error {
	buf := make([]byte, limits.MaxPacketLength)
	for {
		n, err := c.rwc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.handler.HandleReceive(c, data)
		}
		if err != nil {
			return err
		}
	}
}

// readFramed reads the 3-byte prelude, then the rest of the packet.
func (c *StreamConn) readFramed() error {
	prelude := make([]byte, limits.PreludeLength)
	for {
		if _, err := io.ReadFull(c.rwc, prelude); err != nil {
			return err
		}
		length, err := obex.PacketLength(prelude)
		if err != nil {
			return err
		}
		if length < limits.PreludeLength {
			return fmt.Errorf("%w: declared length %d", obex.ErrMalformed, length)
		}

		data := make([]byte, length)
		copy(data, prelude)
		if _, err := io.ReadFull(c.rwc, data[limits.PreludeLength:]); err != nil {
			return err
		}
		c.handler.HandleReceive(c, data)
	}
}
