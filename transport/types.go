package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrTransport wraps failures of the underlying link.
	ErrTransport = errors.New("transport failure")

	// ErrConnClosed indicates a send on a closed connection.
	ErrConnClosed = errors.New("connection closed")

	// ErrUnknownService indicates a service with no configured endpoint.
	ErrUnknownService = errors.New("unknown service")
)

// baseUUID is the Bluetooth base UUID short UUIDs are expanded against.
var baseUUID = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// ShortUUID expands a 16-bit Bluetooth service class into a full UUID.
func ShortUUID(short uint16) uuid.UUID {
	u := baseUUID
	u[2] = byte(short >> 8)
	u[3] = byte(short)
	return u
}

var (
	// OPPUUID is the OBEX Object Push service class.
	OPPUUID = ShortUUID(0x1105)

	// PBAPUUID is the Phonebook Access PSE service class.
	PBAPUUID = ShortUUID(0x112f)
)

// Default RFCOMM channels, matching the ones BlueZ obexd advertises.
const (
	DefaultOPPChannel  uint16 = 9
	DefaultPBAPChannel uint16 = 19
)

// Service names a profile endpoint.
type Service struct {
	Name    string
	UUID    uuid.UUID
	Channel uint16
}

func (s Service) String() string {
	return fmt.Sprintf("%s(%s)", s.Name, s.UUID)
}

// OPPService returns the Object Push service on channel.
func OPPService(channel uint16) Service {
	return Service{Name: "Object Push", UUID: OPPUUID, Channel: channel}
}

// PBAPService returns the Phonebook Access server on channel.
func PBAPService(channel uint16) Service {
	return Service{Name: "Phonebook Access PSE", UUID: PBAPUUID, Channel: channel}
}

// Conn is one established link carrying OBEX packets.
type Conn interface {
	// Send writes one packet. It is safe for concurrent use.
	Send(data []byte) error

	// Close tears the link down. HandleDisconnect still fires once.
	Close() error

	// RemoteAddr returns the peer address (Bluetooth MAC or host:port).
	RemoteAddr() string
}

// Handler receives link events. Callbacks run on the connection's read
// goroutine and must hand work off instead of blocking.
type Handler interface {
	HandleConnect(c Conn)
	HandleReceive(c Conn, data []byte)

	// HandleDisconnect fires exactly once per connection. err is nil when
	// the link was closed locally or the peer hung up cleanly.
	HandleDisconnect(c Conn, err error)
}

// Transport accepts and opens OBEX links.
type Transport interface {
	// Listen starts accepting connections for svc, delivering events to h.
	Listen(svc Service, h Handler) error

	// Connect opens a link to address for svc. Service resolution is
	// retried within the transport's retry window.
	Connect(ctx context.Context, address string, svc Service, h Handler) (Conn, error)

	// Close stops listening and closes every open connection.
	Close() error
}
