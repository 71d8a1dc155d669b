package obex

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrMalformed indicates bad framing or a length mismatch.
	ErrMalformed = errors.New("malformed obex packet")

	// ErrBufferTooSmall indicates headers do not fit the packet limit.
	ErrBufferTooSmall = errors.New("obex packet buffer too small")

	// ErrOverrun indicates a fragment extends past the declared packet length.
	ErrOverrun = errors.New("obex packet overrun detected")

	// ErrUnsupported indicates an opcode the receiving profile does not handle.
	ErrUnsupported = errors.New("unsupported obex operation")
)

// ConnectFields are the extra fields of Connect requests and responses.
type ConnectFields struct {
	Version         uint8
	Flags           uint8
	MaxPacketLength uint16
}

// SetPathFields are the extra fields of SetPath requests.
type SetPathFields struct {
	Flags     uint8
	Constants uint8
}

// SetPath flag bits.
const (
	SetPathBackup   = 0x01
	SetPathNoCreate = 0x02
)

// Frame is a decoded OBEX request or response.
type Frame struct {
	// Opcode is the request opcode or response code, final bit included.
	Opcode  uint8
	Length  uint16
	Connect *ConnectFields
	SetPath *SetPathFields
	Headers Headers
}

// Op returns the opcode of a request frame.
func (f *Frame) Op() Opcode { return Opcode(f.Opcode) }

// Code returns the response code of a response frame.
func (f *Frame) Code() ResponseCode { return ResponseCode(f.Opcode) }

// NewRequest builds a request frame.
func NewRequest(op Opcode, headers ...Header) *Frame {
	return &Frame{Opcode: uint8(op), Headers: headers}
}

// NewResponse builds a response frame.
func NewResponse(code ResponseCode, headers ...Header) *Frame {
	return &Frame{Opcode: uint8(code), Headers: headers}
}

// Encode serializes f into a packet of at most maxPacketLength bytes.
// The Length field of f is ignored and computed from the content.
func Encode(f *Frame, maxPacketLength int) ([]byte, error) {
	b := NewBuilder(f.Opcode, maxPacketLength)
	if f.Connect != nil {
		if err := b.AppendByte(f.Connect.Version); err != nil {
			return nil, err
		}
		if err := b.AppendByte(f.Connect.Flags); err != nil {
			return nil, err
		}
		if err := b.AppendUint16(f.Connect.MaxPacketLength); err != nil {
			return nil, err
		}
	}
	if f.SetPath != nil {
		if err := b.AppendByte(f.SetPath.Flags); err != nil {
			return nil, err
		}
		if err := b.AppendByte(f.SetPath.Constants); err != nil {
			return nil, err
		}
	}
	if err := b.AppendHeaders(f.Headers...); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// DecodeRequest parses a request packet. Connect and SetPath fields are
// read according to the opcode.
func DecodeRequest(data []byte) (*Frame, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty packet", ErrMalformed)
	}
	op := Opcode(data[0])
	return decode(data, op == OpConnect, op == OpSetPath)
}

// DecodeResponse parses a response packet. connect must be true when the
// response answers a Connect request.
func DecodeResponse(data []byte, connect bool) (*Frame, error) {
	return decode(data, connect, false)
}

func decode(data []byte, connect, setPath bool) (*Frame, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the prelude", ErrMalformed, len(data))
	}
	declared := int(binary.BigEndian.Uint16(data[1:3]))
	if declared != len(data) {
		return nil, fmt.Errorf("%w: declared length %d, actual %d", ErrMalformed, declared, len(data))
	}

	f := &Frame{Opcode: data[0], Length: uint16(declared)}
	rest := data[3:]
	if connect {
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: truncated connect fields", ErrMalformed)
		}
		f.Connect = &ConnectFields{
			Version:         rest[0],
			Flags:           rest[1],
			MaxPacketLength: binary.BigEndian.Uint16(rest[2:4]),
		}
		rest = rest[4:]
	}
	if setPath {
		if len(rest) < 2 {
			return nil, fmt.Errorf("%w: truncated setpath fields", ErrMalformed)
		}
		f.SetPath = &SetPathFields{Flags: rest[0], Constants: rest[1]}
		rest = rest[2:]
	}

	headers, err := parseHeaders(rest)
	if err != nil {
		return nil, err
	}
	f.Headers = headers
	return f, nil
}

// PacketLength reads the declared length of a packet prelude.
func PacketLength(prelude []byte) (int, error) {
	if len(prelude) < 3 {
		return 0, fmt.Errorf("%w: prelude needs 3 bytes, have %d", ErrMalformed, len(prelude))
	}
	return int(binary.BigEndian.Uint16(prelude[1:3])), nil
}
