package obex

import (
	"encoding/binary"
	"fmt"
)

// Builder composes one OBEX packet. Every append is bounds-checked against
// the packet limit and the length field is patched when Bytes is called.
type Builder struct {
	buf   []byte
	limit int
}

// NewBuilder starts a packet with the given opcode or response code.
// A limit of zero or above 0xFFFF means the 16-bit length field maximum.
func NewBuilder(code uint8, limit int) *Builder {
	if limit <= 0 || limit > 0xFFFF {
		limit = 0xFFFF
	}
	b := &Builder{
		buf:   make([]byte, 3, 64),
		limit: limit,
	}
	b.buf[0] = code
	return b
}

// Len returns the current packet length.
func (b *Builder) Len() int { return len(b.buf) }

// Remaining returns how many bytes can still be appended.
func (b *Builder) Remaining() int { return b.limit - len(b.buf) }

func (b *Builder) reserve(n int, what string) error {
	if n > b.Remaining() {
		return fmt.Errorf("%w: %s needs %d bytes, %d remaining", ErrBufferTooSmall, what, n, b.Remaining())
	}
	return nil
}

// AppendByte appends a single byte.
func (b *Builder) AppendByte(v byte) error {
	if err := b.reserve(1, "byte"); err != nil {
		return err
	}
	b.buf = append(b.buf, v)
	return nil
}

// AppendUint16 appends a big-endian uint16.
func (b *Builder) AppendUint16(v uint16) error {
	if err := b.reserve(2, "uint16"); err != nil {
		return err
	}
	b.buf = binary.BigEndian.AppendUint16(b.buf, v)
	return nil
}

// AppendHeader appends one header.
func (b *Builder) AppendHeader(h Header) error {
	if h.EncodedLen() > 0xFFFF {
		return fmt.Errorf("%w: header 0x%02x payload too long", ErrBufferTooSmall, uint8(h.ID))
	}
	if err := b.reserve(h.EncodedLen(), fmt.Sprintf("header 0x%02x", uint8(h.ID))); err != nil {
		return err
	}
	b.buf = h.appendTo(b.buf)
	return nil
}

// AppendHeaders appends headers in order and stops at the first failure.
func (b *Builder) AppendHeaders(headers ...Header) error {
	for _, h := range headers {
		if err := b.AppendHeader(h); err != nil {
			return err
		}
	}
	return nil
}

// Bytes patches the length field and returns the packet.
func (b *Builder) Bytes() []byte {
	binary.BigEndian.PutUint16(b.buf[1:3], uint16(len(b.buf)))
	return b.buf
}
