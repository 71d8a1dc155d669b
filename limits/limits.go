// Package limits provides centralized OBEX packet size limits.
// This ensures consistent validation across the codec, the session layer
// and both profiles.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MinPacketLength is the smallest maximum packet length a peer may
	// advertise in a Connect exchange (IrOBEX 1.2, section 3.3.1.4).
	MinPacketLength = 255

	// MaxPacketLength is the largest maximum packet length we advertise.
	// The length field is 16 bits wide and 0xFFFF is reserved by several stacks.
	MaxPacketLength = 0xFFFE

	// PreludeLength is the opcode byte plus the 2-byte packet length.
	PreludeLength = 3

	// ConnectPreludeLength adds version, flags and the 2-byte maximum
	// packet length carried by Connect requests and responses.
	ConnectPreludeLength = PreludeLength + 4

	// SetPathPreludeLength adds the flags and constants bytes of SetPath.
	SetPathPreludeLength = PreludeLength + 2

	// PutRequestHeaderSize is the overhead of a PUT carrying one Body header:
	// the packet prelude plus the 3-byte Body header prelude.
	PutRequestHeaderSize = PreludeLength + 3

	// ProgressStep is the number of transferred bytes between two progress
	// notifications.
	ProgressStep = 50 * 1024

	// MaxFileNameLength caps the length of a stored file name in bytes.
	MaxFileNameLength = 255
)

var (
	// ErrPacketTooShort indicates a packet length below the protocol minimum
	ErrPacketTooShort = errors.New("packet length too short")

	// ErrPacketTooLarge indicates a packet length above MaxPacketLength
	ErrPacketTooLarge = errors.New("packet length too large")
)

// ValidatePacketLength checks a negotiated maximum packet length.
// Returns an error with context including the actual value and the bound it violates.
func ValidatePacketLength(length int) error {
	if length < MinPacketLength {
		return fmt.Errorf("%w: length %d below minimum %d", ErrPacketTooShort, length, MinPacketLength)
	}
	if length > MaxPacketLength {
		return fmt.Errorf("%w: length %d exceeds limit %d", ErrPacketTooLarge, length, MaxPacketLength)
	}
	return nil
}

// ClampPacketLength forces length into [MinPacketLength, MaxPacketLength].
func ClampPacketLength(length int) int {
	if length < MinPacketLength {
		return MinPacketLength
	}
	if length > MaxPacketLength {
		return MaxPacketLength
	}
	return length
}

// NegotiatePacketLength returns the maximum packet length to use towards a
// peer that advertised remote in its Connect. Values below MinPacketLength
// are refused; larger ones, such as the common 0xFFFF, are capped.
func NegotiatePacketLength(remote int) (int, error) {
	if err := ValidatePacketLength(remote); err != nil && !errors.Is(err, ErrPacketTooLarge) {
		return 0, err
	}
	return ClampPacketLength(remote), nil
}

// BodyChunkSize returns how many body bytes fit in a PUT sent to a peer
// whose maximum packet length is remoteMax.
func BodyChunkSize(remoteMax int) int {
	return ClampPacketLength(remoteMax) - PutRequestHeaderSize
}
