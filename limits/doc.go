// Package limits provides centralized packet size constants and validation
// functions for OBEX sessions.
//
// # Packet Size Hierarchy
//
//   - MinPacketLength (255 bytes): the smallest maximum packet length a peer
//     may negotiate. Connect requests advertising less are rejected.
//
//   - MaxPacketLength (0xFFFE bytes): the maximum packet length this
//     implementation advertises in its Connect responses.
//
//   - PutRequestHeaderSize (6 bytes): the framing overhead of a PUT carrying a
//     single Body header. BodyChunkSize derives the usable payload from it.
//
// # Validation
//
//	if err := limits.ValidatePacketLength(remoteMax); err != nil {
//	    // ErrPacketTooShort or ErrPacketTooLarge
//	}
//
// ClampPacketLength is used where a value must be coerced rather than
// rejected, for example when a configuration file carries an out-of-range
// maximum packet length.
package limits
