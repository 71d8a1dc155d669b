// Package obex implements the OBEX (IrOBEX 1.2) packet codec used by the
// Object Push and Phone Book Access profiles.
//
// # Wire Format
//
// Every packet starts with a 3-byte prelude:
//
//	[opcode:1][length:2 big-endian][fields...][headers...]
//
// Connect requests and responses carry [version:1][flags:1][maxPacket:2]
// before the headers; SetPath requests carry [flags:1][constants:1].
//
// # Headers
//
// The two high bits of a header id select its encoding:
//
//	00  null terminated UTF-16BE text, 2-byte length
//	01  byte sequence, 2-byte length
//	10  single byte
//	11  4-byte big-endian integer
//
// Header constructors such as NameHeader, TypeHeader and BodyHeader produce
// wire-ready values; Headers accessors decode them again.
//
// # Encoding
//
// Packets are composed with a Builder, a growable buffer whose appends are
// checked against the negotiated maximum packet length:
//
//	b := obex.NewBuilder(uint8(obex.OpPut), remoteMax)
//	if err := b.AppendHeader(obex.NameHeader("photo.jpg")); err != nil {
//	    // ErrBufferTooSmall
//	}
//	packet := b.Bytes()
//
// Encode wraps the builder for a complete Frame.
//
// # Reassembly
//
// A transport read may hold only part of a packet. Reassembler buffers reads
// until the declared length is reached and reports ErrOverrun when a peer
// sends more bytes than it declared.
package obex
