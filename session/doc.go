// Package session tracks the per-connection OBEX state shared by the
// Object Push and Phone Book Access profiles.
//
// # States
//
//	StateDisconnected  -> StateConnecting
//	StateConnecting    -> StateConnected, StateDisconnecting, StateDisconnected
//	StateConnected     -> StateTransferring, StateDisconnecting, StateDisconnected
//	StateTransferring  -> StateConnected, StateDisconnecting, StateDisconnected
//	StateDisconnecting -> StateDisconnected
//
// Transition refuses any other move with ErrIllegalTransition. Staying in
// the current state is always allowed.
//
// # Tokens
//
// Work that completes off the control loop, such as a file read or a
// delayed timer, captures a Token before it starts. Once the session is
// closed the token stops being Valid, so late results are dropped instead
// of landing on a newer session:
//
//	tok := sess.Token()
//	reader.Read(size, func(c file.Chunk) {
//	    if !tok.Valid() {
//	        return
//	    }
//	    // use c
//	})
//
// A Session is not safe for concurrent use; it belongs to the control loop.
package session
