// Package auth implements the OBEX digest challenge/response exchange used
// by password protected PBAP connections.
//
// A peer that wants a password sends an Authenticate-Challenge header
// holding tag-length-value triplets. NewContext parses it and keeps the
// nonce; Reply answers with MD5(nonce ":" password) and the echoed nonce:
//
//	ctx, err := auth.NewContext(header.Data)
//	if err != nil {
//	    // ErrMalformedChallenge
//	}
//	payload, err := ctx.Reply(password) // ErrRejected for an empty password
//
// Package authtest holds the peer side of the exchange for tests.
package auth
