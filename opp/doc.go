// Package opp implements the Object Push Profile on top of the obex codec.
//
// Server receives objects. It answers Connect unconditionally, streams each
// PUT body into a storage.Sink under a staging name and finalizes the file
// on PutFinal. Unless auto-accept is configured, the first object of a
// session is held until ConfirmReceivingFile is called. A peer that sends
// more than it declared gets BadRequest and the session is closed with no
// file left behind.
//
// Pusher sends objects. Files are queued per destination:
//
//	pusher.SendFile("00:11:22:33:44:55", photo)
//	pusher.SendFile("00:11:22:33:44:55", video) // joins the same batch
//
// One batch is sent at a time over one OBEX session. Each file travels as
// a PUT carrying Name, Type, Length and the first body chunk, then body
// PUTs sized to the peer's maximum packet length, and finally a PutFinal
// with EndOfBody. When a connect or transfer fails, every file left in the
// batch is reported failed and the next batch starts.
//
// Both sides keep their state on the control loop; transport callbacks and
// file reads are posted to it.
package opp
