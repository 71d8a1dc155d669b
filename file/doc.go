// Package file implements the object side of OBEX transfers: bookkeeping
// for each object in flight, the sources pushed objects are read from, and
// the worker that reads them without blocking the control loop.
//
// # Transfers
//
// A Transfer records direction, name, content type, size and progress:
//
//	transfer := file.NewTransfer(address, "photo.jpg", "image/jpeg", size, file.TransferDirectionOutgoing)
//	transfer.OnProgress(func(sent uint64) {
//	    // called once per limits.ProgressStep bytes
//	})
//	transfer.OnComplete(func(err error) {
//	    // err is nil on success
//	})
//	transfer.Start()
//
// AddProgress implements the progress throttle: the callback fires whenever
// the running total passes the next multiple of the progress step, so a
// 120000 byte transfer produces two progress callbacks with the default
// 50 KiB step.
//
// # Transfer States
//
//	TransferStatePending    // waiting to start
//	TransferStateRunning    // in progress
//	TransferStateCompleted  // finished successfully
//	TransferStateCancelled  // cancelled locally or by the peer
//	TransferStateError      // failed
//
// # Sources
//
// Source abstracts an object queued for sending. LocalFile reads from an
// afero filesystem and detects the content type with mimetype;
// MemorySource serves a byte slice.
//
// # Reader
//
// Reader runs blocking reads on its own goroutine and posts each Chunk back
// to the control loop. Only one read per file may be outstanding; a second
// Read before the first result arrives fails with ErrReadPending.
//
// # Names
//
// SanitizeName turns a peer-supplied Name header into a safe base name:
//
//	file.SanitizeName("../../etc/passwd")  // "passwd"
//	file.SanitizeName("a:b?.txt")          // "a_b_.txt"
//
// # Registry
//
// Manager tracks in-flight transfers so they can be listed, and found by
// id for cancellation, from outside the control loop. Transfer methods are safe for concurrent use.
package file
