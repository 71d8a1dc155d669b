package file

import (
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrReadPending indicates a Read while the previous one is unanswered.
var ErrReadPending = errors.New("a read is already outstanding for this file")

// ErrReaderClosed indicates a Read after Close.
var ErrReaderClosed = errors.New("reader closed")

// Poster delivers a function to the control loop.
type Poster interface {
	Post(fn func()) bool
}

// Chunk is the result of one read.
type Chunk struct {
	Data []byte
	// EOF is set when the source has no bytes left after Data.
	EOF bool
	Err error
}

type readRequest struct {
	size int
	done func(Chunk)
}

// Reader performs blocking reads on a dedicated goroutine and hands each
// result back to the control loop. At most one read is outstanding.
type Reader struct {
	rc      io.ReadCloser
	poster  Poster
	reqs    chan readRequest
	quit    chan struct{}
	exited  chan struct{}
	pending bool // owned by the control loop
	once    sync.Once
}

// NewReader starts the worker goroutine for rc.
func NewReader(rc io.ReadCloser, poster Poster) *Reader {
	r := &Reader{
		rc:     rc,
		poster: poster,
		reqs:   make(chan readRequest, 1),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go r.work()
	return r
}

// Read asks the worker for up to size bytes. done runs on the control loop.
// Read must itself be called on the control loop.
func (r *Reader) Read(size int, done func(Chunk)) error {
	select {
	case <-r.quit:
		return ErrReaderClosed
	default:
	}
	if r.pending {
		return ErrReadPending
	}
	r.pending = true
	r.reqs <- readRequest{size: size, done: done}
	return nil
}

// Pending reports whether a read is outstanding.
func (r *Reader) Pending() bool { return r.pending }

// Close stops the worker and closes the underlying reader. A read that is
// in flight still delivers its result; callers guard against stale results.
func (r *Reader) Close() error {
	var err error
	r.once.Do(func() {
		close(r.quit)
		<-r.exited
		err = r.rc.Close()
	})
	return err
}

func (r *Reader) work() {
	defer close(r.exited)
	for {
		select {
		case <-r.quit:
			return
		case req := <-r.reqs:
			chunk := r.readChunk(req.size)
			done := req.done
			if !r.poster.Post(func() {
				r.pending = false
				done(chunk)
			}) {
				logrus.WithFields(logrus.Fields{
					"function": "Reader.work",
				}).Debug("Control loop stopped, dropping read result")
				return
			}
		}
	}
}

func (r *Reader) readChunk(size int) Chunk {
	buf := make([]byte, size)
	n, err := io.ReadFull(r.rc, buf)
	switch {
	case err == nil:
		return Chunk{Data: buf[:n]}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return Chunk{Data: buf[:n], EOF: true}
	default:
		return Chunk{Data: buf[:n], Err: err}
	}
}
