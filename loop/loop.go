package loop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrStopped indicates the loop no longer accepts work.
var ErrStopped = errors.New("control loop stopped")

// Scheduler is the subset of Loop used by protocol code.
type Scheduler interface {
	// Post queues fn to run on the loop. It returns false once the loop
	// has stopped.
	Post(fn func()) bool

	// PostDelayed queues fn after d. The returned function cancels the
	// task if it has not fired yet.
	PostDelayed(d time.Duration, fn func()) (cancel func())
}

// Loop runs posted functions one at a time, in posting order.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	started bool
	stopped bool
}

// New creates a loop. Call Start before posting work that must run.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the loop goroutine. Calling Start twice is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.stopped {
		return
	}
	l.started = true
	go l.run()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
	}).Debug("Control loop started")
}

// Stop stops accepting work, runs what is already queued and waits for
// the loop goroutine to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.stopped = true
	started := l.started
	l.mu.Unlock()

	close(l.quit)
	if !started {
		close(l.done)
		return
	}
	<-l.done

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Debug("Control loop stopped")
}

// Post implements Scheduler.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// PostDelayed implements Scheduler.
func (l *Loop) PostDelayed(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, func() { l.Post(fn) })
	return func() { t.Stop() }
}

// Do runs fn on the loop and waits for it to return.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.wake:
			l.drain()
		case <-l.quit:
			l.drain()
			return
		}
	}
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}
