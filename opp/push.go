package opp

import (
	"context"

	"github.com/opd-ai/obexd/file"
	"github.com/opd-ai/obexd/limits"
	"github.com/opd-ai/obexd/loop"
	"github.com/opd-ai/obexd/metrics"
	"github.com/opd-ai/obexd/notify"
	"github.com/opd-ai/obexd/transport"
	"github.com/sirupsen/logrus"
)

// PusherDeps are the collaborators of a Pusher.
type PusherDeps struct {
	Scheduler loop.Scheduler
	Transport transport.Transport
	Service   transport.Service
	Notifier  notify.Notifier
	Transfers *file.Manager
	Metrics   *metrics.Metrics
}

// PusherOptions configures the send side.
type PusherOptions struct {
	// MaxPacketLength is advertised in Connect requests. Zero means
	// limits.MaxPacketLength.
	MaxPacketLength int
}

// Pusher sends queued files, one batch per destination, one batch at a
// time. Files for the same destination share one OBEX session.
type Pusher struct {
	deps   PusherDeps
	opts   PusherOptions
	queue  Queue
	client *client
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPusher creates a Pusher. Close releases pending connects.
func NewPusher(deps PusherDeps, opts PusherOptions) *Pusher {
	if opts.MaxPacketLength <= 0 {
		opts.MaxPacketLength = limits.MaxPacketLength
	}
	opts.MaxPacketLength = limits.ClampPacketLength(opts.MaxPacketLength)
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Transfers == nil {
		deps.Transfers = file.NewManager()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pusher{deps: deps, opts: opts, ctx: ctx, cancel: cancel}
}

// SendFile queues src for address and starts sending when idle. It may
// be called from any goroutine.
func (p *Pusher) SendFile(address string, src file.Source) bool {
	return p.deps.Scheduler.Post(func() {
		p.queue.Enqueue(address, src)
		p.startIfIdle()
	})
}

// Cancel stops the active batch. Its unsent files are reported failed.
func (p *Pusher) Cancel() bool {
	return p.deps.Scheduler.Post(func() {
		if p.client != nil {
			p.client.cancel()
		}
	})
}

// Close abandons connects that are still in progress.
func (p *Pusher) Close() {
	p.cancel()
}

// Queue exposes the batch queue. Must be used on the loop.
func (p *Pusher) Queue() *Queue { return &p.queue }

// Busy reports whether a batch is being sent. Must be called on the loop.
func (p *Pusher) Busy() bool { return p.client != nil }

// startIfIdle activates the head batch and connects to its destination.
func (p *Pusher) startIfIdle() {
	if p.client != nil {
		return
	}
	b := p.queue.Activate()
	if b == nil {
		return
	}

	c := newClient(p, b)
	p.client = c

	logrus.WithFields(logrus.Fields{
		"function": "startIfIdle",
		"address":  b.Address,
		"files":    len(b.Files),
	}).Info("Starting outbound batch")

	go func() {
		if _, err := p.deps.Transport.Connect(p.ctx, b.Address, p.deps.Service, c); err != nil {
			p.deps.Scheduler.Post(func() { p.connectFailed(c, err) })
		}
	}()
}

func (p *Pusher) connectFailed(c *client, err error) {
	if p.client != c {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "connectFailed",
		"address":  c.batch.Address,
		"error":    err.Error(),
	}).Warn("Cannot connect to destination")

	c.abandon()
	p.client = nil
	p.failActive(err)
	p.startIfIdle()
}

// clientDone runs once the client's link is gone.
func (p *Pusher) clientDone(c *client, err error) {
	if p.client != c {
		return
	}
	p.client = nil
	switch {
	case err != nil:
		p.failActive(err)
	case c.batch.Current() != nil:
		// Files were appended after the session wound down.
		p.queue.Release()
	default:
		p.queue.Finish()
	}

	logrus.WithFields(logrus.Fields{
		"function": "clientDone",
		"address":  c.batch.Address,
		"error":    err,
		"queued":   p.queue.Len(),
	}).Info("Outbound batch finished")
	p.startIfIdle()
}

// failActive drops the active batch and reports each unsent file failed.
func (p *Pusher) failActive(err error) {
	b := p.queue.Active()
	if b == nil {
		return
	}
	for _, src := range p.queue.FailActive() {
		p.deps.Notifier.Notify(notify.Event{
			Kind:        notify.KindTransferComplete,
			Profile:     notify.ProfileOPP,
			Address:     b.Address,
			Direction:   notify.Outbound,
			FileName:    src.Name(),
			ContentType: src.ContentType(),
			FileLength:  src.Size(),
			Err:         err,
		})
	}
}
