package notify

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Kind identifies an event.
type Kind uint8

const (
	KindTransferStart Kind = iota
	KindTransferProgress
	KindTransferComplete
	KindReceivingConfirmation
	KindConnectionRequest
	KindPasswordRequest
)

func (k Kind) String() string {
	switch k {
	case KindTransferStart:
		return "transfer-start"
	case KindTransferProgress:
		return "transfer-progress"
	case KindTransferComplete:
		return "transfer-complete"
	case KindReceivingConfirmation:
		return "receiving-confirmation"
	case KindConnectionRequest:
		return "connection-request"
	case KindPasswordRequest:
		return "password-request"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Direction of a file transfer.
type Direction uint8

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Profile names carried by events.
const (
	ProfileOPP  = "opp"
	ProfilePBAP = "pbap"
)

// Event is one notification.
type Event struct {
	Kind        Kind
	Profile     string
	Address     string
	Direction   Direction
	FileName    string
	ContentType string
	FileLength  uint64
	Transferred uint64
	Success     bool
	Err         error
}

// Notifier receives events. Implementations must not block.
type Notifier interface {
	Notify(ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ev Event)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ev Event) { f(ev) }

// Nop discards events.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(Event) {}

// Multi fans an event out to several notifiers.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ev Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ev)
		}
	}
}

// LogNotifier writes every event to logrus.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(ev Event) {
	fields := logrus.Fields{
		"function":  "Notify",
		"event":     ev.Kind.String(),
		"profile":   ev.Profile,
		"address":   ev.Address,
		"direction": ev.Direction.String(),
	}
	if ev.FileName != "" {
		fields["file_name"] = ev.FileName
		fields["file_length"] = ev.FileLength
		fields["content_type"] = ev.ContentType
	}
	switch ev.Kind {
	case KindTransferProgress:
		fields["transferred"] = ev.Transferred
		logrus.WithFields(fields).Debug("Transfer progress")
	case KindTransferComplete:
		fields["success"] = ev.Success
		if ev.Err != nil {
			fields["error"] = ev.Err.Error()
		}
		if ev.Success {
			logrus.WithFields(fields).Info("Transfer complete")
		} else {
			logrus.WithFields(fields).Warn("Transfer failed")
		}
	default:
		logrus.WithFields(fields).Info("Event")
	}
}

// ChannelNotifier delivers events on a buffered channel and drops them when
// the reader falls behind.
type ChannelNotifier struct {
	ch      chan Event
	mu      sync.Mutex
	dropped uint64
}

// NewChannelNotifier creates a notifier with the given buffer size.
func NewChannelNotifier(size int) *ChannelNotifier {
	return &ChannelNotifier{ch: make(chan Event, size)}
}

// Events returns the receive side.
func (c *ChannelNotifier) Events() <-chan Event { return c.ch }

// Dropped returns how many events were discarded.
func (c *ChannelNotifier) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Notify implements Notifier.
func (c *ChannelNotifier) Notify(ev Event) {
	select {
	case c.ch <- ev:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "ChannelNotifier.Notify",
			"event":    ev.Kind.String(),
		}).Warn("Event channel full, dropping event")
	}
}
