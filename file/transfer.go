package file

import (
	"errors"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/obexd/limits"
	"github.com/sirupsen/logrus"
)

// ErrTransferCancelled is reported to completion callbacks of transfers
// cancelled without a cause.
var ErrTransferCancelled = errors.New("transfer cancelled")

// ErrTransferFinished indicates an operation on a transfer that already ended.
var ErrTransferFinished = errors.New("transfer already finished")

// TransferDirection indicates whether a transfer is incoming or outgoing.
type TransferDirection uint8

const (
	// TransferDirectionIncoming represents an object being received.
	TransferDirectionIncoming TransferDirection = iota
	// TransferDirectionOutgoing represents an object being sent.
	TransferDirectionOutgoing
)

func (d TransferDirection) String() string {
	if d == TransferDirectionIncoming {
		return "incoming"
	}
	return "outgoing"
}

// TransferState represents the current state of a file transfer.
type TransferState uint8

const (
	// TransferStatePending indicates the transfer is waiting to start.
	TransferStatePending TransferState = iota
	// TransferStateRunning indicates the transfer is in progress.
	TransferStateRunning
	// TransferStateCompleted indicates the transfer has finished successfully.
	TransferStateCompleted
	// TransferStateCancelled indicates the transfer was cancelled.
	TransferStateCancelled
	// TransferStateError indicates the transfer failed due to an error.
	TransferStateError
)

func (s TransferState) String() string {
	switch s {
	case TransferStatePending:
		return "pending"
	case TransferStateRunning:
		return "running"
	case TransferStateCompleted:
		return "completed"
	case TransferStateCancelled:
		return "cancelled"
	default:
		return "error"
	}
}

// StallTimeout is how long a running transfer may go without data before
// IsStalled reports it.
const StallTimeout = 30 * time.Second

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

var defaultTimeProvider TimeProvider = DefaultTimeProvider{}

// Transfer is the bookkeeping of one object moving over an OBEX session.
type Transfer struct {
	Address     string
	Direction   TransferDirection
	FileName    string
	ContentType string
	FileSize    uint64
	State       TransferState
	StartTime   time.Time
	Transferred uint64
	Error       error

	progressCallback func(uint64)
	completeCallback func(error)

	mu              sync.Mutex
	progressStep    uint64
	progressCounter uint64
	lastChunkTime   time.Time
	transferSpeed   float64 // bytes per second
	timeProvider    TimeProvider
}

// NewTransfer creates a pending transfer.
func NewTransfer(address, fileName, contentType string, fileSize uint64, direction TransferDirection) *Transfer {
	logrus.WithFields(logrus.Fields{
		"function":     "NewTransfer",
		"address":      address,
		"file_name":    fileName,
		"content_type": contentType,
		"file_size":    fileSize,
		"direction":    direction,
	}).Debug("Creating new file transfer")

	tp := defaultTimeProvider
	return &Transfer{
		Address:         address,
		Direction:       direction,
		FileName:        fileName,
		ContentType:     contentType,
		FileSize:        fileSize,
		State:           TransferStatePending,
		progressStep:    limits.ProgressStep,
		progressCounter: 1,
		lastChunkTime:   tp.Now(),
		timeProvider:    tp,
	}
}

// Start marks the transfer running.
func (t *Transfer) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State != TransferStatePending {
		logrus.WithFields(logrus.Fields{
			"function":      "Start",
			"address":       t.Address,
			"file_name":     t.FileName,
			"current_state": t.State,
		}).Error("Transfer cannot be started in current state")
		return errors.New("transfer cannot be started in current state")
	}

	t.State = TransferStateRunning
	t.StartTime = t.timeProvider.Now()
	t.lastChunkTime = t.StartTime

	logrus.WithFields(logrus.Fields{
		"function":  "Start",
		"address":   t.Address,
		"file_name": t.FileName,
		"direction": t.Direction,
		"file_size": t.FileSize,
	}).Info("File transfer started")
	return nil
}

// AddProgress records n more transferred bytes. The progress callback
// fires, and AddProgress returns true, whenever the running total passes
// the next progress step.
func (t *Transfer) AddProgress(n uint64) bool {
	t.mu.Lock()
	t.Transferred += n
	t.updateTransferSpeed(n)

	fire := t.Transferred > t.progressStep*t.progressCounter
	if fire {
		t.progressCounter = t.Transferred/t.progressStep + 1
	}
	cb, transferred := t.progressCallback, t.Transferred
	t.mu.Unlock()

	if fire && cb != nil {
		cb(transferred)
	}
	return fire
}

// Complete ends the transfer. A nil err means success.
func (t *Transfer) Complete(err error) error {
	t.mu.Lock()
	if t.finishedLocked() {
		t.mu.Unlock()
		return ErrTransferFinished
	}
	if err != nil {
		t.State = TransferStateError
		t.Error = err
	} else {
		t.State = TransferStateCompleted
	}
	cb := t.completeCallback
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Complete",
		"address":     t.Address,
		"file_name":   t.FileName,
		"transferred": t.Transferred,
		"success":     err == nil,
	}).Debug("File transfer finished")

	if cb != nil {
		cb(err)
	}
	return nil
}

// Cancel aborts the transfer. cause reaches the completion callback; nil
// means ErrTransferCancelled.
func (t *Transfer) Cancel(cause error) error {
	if cause == nil {
		cause = ErrTransferCancelled
	}
	t.mu.Lock()
	if t.finishedLocked() {
		t.mu.Unlock()
		return ErrTransferFinished
	}
	t.State = TransferStateCancelled
	t.Error = cause
	cb := t.completeCallback
	t.mu.Unlock()

	if cb != nil {
		cb(cause)
	}
	return nil
}

func (t *Transfer) finishedLocked() bool {
	return t.State == TransferStateCompleted || t.State == TransferStateCancelled || t.State == TransferStateError
}

// Finished reports whether the transfer reached a terminal state.
func (t *Transfer) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishedLocked()
}

// updateTransferSpeed calculates the current transfer speed. Caller holds t.mu.
func (t *Transfer) updateTransferSpeed(chunkSize uint64) {
	now := t.timeProvider.Now()
	duration := t.timeProvider.Since(t.lastChunkTime).Seconds()

	if duration > 0 {
		instantSpeed := float64(chunkSize) / duration

		// Exponential moving average with alpha = 0.3
		if t.transferSpeed == 0 {
			t.transferSpeed = instantSpeed
		} else {
			t.transferSpeed = 0.7*t.transferSpeed + 0.3*instantSpeed
		}
	}

	t.lastChunkTime = now
}

// OnProgress sets the throttled progress callback.
func (t *Transfer) OnProgress(callback func(uint64)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progressCallback = callback
}

// OnComplete sets the callback run by Complete and Cancel, after the state
// has changed and without the lock held.
func (t *Transfer) OnComplete(callback func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completeCallback = callback
}

// IsStalled reports whether a running transfer has seen no data within the
// stall timeout. It is informational only: OBEX exchanges have no timeout.
func (t *Transfer) IsStalled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State != TransferStateRunning {
		return false
	}
	return t.timeProvider.Since(t.lastChunkTime) >= StallTimeout
}

// Stats is a point-in-time copy of a transfer.
type Stats struct {
	Address     string
	Direction   TransferDirection
	FileName    string
	ContentType string
	FileSize    uint64
	Transferred uint64
	State       TransferState
	Speed       float64
	Stalled     bool
}

// Snapshot returns the current stats.
func (t *Transfer) Snapshot() Stats {
	stalled := t.IsStalled()
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Address:     t.Address,
		Direction:   t.Direction,
		FileName:    t.FileName,
		ContentType: t.ContentType,
		FileSize:    t.FileSize,
		Transferred: t.Transferred,
		State:       t.State,
		Speed:       t.transferSpeed,
		Stalled:     stalled,
	}
}

// DefaultFileName is used when a peer sends no usable name.
const DefaultFileName = "received_file"

// SanitizeName turns a peer-supplied object name into a safe base file
// name: directory components are dropped, control characters and
// characters reserved on common filesystems become '_', and the result is
// capped at limits.MaxFileNameLength bytes.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(path.Clean("/" + name))

	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune("?|<>\":/*\\", r) {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}
	name = strings.TrimSpace(b.String())

	if name == "" || name == "." || name == ".." || name == "/" {
		return DefaultFileName
	}
	for len(name) > limits.MaxFileNameLength {
		runes := []rune(name)
		name = string(runes[:len(runes)-1])
	}
	return name
}
