package opp

import (
	"github.com/opd-ai/obexd/file"
	"github.com/sirupsen/logrus"
)

// Batch is an ordered group of files for one destination.
type Batch struct {
	Address string
	Files   []file.Source
	Cursor  int
}

// Current returns the file at the cursor, or nil when the batch is done.
func (b *Batch) Current() file.Source {
	if b.Cursor >= len(b.Files) {
		return nil
	}
	return b.Files[b.Cursor]
}

// Remaining returns the files from the cursor on.
func (b *Batch) Remaining() []file.Source {
	if b.Cursor >= len(b.Files) {
		return nil
	}
	return b.Files[b.Cursor:]
}

// Queue holds pending batches. At most one batch, the head, is active.
// It is owned by the control loop.
type Queue struct {
	batches []*Batch
	active  bool
}

// Enqueue adds src for address. It joins the tail batch when that batch
// goes to the same address, even while it is being sent.
func (q *Queue) Enqueue(address string, src file.Source) *Batch {
	if n := len(q.batches); n > 0 && q.batches[n-1].Address == address {
		tail := q.batches[n-1]
		tail.Files = append(tail.Files, src)
		logrus.WithFields(logrus.Fields{
			"function":  "Enqueue",
			"address":   address,
			"file_name": src.Name(),
			"files":     len(tail.Files),
		}).Debug("Appended file to batch")
		return tail
	}

	b := &Batch{Address: address, Files: []file.Source{src}}
	q.batches = append(q.batches, b)
	logrus.WithFields(logrus.Fields{
		"function":  "Enqueue",
		"address":   address,
		"file_name": src.Name(),
		"batches":   len(q.batches),
	}).Debug("Queued new batch")
	return b
}

// Len returns the number of batches, active one included.
func (q *Queue) Len() int { return len(q.batches) }

// Batches returns the queued batches in order.
func (q *Queue) Batches() []*Batch { return q.batches }

// Active returns the batch being sent, if any.
func (q *Queue) Active() *Batch {
	if !q.active {
		return nil
	}
	return q.batches[0]
}

// Activate marks the head batch active. It returns nil when a batch is
// already active or nothing is queued.
func (q *Queue) Activate() *Batch {
	if q.active || len(q.batches) == 0 {
		return nil
	}
	q.active = true
	return q.batches[0]
}

// Advance moves the active batch to its next file and returns it. It
// returns nil once the batch is exhausted.
func (q *Queue) Advance() file.Source {
	b := q.Active()
	if b == nil {
		return nil
	}
	b.Cursor++
	return b.Current()
}

// Finish removes the active batch.
func (q *Queue) Finish() {
	if !q.active {
		return
	}
	q.batches[0] = nil
	q.batches = q.batches[1:]
	q.active = false
}

// Release deactivates the active batch without removing it, so its
// remaining files are sent in a fresh session.
func (q *Queue) Release() {
	q.active = false
}

// FailActive removes the active batch and returns the files that were
// never sent.
func (q *Queue) FailActive() []file.Source {
	b := q.Active()
	if b == nil {
		return nil
	}
	failed := b.Remaining()
	q.Finish()
	return failed
}
