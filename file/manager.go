package file

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrTransferNotFound indicates an unknown transfer id.
var ErrTransferNotFound = errors.New("transfer not found")

// Manager keeps the transfers that are currently in flight so that they
// can be listed and looked up by id from outside the control loop.
type Manager struct {
	transfers map[uint64]*Transfer
	nextID    uint64
	mu        sync.RWMutex
}

// NewManager creates an empty transfer registry.
func NewManager() *Manager {
	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
	}).Debug("Creating transfer registry")

	return &Manager{
		transfers: make(map[uint64]*Transfer),
	}
}

// Track registers t and returns its id.
func (m *Manager) Track(t *Transfer) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	m.transfers[m.nextID] = t

	logrus.WithFields(logrus.Fields{
		"function":  "Track",
		"id":        m.nextID,
		"address":   t.Address,
		"file_name": t.FileName,
		"direction": t.Direction,
	}).Debug("Tracking transfer")
	return m.nextID
}

// Untrack removes a transfer. Unknown ids are ignored.
func (m *Manager) Untrack(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.transfers, id)
}

// GetTransfer returns a tracked transfer.
func (m *Manager) GetTransfer(id uint64) (*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.transfers[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrTransferNotFound, id)
	}
	return t, nil
}

// Entry pairs a transfer id with a snapshot of its stats.
type Entry struct {
	ID uint64
	Stats
}

// List returns snapshots of all tracked transfers ordered by id.
func (m *Manager) List() []Entry {
	m.mu.RLock()
	entries := make([]Entry, 0, len(m.transfers))
	for id, t := range m.transfers {
		entries = append(entries, Entry{ID: id, Stats: t.Snapshot()})
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}
