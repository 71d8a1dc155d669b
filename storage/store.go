package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// ErrStorage indicates a create, write, rename or delete failure.
var ErrStorage = errors.New("storage failure")

// StagingSuffix is appended to files that are still being received.
const StagingSuffix = ".part"

// Sink receives the body of one object.
type Sink interface {
	Write(p []byte) (int, error)
	// Name is the staging path of the object.
	Name() string
	// Size is the number of bytes written so far.
	Size() int64
}

// Store creates and finalizes sinks.
type Store interface {
	Create(name, contentType string) (Sink, error)
	// Finalize closes the sink and moves it to finalName. It returns the
	// path the object was stored under, which differs from finalName when
	// a file of that name already exists.
	Finalize(sink Sink, finalName string) (string, error)
	// Delete closes the sink and removes its staging file.
	Delete(sink Sink) error
}

// FSStore stores objects in a directory of an afero filesystem.
type FSStore struct {
	fs  afero.Fs
	dir string
	mu  sync.Mutex
}

// NewFSStore creates dir when needed and returns a store rooted there.
func NewFSStore(fs afero.Fs, dir string) (*FSStore, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create directory %s: %v", ErrStorage, dir, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "NewFSStore",
		"dir":      dir,
	}).Info("File store ready")
	return &FSStore{fs: fs, dir: dir}, nil
}

// Dir returns the directory objects are stored in.
func (s *FSStore) Dir() string { return s.dir }

type fsSink struct {
	file    afero.File
	staging string
	size    int64
	closed  bool
}

func (f *fsSink) Write(p []byte) (int, error) {
	n, err := f.file.Write(p)
	f.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("%w: write %s: %v", ErrStorage, f.staging, err)
	}
	return n, nil
}

func (f *fsSink) Name() string { return f.staging }

func (f *fsSink) Size() int64 { return f.size }

func (f *fsSink) close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	return f.file.Close()
}

// Create implements Store.
func (s *FSStore) Create(name, contentType string) (Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	staging := s.uniquePath(name, StagingSuffix)
	file, err := s.fs.OpenFile(staging, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrStorage, staging, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Create",
		"name":         name,
		"content_type": contentType,
		"staging":      staging,
	}).Debug("Created staging file")
	return &fsSink{file: file, staging: staging}, nil
}

// Finalize implements Store.
func (s *FSStore) Finalize(sink Sink, finalName string) (string, error) {
	f, ok := sink.(*fsSink)
	if !ok {
		return "", fmt.Errorf("%w: foreign sink %T", ErrStorage, sink)
	}
	if err := f.close(); err != nil {
		return "", fmt.Errorf("%w: close %s: %v", ErrStorage, f.staging, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	final := s.uniquePath(finalName, "")
	if err := s.fs.Rename(f.staging, final); err != nil {
		return "", fmt.Errorf("%w: rename %s: %v", ErrStorage, f.staging, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Finalize",
		"staging":  f.staging,
		"final":    final,
		"size":     f.size,
	}).Info("Stored received object")
	return final, nil
}

// Delete implements Store.
func (s *FSStore) Delete(sink Sink) error {
	f, ok := sink.(*fsSink)
	if !ok {
		return fmt.Errorf("%w: foreign sink %T", ErrStorage, sink)
	}
	if err := f.close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Delete",
			"staging":  f.staging,
			"error":    err.Error(),
		}).Warn("Failed to close staging file")
	}
	if err := s.fs.Remove(f.staging); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove %s: %v", ErrStorage, f.staging, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Delete",
		"staging":  f.staging,
	}).Debug("Deleted partial object")
	return nil
}

// uniquePath returns dir/name+suffix, inserting a counter before the
// extension while the path is taken. Caller holds s.mu.
func (s *FSStore) uniquePath(name, suffix string) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := filepath.Join(s.dir, name+suffix)
	for i := 1; ; i++ {
		exists, err := afero.Exists(s.fs, candidate)
		if err != nil || !exists {
			return candidate
		}
		candidate = filepath.Join(s.dir, stem+"-"+strconv.Itoa(i)+ext+suffix)
	}
}
