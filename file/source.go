package file

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// ErrNotRegularFile indicates a push of something that is not a file.
var ErrNotRegularFile = errors.New("not a regular file")

// Source is an object queued for sending.
type Source interface {
	Name() string
	ContentType() string
	Size() uint64
	Open() (io.ReadCloser, error)
}

// LocalFile is a Source backed by a file on an afero filesystem.
type LocalFile struct {
	fs          afero.Fs
	path        string
	contentType string
	size        uint64
}

// NewLocalFile stats path and sniffs its content type.
func NewLocalFile(fs afero.Fs, path string) (*LocalFile, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotRegularFile, path)
	}

	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectReader(f); err == nil {
		contentType, _, _ = strings.Cut(mt.String(), ";")
	} else {
		logrus.WithFields(logrus.Fields{
			"function": "NewLocalFile",
			"path":     path,
			"error":    err.Error(),
		}).Warn("Content type detection failed, using octet-stream")
	}

	return &LocalFile{
		fs:          fs,
		path:        path,
		contentType: contentType,
		size:        uint64(info.Size()),
	}, nil
}

// Name returns the base name of the file.
func (l *LocalFile) Name() string { return filepath.Base(l.path) }

// Path returns the full path of the file.
func (l *LocalFile) Path() string { return l.path }

// ContentType returns the sniffed MIME type without parameters.
func (l *LocalFile) ContentType() string { return l.contentType }

// Size returns the file size at the time NewLocalFile ran.
func (l *LocalFile) Size() uint64 { return l.size }

// Open opens the file for reading.
func (l *LocalFile) Open() (io.ReadCloser, error) {
	return l.fs.Open(l.path)
}

// MemorySource is a Source backed by a byte slice.
type MemorySource struct {
	name        string
	contentType string
	data        []byte
}

// NewMemorySource creates a Source that serves data.
func NewMemorySource(name, contentType string, data []byte) *MemorySource {
	return &MemorySource{name: name, contentType: contentType, data: data}
}

// Name implements Source.
func (m *MemorySource) Name() string { return m.name }

// ContentType implements Source.
func (m *MemorySource) ContentType() string { return m.contentType }

// Size implements Source.
func (m *MemorySource) Size() uint64 { return uint64(len(m.data)) }

// Open implements Source.
func (m *MemorySource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.data)), nil
}
