package file

import (
	"sync"
	"time"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	currentTime time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	return m.currentTime
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.currentTime.Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.currentTime = m.currentTime.Add(d)
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// useMockTime puts t on a mock clock before it starts.
func useMockTime(t *Transfer) *mockTimeProvider {
	tp := newMockTimeProvider()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeProvider = tp
	t.lastChunkTime = tp.Now()
	return tp
}

// chanPoster queues posted functions so a test can run them in order on
// its own goroutine, standing in for the control loop.
type chanPoster struct {
	mu     sync.Mutex
	ch     chan func()
	closed bool
}

func newChanPoster() *chanPoster {
	return &chanPoster{ch: make(chan func(), 16)}
}

func (p *chanPoster) Post(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.ch <- fn
	return true
}

func (p *chanPoster) runOne(timeout time.Duration) bool {
	select {
	case fn := <-p.ch:
		fn()
		return true
	case <-time.After(timeout):
		return false
	}
}

// errReadCloser fails every read.
type errReadCloser struct {
	err    error
	closed bool
}

func (e *errReadCloser) Read([]byte) (int, error) { return 0, e.err }

func (e *errReadCloser) Close() error {
	e.closed = true
	return nil
}
