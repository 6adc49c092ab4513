package sandbox

import "sync"

// DefaultTailSize is the stderr retention used by the backends.
const DefaultTailSize = 8 << 10

// TailBuffer is an io.Writer that keeps only the last Size bytes written.
// It is safe for concurrent use.
type TailBuffer struct {
	Size int

	mu  sync.Mutex
	buf []byte
}

// Write appends p, discarding the oldest bytes beyond Size. It never fails.
func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	size := t.Size
	if size <= 0 {
		size = DefaultTailSize
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - size; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

// String returns the retained bytes.
func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
