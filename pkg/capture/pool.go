package capture

import (
	"sync"
	"sync/atomic"

	"github.com/rhuss/sandout/pkg/observability"
)

// DefaultBufferSize is the size of both the byte and the char buffer
// leased for one capture session.
const DefaultBufferSize = 10240

// Buffer is a fixed-size block leased from a Pool.
type Buffer struct {
	B      []byte
	leased atomic.Bool
}

// Pool hands out fixed-size buffers and takes them back for reuse.
type Pool struct {
	size  int
	pool  sync.Pool
	inUse atomic.Int64
}

// NewPool returns a pool of size-byte buffers. A non-positive size
// selects DefaultBufferSize.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		return &Buffer{B: make([]byte, size)}
	}
	return p
}

// Size returns the length of every buffer handed out by the pool.
func (p *Pool) Size() int { return p.size }

// InUse returns the number of buffers currently leased.
func (p *Pool) InUse() int { return int(p.inUse.Load()) }

// Acquire leases a buffer. Its contents are unspecified.
func (p *Pool) Acquire() *Buffer {
	b := p.pool.Get().(*Buffer)
	b.leased.Store(true)
	p.inUse.Add(1)
	observability.CaptureBuffersLeased.Inc()
	return b
}

// Release returns b to the pool. Releasing a buffer that is not leased
// is a no-op. Buffers whose length no longer matches the pool are dropped.
func (p *Pool) Release(b *Buffer) {
	if b == nil || !b.leased.CompareAndSwap(true, false) {
		return
	}
	p.inUse.Add(-1)
	observability.CaptureBuffersLeased.Dec()
	if len(b.B) != p.size {
		return
	}
	p.pool.Put(b)
}
