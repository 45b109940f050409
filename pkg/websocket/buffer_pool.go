package websocket

import (
	"sync"
)

const defaultBufferSize = 4 << 10

// BufferPool recycles outbound payload buffers.
type BufferPool struct {
	size int
	pool *sync.Pool
}

// DefaultBufferPool returns a pool of 4KiB buffers.
func DefaultBufferPool() *BufferPool {
	return NewBufferPool(defaultBufferSize)
}

// NewBufferPool creates a pool whose buffers start with the given capacity.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &BufferPool{
		size: size,
		pool: &sync.Pool{
			New: func() any {
				buf := make([]byte, 0, size)
				return &buf
			},
		},
	}
}

// Get returns a buffer of length size. Requests larger than the pool size are
// allocated directly.
func (p *BufferPool) Get(size int) []byte {
	if size <= 0 {
		return nil
	}
	if size > p.size {
		return make([]byte, size)
	}
	buf := p.pool.Get().(*[]byte)
	return (*buf)[:size]
}

// Put returns a buffer to the pool when it was taken from it.
func (p *BufferPool) Put(buf []byte) {
	if buf == nil || cap(buf) != p.size {
		return
	}
	buf = buf[:0]
	p.pool.Put(&buf)
}
