package larex

import "github.com/joeycumines/larex/bufferpool"

// Buffer is the subset of bufferpool.Buffer the core relies on: a byte
// slice valid only for the duration of the call it was handed to. The
// core only ever calls Bytes(); it never reaches back into the pool
// package directly, so an application is free to supply its own
// implementation of [BufferPool] and never link bufferpool at all.
type Buffer interface {
	Bytes() []byte
}

// BufferPool is the external collaborator the core treats as out of
// scope: acquire(size, direct) -> Buffer; release(Buffer). The core's
// only assumption is that Release returns the buffer to the pool.
type BufferPool interface {
	Acquire(size int, direct bool) Buffer
	Release(Buffer)
}

// bufferPoolAdapter adapts the concrete *bufferpool.Pool slab allocator
// (see bufferpool/pool.go) to the BufferPool interface. A dedicated
// adapter is needed because Go method sets are not covariant: a method
// returning *bufferpool.Buffer does not satisfy an interface method
// declared to return the Buffer interface, even though *bufferpool.Buffer
// implements Buffer.
type bufferPoolAdapter struct {
	pool *bufferpool.Pool
}

// NewBufferPool returns the default BufferPool, backed by the package's
// size-classed slab allocator.
func NewBufferPool() BufferPool {
	return &bufferPoolAdapter{pool: bufferpool.New()}
}

func (a *bufferPoolAdapter) Acquire(size int, direct bool) Buffer {
	return a.pool.Acquire(size, direct)
}

func (a *bufferPoolAdapter) Release(b Buffer) {
	if pb, ok := b.(*bufferpool.Buffer); ok {
		a.pool.Release(pb)
	}
}
