// Package bufferpool provides the byte-buffer pool the larex core treats
// as an external collaborator: acquire(size, direct) -> Buffer,
// release(Buffer).
//
// The slab allocator is grounded on the teacher pack's xtaci/smux
// Allocator (vendor/github.com/xtaci/smux/alloc.go): a []sync.Pool
// indexed by power-of-two size class, so that a request for N bytes is
// served from the smallest class >= N and returned buffers can only be
// reused by requests of the same class. Memory fragmentation waste is
// bounded at 50% per the original's comment.
package bufferpool

import (
	"fmt"
	"math/bits"
	"sync"
)

// maxPooledSize is the largest single buffer this pool will serve from a
// size-classed slot; larger requests fall back to a direct allocation
// that is not returned to any pool.
const maxPooledSize = 1 << 20 // 1MiB

const numClasses = 21 // 1B (2^0) .. 1MiB (2^20)

// Buffer is a pool-owned byte slice. Data is valid only between Acquire
// and the matching Release; callers that need the bytes to outlive the
// call must copy them first, exactly as the core's read path documents
// for Coordinator.onRead.
type Buffer struct {
	Data  []byte
	class int // size class index, or -1 for an unpooled direct allocation
}

// Bytes returns the buffer's valid byte range. It satisfies larex's
// Buffer interface so a *Pool can back larex.NewBufferPool without larex
// importing this package's internals beyond the adapter in pooladapter.go.
func (b *Buffer) Bytes() []byte {
	return b.Data
}

// Pool is a slab allocator keyed by power-of-two size class.
type Pool struct {
	classes [numClasses]sync.Pool
}

// New constructs a Pool ready for use.
func New() *Pool {
	p := &Pool{}
	for i := range p.classes {
		class := i
		p.classes[i].New = func() any {
			b := make([]byte, 1<<uint(class))
			return &b
		}
	}
	return p
}

// Acquire returns a Buffer of at least size bytes. direct requests that
// the backing array not be pooled GC-tenured memory (e.g. because the
// caller intends to hand it to a syscall that benefits from an
// off-heap-friendly allocation); larex's own Channel never needs this,
// but connectors built on top of it may, so the knob is preserved from
// the external interface in the specification.
func (p *Pool) Acquire(size int, direct bool) *Buffer {
	if size <= 0 {
		size = 1
	}
	if direct || size > maxPooledSize {
		return &Buffer{Data: make([]byte, size), class: -1}
	}

	class := classFor(size)
	ptr := p.classes[class].Get().(*[]byte)
	data := (*ptr)[:size]
	return &Buffer{Data: data, class: class}
}

// Release returns the buffer to the pool it was acquired from. Release
// is a no-op (not an error) for a nil Buffer, so that callers can defer
// pool.Release(buf) unconditionally along every exit path of a read, as
// the core's Channel.Read does.
func (p *Pool) Release(b *Buffer) {
	if b == nil {
		return
	}
	if b.class < 0 {
		// Direct allocations belong to no pool; only drop the reference.
		b.Data = nil
		return
	}
	// Grow the slice back to the full capacity of its class before
	// returning it, matching the invariant New()'s allocator enforces:
	// pooled slices always have cap == 1<<class.
	full := (1 << uint(b.class))
	if cap(b.Data) != full {
		panic(fmt.Sprintf("bufferpool: release of buffer with corrupted capacity (want %d, got %d)", full, cap(b.Data)))
	}
	reset := b.Data[:full]
	p.classes[b.class].Put(&reset)
	b.Data = nil
	b.class = -1
}

// classFor returns the index of the smallest power-of-two size class
// that can hold size bytes.
func classFor(size int) int {
	if size <= 1 {
		return 0
	}
	// bits.Len(size-1) is the exponent of the smallest power of two >=
	// size (for size > 1).
	class := bits.Len(uint(size - 1))
	if class >= numClasses {
		class = numClasses - 1
	}
	return class
}
