// Package pool provides the pooled fixed-capacity buffers conduits work with.
//
// Conduits never allocate their working buffers directly: they ask an
// Allocator for a Buffer and release it exactly once when they are done.
package pool

import (
	"sync/atomic"

	"github.com/panjf2000/gnet/v2/pkg/pool/byteslice"
)

// DefaultBufferSize is the capacity handed out when no size is configured.
const DefaultBufferSize = 16 << 10

// Allocator hands out buffers of one fixed capacity.
type Allocator interface {
	Allocate() *Buffer
	BufferSize() int
}

// Buffer is a fixed-capacity byte region with a read cursor and a write
// cursor. Bytes between the cursors are readable; bytes after the write
// cursor are free space.
type Buffer struct {
	buf      []byte
	r, w     int
	release  func([]byte)
	released atomic.Bool
}

// NewBuffer wraps b as an unpooled Buffer. Release only marks it released.
func NewBuffer(b []byte) *Buffer {
	return &Buffer{buf: b[:cap(b)]}
}

// Bytes returns the readable region.
func (b *Buffer) Bytes() []byte { return b.buf[b.r:b.w] }

// Len returns the number of readable bytes.
func (b *Buffer) Len() int { return b.w - b.r }

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return len(b.buf) }

// Free returns the writable region after the write cursor.
func (b *Buffer) Free() []byte { return b.buf[b.w:] }

// Available returns the size of the writable region.
func (b *Buffer) Available() int { return len(b.buf) - b.w }

// Commit marks n bytes of Free() as written.
func (b *Buffer) Commit(n int) {
	if n < 0 || b.w+n > len(b.buf) {
		panic("pool: commit out of range")
	}
	b.w += n
}

// Advance marks n readable bytes as consumed.
func (b *Buffer) Advance(n int) {
	if n < 0 || b.r+n > b.w {
		panic("pool: advance out of range")
	}
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
}

// Fill copies as much of p as fits and returns the count.
func (b *Buffer) Fill(p []byte) int {
	n := copy(b.buf[b.w:], p)
	b.w += n
	return n
}

// Drain copies readable bytes into p, consuming them.
func (b *Buffer) Drain(p []byte) int {
	n := copy(p, b.buf[b.r:b.w])
	b.Advance(n)
	return n
}

// Compact moves readable bytes to the front so Free() is as large as possible.
func (b *Buffer) Compact() {
	if b.r == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.r:b.w])
	b.r, b.w = 0, n
}

// Reset discards all content.
func (b *Buffer) Reset() { b.r, b.w = 0, 0 }

// Released reports whether Release has been called.
func (b *Buffer) Released() bool { return b.released.Load() }

// Release returns the buffer to its allocator. Releasing twice is a defect
// and panics.
func (b *Buffer) Release() {
	if !b.released.CompareAndSwap(false, true) {
		panic("pool: buffer released twice")
	}
	buf := b.buf
	b.buf, b.r, b.w = nil, 0, 0
	if b.release != nil {
		b.release(buf)
	}
}

// SliceAllocator hands out buffers backed by gnet's power-of-two slice pool.
type SliceAllocator struct {
	size int
}

// NewAllocator returns an Allocator of size-byte buffers.
func NewAllocator(size int) *SliceAllocator {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &SliceAllocator{size: size}
}

// Allocate implements Allocator.
func (a *SliceAllocator) Allocate() *Buffer {
	return &Buffer{buf: byteslice.Get(a.size), release: byteslice.Put}
}

// BufferSize implements Allocator.
func (a *SliceAllocator) BufferSize() int { return a.size }
