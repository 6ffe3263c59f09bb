package pool

import "sync/atomic"

// Tracking wraps an Allocator and counts buffers that have not been released.
// Tests use it to prove every exit path gives its buffers back.
type Tracking struct {
	inner       Allocator
	outstanding atomic.Int64
	allocated   atomic.Int64
}

// NewTracking wraps inner.
func NewTracking(inner Allocator) *Tracking {
	return &Tracking{inner: inner}
}

// Allocate implements Allocator.
func (t *Tracking) Allocate() *Buffer {
	b := t.inner.Allocate()
	t.outstanding.Add(1)
	t.allocated.Add(1)
	inner := b.release
	b.release = func(p []byte) {
		t.outstanding.Add(-1)
		if inner != nil {
			inner(p)
		}
	}
	return b
}

// BufferSize implements Allocator.
func (t *Tracking) BufferSize() int { return t.inner.BufferSize() }

// Outstanding returns the number of allocated, unreleased buffers.
func (t *Tracking) Outstanding() int64 { return t.outstanding.Load() }

// Allocated returns the number of buffers handed out so far.
func (t *Tracking) Allocated() int64 { return t.allocated.Load() }
