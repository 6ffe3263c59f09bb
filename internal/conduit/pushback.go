package conduit

import (
	"io"
	"time"

	"github.com/albertbausili/sluice/internal/pool"
)

// PushBackSource serves bytes that an upper conduit read too far before
// reading next again. It owns pushed buffers and releases each once
// drained.
type PushBackSource struct {
	SourceBase
	bufs []*pool.Buffer
}

// NewPushBackSource wraps next.
func NewPushBackSource(next SourceConduit) *PushBackSource {
	return &PushBackSource{SourceBase: SourceBase{Next: next}}
}

// PushBack queues buf to be read before anything else. Pushed buffers are
// read most recent first.
func (s *PushBackSource) PushBack(buf *pool.Buffer) {
	if buf.Len() == 0 {
		buf.Release()
		return
	}
	s.bufs = append(s.bufs, buf)
}

// Buffered returns the number of pushed-back bytes.
func (s *PushBackSource) Buffered() int {
	n := 0
	for _, b := range s.bufs {
		n += b.Len()
	}
	return n
}

func (s *PushBackSource) Read(p []byte) (int, error) {
	if len(s.bufs) == 0 {
		return s.Next.Read(p)
	}
	n := 0
	for n < len(p) && len(s.bufs) > 0 {
		top := s.bufs[len(s.bufs)-1]
		n += top.Drain(p[n:])
		if top.Len() == 0 {
			top.Release()
			s.bufs[len(s.bufs)-1] = nil
			s.bufs = s.bufs[:len(s.bufs)-1]
		}
	}
	return n, nil
}

func (s *PushBackSource) Readv(bufs [][]byte) (int64, error) {
	if len(s.bufs) == 0 {
		return s.Next.Readv(bufs)
	}
	return ReadvBasic(s, bufs)
}

func (s *PushBackSource) TransferTo(dst io.WriterAt, position, count int64) (int64, error) {
	return TransferToWriterAt(s, dst, position, count)
}

func (s *PushBackSource) TransferToSink(sink SinkConduit, count int64, through *pool.Buffer) (int64, error) {
	return TransferToSinkBasic(s, sink, count, through)
}

func (s *PushBackSource) release() {
	for i, b := range s.bufs {
		b.Release()
		s.bufs[i] = nil
	}
	s.bufs = nil
}

func (s *PushBackSource) TerminateReads() error {
	s.release()
	return s.Next.TerminateReads()
}

// ResumeReads wakes the caller at once while pushed-back bytes remain.
func (s *PushBackSource) ResumeReads() {
	if len(s.bufs) > 0 {
		s.Next.WakeupReads()
		return
	}
	s.Next.ResumeReads()
}

func (s *PushBackSource) AwaitReadable(timeout time.Duration) error {
	if len(s.bufs) > 0 {
		return nil
	}
	return s.Next.AwaitReadable(timeout)
}
