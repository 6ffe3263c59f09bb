package conduit

import (
	"io"

	"github.com/albertbausili/sluice/internal/pool"
	"github.com/albertbausili/sluice/internal/state"
)

// PipeliningSink coalesces the output of consecutive responses on one
// connection into a pooled buffer. Writes that fit are buffered; a write
// that would fill the buffer goes out together with the buffered bytes in
// one gathered write. Flush only reaches next once writes are terminated;
// FlushPipelined forces the buffer out between responses.
type PipeliningSink struct {
	SinkBase

	alloc    pool.Allocator
	buf      *pool.Buffer
	flushing bool
	vec      [][]byte
	state    state.Word
}

// NewPipeliningSink returns a coalescing sink over next.
func NewPipeliningSink(next SinkConduit, alloc pool.Allocator) *PipeliningSink {
	return &PipeliningSink{SinkBase: SinkBase{Next: next}, alloc: alloc}
}

// Buffered returns the number of bytes waiting in the buffer.
func (s *PipeliningSink) Buffered() int {
	if s.buf == nil {
		return 0
	}
	return s.buf.Len()
}

func (s *PipeliningSink) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.vec = append(s.vec[:0], p)
	n, err := s.Writev(s.vec)
	s.vec[0] = nil
	return int(n), err
}

func (s *PipeliningSink) Writev(bufs [][]byte) (int64, error) {
	if s.state.Load().Has(state.CloseRequested) {
		return 0, ErrClosed
	}
	if s.flushing {
		if ok, err := s.flushBuffer(); err != nil || !ok {
			return 0, err
		}
	}
	total := Remaining(bufs)
	if total == 0 {
		return 0, nil
	}
	if s.buf == nil {
		s.buf = s.alloc.Allocate()
	}
	if int64(s.buf.Available()) > total {
		for _, b := range bufs {
			s.buf.Fill(b)
		}
		return total, nil
	}
	return s.flushWithUserData(bufs)
}

// flushWithUserData sends the buffered bytes followed by bufs and returns
// how many bytes of bufs went out.
func (s *PipeliningSink) flushWithUserData(bufs [][]byte) (int64, error) {
	if s.buf.Len() == 0 {
		s.releaseBuffer()
		return s.Next.Writev(bufs)
	}
	s.flushing = true
	buffered := int64(s.buf.Len())
	toWrite := buffered + Remaining(bufs)
	var written int64
	for written < toWrite {
		vec := make([][]byte, 0, len(bufs)+1)
		if s.buf.Len() > 0 {
			vec = append(vec, s.buf.Bytes())
		}
		vec = append(vec, skip(bufs, max(written-buffered, 0))...)
		n, err := s.Next.Writev(vec)
		if fromBuf := min(n, int64(s.buf.Len())); fromBuf > 0 {
			s.buf.Advance(int(fromBuf))
		}
		written += n
		if err != nil {
			return max(written-buffered, 0), err
		}
		if n == 0 {
			if written > buffered {
				s.releaseBuffer()
				return written - buffered, nil
			}
			return 0, nil
		}
	}
	s.releaseBuffer()
	return written - buffered, nil
}

func (s *PipeliningSink) releaseBuffer() {
	s.flushing = false
	if s.buf != nil {
		s.buf.Release()
		s.buf = nil
	}
}

// flushBuffer drains the buffer and flushes next.
func (s *PipeliningSink) flushBuffer() (bool, error) {
	if s.buf == nil {
		return s.Next.Flush()
	}
	s.flushing = true
	for s.buf.Len() > 0 {
		n, err := s.Next.Write(s.buf.Bytes())
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		s.buf.Advance(n)
	}
	if ok, err := s.Next.Flush(); err != nil || !ok {
		return false, err
	}
	s.releaseBuffer()
	return true, nil
}

// FlushPipelined pushes buffered responses out. The connection calls it
// once no further pipelined request is waiting.
func (s *PipeliningSink) FlushPipelined() (bool, error) {
	if s.buf == nil || (s.buf.Len() == 0 && !s.flushing) {
		return s.Next.Flush()
	}
	return s.flushBuffer()
}

func (s *PipeliningSink) WriteFinal(p []byte) (int, error) { return WriteFinalBasic(s, p) }

func (s *PipeliningSink) WritevFinal(bufs [][]byte) (int64, error) {
	return WritevFinalBasic(s, bufs)
}

func (s *PipeliningSink) TransferFrom(src io.ReaderAt, position, count int64) (int64, error) {
	if ok, err := s.flushBuffer(); err != nil || !ok {
		return 0, err
	}
	return s.Next.TransferFrom(src, position, count)
}

func (s *PipeliningSink) TransferFromSource(src SourceConduit, count int64, through *pool.Buffer) (int64, error) {
	if ok, err := s.flushBuffer(); err != nil || !ok {
		return 0, err
	}
	return s.Next.TransferFromSource(src, count, through)
}

// Flush reports success without writing until writes are terminated, so
// responses keep coalescing.
func (s *PipeliningSink) Flush() (bool, error) {
	if !s.state.Load().Has(state.CloseRequested) {
		return true, nil
	}
	if ok, err := s.flushBuffer(); err != nil || !ok {
		return false, err
	}
	old, _ := s.state.Update(func(v state.Value) state.Value { return v.With(state.CloseComplete) })
	if !old.Has(state.CloseComplete) {
		if err := s.Next.TerminateWrites(); err != nil {
			return false, err
		}
	}
	return s.Next.Flush()
}

func (s *PipeliningSink) TerminateWrites() error {
	old, _ := s.state.Update(func(v state.Value) state.Value { return v.With(state.CloseRequested) })
	if old.Has(state.CloseRequested) {
		return nil
	}
	if s.buf == nil || s.buf.Len() == 0 {
		s.releaseBuffer()
		s.state.Update(func(v state.Value) state.Value { return v.With(state.CloseComplete) })
		return s.Next.TerminateWrites()
	}
	return nil
}

func (s *PipeliningSink) TruncateWrites() error {
	s.state.Update(func(v state.Value) state.Value { return v.With(state.CloseRequested | state.CloseComplete) })
	s.releaseBuffer()
	return s.Next.TruncateWrites()
}

func (s *PipeliningSink) IsWriteShutdown() bool {
	return s.state.Load().Has(state.CloseComplete) && s.Next.IsWriteShutdown()
}
