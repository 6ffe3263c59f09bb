package conduit

import (
	"fmt"
	"io"

	"github.com/albertbausili/sluice/internal/pool"
	"github.com/albertbausili/sluice/internal/state"
)

// FrameCallback is told how a queued frame ended: nil once every byte was
// handed to next, the failure otherwise. It runs exactly once per frame.
type FrameCallback func(err error)

type frame struct {
	bufs [][]byte
	cb   FrameCallback
}

// maxGather bounds the slices handed to next in one gathered write.
const maxGather = 64

// FramedSink writes queued frames in order. Frames are never interleaved
// with direct writes: a direct write only reaches next once the queue is
// empty.
type FramedSink struct {
	SinkBase

	queue []frame
	vec   [][]byte
	err   error
	state state.Word
}

// NewFramedSink returns a frame-queueing sink over next.
func NewFramedSink(next SinkConduit) *FramedSink {
	return &FramedSink{SinkBase: SinkBase{Next: next}}
}

// Queued returns the number of frames not yet fully written.
func (s *FramedSink) Queued() int { return len(s.queue) }

// QueueFrame appends a frame made of bufs. The slices must stay untouched
// until cb runs. A sink that is closed or broken fails the frame at once.
func (s *FramedSink) QueueFrame(cb FrameCallback, bufs ...[]byte) error {
	err := s.err
	if err == nil && s.state.Load().Has(state.CloseRequested) {
		err = ErrClosed
	}
	if err != nil {
		if cb != nil {
			cb(err)
		}
		return err
	}
	s.queue = append(s.queue, frame{bufs: append([][]byte(nil), bufs...), cb: cb})
	return nil
}

// FlushQueued writes queued frames until next stops accepting bytes. It
// reports whether the queue is empty.
func (s *FramedSink) FlushQueued() (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	for len(s.queue) > 0 {
		s.vec = s.vec[:0]
		for _, f := range s.queue {
			if len(s.vec)+len(f.bufs) > maxGather && len(s.vec) > 0 {
				break
			}
			s.vec = append(s.vec, f.bufs...)
		}
		n, err := s.Next.Writev(s.vec)
		clear(s.vec)
		s.completeFrames(n)
		if err != nil {
			s.fail(err)
			return false, err
		}
		if n == 0 {
			break
		}
	}
	return len(s.queue) == 0, nil
}

// completeFrames attributes n written bytes to queued frames in order.
func (s *FramedSink) completeFrames(n int64) {
	done := 0
	for done < len(s.queue) {
		f := &s.queue[done]
		rem := Remaining(f.bufs)
		if n < rem {
			f.bufs = Advance(f.bufs, n)
			break
		}
		n -= rem
		f.bufs = nil
		if f.cb != nil {
			f.cb(nil)
		}
		done++
	}
	if done > 0 {
		clear(s.queue[:done])
		s.queue = s.queue[done:]
	}
}

func (s *FramedSink) fail(err error) {
	if s.err == nil {
		s.err = err
	}
	s.state.Update(func(v state.Value) state.Value { return v.With(state.Broken) })
	q := s.queue
	s.queue = nil
	for _, f := range q {
		if f.cb != nil {
			f.cb(err)
		}
	}
}

func (s *FramedSink) Write(p []byte) (int, error) {
	if ok, err := s.enter(); !ok {
		return 0, err
	}
	return s.Next.Write(p)
}

func (s *FramedSink) Writev(bufs [][]byte) (int64, error) {
	if ok, err := s.enter(); !ok {
		return 0, err
	}
	return s.Next.Writev(bufs)
}

func (s *FramedSink) enter() (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	if s.state.Load().Has(state.CloseRequested) {
		return false, ErrClosed
	}
	return s.FlushQueued()
}

func (s *FramedSink) WriteFinal(p []byte) (int, error) { return WriteFinalBasic(s, p) }

func (s *FramedSink) WritevFinal(bufs [][]byte) (int64, error) {
	return WritevFinalBasic(s, bufs)
}

func (s *FramedSink) TransferFrom(src io.ReaderAt, position, count int64) (int64, error) {
	return TransferFromReaderAt(s, src, position, count)
}

func (s *FramedSink) TransferFromSource(src SourceConduit, count int64, through *pool.Buffer) (int64, error) {
	return TransferFromSourceBasic(s, src, count, through)
}

func (s *FramedSink) Flush() (bool, error) {
	empty, err := s.FlushQueued()
	if err != nil || !empty {
		return false, err
	}
	v := s.state.Load()
	if v.Has(state.CloseRequested) && !v.Has(state.CloseComplete) {
		s.state.Update(func(v state.Value) state.Value { return v.With(state.CloseComplete) })
		if err := s.Next.TerminateWrites(); err != nil {
			return false, err
		}
	}
	return s.Next.Flush()
}

// TerminateWrites stops accepting frames; queued frames still go out on
// Flush before next is closed.
func (s *FramedSink) TerminateWrites() error {
	s.state.Update(func(v state.Value) state.Value { return v.With(state.CloseRequested) })
	return nil
}

// TruncateWrites fails every pending frame and aborts next.
func (s *FramedSink) TruncateWrites() error {
	s.state.Update(func(v state.Value) state.Value { return v.With(state.CloseRequested | state.CloseComplete) })
	if len(s.queue) > 0 {
		s.fail(fmt.Errorf("%w: stream truncated", ErrClosed))
	}
	return s.Next.TruncateWrites()
}

func (s *FramedSink) IsWriteShutdown() bool {
	return s.state.Load().Has(state.CloseComplete) && s.Next.IsWriteShutdown()
}
