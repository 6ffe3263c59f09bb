package conduit

import (
	"io"

	"github.com/albertbausili/sluice/internal/pool"
	"github.com/albertbausili/sluice/internal/state"
)

// HeadSink swallows a response body so a HEAD request can run the same
// handler as GET. Bytes are counted but never forwarded.
type HeadSink struct {
	SinkBase

	written  int64
	state    state.Word
	onFinish func(*HeadSink)
}

// NewHeadSink returns a discarding sink. With propagateClose set,
// terminating it terminates next. onFinish runs once on the first flush
// after writes were terminated.
func NewHeadSink(next SinkConduit, propagateClose bool, onFinish func(*HeadSink)) *HeadSink {
	var flags state.Flag
	if propagateClose {
		flags |= state.PropagateClose
	}
	s := &HeadSink{SinkBase: SinkBase{Next: next}, onFinish: onFinish}
	s.state.Store(state.Pack(flags, 0))
	return s
}

// Written returns the number of body bytes discarded.
func (s *HeadSink) Written() int64 { return s.written }

func (s *HeadSink) Write(p []byte) (int, error) {
	if s.state.Load().Has(state.CloseRequested) {
		return 0, ErrClosed
	}
	s.written += int64(len(p))
	return len(p), nil
}

func (s *HeadSink) Writev(bufs [][]byte) (int64, error) {
	if s.state.Load().Has(state.CloseRequested) {
		return 0, ErrClosed
	}
	n := Remaining(bufs)
	s.written += n
	return n, nil
}

func (s *HeadSink) WriteFinal(p []byte) (int, error) { return WriteFinalBasic(s, p) }

func (s *HeadSink) WritevFinal(bufs [][]byte) (int64, error) {
	return WritevFinalBasic(s, bufs)
}

func (s *HeadSink) TransferFrom(_ io.ReaderAt, _, count int64) (int64, error) {
	if s.state.Load().Has(state.CloseRequested) {
		return 0, ErrClosed
	}
	s.written += count
	return count, nil
}

func (s *HeadSink) TransferFromSource(src SourceConduit, count int64, through *pool.Buffer) (int64, error) {
	return TransferFromSourceBasic(s, src, count, through)
}

func (s *HeadSink) Flush() (bool, error) {
	v := s.state.Load()
	if !v.Has(state.CloseRequested) {
		return true, nil
	}
	flushed, err := s.Next.Flush()
	if err != nil || !flushed {
		return false, err
	}
	if s.state.SetOnce(state.FinishedCalled) && s.onFinish != nil {
		s.onFinish(s)
	}
	return true, nil
}

func (s *HeadSink) TerminateWrites() error {
	old, _ := s.state.Update(func(v state.Value) state.Value { return v.With(state.CloseRequested) })
	if old.Has(state.CloseRequested) || !old.Has(state.PropagateClose) {
		return nil
	}
	return s.Next.TerminateWrites()
}

func (s *HeadSink) TruncateWrites() error {
	old, _ := s.state.Update(func(v state.Value) state.Value {
		return v.With(state.CloseRequested | state.FinishedCalled)
	})
	if !old.Has(state.FinishedCalled) && s.onFinish != nil {
		s.onFinish(s)
	}
	return s.Next.TruncateWrites()
}

func (s *HeadSink) IsWriteShutdown() bool {
	return s.state.Load().Has(state.CloseRequested)
}

// ResumeWrites wakes the caller at once: a discarding sink is always
// writable.
func (s *HeadSink) ResumeWrites() { s.Next.WakeupWrites() }
