package conduit

import (
	"fmt"
	"io"

	"github.com/albertbausili/sluice/internal/chunk"
	"github.com/albertbausili/sluice/internal/pool"
	"github.com/albertbausili/sluice/internal/state"
)

// PreChunkedSink passes through content the application already framed
// with the chunked coding. It validates the framing and rejects any byte
// after the terminal chunk.
type PreChunkedSink struct {
	SinkBase

	validator chunk.Validator
	state     state.Word
	onFinish  func(*PreChunkedSink)
}

// NewPreChunkedSink returns a validating pass-through sink. When
// propagateClose is set, terminating this sink terminates next. onFinish
// runs once after the terminal chunk was written and flushed.
func NewPreChunkedSink(next SinkConduit, propagateClose bool, onFinish func(*PreChunkedSink)) *PreChunkedSink {
	s := &PreChunkedSink{SinkBase: SinkBase{Next: next}, onFinish: onFinish}
	if propagateClose {
		s.state.Store(state.Pack(state.PropagateClose, 0))
	}
	return s
}

func (s *PreChunkedSink) vet(bufs [][]byte) error {
	if s.state.Load().Has(state.CloseRequested) {
		return ErrClosed
	}
	probe := s.validator.Fork()
	for _, b := range bufs {
		if err := probe.Scan(b); err != nil {
			return err
		}
	}
	return nil
}

func (s *PreChunkedSink) commit(bufs [][]byte, n int64) {
	for _, b := range bufs {
		if n <= 0 {
			return
		}
		if int64(len(b)) > n {
			b = b[:n]
		}
		_ = s.validator.Scan(b)
		n -= int64(len(b))
	}
}

func (s *PreChunkedSink) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := s.vet([][]byte{p}); err != nil {
		return 0, err
	}
	n, err := s.Next.Write(p)
	_ = s.validator.Scan(p[:n])
	return n, err
}

func (s *PreChunkedSink) Writev(bufs [][]byte) (int64, error) {
	if err := s.vet(bufs); err != nil {
		return 0, err
	}
	n, err := s.Next.Writev(bufs)
	s.commit(bufs, n)
	return n, err
}

func (s *PreChunkedSink) WriteFinal(p []byte) (int, error) { return WriteFinalBasic(s, p) }

func (s *PreChunkedSink) WritevFinal(bufs [][]byte) (int64, error) {
	return WritevFinalBasic(s, bufs)
}

func (s *PreChunkedSink) TransferFrom(src io.ReaderAt, position, count int64) (int64, error) {
	return TransferFromReaderAt(s, src, position, count)
}

func (s *PreChunkedSink) TransferFromSource(src SourceConduit, count int64, through *pool.Buffer) (int64, error) {
	return TransferFromSourceBasic(s, src, count, through)
}

// TerminateWrites ends the message once the terminal chunk has been
// written; before that the stream is truncated.
func (s *PreChunkedSink) TerminateWrites() error {
	old, _ := s.state.Update(func(v state.Value) state.Value { return v.With(state.CloseRequested) })
	if old.Has(state.CloseRequested) {
		return nil
	}
	if !s.validator.Finished() {
		_ = s.Next.TruncateWrites()
		return fmt.Errorf("%w: terminal chunk never written", ErrClosedMidChunk)
	}
	if old.Has(state.PropagateClose) {
		return s.Next.TerminateWrites()
	}
	return nil
}

func (s *PreChunkedSink) Flush() (bool, error) {
	flushed, err := s.Next.Flush()
	if err != nil || !flushed {
		return flushed, err
	}
	if s.validator.Finished() && s.state.Load().Has(state.CloseRequested) &&
		s.state.SetOnce(state.FinishedCalled) && s.onFinish != nil {
		s.onFinish(s)
	}
	return true, nil
}

func (s *PreChunkedSink) TruncateWrites() error {
	old, _ := s.state.Update(func(v state.Value) state.Value {
		return v.With(state.CloseRequested | state.FinishedCalled)
	})
	if !old.Has(state.FinishedCalled) && s.onFinish != nil {
		s.onFinish(s)
	}
	return s.Next.TruncateWrites()
}

func (s *PreChunkedSink) IsWriteShutdown() bool {
	v := s.state.Load()
	if !v.Has(state.PropagateClose) {
		return v.Has(state.CloseRequested)
	}
	return v.Has(state.CloseRequested) && s.Next.IsWriteShutdown()
}
