package conduit

import (
	"errors"
	"fmt"
	"io"

	"github.com/albertbausili/sluice/internal/pool"
	"github.com/albertbausili/sluice/internal/state"
)

// FixedLengthSink limits the bytes written through it to a declared length.
type FixedLengthSink struct {
	SinkBase

	length   int64
	state    state.Word
	err      error
	onFinish func(*FixedLengthSink)
}

// NewFixedLengthSink returns a sink that accepts exactly length bytes. When
// propagateClose is set, terminating this sink terminates next. onFinish
// runs once, after close was requested, the full length was written and
// next reported a complete flush; it also runs if the stream is truncated.
func NewFixedLengthSink(next SinkConduit, length int64, propagateClose bool, onFinish func(*FixedLengthSink)) *FixedLengthSink {
	var flags state.Flag
	if propagateClose {
		flags |= state.PropagateClose
	}
	s := &FixedLengthSink{SinkBase: SinkBase{Next: next}, length: length, onFinish: onFinish}
	s.state.Store(state.Pack(flags, length))
	return s
}

// Remaining returns the bytes still to be written.
func (s *FixedLengthSink) Remaining() int64 { return s.state.Load().Remaining() }

func (s *FixedLengthSink) enter() (int64, error) {
	v := s.state.Load()
	if v.Any(state.CloseRequested) {
		return 0, ErrClosed
	}
	rem := v.Remaining()
	if rem == 0 {
		return 0, fmt.Errorf("%w: all %d bytes already written", ErrOverflow, s.length)
	}
	return rem, nil
}

func (s *FixedLengthSink) exit(n int64, err error) {
	s.state.Update(func(v state.Value) state.Value {
		v = v.Consume(n)
		if err != nil {
			v = v.With(state.Broken)
		}
		return v
	})
}

func (s *FixedLengthSink) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	rem, err := s.enter()
	if err != nil {
		return 0, err
	}
	if int64(len(p)) > rem {
		p = p[:rem]
	}
	n, err := s.Next.Write(p)
	s.exit(int64(n), err)
	return n, err
}

func (s *FixedLengthSink) Writev(bufs [][]byte) (int64, error) {
	if Remaining(bufs) == 0 {
		return 0, nil
	}
	rem, err := s.enter()
	if err != nil {
		return 0, err
	}
	n, err := s.Next.Writev(limit(bufs, rem))
	s.exit(n, err)
	return n, err
}

func (s *FixedLengthSink) WriteFinal(p []byte) (int, error) { return WriteFinalBasic(s, p) }

func (s *FixedLengthSink) WritevFinal(bufs [][]byte) (int64, error) {
	return WritevFinalBasic(s, bufs)
}

func (s *FixedLengthSink) TransferFrom(src io.ReaderAt, position, count int64) (int64, error) {
	return TransferFromReaderAt(s, src, position, count)
}

func (s *FixedLengthSink) TransferFromSource(src SourceConduit, count int64, through *pool.Buffer) (int64, error) {
	return TransferFromSourceBasic(s, src, count, through)
}

func (s *FixedLengthSink) Flush() (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	if s.state.Load().Has(state.CloseComplete) {
		return true, nil
	}
	flushed, err := s.Next.Flush()
	if err != nil {
		s.state.Update(func(v state.Value) state.Value { return v.With(state.Broken) })
		return false, err
	}
	if !flushed {
		return false, nil
	}
	old, next := s.state.Update(func(v state.Value) state.Value {
		if v.Has(state.CloseRequested) && v.Remaining() == 0 {
			v = v.With(state.CloseComplete | state.FinishedCalled)
		}
		return v
	})
	if next.Has(state.FinishedCalled) && !old.Has(state.FinishedCalled) {
		s.finished()
	}
	return true, nil
}

func (s *FixedLengthSink) finished() {
	if s.onFinish != nil {
		s.onFinish(s)
	}
}

// TerminateWrites requests close. It fails with ErrUnderflow if bytes are
// still owed, in which case next is truncated rather than closed and later
// flushes report the same error.
func (s *FixedLengthSink) TerminateWrites() error {
	old, _ := s.state.Update(func(v state.Value) state.Value { return v.With(state.CloseRequested) })
	if old.Has(state.CloseRequested) {
		return s.err
	}
	propagate := old.Has(state.PropagateClose)
	if rem := old.Remaining(); rem > 0 && !old.Has(state.Broken) {
		s.err = fmt.Errorf("%w: %d of %d bytes never written", ErrUnderflow, rem, s.length)
		s.state.Update(func(v state.Value) state.Value { return v.With(state.Broken) })
		if propagate {
			_ = s.Next.TruncateWrites()
		}
		return s.err
	}
	if propagate {
		return s.Next.TerminateWrites()
	}
	return nil
}

func (s *FixedLengthSink) TruncateWrites() error {
	old, _ := s.state.Update(func(v state.Value) state.Value {
		return v.With(state.CloseRequested | state.CloseComplete | state.FinishedCalled)
	})
	if !old.Has(state.FinishedCalled) {
		s.finished()
	}
	return s.Next.TruncateWrites()
}

func (s *FixedLengthSink) IsWriteShutdown() bool {
	return s.state.Load().Has(state.CloseComplete)
}

// FixedLengthSource exposes exactly length bytes of next as a stream.
type FixedLengthSource struct {
	SourceBase

	length   int64
	state    state.Word
	exchange Exchange
	err      error
	onFinish func(*FixedLengthSource)
}

// NewFixedLengthSource returns a source that ends after length bytes. The
// exchange's entity limit is checked on first use; onFinish runs once when
// the body completes, fails, or reads are terminated.
func NewFixedLengthSource(next SourceConduit, length int64, ex Exchange, onFinish func(*FixedLengthSource)) *FixedLengthSource {
	s := &FixedLengthSource{
		SourceBase: SourceBase{Next: next},
		length:     length,
		exchange:   exchangeOrNop(ex),
		onFinish:   onFinish,
	}
	s.state.Store(state.Pack(0, length))
	return s
}

// Remaining returns the body bytes not yet read.
func (s *FixedLengthSource) Remaining() int64 { return s.state.Load().Remaining() }

func (s *FixedLengthSource) finish() {
	if s.state.SetOnce(state.FinishedCalled) && s.onFinish != nil {
		s.onFinish(s)
	}
}

func (s *FixedLengthSource) checkMaxSize() error {
	if !s.state.SetOnce(state.LengthChecked) {
		return nil
	}
	maxSize := s.exchange.MaxEntitySize()
	if maxSize <= 0 || s.length <= maxSize {
		return nil
	}
	s.err = fmt.Errorf("%w: content length %d exceeds limit %d", ErrEntityTooLarge, s.length, maxSize)
	s.state.Update(func(v state.Value) state.Value { return v.With(state.CloseRequested | state.Broken) })
	s.exchange.SetPersistent(false)
	s.finish()
	return s.err
}

// enter returns the readable byte budget, or io.EOF once the body is done.
func (s *FixedLengthSource) enter() (int64, error) {
	if err := s.checkMaxSize(); err != nil {
		return 0, err
	}
	v := s.state.Load()
	if v.Has(state.Broken) && s.err != nil {
		return 0, s.err
	}
	if v.Has(state.CloseRequested) || v.Remaining() == 0 {
		s.finish()
		return 0, io.EOF
	}
	return v.Remaining(), nil
}

func (s *FixedLengthSource) exit(n int64, err error) error {
	_, v := s.state.Update(func(v state.Value) state.Value { return v.Consume(n) })
	rem := v.Remaining()
	if rem == 0 {
		s.finish()
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		if rem == 0 {
			return nil
		}
		s.exchange.SetPersistent(false)
		s.err = fmt.Errorf("%w: %w: could not read all content, %d of %d bytes missing", ErrUnderflow, ErrPrematureEOF, rem, s.length)
		s.state.Update(func(v state.Value) state.Value { return v.With(state.Broken) })
		s.finish()
		return s.err
	default:
		s.exchange.SetPersistent(false)
		return err
	}
}

func (s *FixedLengthSource) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	rem, err := s.enter()
	if err != nil {
		return 0, err
	}
	if int64(len(p)) > rem {
		p = p[:rem]
	}
	n, err := s.Next.Read(p)
	return n, s.exit(int64(n), err)
}

func (s *FixedLengthSource) Readv(bufs [][]byte) (int64, error) {
	if Remaining(bufs) == 0 {
		return 0, nil
	}
	rem, err := s.enter()
	if err != nil {
		return 0, err
	}
	n, err := s.Next.Readv(limit(bufs, rem))
	return n, s.exit(n, err)
}

func (s *FixedLengthSource) TransferTo(dst io.WriterAt, position, count int64) (int64, error) {
	return TransferToWriterAt(s, dst, position, count)
}

func (s *FixedLengthSource) TransferToSink(sink SinkConduit, count int64, through *pool.Buffer) (int64, error) {
	return TransferToSinkBasic(s, sink, count, through)
}

// TerminateReads stops reading. Unread body bytes make the connection
// unusable for another request.
func (s *FixedLengthSource) TerminateReads() error {
	old, _ := s.state.Update(func(v state.Value) state.Value { return v.With(state.CloseRequested) })
	if old.Has(state.CloseRequested) {
		return nil
	}
	if old.Remaining() > 0 {
		s.exchange.SetPersistent(false)
	}
	s.finish()
	return nil
}

func (s *FixedLengthSource) IsReadShutdown() bool {
	return s.state.Load().Has(state.CloseRequested)
}
