package conduit

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/albertbausili/sluice/internal/chunk"
	"github.com/albertbausili/sluice/internal/pool"
	"github.com/albertbausili/sluice/internal/state"
)

// PushBacker accepts bytes that were read from it but belong to whatever
// reads it next.
type PushBacker interface {
	PushBack(buf *pool.Buffer)
}

// ChunkedSource decodes a chunked body read from next. Bytes read past the
// end of the body are pushed back into next when it is a PushBacker.
type ChunkedSource struct {
	SourceBase

	reader   *chunk.Reader
	exchange Exchange
	alloc    pool.Allocator
	raw      *pool.Buffer
	decoded  int64
	state    state.Word
	err      error
	onFinish func(*ChunkedSource)
}

// NewChunkedSource returns a decoding source over next. Raw input is staged
// in buffers from alloc. Trailers are attached to the exchange; onFinish
// runs once when the body ends, fails, or reads are terminated.
func NewChunkedSource(next SourceConduit, alloc pool.Allocator, ex Exchange, onFinish func(*ChunkedSource)) *ChunkedSource {
	s := &ChunkedSource{
		SourceBase: SourceBase{Next: next},
		exchange:   exchangeOrNop(ex),
		alloc:      alloc,
		onFinish:   onFinish,
	}
	s.reader = chunk.NewReader(s.exchange.AttachRequestTrailers, s.finish)
	return s
}

// Finished reports whether the terminal chunk and trailers were read.
func (s *ChunkedSource) Finished() bool { return s.reader.Remaining() == -1 }

func (s *ChunkedSource) finish() {
	if s.state.SetOnce(state.FinishedCalled) && s.onFinish != nil {
		s.onFinish(s)
	}
}

func (s *ChunkedSource) fail(err error) error {
	s.err = err
	s.state.Update(func(v state.Value) state.Value { return v.With(state.Broken) })
	s.exchange.SetPersistent(false)
	s.releaseRaw()
	s.finish()
	return err
}

func (s *ChunkedSource) releaseRaw() {
	if s.raw != nil {
		s.raw.Release()
		s.raw = nil
	}
}

// done hands unread bytes back to next and releases the staging buffer.
func (s *ChunkedSource) done() {
	if s.raw == nil {
		return
	}
	if s.raw.Len() > 0 {
		if pb, ok := s.Next.(PushBacker); ok {
			pb.PushBack(s.raw)
			s.raw = nil
			return
		}
		s.exchange.SetPersistent(false)
	}
	s.releaseRaw()
}

func (s *ChunkedSource) fill() (int, error) {
	if s.raw == nil {
		s.raw = s.alloc.Allocate()
	}
	s.raw.Compact()
	n, err := s.Next.Read(s.raw.Free())
	s.raw.Commit(n)
	return n, err
}

func (s *ChunkedSource) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if s.err != nil {
		return 0, s.err
	}
	if s.state.Load().Has(state.CloseRequested) {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) {
		rem := s.reader.Remaining()
		if rem == -1 {
			break
		}
		if s.raw == nil || s.raw.Len() == 0 {
			if n > 0 {
				break
			}
			r, err := s.fill()
			if err != nil {
				if errors.Is(err, io.EOF) && r == 0 {
					return 0, s.fail(fmt.Errorf("%w: chunked body ended early", ErrPrematureEOF))
				}
				if !errors.Is(err, io.EOF) {
					return 0, s.fail(err)
				}
			}
			if r == 0 {
				s.maybeRelease()
				return 0, nil
			}
			continue
		}
		if rem > 0 {
			c := min(int64(len(p)-n), rem, int64(s.raw.Len()))
			if maxSize := s.exchange.MaxEntitySize(); maxSize > 0 && s.decoded+c > maxSize {
				return n, s.fail(fmt.Errorf("%w: chunked body exceeds limit %d", ErrEntityTooLarge, maxSize))
			}
			s.raw.Drain(p[n : n+int(c)])
			s.reader.SetRemaining(rem - c)
			s.decoded += c
			n += int(c)
			continue
		}
		consumed, _, err := s.reader.ReadChunk(s.raw.Bytes())
		s.raw.Advance(consumed)
		if err != nil {
			return n, s.fail(err)
		}
	}
	if s.Finished() {
		s.done()
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
	s.maybeRelease()
	return n, nil
}

func (s *ChunkedSource) maybeRelease() {
	if s.raw != nil && s.raw.Len() == 0 {
		s.releaseRaw()
	}
}

func (s *ChunkedSource) Readv(bufs [][]byte) (int64, error) { return ReadvBasic(s, bufs) }

func (s *ChunkedSource) TransferTo(dst io.WriterAt, position, count int64) (int64, error) {
	return TransferToWriterAt(s, dst, position, count)
}

func (s *ChunkedSource) TransferToSink(sink SinkConduit, count int64, through *pool.Buffer) (int64, error) {
	return TransferToSinkBasic(s, sink, count, through)
}

// TerminateReads abandons the body. An unfinished body leaves the
// connection in an unknown position, so it is not reused and its read side
// is closed.
func (s *ChunkedSource) TerminateReads() error {
	old, _ := s.state.Update(func(v state.Value) state.Value { return v.With(state.CloseRequested) })
	if old.Has(state.CloseRequested) {
		return nil
	}
	if s.Finished() {
		s.done()
		return nil
	}
	s.exchange.SetPersistent(false)
	s.releaseRaw()
	s.finish()
	return s.Next.TerminateReads()
}

func (s *ChunkedSource) IsReadShutdown() bool {
	return s.state.Load().Has(state.CloseRequested)
}

// ResumeReads wakes the caller directly when decoded input is already
// staged.
func (s *ChunkedSource) ResumeReads() {
	if s.raw != nil && s.raw.Len() > 0 {
		s.Next.WakeupReads()
		return
	}
	s.Next.ResumeReads()
}

func (s *ChunkedSource) AwaitReadable(timeout time.Duration) error {
	if s.raw != nil && s.raw.Len() > 0 {
		return nil
	}
	return s.Next.AwaitReadable(timeout)
}
