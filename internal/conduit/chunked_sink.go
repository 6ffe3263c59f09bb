package conduit

import (
	"fmt"
	"io"
	"strconv"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/albertbausili/sluice/internal/pool"
	"github.com/albertbausili/sluice/internal/state"
)

var (
	crlf      = []byte("\r\n")
	lastChunk = []byte("0\r\n")
)

// ChunkedSink frames everything written through it with the chunked
// transfer-coding. Each write becomes one chunk. Terminating the sink emits
// the terminal chunk followed by the exchange's response trailers.
//
// State flags: CloseRequested marks writes shut down, CloseComplete marks
// the terminal chunk fully handed to next, Started marks that content was
// written. The counter holds the data bytes left in the current chunk.
type ChunkedSink struct {
	SinkBase

	exchange  Exchange
	state     state.Word
	onFinish  func(*ChunkedSink)
	logger    *zap.Logger
	err       error
	committed bool

	hdrBuf  [20]byte
	hdr     []byte
	sep     []byte
	last    *bytebufferpool.ByteBuffer
	lastOff int
	vec     [][]byte
}

// NewChunkedSink returns a chunk-encoding sink over next. When
// propagateClose is set the terminal chunk also terminates next. onFinish
// runs once after the terminal chunk has been flushed.
func NewChunkedSink(next SinkConduit, ex Exchange, propagateClose bool, onFinish func(*ChunkedSink)) *ChunkedSink {
	var flags state.Flag
	if propagateClose {
		flags |= state.PropagateClose
	}
	s := &ChunkedSink{SinkBase: SinkBase{Next: next}, exchange: exchangeOrNop(ex), onFinish: onFinish}
	s.state.Store(state.Pack(flags, 0))
	return s
}

// SetLogger enables debug logging of abnormal closes.
func (s *ChunkedSink) SetLogger(l *zap.Logger) { s.logger = l }

// CommitFraming records that a head announcing the chunked coding was
// already sent. An empty stream then still ends with the terminal chunk
// instead of being rewritten to a zero content length.
func (s *ChunkedSink) CommitFraming() { s.committed = true }

func (s *ChunkedSink) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := s.doWrite([][]byte{p})
	return int(n), err
}

func (s *ChunkedSink) Writev(bufs [][]byte) (int64, error) { return s.doWrite(bufs) }

// WriteFinal writes p as the last chunk of content. The terminal chunk is
// sent in the same gathered write once p completes its chunk.
func (s *ChunkedSink) WriteFinal(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, s.TerminateWrites()
	}
	return s.finalWrite([][]byte{p})
}

func (s *ChunkedSink) WritevFinal(bufs [][]byte) (int64, error) {
	if Remaining(bufs) == 0 {
		return 0, s.TerminateWrites()
	}
	n, err := s.finalWrite(bufs)
	return int64(n), err
}

func (s *ChunkedSink) finalWrite(bufs [][]byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if s.state.Load().Has(state.CloseRequested) {
		return 0, ErrClosed
	}
	if s.last == nil {
		s.createLastChunk(true)
	}
	n, err := s.doWrite(bufs)
	return int(n), err
}

func (s *ChunkedSink) doWrite(bufs [][]byte) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	v := s.state.Load()
	if v.Has(state.CloseRequested) {
		return 0, ErrClosed
	}
	total := Remaining(bufs)
	if total == 0 {
		return 0, nil
	}
	s.state.Update(func(v state.Value) state.Value { return v.With(state.Started) })
	for {
		v = s.state.Load()
		left := v.Remaining()
		if left == 0 && len(s.sep) == 0 {
			size := min(total, state.MaxRemaining)
			s.hdr = append(strconv.AppendInt(s.hdrBuf[:0], size, 16), crlf...)
			s.sep = crlf
			left = size
			s.state.Update(func(v state.Value) state.Value { return v.WithRemaining(size) })
		}

		data := limit(bufs, left)
		dataLen := Remaining(data)
		completes := dataLen == left
		useLast := completes && s.last != nil && dataLen == total

		s.vec = append(s.vec[:0], s.hdr)
		s.vec = append(s.vec, data...)
		var tail []byte
		switch {
		case useLast:
			tail = s.last.B[s.lastOff:]
		case completes:
			tail = s.sep
		}
		s.vec = append(s.vec, tail)

		var n int64
		var err error
		if useLast && v.Has(state.PropagateClose) {
			n, err = s.Next.WritevFinal(s.vec)
		} else {
			n, err = s.Next.Writev(s.vec)
		}
		clear(s.vec)

		framed := n
		h := min(n, int64(len(s.hdr)))
		s.hdr = s.hdr[h:]
		n -= h
		d := min(n, dataLen)
		n -= d
		s.state.Update(func(v state.Value) state.Value {
			v = v.Consume(d)
			if err != nil {
				v = v.With(state.Broken)
			}
			return v
		})
		if useLast {
			if d == dataLen {
				s.sep = nil
				s.lastOff += int(n)
				s.state.Update(func(v state.Value) state.Value { return v.With(state.CloseRequested) })
				if s.lastLeft() == 0 {
					s.releaseLast()
					s.state.Update(func(v state.Value) state.Value { return v.With(state.CloseComplete) })
				}
			}
		} else if completes && d == dataLen {
			s.sep = s.sep[n:]
		}
		if err != nil {
			return d, err
		}
		if d == 0 && framed > 0 && len(s.hdr) == 0 && len(s.sep) == 0 && !useLast {
			// only framing from an earlier chunk went out; start the next one
			continue
		}
		return d, nil
	}
}

func (s *ChunkedSink) lastLeft() int {
	if s.last == nil {
		return 0
	}
	return len(s.last.B) - s.lastOff
}

func (s *ChunkedSink) releaseLast() {
	if s.last != nil {
		bytebufferpool.Put(s.last)
		s.last, s.lastOff = nil, 0
	}
}

// createLastChunk builds the terminal chunk with trailers. A pending chunk
// separator is folded into it; after a final write the separator of the
// chunk being written is always owed.
func (s *ChunkedSink) createLastChunk(final bool) {
	s.releaseLast()
	b := bytebufferpool.Get()
	switch {
	case final:
		b.B = append(b.B, crlf...)
	case len(s.sep) > 0:
		b.B = append(b.B, s.sep...)
		s.sep = nil
	}
	b.B = append(b.B, lastChunk...)
	b.B = s.exchange.ResponseTrailers().AppendWire(b.B)
	b.B = append(b.B, crlf...)
	s.last, s.lastOff = b, 0
}

func (s *ChunkedSink) TransferFrom(src io.ReaderAt, position, count int64) (int64, error) {
	return TransferFromReaderAt(s, src, position, count)
}

func (s *ChunkedSink) TransferFromSource(src SourceConduit, count int64, through *pool.Buffer) (int64, error) {
	return TransferFromSourceBasic(s, src, count, through)
}

// TerminateWrites shuts down writes. A stream that never carried content
// and has no trailers is sent with a zero content length instead of chunk
// framing, unless the framing was already committed. Terminating with a
// chunk partially written truncates next and breaks the sink for good.
func (s *ChunkedSink) TerminateWrites() error {
	old, _ := s.state.Update(func(v state.Value) state.Value { return v.With(state.CloseRequested) })
	if old.Has(state.CloseRequested) {
		return s.err
	}
	if left := old.Remaining(); left != 0 {
		s.releaseLast()
		if s.logger != nil {
			s.logger.Debug("connection closed mid-chunk", zap.Int64("unwritten", left))
		}
		s.err = fmt.Errorf("%w: %d bytes of the current chunk unwritten", ErrClosedMidChunk, left)
		s.state.Update(func(v state.Value) state.Value { return v.With(state.Broken) })
		_ = s.Next.TruncateWrites()
		return s.err
	}
	if !old.Has(state.Started) && !s.committed && s.exchange.ResponseTrailers().Len() == 0 {
		s.exchange.SetResponseContentLength(0)
		s.state.Update(func(v state.Value) state.Value { return v.With(state.CloseComplete) })
		if old.Has(state.PropagateClose) {
			return s.Next.TerminateWrites()
		}
		return nil
	}
	s.createLastChunk(false)
	return nil
}

// Flush drains the terminal chunk once writes are shut down, then flushes
// next. The finish listener runs on the first complete flush after that.
func (s *ChunkedSink) Flush() (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	v := s.state.Load()
	if !v.Has(state.CloseRequested) {
		return s.Next.Flush()
	}
	if !v.Has(state.CloseComplete) {
		for s.lastLeft() > 0 {
			n, err := s.Next.Write(s.last.B[s.lastOff:])
			if err != nil {
				s.state.Update(func(v state.Value) state.Value { return v.With(state.Broken) })
				return false, err
			}
			if n == 0 {
				return false, nil
			}
			s.lastOff += n
		}
		s.releaseLast()
		s.state.Update(func(v state.Value) state.Value { return v.With(state.CloseComplete) })
		if v.Has(state.PropagateClose) {
			if err := s.Next.TerminateWrites(); err != nil {
				return false, err
			}
		}
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

func (s *ChunkedSink) TruncateWrites() error {
	s.releaseLast()
	old, _ := s.state.Update(func(v state.Value) state.Value {
		return v.With(state.CloseRequested | state.CloseComplete | state.FinishedCalled)
	})
	if !old.Has(state.FinishedCalled) && s.onFinish != nil {
		s.onFinish(s)
	}
	return s.Next.TruncateWrites()
}

func (s *ChunkedSink) IsWriteShutdown() bool {
	return s.state.Load().Has(state.CloseRequested)
}
