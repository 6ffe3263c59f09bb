package conduit

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"strings"
	"time"

	"github.com/albertbausili/sluice/internal/pool"
	"github.com/albertbausili/sluice/internal/state"
)

// DeflatingSink compresses everything written through it. Compressed output
// is staged in a queue of pooled buffers and handed to the next sink, which is only
// created once there is output to send. A body compressed entirely before
// that point is sent with an exact content length.
//
// State flags: CloseRequested marks writes terminated, CloseComplete marks
// the compressed stream fully handed to next, Started marks that the
// envelope header was emitted.
type DeflatingSink struct {
	factory  SinkFactory
	next     SinkConduit
	exchange Exchange
	alloc    pool.Allocator
	encoding string
	level    int

	engine  Compressor
	ended   bool
	out     []*pool.Buffer
	vec     [][]byte
	sum     uint32
	size    uint32
	syncing bool
	err     error
	state   state.Word

	resumed bool
	handler ReadyHandler
}

// NewDeflatingSink returns a compressing sink for encoding. The next sink is
// obtained from factory after the exchange's response length was set: the
// exact compressed size if the whole body is known, -1 otherwise.
func NewDeflatingSink(factory SinkFactory, encoding string, level int, alloc pool.Allocator, ex Exchange) (*DeflatingSink, error) {
	encoding = strings.ToLower(encoding)
	s := &DeflatingSink{
		factory:  factory,
		exchange: exchangeOrNop(ex),
		alloc:    alloc,
		encoding: encoding,
		level:    level,
	}
	engine, err := acquireCompressor(encoding, level, deflateOutput{s})
	if err != nil {
		return nil, err
	}
	s.engine = engine
	return s, nil
}

// Encoding returns the content coding applied by the sink.
func (s *DeflatingSink) Encoding() string { return s.encoding }

type deflateOutput struct{ s *DeflatingSink }

// Write stages compressed bytes at the tail of the buffer queue, taking a
// fresh buffer from the allocator whenever the last one is full.
func (o deflateOutput) Write(b []byte) (int, error) {
	s := o.s
	total := len(b)
	for len(b) > 0 {
		if len(s.out) == 0 || s.out[len(s.out)-1].Available() == 0 {
			s.out = append(s.out, s.alloc.Allocate())
		}
		b = b[s.out[len(s.out)-1].Fill(b):]
	}
	return total, nil
}

func (s *DeflatingSink) start() {
	if !s.state.SetOnce(state.Started) {
		return
	}
	if s.encoding == EncodingGzip {
		_, _ = deflateOutput{s}.Write(gzipHeader)
	}
}

func (s *DeflatingSink) pending() int {
	n := 0
	for _, b := range s.out {
		n += b.Len()
	}
	return n
}

func (s *DeflatingSink) full() bool {
	return len(s.out) > 1 || (len(s.out) == 1 && s.out[0].Available() == 0)
}

// consume drops n handed-over bytes from the head of the queue. Emptied
// buffers go back to the allocator except the last, which is reused.
func (s *DeflatingSink) consume(n int64) {
	for n > 0 && len(s.out) > 0 {
		b := s.out[0]
		k := min(int(n), b.Len())
		b.Advance(k)
		n -= int64(k)
		if b.Len() == 0 && len(s.out) > 1 {
			b.Release()
			s.out[0] = nil
			s.out = s.out[1:]
		}
	}
}

func (s *DeflatingSink) createNext() {
	if s.ended {
		s.exchange.SetResponseContentLength(int64(s.pending()))
	} else {
		s.exchange.SetResponseContentLength(-1)
	}
	s.next = s.factory()
	if s.handler != nil {
		s.next.SetWriteReadyHandler(s.handler)
	}
	if s.resumed {
		s.next.ResumeWrites()
	}
}

// drain hands staged output to next and reports whether nothing is left.
func (s *DeflatingSink) drain() (bool, error) {
	if s.pending() == 0 {
		return true, nil
	}
	if s.next == nil {
		s.createNext()
	}
	for s.pending() > 0 {
		s.vec = s.vec[:0]
		for _, b := range s.out {
			s.vec = append(s.vec, b.Bytes())
		}
		n, err := s.next.Writev(s.vec)
		clear(s.vec)
		s.consume(n)
		if err != nil {
			return false, s.fail(err)
		}
		if n == 0 {
			return false, nil
		}
	}
	return true, nil
}

func (s *DeflatingSink) fail(err error) error {
	if s.err == nil {
		s.err = err
	}
	s.state.Update(func(v state.Value) state.Value { return v.With(state.Broken) })
	return err
}

func (s *DeflatingSink) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if s.state.Load().Has(state.CloseRequested) {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if s.full() {
		if empty, err := s.drain(); err != nil || !empty {
			return 0, err
		}
	}
	s.start()
	if bs := s.alloc.BufferSize(); len(p) > bs {
		p = p[:bs]
	}
	if _, err := s.engine.Write(p); err != nil {
		return 0, s.fail(err)
	}
	if s.encoding == EncodingGzip {
		s.sum = crc32.Update(s.sum, crc32.IEEETable, p)
		s.size += uint32(len(p))
	}
	if s.full() {
		if _, err := s.drain(); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

func (s *DeflatingSink) Writev(bufs [][]byte) (int64, error) { return WritevBasic(s, bufs) }

func (s *DeflatingSink) WriteFinal(p []byte) (int, error) { return WriteFinalBasic(s, p) }

func (s *DeflatingSink) WritevFinal(bufs [][]byte) (int64, error) {
	return WritevFinalBasic(s, bufs)
}

func (s *DeflatingSink) TransferFrom(src io.ReaderAt, position, count int64) (int64, error) {
	return TransferFromReaderAt(s, src, position, count)
}

func (s *DeflatingSink) TransferFromSource(src SourceConduit, count int64, through *pool.Buffer) (int64, error) {
	return TransferFromSourceBasic(s, src, count, through)
}

// finish closes the engine and appends the envelope trailer.
func (s *DeflatingSink) finish() error {
	if s.ended {
		return nil
	}
	s.start()
	if err := s.engine.Close(); err != nil {
		return s.fail(err)
	}
	if s.encoding == EncodingGzip {
		var trailer [8]byte
		binary.LittleEndian.PutUint32(trailer[:4], s.sum)
		binary.LittleEndian.PutUint32(trailer[4:], s.size)
		_, _ = deflateOutput{s}.Write(trailer[:])
	}
	s.ended = true
	s.releaseEngine()
	return nil
}

func (s *DeflatingSink) releaseEngine() {
	if s.engine != nil {
		releaseCompressor(s.encoding, s.level, s.engine)
		s.engine = nil
	}
}

func (s *DeflatingSink) releaseOutput() {
	for i, b := range s.out {
		b.Release()
		s.out[i] = nil
	}
	s.out = nil
}

// Flush sync-flushes the engine and drains its output. After
// TerminateWrites it finalizes the stream and closes next once everything
// was handed over.
func (s *DeflatingSink) Flush() (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	v := s.state.Load()
	if v.Has(state.CloseComplete) {
		if s.next == nil {
			return true, nil
		}
		return s.next.Flush()
	}
	if v.Has(state.CloseRequested) {
		if err := s.finish(); err != nil {
			return false, err
		}
		if s.next == nil {
			s.createNext()
		}
		if empty, err := s.drain(); err != nil || !empty {
			return false, err
		}
		s.state.Update(func(v state.Value) state.Value { return v.With(state.CloseComplete) })
		s.releaseOutput()
		if err := s.next.TerminateWrites(); err != nil {
			return false, s.fail(err)
		}
		return s.next.Flush()
	}
	if !s.syncing {
		if s.next == nil {
			s.createNext()
		}
		s.start()
		if err := s.engine.Flush(); err != nil {
			return false, s.fail(err)
		}
		s.syncing = true
	}
	if empty, err := s.drain(); err != nil || !empty {
		return false, err
	}
	s.syncing = false
	return s.next.Flush()
}

// TerminateWrites only records the request; Flush finalizes the stream.
func (s *DeflatingSink) TerminateWrites() error {
	s.state.Update(func(v state.Value) state.Value { return v.With(state.CloseRequested) })
	return nil
}

func (s *DeflatingSink) TruncateWrites() error {
	old, _ := s.state.Update(func(v state.Value) state.Value {
		return v.With(state.CloseRequested | state.CloseComplete)
	})
	s.releaseEngine()
	s.releaseOutput()
	if s.next == nil || old.Has(state.CloseComplete) {
		return nil
	}
	return s.next.TruncateWrites()
}

func (s *DeflatingSink) IsWriteShutdown() bool {
	return s.state.Load().Has(state.CloseComplete)
}

func (s *DeflatingSink) SuspendWrites() {
	s.resumed = false
	if s.next != nil {
		s.next.SuspendWrites()
	}
}

// ResumeWrites creates next so readiness can be delivered; a body resumed
// this way is sent without a known length.
func (s *DeflatingSink) ResumeWrites() {
	s.resumed = true
	if s.next == nil {
		s.createNext()
		return
	}
	s.next.ResumeWrites()
}

func (s *DeflatingSink) WakeupWrites() {
	s.resumed = true
	if s.next == nil {
		s.createNext()
	}
	s.next.WakeupWrites()
}

func (s *DeflatingSink) IsWriteResumed() bool {
	if s.next == nil {
		return s.resumed
	}
	return s.next.IsWriteResumed()
}

func (s *DeflatingSink) AwaitWritable(timeout time.Duration) error {
	if s.next == nil || !s.full() {
		return nil
	}
	return s.next.AwaitWritable(timeout)
}

func (s *DeflatingSink) SetWriteReadyHandler(h ReadyHandler) {
	s.handler = h
	if s.next != nil {
		s.next.SetWriteReadyHandler(h)
	}
}
