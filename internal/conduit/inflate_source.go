package conduit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zlib"

	"github.com/albertbausili/sluice/internal/pool"
	"github.com/albertbausili/sluice/internal/state"
)

type inflateStep uint8

const (
	stepNeedInput inflateStep = iota
	stepOutput
)

var errInflateStopped = errors.New("conduit: inflater stopped")

// InflatingSource decompresses a body read from next. The decoder runs as
// a coroutine that suspends whenever it has consumed all staged input, so
// reads never wait on the connection: a read that needs more compressed
// bytes than next can supply returns zero.
//
// Decompressed bytes are produced straight into the caller's slice; only
// compressed input is staged in a pooled buffer.
type InflatingSource struct {
	SourceBase

	encoding string
	alloc    pool.Allocator
	exchange Exchange
	onFinish func(*InflatingSource)

	in      *pool.Buffer
	srcEOF  bool
	waiting bool
	pull    func() (inflateStep, bool)
	stop    func()
	dst     []byte
	out     int
	decoded int64
	result  error
	err     error
	state   state.Word
}

// NewInflatingSource returns a decoding source for encoding over next.
// onFinish runs once when the stream ends, fails, or reads are terminated.
func NewInflatingSource(next SourceConduit, encoding string, alloc pool.Allocator, ex Exchange, onFinish func(*InflatingSource)) (*InflatingSource, error) {
	encoding = strings.ToLower(encoding)
	if !Supported(encoding) {
		return nil, fmt.Errorf("conduit: unsupported content coding %q", encoding)
	}
	return &InflatingSource{
		SourceBase: SourceBase{Next: next},
		encoding:   encoding,
		alloc:      alloc,
		exchange:   exchangeOrNop(ex),
		onFinish:   onFinish,
	}, nil
}

// Decoded returns the number of decompressed bytes produced so far.
func (s *InflatingSource) Decoded() int64 { return s.decoded }

// inflateFeeder is the decoder's view of the staged input. It implements
// io.ByteReader so flate never reads past the end of its stream.
type inflateFeeder struct {
	s     *InflatingSource
	yield func(inflateStep) bool
}

// await suspends the decoder until input is staged. It reports false at
// end of input.
func (f *inflateFeeder) await() (bool, error) {
	for f.s.in == nil || f.s.in.Len() == 0 {
		if f.s.srcEOF {
			return false, nil
		}
		if !f.yield(stepNeedInput) {
			return false, errInflateStopped
		}
	}
	return true, nil
}

func (f *inflateFeeder) ReadByte() (byte, error) {
	ok, err := f.await()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, io.EOF
	}
	c := f.s.in.Bytes()[0]
	f.s.in.Advance(1)
	return c, nil
}

func (f *inflateFeeder) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	ok, err := f.await()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, io.EOF
	}
	return f.s.in.Drain(p), nil
}

// emit copies decoder output into the caller's slice, one step per read.
func (f *inflateFeeder) emit(dec io.Reader, gz *gzipCheck) error {
	for {
		n, err := dec.Read(f.s.dst)
		if n > 0 {
			if gz != nil {
				gz.update(f.s.dst[:n])
			}
			f.s.out = n
			if !f.yield(stepOutput) {
				return errInflateStopped
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *InflatingSource) run(yield func(inflateStep) bool) {
	f := &inflateFeeder{s: s, yield: yield}
	switch s.encoding {
	case EncodingGzip:
		s.result = f.gunzip()
	case EncodingDeflate:
		s.result = f.unzlib()
	case EncodingBrotli:
		s.result = f.emit(brotli.NewReader(f), nil)
	}
}

func (f *inflateFeeder) unzlib() error {
	zr, err := zlib.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()
	return f.emit(zr, nil)
}

type gzipCheck struct {
	sum  uint32
	size uint32
}

func (g *gzipCheck) update(p []byte) {
	g.sum = crc32.Update(g.sum, crc32.IEEETable, p)
	g.size += uint32(len(p))
}

func (f *inflateFeeder) gunzip() error {
	var fr io.ReadCloser
	defer func() {
		if fr != nil {
			releaseFlateReader(fr)
		}
	}()
	for member := 0; ; member++ {
		if member > 0 {
			more, err := f.await()
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		if err := readGzipHeader(f); err != nil {
			return err
		}
		if fr == nil {
			fr = acquireFlateReader(f)
		} else if err := fr.(interface {
			Reset(io.Reader, []byte) error
		}).Reset(f, nil); err != nil {
			return err
		}
		var check gzipCheck
		if err := f.emit(fr, &check); err != nil {
			return err
		}
		var footer [8]byte
		if _, err := io.ReadFull(f, footer[:]); err != nil {
			return fmt.Errorf("gzip footer: %w", noEOF(err))
		}
		if sum := binary.LittleEndian.Uint32(footer[:4]); sum != check.sum {
			return fmt.Errorf("%w: gzip checksum %08x, computed %08x", ErrMalformed, sum, check.sum)
		}
		if size := binary.LittleEndian.Uint32(footer[4:]); size != check.size {
			return fmt.Errorf("%w: gzip length %d, decoded %d", ErrMalformed, size, check.size)
		}
	}
}

func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

type gzipHeaderReader struct {
	r   io.ByteReader
	sum uint32
}

func (h *gzipHeaderReader) read(p []byte) error {
	for i := range p {
		c, err := h.r.ReadByte()
		if err != nil {
			return noEOF(err)
		}
		p[i] = c
	}
	h.sum = crc32.Update(h.sum, crc32.IEEETable, p)
	return nil
}

func (h *gzipHeaderReader) skipString() error {
	var c [1]byte
	for {
		if err := h.read(c[:]); err != nil {
			return err
		}
		if c[0] == 0 {
			return nil
		}
	}
}

// readGzipHeader validates a member header, skipping the optional fields.
func readGzipHeader(r io.ByteReader) error {
	h := gzipHeaderReader{r: r}
	var hdr [10]byte
	if err := h.read(hdr[:]); err != nil {
		return fmt.Errorf("gzip header: %w", err)
	}
	if hdr[0] != gzipHeader[0] || hdr[1] != gzipHeader[1] {
		return fmt.Errorf("%w: bad gzip magic %#x %#x", ErrMalformed, hdr[0], hdr[1])
	}
	if hdr[2] != 8 {
		return fmt.Errorf("%w: gzip compression method %d", ErrMalformed, hdr[2])
	}
	flags := hdr[3]
	if flags&gzipReserved != 0 {
		return fmt.Errorf("%w: reserved gzip flags %#x", ErrMalformed, flags)
	}
	if flags&gzipExtra != 0 {
		var xlen [2]byte
		if err := h.read(xlen[:]); err != nil {
			return err
		}
		extra := make([]byte, binary.LittleEndian.Uint16(xlen[:]))
		if err := h.read(extra); err != nil {
			return err
		}
	}
	if flags&gzipName != 0 {
		if err := h.skipString(); err != nil {
			return err
		}
	}
	if flags&gzipComment != 0 {
		if err := h.skipString(); err != nil {
			return err
		}
	}
	if flags&gzipHeaderCRC != 0 {
		want := uint16(h.sum)
		var c [2]byte
		if err := h.read(c[:]); err != nil {
			return err
		}
		if got := binary.LittleEndian.Uint16(c[:]); got != want {
			return fmt.Errorf("%w: gzip header checksum %04x, computed %04x", ErrMalformed, got, want)
		}
	}
	return nil
}

func (s *InflatingSource) finish() {
	if s.state.SetOnce(state.FinishedCalled) && s.onFinish != nil {
		s.onFinish(s)
	}
}

func (s *InflatingSource) release() {
	if s.stop != nil {
		s.stop()
		s.stop, s.pull = nil, nil
	}
	if s.in != nil {
		s.in.Release()
		s.in = nil
	}
}

func (s *InflatingSource) fail(err error) error {
	s.err = err
	s.release()
	s.exchange.SetPersistent(false)
	s.finish()
	return err
}

// complete classifies how the decoder ended.
func (s *InflatingSource) complete() error {
	err := s.result
	switch {
	case err == nil:
		s.err = io.EOF
		s.release()
		s.finish()
		return io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		err = fmt.Errorf("%w: %s stream truncated", ErrPrematureEOF, s.encoding)
	case !errors.Is(err, ErrMalformed):
		err = fmt.Errorf("%w: %s: %w", ErrMalformed, s.encoding, err)
	}
	return s.fail(err)
}

func (s *InflatingSource) fill() (int, error) {
	if s.in == nil {
		s.in = s.alloc.Allocate()
	}
	s.in.Compact()
	n, err := s.Next.Read(s.in.Free())
	s.in.Commit(n)
	return n, err
}

func (s *InflatingSource) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if s.err != nil {
		return 0, s.err
	}
	if s.pull == nil {
		s.pull, s.stop = iter.Pull(iter.Seq[inflateStep](s.run))
		s.waiting = true
	}
	for {
		if s.waiting {
			n, err := s.fill()
			switch {
			case errors.Is(err, io.EOF):
				s.srcEOF = true
			case err != nil:
				return 0, s.fail(err)
			case n == 0:
				return 0, nil
			}
			s.waiting = false
		}
		s.dst = p
		step, ok := s.pull()
		s.dst = nil
		if !ok {
			return 0, s.complete()
		}
		if step == stepNeedInput {
			s.waiting = true
			continue
		}
		n := s.out
		s.decoded += int64(n)
		if maxSize := s.exchange.MaxEntitySize(); maxSize > 0 && s.decoded > maxSize {
			return 0, s.fail(fmt.Errorf("%w: decoded body exceeds limit %d", ErrEntityTooLarge, maxSize))
		}
		return n, nil
	}
}

func (s *InflatingSource) Readv(bufs [][]byte) (int64, error) { return ReadvBasic(s, bufs) }

func (s *InflatingSource) TransferTo(dst io.WriterAt, position, count int64) (int64, error) {
	return TransferToWriterAt(s, dst, position, count)
}

func (s *InflatingSource) TransferToSink(sink SinkConduit, count int64, through *pool.Buffer) (int64, error) {
	return TransferToSinkBasic(s, sink, count, through)
}

// TerminateReads stops decoding and releases the decoder and its input.
func (s *InflatingSource) TerminateReads() error {
	old, _ := s.state.Update(func(v state.Value) state.Value { return v.With(state.CloseRequested) })
	if old.Has(state.CloseRequested) {
		return nil
	}
	if s.err == nil {
		s.err = io.EOF
	}
	s.release()
	s.finish()
	return s.Next.TerminateReads()
}

func (s *InflatingSource) IsReadShutdown() bool {
	return s.state.Load().Has(state.CloseRequested)
}

// ResumeReads asks next for a direct wakeup while the decoder can still
// make progress without more input.
func (s *InflatingSource) ResumeReads() {
	if s.pull != nil && !s.waiting {
		s.Next.WakeupReads()
		return
	}
	s.Next.ResumeReads()
}

func (s *InflatingSource) AwaitReadable(timeout time.Duration) error {
	if s.pull != nil && !s.waiting {
		return nil
	}
	return s.Next.AwaitReadable(timeout)
}
