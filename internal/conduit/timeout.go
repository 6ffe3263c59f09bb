package conduit

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/albertbausili/sluice/internal/pool"
)

// deadline is an inactivity timer shared by the two directions of a
// connection. Progress pushes the expiry forward without touching the
// timer; the timer re-arms itself when it fires early.
type deadline struct {
	clock    Clock
	timeout  atomic.Int64
	expires  atomic.Int64
	expired  atomic.Bool
	onExpire func()

	mu    sync.Mutex
	timer Timer
}

func newDeadline(timeout time.Duration, clock Clock, onExpire func()) *deadline {
	d := &deadline{clock: clockOrSystem(clock), onExpire: onExpire}
	d.timeout.Store(int64(timeout))
	d.expires.Store(d.clock.Now().Add(timeout).UnixNano())
	return d
}

func (d *deadline) enabled() bool { return d.timeout.Load() > 0 }

// check returns ErrTimedOut once the deadline expired.
func (d *deadline) check() error {
	if d.expired.Load() {
		return ErrTimedOut
	}
	return nil
}

// progress records the outcome of an I/O call.
func (d *deadline) progress(n int64) {
	if !d.enabled() {
		return
	}
	if n > 0 {
		d.expires.Store(d.clock.Now().Add(time.Duration(d.timeout.Load())).UnixNano())
		return
	}
	d.arm()
}

// arm starts the timer unless one is pending.
func (d *deadline) arm() {
	if !d.enabled() || d.expired.Load() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		return
	}
	wait := time.Duration(d.expires.Load() - d.clock.Now().UnixNano())
	if wait <= 0 {
		wait = time.Duration(d.timeout.Load())
		d.expires.Store(d.clock.Now().Add(wait).UnixNano())
	}
	d.timer = d.clock.AfterFunc(wait, d.fire)
}

func (d *deadline) fire() {
	d.mu.Lock()
	d.timer = nil
	if wait := time.Duration(d.expires.Load() - d.clock.Now().UnixNano()); wait > 0 {
		d.timer = d.clock.AfterFunc(wait, d.fire)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	if d.expired.CompareAndSwap(false, true) && d.onExpire != nil {
		d.onExpire()
	}
}

func (d *deadline) stop() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
}

func (d *deadline) setTimeout(timeout time.Duration) {
	d.timeout.Store(int64(timeout))
	d.expires.Store(d.clock.Now().Add(timeout).UnixNano())
	if timeout <= 0 {
		d.stop()
	}
}

// IdleTimeout closes both directions of a connection after a period
// without progress in either. Use Sink and Source in the two chains.
type IdleTimeout struct {
	d      *deadline
	sink   *IdleTimeoutSink
	source *IdleTimeoutSource
	onIdle func()
	logger *zap.Logger
}

// NewIdleTimeout wraps sink and source with a shared inactivity deadline.
// onIdle, if set, runs after both sides were closed.
func NewIdleTimeout(sink SinkConduit, source SourceConduit, timeout time.Duration, clock Clock, onIdle func()) *IdleTimeout {
	t := &IdleTimeout{onIdle: onIdle}
	t.d = newDeadline(timeout, clock, t.expire)
	t.sink = &IdleTimeoutSink{SinkBase: SinkBase{Next: sink}, d: t.d}
	t.source = &IdleTimeoutSource{SourceBase: SourceBase{Next: source}, d: t.d}
	return t
}

func (t *IdleTimeout) Sink() *IdleTimeoutSink     { return t.sink }
func (t *IdleTimeout) Source() *IdleTimeoutSource { return t.source }
func (t *IdleTimeout) SetTimeout(d time.Duration) { t.d.setTimeout(d) }
func (t *IdleTimeout) Timeout() time.Duration     { return time.Duration(t.d.timeout.Load()) }
func (t *IdleTimeout) Expired() bool              { return t.d.expired.Load() }

// SetLogger enables debug logging of expiry.
func (t *IdleTimeout) SetLogger(l *zap.Logger) { t.logger = l }

func (t *IdleTimeout) expire() {
	if t.logger != nil {
		t.logger.Debug("timing out connection due to inactivity",
			zap.Duration("timeout", t.Timeout()))
	}
	_ = t.sink.Next.TruncateWrites()
	_ = t.source.Next.TerminateReads()
	if t.sink.Next.IsWriteResumed() {
		t.sink.Next.WakeupWrites()
	}
	if t.source.Next.IsReadResumed() {
		t.source.Next.WakeupReads()
	}
	if t.onIdle != nil {
		t.onIdle()
	}
}

// IdleTimeoutSink is the write side of an IdleTimeout.
type IdleTimeoutSink struct {
	SinkBase
	d *deadline
}

func (s *IdleTimeoutSink) Write(p []byte) (int, error) {
	if err := s.d.check(); err != nil {
		return 0, err
	}
	n, err := s.Next.Write(p)
	s.d.progress(int64(n))
	return n, err
}

func (s *IdleTimeoutSink) Writev(bufs [][]byte) (int64, error) {
	if err := s.d.check(); err != nil {
		return 0, err
	}
	n, err := s.Next.Writev(bufs)
	s.d.progress(n)
	return n, err
}

func (s *IdleTimeoutSink) WriteFinal(p []byte) (int, error) {
	if err := s.d.check(); err != nil {
		return 0, err
	}
	n, err := s.Next.WriteFinal(p)
	s.d.progress(int64(n))
	return n, err
}

func (s *IdleTimeoutSink) WritevFinal(bufs [][]byte) (int64, error) {
	if err := s.d.check(); err != nil {
		return 0, err
	}
	n, err := s.Next.WritevFinal(bufs)
	s.d.progress(n)
	return n, err
}

func (s *IdleTimeoutSink) TransferFrom(src io.ReaderAt, position, count int64) (int64, error) {
	if err := s.d.check(); err != nil {
		return 0, err
	}
	n, err := s.Next.TransferFrom(src, position, count)
	s.d.progress(n)
	return n, err
}

func (s *IdleTimeoutSink) TransferFromSource(src SourceConduit, count int64, through *pool.Buffer) (int64, error) {
	if err := s.d.check(); err != nil {
		return 0, err
	}
	n, err := s.Next.TransferFromSource(src, count, through)
	s.d.progress(n)
	return n, err
}

func (s *IdleTimeoutSink) Flush() (bool, error) {
	if err := s.d.check(); err != nil {
		return false, err
	}
	return s.Next.Flush()
}

func (s *IdleTimeoutSink) ResumeWrites() {
	s.Next.ResumeWrites()
	s.d.arm()
}

func (s *IdleTimeoutSink) WakeupWrites() {
	s.Next.WakeupWrites()
	s.d.arm()
}

func (s *IdleTimeoutSink) AwaitWritable(timeout time.Duration) error {
	s.d.arm()
	return s.Next.AwaitWritable(timeout)
}

func (s *IdleTimeoutSink) TruncateWrites() error {
	s.d.stop()
	return s.Next.TruncateWrites()
}

// IdleTimeoutSource is the read side of an IdleTimeout.
type IdleTimeoutSource struct {
	SourceBase
	d *deadline
}

func (s *IdleTimeoutSource) Read(p []byte) (int, error) {
	if err := s.d.check(); err != nil {
		return 0, err
	}
	n, err := s.Next.Read(p)
	s.d.progress(int64(n))
	return n, err
}

func (s *IdleTimeoutSource) Readv(bufs [][]byte) (int64, error) {
	if err := s.d.check(); err != nil {
		return 0, err
	}
	n, err := s.Next.Readv(bufs)
	s.d.progress(n)
	return n, err
}

func (s *IdleTimeoutSource) TransferTo(dst io.WriterAt, position, count int64) (int64, error) {
	if err := s.d.check(); err != nil {
		return 0, err
	}
	n, err := s.Next.TransferTo(dst, position, count)
	s.d.progress(n)
	return n, err
}

func (s *IdleTimeoutSource) TransferToSink(sink SinkConduit, count int64, through *pool.Buffer) (int64, error) {
	if err := s.d.check(); err != nil {
		return 0, err
	}
	n, err := s.Next.TransferToSink(sink, count, through)
	s.d.progress(n)
	return n, err
}

func (s *IdleTimeoutSource) ResumeReads() {
	s.Next.ResumeReads()
	s.d.arm()
}

func (s *IdleTimeoutSource) WakeupReads() {
	s.Next.WakeupReads()
	s.d.arm()
}

func (s *IdleTimeoutSource) AwaitReadable(timeout time.Duration) error {
	s.d.arm()
	return s.Next.AwaitReadable(timeout)
}

func (s *IdleTimeoutSource) TerminateReads() error {
	s.d.stop()
	return s.Next.TerminateReads()
}

// ReadTimeoutSource fails reads that make no progress for longer than the
// timeout. On expiry reads are terminated and onTimeout runs.
type ReadTimeoutSource struct {
	SourceBase
	d         *deadline
	onTimeout func()
}

// NewReadTimeoutSource wraps next with a read deadline.
func NewReadTimeoutSource(next SourceConduit, timeout time.Duration, clock Clock, onTimeout func()) *ReadTimeoutSource {
	s := &ReadTimeoutSource{SourceBase: SourceBase{Next: next}, onTimeout: onTimeout}
	s.d = newDeadline(timeout, clock, s.expire)
	return s
}

func (s *ReadTimeoutSource) expire() {
	_ = s.Next.TerminateReads()
	if s.Next.IsReadResumed() {
		s.Next.WakeupReads()
	}
	if s.onTimeout != nil {
		s.onTimeout()
	}
}

func (s *ReadTimeoutSource) SetTimeout(d time.Duration) { s.d.setTimeout(d) }

func (s *ReadTimeoutSource) Read(p []byte) (int, error) {
	if err := s.d.check(); err != nil {
		return 0, err
	}
	n, err := s.Next.Read(p)
	s.d.progress(int64(n))
	return n, err
}

func (s *ReadTimeoutSource) Readv(bufs [][]byte) (int64, error) {
	if err := s.d.check(); err != nil {
		return 0, err
	}
	n, err := s.Next.Readv(bufs)
	s.d.progress(n)
	return n, err
}

func (s *ReadTimeoutSource) TransferTo(dst io.WriterAt, position, count int64) (int64, error) {
	return TransferToWriterAt(s, dst, position, count)
}

func (s *ReadTimeoutSource) TransferToSink(sink SinkConduit, count int64, through *pool.Buffer) (int64, error) {
	return TransferToSinkBasic(s, sink, count, through)
}

func (s *ReadTimeoutSource) ResumeReads() {
	s.Next.ResumeReads()
	s.d.arm()
}

func (s *ReadTimeoutSource) AwaitReadable(timeout time.Duration) error {
	s.d.arm()
	return s.Next.AwaitReadable(timeout)
}

func (s *ReadTimeoutSource) SuspendReads() {
	s.d.stop()
	s.Next.SuspendReads()
}

func (s *ReadTimeoutSource) TerminateReads() error {
	s.d.stop()
	return s.Next.TerminateReads()
}

// WriteTimeoutSink fails writes that make no progress for longer than the
// timeout. On expiry writes are truncated and onTimeout runs.
type WriteTimeoutSink struct {
	SinkBase
	d         *deadline
	onTimeout func()
}

// NewWriteTimeoutSink wraps next with a write deadline.
func NewWriteTimeoutSink(next SinkConduit, timeout time.Duration, clock Clock, onTimeout func()) *WriteTimeoutSink {
	s := &WriteTimeoutSink{SinkBase: SinkBase{Next: next}, onTimeout: onTimeout}
	s.d = newDeadline(timeout, clock, s.expire)
	return s
}

func (s *WriteTimeoutSink) expire() {
	_ = s.Next.TruncateWrites()
	if s.Next.IsWriteResumed() {
		s.Next.WakeupWrites()
	}
	if s.onTimeout != nil {
		s.onTimeout()
	}
}

func (s *WriteTimeoutSink) SetTimeout(d time.Duration) { s.d.setTimeout(d) }

func (s *WriteTimeoutSink) Write(p []byte) (int, error) {
	if err := s.d.check(); err != nil {
		return 0, err
	}
	n, err := s.Next.Write(p)
	s.d.progress(int64(n))
	return n, err
}

func (s *WriteTimeoutSink) Writev(bufs [][]byte) (int64, error) {
	if err := s.d.check(); err != nil {
		return 0, err
	}
	n, err := s.Next.Writev(bufs)
	s.d.progress(n)
	return n, err
}

func (s *WriteTimeoutSink) WriteFinal(p []byte) (int, error) { return WriteFinalBasic(s, p) }

func (s *WriteTimeoutSink) WritevFinal(bufs [][]byte) (int64, error) {
	return WritevFinalBasic(s, bufs)
}

func (s *WriteTimeoutSink) TransferFrom(src io.ReaderAt, position, count int64) (int64, error) {
	return TransferFromReaderAt(s, src, position, count)
}

func (s *WriteTimeoutSink) TransferFromSource(src SourceConduit, count int64, through *pool.Buffer) (int64, error) {
	return TransferFromSourceBasic(s, src, count, through)
}

func (s *WriteTimeoutSink) Flush() (bool, error) {
	if err := s.d.check(); err != nil {
		return false, err
	}
	flushed, err := s.Next.Flush()
	if !flushed && err == nil {
		s.d.arm()
	}
	return flushed, err
}

func (s *WriteTimeoutSink) ResumeWrites() {
	s.Next.ResumeWrites()
	s.d.arm()
}

func (s *WriteTimeoutSink) AwaitWritable(timeout time.Duration) error {
	s.d.arm()
	return s.Next.AwaitWritable(timeout)
}

func (s *WriteTimeoutSink) SuspendWrites() {
	s.d.stop()
	s.Next.SuspendWrites()
}

func (s *WriteTimeoutSink) TruncateWrites() error {
	s.d.stop()
	return s.Next.TruncateWrites()
}
