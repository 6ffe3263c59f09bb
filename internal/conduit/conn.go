package conduit

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"

	"github.com/albertbausili/sluice/internal/pool"
	"github.com/albertbausili/sluice/internal/state"
)

// Conn is the subset of gnet.Conn the socket conduits use.
type Conn interface {
	Read(p []byte) (int, error)
	InboundBuffered() int
	Write(p []byte) (int, error)
	Writev(bs [][]byte) (int, error)
	Flush() error
	OutboundBuffered() int
	Wake(callback gnet.AsyncCallback) error
	Close() error
}

var _ Conn = gnet.Conn(nil)

// DefaultHighWater is the outbound backlog above which ConnSink stops
// accepting bytes.
const DefaultHighWater = 1 << 20

// writableRetry spaces out writability checks while the backlog drains.
const writableRetry = time.Millisecond

// ConnSink is the bottom of a write chain. gnet buffers whatever the socket
// does not take, so backpressure is applied by refusing writes while the
// connection's outbound backlog is above the high-water mark.
type ConnSink struct {
	conn      Conn
	highWater int
	clock     Clock
	state     state.Word
	resumed   atomic.Bool
	handler   atomic.Pointer[ReadyHandler]
	pending   atomic.Bool
	draining  atomic.Bool
}

// NewConnSink returns the socket sink for conn. A highWater of zero means
// DefaultHighWater.
func NewConnSink(conn Conn, highWater int, clock Clock) *ConnSink {
	if highWater <= 0 {
		highWater = DefaultHighWater
	}
	return &ConnSink{conn: conn, highWater: highWater, clock: clockOrSystem(clock)}
}

func (s *ConnSink) enter() (bool, error) {
	if s.state.Load().Has(state.CloseRequested) {
		return false, ErrClosed
	}
	if s.conn.OutboundBuffered() < s.highWater {
		return true, nil
	}
	if err := s.conn.Flush(); err != nil {
		return false, err
	}
	return s.conn.OutboundBuffered() < s.highWater, nil
}

func (s *ConnSink) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if ok, err := s.enter(); !ok {
		return 0, err
	}
	return s.conn.Write(p)
}

func (s *ConnSink) Writev(bufs [][]byte) (int64, error) {
	if Remaining(bufs) == 0 {
		return 0, nil
	}
	if ok, err := s.enter(); !ok {
		return 0, err
	}
	n, err := s.conn.Writev(bufs)
	return int64(n), err
}

func (s *ConnSink) WriteFinal(p []byte) (int, error) { return WriteFinalBasic(s, p) }

func (s *ConnSink) WritevFinal(bufs [][]byte) (int64, error) {
	return WritevFinalBasic(s, bufs)
}

func (s *ConnSink) TransferFrom(src io.ReaderAt, position, count int64) (int64, error) {
	return TransferFromReaderAt(s, src, position, count)
}

func (s *ConnSink) TransferFromSource(src SourceConduit, count int64, through *pool.Buffer) (int64, error) {
	return TransferFromSourceBasic(s, src, count, through)
}

// Flush pushes the outbound backlog to the socket. Once writes were
// terminated and the backlog is gone the connection is closed.
func (s *ConnSink) Flush() (bool, error) {
	v := s.state.Load()
	if v.Has(state.CloseComplete) {
		return true, nil
	}
	if err := s.conn.Flush(); err != nil {
		return false, err
	}
	if s.conn.OutboundBuffered() > 0 {
		s.draining.Store(true)
		return false, nil
	}
	s.draining.Store(false)
	if v.Has(state.CloseRequested) && s.state.SetOnce(state.CloseComplete) {
		return true, s.conn.Close()
	}
	return true, nil
}

func (s *ConnSink) TerminateWrites() error {
	s.state.Update(func(v state.Value) state.Value { return v.With(state.CloseRequested) })
	return nil
}

func (s *ConnSink) TruncateWrites() error {
	old, _ := s.state.Update(func(v state.Value) state.Value {
		return v.With(state.CloseRequested | state.CloseComplete)
	})
	if old.Has(state.CloseComplete) {
		return nil
	}
	return s.conn.Close()
}

func (s *ConnSink) IsWriteShutdown() bool { return s.state.Load().Has(state.CloseComplete) }

func (s *ConnSink) SuspendWrites()       { s.resumed.Store(false) }
func (s *ConnSink) IsWriteResumed() bool { return s.resumed.Load() }

// ResumeWrites asks for a writability notification. It is delivered on the
// connection's event loop once the backlog is below the high-water mark.
func (s *ConnSink) ResumeWrites() {
	s.resumed.Store(true)
	s.schedule(0)
}

func (s *ConnSink) WakeupWrites() { s.ResumeWrites() }

func (s *ConnSink) schedule(delay time.Duration) {
	if !s.pending.CompareAndSwap(false, true) {
		return
	}
	wake := func() {
		if err := s.conn.Wake(s.onWake); err != nil {
			s.pending.Store(false)
		}
	}
	if delay > 0 {
		s.clock.AfterFunc(delay, wake)
		return
	}
	wake()
}

func (s *ConnSink) onWake(gnet.Conn, error) error {
	s.pending.Store(false)
	if !s.resumed.Load() || s.state.Load().Has(state.CloseComplete) {
		return nil
	}
	// A caller waiting on Flush is only woken once the backlog is gone.
	if s.draining.Load() {
		if err := s.conn.Flush(); err == nil && s.conn.OutboundBuffered() > 0 {
			s.schedule(writableRetry)
			return nil
		}
		s.draining.Store(false)
	}
	if ok, err := s.enter(); err == nil && !ok {
		s.schedule(writableRetry)
		return nil
	}
	if h := s.handler.Load(); h != nil {
		(*h)()
	}
	return nil
}

// AwaitWritable flushes once; a socket conduit never waits on the event
// loop.
func (s *ConnSink) AwaitWritable(time.Duration) error { return s.conn.Flush() }

func (s *ConnSink) SetWriteReadyHandler(h ReadyHandler) {
	if h == nil {
		s.handler.Store(nil)
		return
	}
	s.handler.Store(&h)
}

// ConnSource is the bottom of a read chain. It serves what gnet has already
// buffered for the connection and reports would-block when that is empty.
type ConnSource struct {
	conn    Conn
	state   state.Word
	eof     atomic.Bool
	resumed atomic.Bool
	handler atomic.Pointer[ReadyHandler]
}

// NewConnSource returns the socket source for conn.
func NewConnSource(conn Conn) *ConnSource {
	return &ConnSource{conn: conn}
}

// MarkEOF records that the peer closed its side; buffered bytes are still
// served before io.EOF.
func (s *ConnSource) MarkEOF() { s.eof.Store(true) }

// Notify runs the read handler if reads are resumed. The event handler
// calls it when traffic arrives.
func (s *ConnSource) Notify() {
	if !s.resumed.Load() {
		return
	}
	if h := s.handler.Load(); h != nil {
		(*h)()
	}
}

func (s *ConnSource) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if s.state.Load().Has(state.CloseRequested) {
		return 0, io.EOF
	}
	if s.conn.InboundBuffered() == 0 {
		if s.eof.Load() {
			return 0, io.EOF
		}
		return 0, nil
	}
	n, err := s.conn.Read(p)
	if errors.Is(err, io.ErrShortBuffer) {
		err = nil
	}
	return n, err
}

func (s *ConnSource) Readv(bufs [][]byte) (int64, error) { return ReadvBasic(s, bufs) }

func (s *ConnSource) TransferTo(dst io.WriterAt, position, count int64) (int64, error) {
	return TransferToWriterAt(s, dst, position, count)
}

func (s *ConnSource) TransferToSink(sink SinkConduit, count int64, through *pool.Buffer) (int64, error) {
	return TransferToSinkBasic(s, sink, count, through)
}

func (s *ConnSource) TerminateReads() error {
	s.state.Update(func(v state.Value) state.Value { return v.With(state.CloseRequested) })
	return nil
}

func (s *ConnSource) IsReadShutdown() bool { return s.state.Load().Has(state.CloseRequested) }
func (s *ConnSource) SuspendReads()        { s.resumed.Store(false) }
func (s *ConnSource) ResumeReads()         { s.resumed.Store(true) }
func (s *ConnSource) IsReadResumed() bool  { return s.resumed.Load() }

// WakeupReads delivers a read notification on the event loop even if no
// new traffic arrives.
func (s *ConnSource) WakeupReads() {
	s.resumed.Store(true)
	_ = s.conn.Wake(func(gnet.Conn, error) error {
		s.Notify()
		return nil
	})
}

// AwaitReadable returns at once: buffered input is all there is until the
// event loop delivers more.
func (s *ConnSource) AwaitReadable(time.Duration) error { return nil }

func (s *ConnSource) SetReadReadyHandler(h ReadyHandler) {
	if h == nil {
		s.handler.Store(nil)
		return
	}
	s.handler.Store(&h)
}
