package conduit

import (
	"bytes"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/albertbausili/sluice/internal/chunk"
	"github.com/albertbausili/sluice/internal/pool"
)

// memSink collects written bytes. budget caps the bytes accepted per call;
// zero means unlimited. blocked makes every write return zero.
type memSink struct {
	buf        bytes.Buffer
	budget     int
	blocked    bool
	unflushed  int
	terminated bool
	truncated  bool
	resumed    bool
	wakeups    int
	finals     int
	handler    ReadyHandler
}

func (m *memSink) take(n int) int {
	if m.blocked {
		return 0
	}
	if m.budget > 0 && n > m.budget {
		return m.budget
	}
	return n
}

func (m *memSink) Write(p []byte) (int, error) {
	if m.terminated || m.truncated {
		return 0, ErrClosed
	}
	n := m.take(len(p))
	m.buf.Write(p[:n])
	return n, nil
}

func (m *memSink) Writev(bufs [][]byte) (int64, error) {
	if m.terminated || m.truncated {
		return 0, ErrClosed
	}
	left := m.take(int(Remaining(bufs)))
	var total int64
	for _, b := range bufs {
		if left == 0 {
			break
		}
		b = b[:min(len(b), left)]
		m.buf.Write(b)
		left -= len(b)
		total += int64(len(b))
	}
	return total, nil
}

func (m *memSink) WriteFinal(p []byte) (int, error) {
	m.finals++
	return WriteFinalBasic(m, p)
}

func (m *memSink) WritevFinal(bufs [][]byte) (int64, error) {
	m.finals++
	return WritevFinalBasic(m, bufs)
}

func (m *memSink) TransferFrom(src io.ReaderAt, position, count int64) (int64, error) {
	return TransferFromReaderAt(m, src, position, count)
}

func (m *memSink) TransferFromSource(src SourceConduit, count int64, through *pool.Buffer) (int64, error) {
	return TransferFromSourceBasic(m, src, count, through)
}

func (m *memSink) Flush() (bool, error) {
	if m.unflushed > 0 {
		m.unflushed--
		return false, nil
	}
	return true, nil
}

func (m *memSink) TerminateWrites() error { m.terminated = true; return nil }
func (m *memSink) TruncateWrites() error  { m.truncated = true; return nil }
func (m *memSink) IsWriteShutdown() bool  { return m.terminated || m.truncated }
func (m *memSink) SuspendWrites()         { m.resumed = false }
func (m *memSink) ResumeWrites()          { m.resumed = true }
func (m *memSink) WakeupWrites()          { m.resumed = true; m.wakeups++ }
func (m *memSink) IsWriteResumed() bool   { return m.resumed }

func (m *memSink) AwaitWritable(time.Duration) error   { return nil }
func (m *memSink) SetWriteReadyHandler(h ReadyHandler) { m.handler = h }

// scriptSource serves its steps in order. A nil step is a would-block gap.
// After the last step it reports io.EOF, or blocks forever when hold is set.
type scriptSource struct {
	steps      [][]byte
	hold       bool
	err        error
	terminated bool
	resumed    bool
	wakeups    int
	handler    ReadyHandler
}

func newScriptSource(steps ...[]byte) *scriptSource {
	return &scriptSource{steps: steps}
}

// bytewise splits data into one step per byte.
func bytewise(data []byte) *scriptSource {
	s := &scriptSource{}
	for i := range data {
		s.steps = append(s.steps, data[i:i+1])
	}
	return s
}

func (s *scriptSource) Read(p []byte) (int, error) {
	if s.terminated {
		return 0, io.EOF
	}
	for len(s.steps) > 0 {
		step := s.steps[0]
		if step == nil {
			s.steps = s.steps[1:]
			return 0, nil
		}
		n := copy(p, step)
		if n == len(step) {
			s.steps = s.steps[1:]
		} else {
			s.steps[0] = step[n:]
		}
		return n, nil
	}
	if s.err != nil {
		return 0, s.err
	}
	if s.hold {
		return 0, nil
	}
	return 0, io.EOF
}

func (s *scriptSource) Readv(bufs [][]byte) (int64, error) { return ReadvBasic(s, bufs) }

func (s *scriptSource) TransferTo(dst io.WriterAt, position, count int64) (int64, error) {
	return TransferToWriterAt(s, dst, position, count)
}

func (s *scriptSource) TransferToSink(sink SinkConduit, count int64, through *pool.Buffer) (int64, error) {
	return TransferToSinkBasic(s, sink, count, through)
}

func (s *scriptSource) TerminateReads() error { s.terminated = true; return nil }
func (s *scriptSource) IsReadShutdown() bool  { return s.terminated }
func (s *scriptSource) SuspendReads()         { s.resumed = false }
func (s *scriptSource) ResumeReads()          { s.resumed = true }
func (s *scriptSource) WakeupReads()          { s.resumed = true; s.wakeups++ }
func (s *scriptSource) IsReadResumed() bool   { return s.resumed }

func (s *scriptSource) AwaitReadable(time.Duration) error  { return nil }
func (s *scriptSource) SetReadReadyHandler(h ReadyHandler) { s.handler = h }

// readAll drains src, tolerating a bounded number of would-block results.
func readAll(t *testing.T, src SourceConduit, chunkSize int) ([]byte, error) {
	t.Helper()
	var out []byte
	buf := make([]byte, chunkSize)
	idle := 0
	for idle < 1000 {
		n, err := src.Read(buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if n == 0 {
			idle++
		} else {
			idle = 0
		}
	}
	t.Fatalf("source never reached EOF after %d bytes", len(out))
	return out, nil
}

// writeAll pushes p through sink, failing the test if it stalls.
func writeAll(t *testing.T, sink SinkConduit, p []byte) {
	t.Helper()
	stalls := 0
	for len(p) > 0 {
		n, err := sink.Write(p)
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		if n == 0 {
			if stalls++; stalls > 1000 {
				t.Fatalf("Write stalled with %d bytes left", len(p))
			}
			continue
		}
		stalls = 0
		p = p[n:]
	}
}

// shutdown terminates writes and flushes until done.
func shutdown(t *testing.T, sink SinkConduit) {
	t.Helper()
	if err := sink.TerminateWrites(); err != nil {
		t.Fatalf("TerminateWrites: %v", err)
	}
	for range 1000 {
		done, err := sink.Flush()
		if err != nil {
			t.Fatalf("Flush: %v", err)
		}
		if done {
			return
		}
	}
	t.Fatal("Flush never completed")
}

// testExchange records what conduits report back to the exchange.
type testExchange struct {
	persistent    bool
	maxEntity     int64
	trailers      *chunk.Trailers
	respTrailers  *chunk.Trailers
	contentLength int64
	lengthSet     bool
}

func newTestExchange() *testExchange { return &testExchange{persistent: true, contentLength: -2} }

func (e *testExchange) SetPersistent(p bool)                    { e.persistent = p }
func (e *testExchange) MaxEntitySize() int64                    { return e.maxEntity }
func (e *testExchange) AttachRequestTrailers(t *chunk.Trailers) { e.trailers = t }
func (e *testExchange) ResponseTrailers() *chunk.Trailers       { return e.respTrailers }

func (e *testExchange) SetResponseContentLength(n int64) {
	e.contentLength = n
	e.lengthSet = true
}

// fakeClock runs timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	when    time.Time
	fn      func()
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, when: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Sleep(d time.Duration) { c.Advance(d) }

// Advance moves time forward and runs every timer that came due, in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		sort.SliceStable(c.timers, func(i, j int) bool { return c.timers[i].when.Before(c.timers[j].when) })
		var due *fakeTimer
		if len(c.timers) > 0 && !c.timers[0].when.After(target) {
			due = c.timers[0]
			c.timers = c.timers[1:]
			if due.when.After(c.now) {
				c.now = due.when
			}
		}
		if due == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		if !due.stopped {
			due.fn()
		}
	}
}

// Pending returns the number of timers not yet fired or stopped.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	for i, x := range t.clock.timers {
		if x == t {
			t.clock.timers = append(t.clock.timers[:i], t.clock.timers[i+1:]...)
			return was
		}
	}
	return false
}

func newTracking(size int) *pool.Tracking {
	return pool.NewTracking(pool.NewAllocator(size))
}

func assertBalanced(t *testing.T, a *pool.Tracking) {
	t.Helper()
	if n := a.Outstanding(); n != 0 {
		t.Errorf("%d pooled buffers not released (%d allocated)", n, a.Allocated())
	}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}
