package conduit

import (
	"errors"
	"testing"
	"time"
)

func TestRateLimitingSinkWindow(t *testing.T) {
	const (
		limitBytes = 100
		window     = time.Second
	)
	clock := newFakeClock()
	out := &memSink{}
	s := NewRateLimitingSink(out, limitBytes, window, clock)

	type send struct {
		at time.Time
		n  int
	}
	var sends []send
	chunk := pattern(30)
	for range 400 {
		n, err := s.Write(chunk)
		if err != nil {
			t.Fatal(err)
		}
		if n > 0 {
			sends = append(sends, send{clock.Now(), n})
		}
		clock.Advance(37 * time.Millisecond)
	}
	if len(sends) == 0 {
		t.Fatal("nothing was sent")
	}
	for i, end := range sends {
		var total int
		for _, x := range sends[:i+1] {
			if x.at.After(end.at.Add(-window)) {
				total += x.n
			}
		}
		if total > limitBytes {
			t.Fatalf("window ending %v carried %d bytes, limit %d", end.at.Sub(sends[0].at), total, limitBytes)
		}
	}
	if out.buf.Len() < 1000 {
		t.Errorf("only %d bytes sent over ~15s, limiter too strict", out.buf.Len())
	}
}

func TestRateLimitingSinkSchedulesWakeup(t *testing.T) {
	clock := newFakeClock()
	out := &memSink{}
	s := NewRateLimitingSink(out, 10, time.Second, clock)
	s.ResumeWrites()
	if !out.resumed {
		t.Fatal("resume not delegated while allowance remains")
	}
	if n, _ := s.Write(pattern(25)); n != 10 {
		t.Fatalf("first write = %d, want 10", n)
	}
	if n, err := s.Write(pattern(5)); n != 0 || err != nil {
		t.Fatalf("write over the limit = %d, %v; want 0, nil", n, err)
	}
	if out.resumed {
		t.Error("next not suspended while throttled")
	}
	if clock.Pending() != 1 {
		t.Fatalf("%d timers pending, want 1", clock.Pending())
	}
	clock.Advance(999 * time.Millisecond)
	if out.wakeups != 0 {
		t.Fatal("woken before the window passed")
	}
	clock.Advance(time.Millisecond)
	if out.wakeups != 1 {
		t.Errorf("wakeups = %d, want 1", out.wakeups)
	}
	if n, _ := s.Write(pattern(5)); n != 5 {
		t.Errorf("write after refill = %d, want 5", n)
	}
}

func TestRateLimitingSinkAwaitWritable(t *testing.T) {
	clock := newFakeClock()
	s := NewRateLimitingSink(&memSink{}, 10, time.Second, clock)
	start := clock.Now()
	if n, _ := s.Write(pattern(10)); n != 10 {
		t.Fatal("initial write throttled")
	}
	clock.Advance(200 * time.Millisecond)
	if err := s.AwaitWritable(0); err != nil {
		t.Fatal(err)
	}
	if waited := clock.Now().Sub(start); waited != time.Second {
		t.Errorf("AwaitWritable returned after %v, want 1s", waited)
	}
	if n, _ := s.Write(pattern(10)); n != 10 {
		t.Error("still throttled after waiting")
	}
}

func TestRateLimitingSinkTerminateStopsTimer(t *testing.T) {
	clock := newFakeClock()
	out := &memSink{}
	s := NewRateLimitingSink(out, 1, time.Second, clock)
	s.ResumeWrites()
	_, _ = s.Write([]byte("ab"))
	_, _ = s.Write([]byte("b"))
	_ = s.TruncateWrites()
	if clock.Pending() != 0 {
		t.Errorf("%d timers still pending after truncate", clock.Pending())
	}
	if !out.truncated {
		t.Error("next not truncated")
	}
}

func TestIdleTimeout(t *testing.T) {
	clock := newFakeClock()
	out := &memSink{}
	in := newScriptSource()
	in.hold = true
	idle := 0
	it := NewIdleTimeout(out, in, 5*time.Second, clock, func() { idle++ })
	sink, src := it.Sink(), it.Source()

	writeAll(t, sink, []byte("hello"))
	sink.ResumeWrites()
	if n, err := src.Read(make([]byte, 8)); n != 0 || err != nil {
		t.Fatalf("Read = %d, %v", n, err)
	}
	clock.Advance(3 * time.Second)
	writeAll(t, sink, []byte("more"))
	clock.Advance(3 * time.Second)
	if it.Expired() {
		t.Fatal("expired although the sink made progress")
	}
	clock.Advance(3 * time.Second)
	if !it.Expired() || idle != 1 {
		t.Fatalf("expired=%v idle=%d after 5s without progress", it.Expired(), idle)
	}
	if !out.truncated || !in.terminated {
		t.Errorf("truncated=%v terminated=%v", out.truncated, in.terminated)
	}
	if out.wakeups != 1 {
		t.Errorf("resumed writer woken %d times, want 1", out.wakeups)
	}
	if _, err := sink.Write([]byte("x")); !errors.Is(err, ErrTimedOut) {
		t.Errorf("write after expiry: %v", err)
	}
	if _, err := src.Read(make([]byte, 1)); !errors.Is(err, ErrTimedOut) {
		t.Errorf("read after expiry: %v", err)
	}
	clock.Advance(time.Minute)
	if idle != 1 {
		t.Errorf("idle hook ran %d times", idle)
	}
}

func TestIdleTimeoutDisabled(t *testing.T) {
	clock := newFakeClock()
	in := newScriptSource()
	in.hold = true
	it := NewIdleTimeout(&memSink{}, in, 0, clock, nil)
	_, _ = it.Source().Read(make([]byte, 4))
	it.Source().ResumeReads()
	if clock.Pending() != 0 {
		t.Errorf("%d timers armed with the timeout disabled", clock.Pending())
	}
	it.SetTimeout(time.Second)
	_, _ = it.Source().Read(make([]byte, 4))
	clock.Advance(time.Second)
	if !it.Expired() {
		t.Error("timeout set later never fired")
	}
}

func TestReadTimeoutSource(t *testing.T) {
	clock := newFakeClock()
	in := newScriptSource([]byte("abc"), nil)
	in.hold = true
	timedOut := 0
	s := NewReadTimeoutSource(in, 2*time.Second, clock, func() { timedOut++ })
	if n, _ := s.Read(make([]byte, 8)); n != 3 {
		t.Fatalf("Read = %d", n)
	}
	if n, _ := s.Read(make([]byte, 8)); n != 0 {
		t.Fatalf("Read = %d, want would-block", n)
	}
	clock.Advance(2 * time.Second)
	if timedOut != 1 || !in.terminated {
		t.Fatalf("timedOut=%d terminated=%v", timedOut, in.terminated)
	}
	if _, err := s.Read(make([]byte, 8)); !errors.Is(err, ErrTimedOut) {
		t.Errorf("read after timeout: %v", err)
	}
}

func TestWriteTimeoutSink(t *testing.T) {
	clock := newFakeClock()
	out := &memSink{blocked: true}
	timedOut := 0
	s := NewWriteTimeoutSink(out, time.Second, clock, func() { timedOut++ })
	if n, err := s.Write([]byte("stuck")); n != 0 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	clock.Advance(time.Second)
	if timedOut != 1 || !out.truncated {
		t.Fatalf("timedOut=%d truncated=%v", timedOut, out.truncated)
	}
	if _, err := s.Write([]byte("x")); !errors.Is(err, ErrTimedOut) {
		t.Errorf("write after timeout: %v", err)
	}
}
