package conduit

import (
	"errors"
	"io"
	"testing"
)

func TestFixedLengthSinkScenario(t *testing.T) {
	out := &memSink{}
	s := NewFixedLengthSink(out, 10, true, nil)

	n, err := s.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("first write = %d, %v; want 6", n, err)
	}
	if s.Remaining() != 4 {
		t.Errorf("Remaining() = %d, want 4", s.Remaining())
	}

	p := []byte("ghijk")
	n, err = s.Write(p)
	if err != nil || n != 4 {
		t.Fatalf("second write = %d, %v; want 4", n, err)
	}
	if len(p) != 5 {
		t.Error("caller slice was modified")
	}
	if s.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", s.Remaining())
	}

	if _, err := s.Write([]byte("x")); !errors.Is(err, ErrOverflow) {
		t.Errorf("write past length: err = %v, want ErrOverflow", err)
	}
	if got := out.buf.String(); got != "abcdefghij" {
		t.Errorf("next received %q", got)
	}
}

func TestFixedLengthSinkExactWrites(t *testing.T) {
	tests := []struct {
		name   string
		length int64
		writes []string
	}{
		{"zero", 0, nil},
		{"single", 5, []string{"hello"}},
		{"split", 7, []string{"ab", "cde", "fg"}},
		{"bytes", 3, []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			finished := 0
			s := NewFixedLengthSink(&memSink{}, tt.length, true, func(*FixedLengthSink) { finished++ })
			for _, w := range tt.writes {
				if n, err := s.Write([]byte(w)); err != nil || n != len(w) {
					t.Fatalf("Write(%q) = %d, %v", w, n, err)
				}
			}
			if finished != 0 {
				t.Fatal("finish fired before close")
			}
			shutdown(t, s)
			for range 5 {
				if _, err := s.Flush(); err != nil {
					t.Fatal(err)
				}
				_ = s.TerminateWrites()
			}
			if finished != 1 {
				t.Errorf("finish fired %d times, want 1", finished)
			}
			if _, err := s.Write([]byte("x")); !errors.Is(err, ErrClosed) {
				t.Errorf("write after close: err = %v, want ErrClosed", err)
			}
		})
	}
}

func TestFixedLengthSinkUnderflow(t *testing.T) {
	tests := []struct {
		name      string
		propagate bool
	}{
		{"propagate", true},
		{"keep open", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &memSink{}
			finished := 0
			s := NewFixedLengthSink(out, 10, tt.propagate, func(*FixedLengthSink) { finished++ })
			writeAll(t, s, []byte("abc"))
			if err := s.TerminateWrites(); !errors.Is(err, ErrUnderflow) {
				t.Fatalf("TerminateWrites = %v, want ErrUnderflow", err)
			}
			if out.truncated != tt.propagate {
				t.Errorf("next truncated = %v, want %v", out.truncated, tt.propagate)
			}
			if out.terminated {
				t.Error("next was closed gracefully after underflow")
			}
			if done, err := s.Flush(); done || !errors.Is(err, ErrUnderflow) {
				t.Errorf("Flush after underflow = %v, %v; want ErrUnderflow", done, err)
			}
			if err := s.TerminateWrites(); !errors.Is(err, ErrUnderflow) {
				t.Errorf("second TerminateWrites = %v, want ErrUnderflow", err)
			}
			if finished != 0 {
				t.Errorf("finish fired %d times after underflow", finished)
			}
		})
	}
}

func TestFixedLengthSinkFinishWaitsForFlush(t *testing.T) {
	out := &memSink{unflushed: 2}
	finished := 0
	s := NewFixedLengthSink(out, 3, true, func(*FixedLengthSink) { finished++ })
	writeAll(t, s, []byte("abc"))
	if err := s.TerminateWrites(); err != nil {
		t.Fatal(err)
	}
	for i := range 2 {
		if done, _ := s.Flush(); done {
			t.Fatalf("flush %d reported done while next is still flushing", i)
		}
		if finished != 0 {
			t.Fatal("finish fired before next flushed")
		}
	}
	if done, err := s.Flush(); !done || err != nil {
		t.Fatalf("final flush = %v, %v", done, err)
	}
	if finished != 1 || !s.IsWriteShutdown() {
		t.Errorf("finished=%d shutdown=%v", finished, s.IsWriteShutdown())
	}
}

func TestFixedLengthSinkWritevNarrows(t *testing.T) {
	out := &memSink{}
	s := NewFixedLengthSink(out, 5, false, nil)
	bufs := [][]byte{[]byte("abc"), []byte("defg")}
	n, err := s.Writev(bufs)
	if err != nil || n != 5 {
		t.Fatalf("Writev = %d, %v", n, err)
	}
	if len(bufs[1]) != 4 {
		t.Error("caller slices were modified")
	}
	if out.buf.String() != "abcde" {
		t.Errorf("next received %q", out.buf.String())
	}
}

func TestFixedLengthSinkTruncateFinishes(t *testing.T) {
	out := &memSink{}
	finished := 0
	s := NewFixedLengthSink(out, 10, true, func(*FixedLengthSink) { finished++ })
	writeAll(t, s, []byte("ab"))
	_ = s.TruncateWrites()
	_ = s.TruncateWrites()
	if finished != 1 || !out.truncated {
		t.Errorf("finished=%d truncated=%v", finished, out.truncated)
	}
}

func TestFixedLengthSource(t *testing.T) {
	finished := 0
	src := NewFixedLengthSource(newScriptSource([]byte("hel"), nil, []byte("lo world")), 5, nil,
		func(*FixedLengthSource) { finished++ })
	got, err := readAll(t, src, 64)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("read %q, want %q", got, "hello")
	}
	if n, err := src.Read(make([]byte, 4)); n != 0 || err != io.EOF {
		t.Errorf("read after end = %d, %v", n, err)
	}
	if finished != 1 {
		t.Errorf("finish fired %d times, want 1", finished)
	}
}

func TestFixedLengthSourcePrematureEOF(t *testing.T) {
	ex := newTestExchange()
	finished := 0
	src := NewFixedLengthSource(newScriptSource([]byte("abc")), 10, ex, func(*FixedLengthSource) { finished++ })
	_, err := readAll(t, src, 64)
	if !errors.Is(err, ErrUnderflow) || !errors.Is(err, ErrPrematureEOF) {
		t.Fatalf("err = %v, want underflow and premature EOF", err)
	}
	if ex.persistent {
		t.Error("connection still marked persistent")
	}
	if finished != 1 {
		t.Errorf("finish fired %d times, want 1", finished)
	}
	if _, err := src.Read(make([]byte, 1)); !errors.Is(err, ErrUnderflow) {
		t.Errorf("later read err = %v", err)
	}
}

func TestFixedLengthSourceEntityLimit(t *testing.T) {
	ex := newTestExchange()
	ex.maxEntity = 4
	finished := 0
	src := NewFixedLengthSource(newScriptSource([]byte("abcdefgh")), 8, ex, func(*FixedLengthSource) { finished++ })
	if _, err := src.Read(make([]byte, 8)); !errors.Is(err, ErrEntityTooLarge) {
		t.Fatalf("err = %v, want ErrEntityTooLarge", err)
	}
	if ex.persistent || finished != 1 {
		t.Errorf("persistent=%v finished=%d", ex.persistent, finished)
	}
}

func TestFixedLengthSourceTerminateEarly(t *testing.T) {
	ex := newTestExchange()
	next := newScriptSource([]byte("abcdefgh"))
	finished := 0
	src := NewFixedLengthSource(next, 8, ex, func(*FixedLengthSource) { finished++ })
	if _, err := src.Read(make([]byte, 2)); err != nil {
		t.Fatal(err)
	}
	_ = src.TerminateReads()
	_ = src.TerminateReads()
	if ex.persistent {
		t.Error("unread body left connection persistent")
	}
	if finished != 1 {
		t.Errorf("finish fired %d times", finished)
	}
	if next.terminated {
		t.Error("terminating the body closed the connection source")
	}
}
