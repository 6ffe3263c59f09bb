package conduit

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestRangeSink(t *testing.T) {
	tests := []struct {
		name       string
		start, end int64
		writes     []int
		budget     int
		want       string
	}{
		{"middle of one write", 2, 5, []int{10}, 0, "cdef"},
		{"spans writes", 3, 12, []int{4, 4, 4, 4}, 0, "defghijklm"},
		{"starts at zero", 0, 2, []int{1, 1, 1, 1}, 0, "abc"},
		{"partial downstream", 1, 8, []int{10}, 3, "bcdefghi"},
		{"past the data", 20, 30, []int{10}, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &memSink{budget: tt.budget}
			s := NewRangeSink(out, tt.start, tt.end)
			data := pattern(26)
			var total int
			for _, n := range tt.writes {
				writeAll(t, s, data[total:total+n])
				total += n
			}
			if got := out.buf.String(); got != tt.want {
				t.Errorf("forwarded %q, want %q", got, tt.want)
			}
			if s.Position() != int64(total) {
				t.Errorf("Position() = %d, want %d", s.Position(), total)
			}
		})
	}
}

func TestHeadSink(t *testing.T) {
	out := &memSink{}
	finished := 0
	s := NewHeadSink(out, true, func(*HeadSink) { finished++ })
	writeAll(t, s, []byte("discarded body"))
	if n, err := s.Writev([][]byte{[]byte("ab"), []byte("cd")}); n != 4 || err != nil {
		t.Fatalf("Writev = %d, %v", n, err)
	}
	if out.buf.Len() != 0 {
		t.Errorf("body bytes reached next: %q", out.buf.String())
	}
	if s.Written() != 18 {
		t.Errorf("Written() = %d, want 18", s.Written())
	}
	shutdown(t, s)
	_, _ = s.Flush()
	if finished != 1 || !out.terminated {
		t.Errorf("finished=%d terminated=%v", finished, out.terminated)
	}
	if _, err := s.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("write after close: %v", err)
	}
	s.ResumeWrites()
	if out.wakeups != 1 {
		t.Error("ResumeWrites did not wake the caller")
	}
}

func TestByteCounters(t *testing.T) {
	var sent, calls int64
	out := &memSink{budget: 3}
	s := NewBytesSentSink(out, func(n int64) { sent += n; calls++ })
	writeAll(t, s, []byte("0123456789"))
	out.blocked = true
	_, _ = s.Write([]byte("x"))
	if sent != 10 || calls != 4 {
		t.Errorf("sent=%d calls=%d, want 10 in 4 calls", sent, calls)
	}

	var received int64
	src := NewBytesReceivedSource(newScriptSource([]byte("abc"), nil, []byte("defg")), func(n int64) { received += n })
	if _, err := readAll(t, src, 2); err != nil {
		t.Fatal(err)
	}
	if received != 7 {
		t.Errorf("received = %d, want 7", received)
	}
}

func TestFinishableSource(t *testing.T) {
	tests := []struct {
		name      string
		terminate bool
	}{
		{"eof", false},
		{"terminate", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			finished := 0
			s := NewFinishableSource(newScriptSource([]byte("data")), func(*FinishableSource) { finished++ })
			if tt.terminate {
				_ = s.TerminateReads()
				_ = s.TerminateReads()
			} else {
				if _, err := readAll(t, s, 8); err != nil {
					t.Fatal(err)
				}
				_, _ = s.Read(make([]byte, 8))
			}
			if finished != 1 {
				t.Errorf("finish fired %d times, want 1", finished)
			}
		})
	}
}

func TestBrokenConduits(t *testing.T) {
	boom := errors.New("boom")
	sink := NewBrokenSink(&memSink{}, boom)
	if _, err := sink.Write([]byte("x")); err != boom {
		t.Errorf("Write err = %v", err)
	}
	if _, err := sink.Flush(); err != boom {
		t.Errorf("Flush err = %v", err)
	}
	src := NewBrokenSource(newScriptSource([]byte("x")), boom)
	if _, err := src.Read(make([]byte, 1)); err != boom {
		t.Errorf("Read err = %v", err)
	}
}

func TestPushBackSource(t *testing.T) {
	alloc := newTracking(16)
	next := newScriptSource([]byte("tail"))
	s := NewPushBackSource(next)

	first := alloc.Allocate()
	first.Fill([]byte("second"))
	second := alloc.Allocate()
	second.Fill([]byte("first-"))
	s.PushBack(first)
	s.PushBack(second)
	s.PushBack(alloc.Allocate())
	if s.Buffered() != 12 {
		t.Fatalf("Buffered() = %d, want 12", s.Buffered())
	}

	s.ResumeReads()
	if next.wakeups != 1 {
		t.Error("ResumeReads with pushed bytes did not wake the reader")
	}
	got, err := readAll(t, s, 5)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "first-secondtail" {
		t.Errorf("read %q", got)
	}
	assertBalanced(t, alloc)
}

func TestPushBackSourceTerminateReleases(t *testing.T) {
	alloc := newTracking(16)
	next := newScriptSource()
	s := NewPushBackSource(next)
	b := alloc.Allocate()
	b.Fill([]byte("unread"))
	s.PushBack(b)
	_ = s.TerminateReads()
	if !next.terminated {
		t.Error("next not terminated")
	}
	assertBalanced(t, alloc)
}

// tagSink records its name when a write passes through it.
type tagSink struct {
	SinkBase
	name  string
	order *[]string
}

func (s *tagSink) Write(p []byte) (int, error) {
	*s.order = append(*s.order, s.name)
	return s.Next.Write(p)
}

func TestWrapOrder(t *testing.T) {
	out := &memSink{}
	var order []string
	tag := func(name string) SinkWrapper {
		return func(next SinkConduit) SinkConduit {
			return &tagSink{SinkBase: SinkBase{Next: next}, name: name, order: &order}
		}
	}
	var chain SinkChain
	chain.Add(tag("inner"))
	chain.Add(tag("outer"))
	if chain.Len() != 2 {
		t.Fatalf("Len() = %d", chain.Len())
	}
	s := chain.Factory(func() SinkConduit { return out })()
	writeAll(t, s, []byte("x"))
	if strings.Join(order, ",") != "outer,inner" {
		t.Errorf("wrappers saw the write in order %v", order)
	}

	order = nil
	s = WrapSink(out, tag("a"), tag("b"))
	writeAll(t, s, []byte("y"))
	if strings.Join(order, ",") != "b,a" {
		t.Errorf("WrapSink order %v", order)
	}

	src := WrapSource(newScriptSource([]byte("abc")), func(next SourceConduit) SourceConduit {
		return NewFixedLengthSource(next, 2, nil, nil)
	})
	got, err := readAll(t, src, 8)
	if err != nil || string(got) != "ab" {
		t.Errorf("wrapped source read %q, %v", got, err)
	}
}

func TestTransferHelpers(t *testing.T) {
	data := pattern(20000)
	out := &memSink{budget: 1000}
	s := NewFixedLengthSink(out, 15000, false, nil)
	var total int64
	for total < 15000 {
		n, err := s.TransferFrom(bytes.NewReader(data), total, 15000-total)
		if err != nil {
			t.Fatal(err)
		}
		total += n
	}
	if !bytes.Equal(out.buf.Bytes(), data[:15000]) {
		t.Errorf("transferred %d bytes, content mismatch", out.buf.Len())
	}

	alloc := newTracking(64)
	through := alloc.Allocate()
	dst := &memSink{}
	src := newScriptSource(data[:300], nil, data[300:500])
	var moved int64
	for range 10 {
		n, err := src.TransferToSink(dst, 500-moved, through)
		moved += n
		if errors.Is(err, io.EOF) || moved == 500 {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if moved != 500 || !bytes.Equal(dst.buf.Bytes(), data[:500]) {
		t.Errorf("moved %d bytes, sink has %d", moved, dst.buf.Len())
	}
	through.Release()
	assertBalanced(t, alloc)
}

func TestAdvance(t *testing.T) {
	bufs := [][]byte{[]byte("abc"), []byte("de"), []byte("fgh")}
	bufs = Advance(bufs, 4)
	if len(bufs) != 2 || string(bufs[0]) != "e" || Remaining(bufs) != 4 {
		t.Errorf("Advance(4) left %q", bufs)
	}
	bufs = Advance(bufs, 4)
	if len(bufs) != 0 {
		t.Errorf("Advance to the end left %q", bufs)
	}
}
