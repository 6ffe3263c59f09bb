package chunk

import (
	"errors"
	"testing"
)

func TestParseChunkLength(t *testing.T) {
	tests := []struct {
		line string
		want int64
	}{
		{"a\r\n", 10},
		{"A\r\n", 10},
		{"ff\r\n", 255},
		{"FF\r\n", 255},
		{"7fffffff\r\n", 0x7fffffff},
		{"5;foo=bar\r\n", 5},
		{"10 ; ext\r\n", 16},
		{"3\n", 3},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			var p Parser
			n, remaining, err := p.Next([]byte(tt.line))
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if n != len(tt.line) {
				t.Errorf("consumed %d bytes, want %d", n, len(tt.line))
			}
			if remaining != tt.want {
				t.Errorf("remaining = %d, want %d", remaining, tt.want)
			}
			if p.State() != ReadingData {
				t.Errorf("state = %v, want READING_DATA", p.State())
			}
		})
	}
}

func TestParseZeroLengthIsLastChunk(t *testing.T) {
	var p Parser
	_, remaining, err := p.Next([]byte("0\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if remaining != 0 || p.State() != ReadingAfterLast {
		t.Fatalf("remaining=%d state=%v, want 0 READING_AFTER_LAST", remaining, p.State())
	}
	_, remaining, err = p.Next([]byte("\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if remaining != -1 || p.State() != Finished {
		t.Fatalf("remaining=%d state=%v, want -1 FINISHED", remaining, p.State())
	}
}

func TestParseMalformedLength(t *testing.T) {
	tests := []string{
		"\r\n",
		"xyz\r\n",
		"fffffffffffffff\r\n",
	}
	for _, line := range tests {
		var p Parser
		_, _, err := p.Next([]byte(line))
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Next(%q) error = %v, want ErrMalformed", line, err)
		}
		if _, _, again := p.Next([]byte("1\r\n")); !errors.Is(again, ErrMalformed) {
			t.Errorf("error should be sticky, got %v", again)
		}
	}
}

// decode runs body through a Reader one byte at a time.
func decode(t *testing.T, body string) (string, *Reader, int) {
	t.Helper()
	finishes := 0
	var attached *Trailers
	r := NewReader(func(tr *Trailers) { attached = tr }, func() { finishes++ })
	var out []byte
	in := []byte(body)
	for i := 0; i < len(in); {
		if r.State() == ReadingData {
			out = append(out, in[i])
			r.SetRemaining(r.Remaining() - 1)
			i++
			continue
		}
		n, remaining, err := r.ReadChunk(in[i : i+1])
		if err != nil {
			t.Fatalf("ReadChunk at %d: %v", i, err)
		}
		i += n
		if remaining == -1 && i != len(in) {
			t.Fatalf("finished early at %d of %d", i, len(in))
		}
	}
	if attached != nil && attached != r.Trailers() {
		t.Fatal("attached trailers differ from parsed trailers")
	}
	return string(out), r, finishes
}

func TestReaderByteByByte(t *testing.T) {
	out, r, finishes := decode(t, "4\r\nWiki\r\n0\r\n\r\n")
	if out != "Wiki" {
		t.Errorf("decoded %q, want Wiki", out)
	}
	if r.State() != Finished {
		t.Errorf("state = %v, want FINISHED", r.State())
	}
	if finishes != 1 {
		t.Errorf("finish listener fired %d times, want 1", finishes)
	}
	if _, remaining, _ := r.ReadChunk(nil); remaining != -1 {
		t.Errorf("ReadChunk after finish = %d, want -1", remaining)
	}
	if finishes != 1 {
		t.Errorf("finish listener re-fired")
	}
}

func TestReaderTrailers(t *testing.T) {
	out, r, finishes := decode(t, "5;x=y\r\nhello\r\n6\r\n world\r\n0\r\nX-Checksum: abc\r\nX-Multi: 1\r\nx-multi: 2\r\n\r\n")
	if out != "hello world" {
		t.Errorf("decoded %q", out)
	}
	if finishes != 1 {
		t.Errorf("finish fired %d times", finishes)
	}
	tr := r.Trailers()
	if tr.Len() != 2 {
		t.Fatalf("trailer names = %d, want 2", tr.Len())
	}
	if tr.Get("x-checksum") != "abc" {
		t.Errorf("X-Checksum = %q", tr.Get("x-checksum"))
	}
	if v := tr.Values("X-Multi"); len(v) != 2 || v[0] != "1" || v[1] != "2" {
		t.Errorf("X-Multi = %v", v)
	}
}

func TestReaderMalformedTrailers(t *testing.T) {
	tests := map[string]string{
		"no colon":         "0\r\nbroken\r\n\r\n",
		"bad ending":       "0\r\nA: b\r\n\rX",
		"bad name":         "0\r\nbad name: v\r\n\r\n",
		"control in value": "0\r\nA: b\x01c\r\n\r\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			r := NewReader(nil, nil)
			_, _, err := r.ReadChunk([]byte(body))
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("ReadChunk error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestReaderTrailerLimit(t *testing.T) {
	r := NewReader(nil, nil)
	r.MaxTrailerBytes = 8
	_, _, err := r.ReadChunk([]byte("0\r\nX-Long-Name: value\r\n\r\n"))
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("error = %v, want ErrMalformed", err)
	}
}

func TestValidator(t *testing.T) {
	var v Validator
	if err := v.Scan([]byte("3\r\nab")); err != nil {
		t.Fatal(err)
	}
	if v.Remaining() != 1 {
		t.Fatalf("Remaining() = %d, want 1", v.Remaining())
	}
	if err := v.Scan([]byte("c\r\n0\r\n")); err != nil {
		t.Fatal(err)
	}
	if v.Finished() {
		t.Fatal("finished before final CRLF")
	}
	if err := v.Scan([]byte("\r\n")); err != nil {
		t.Fatal(err)
	}
	if !v.Finished() {
		t.Fatal("expected finished")
	}
	if err := v.Scan([]byte("x")); !errors.Is(err, ErrDataAfterLastChunk) {
		t.Errorf("Scan past end = %v, want ErrDataAfterLastChunk", err)
	}
	if err := v.Check([]byte("x")); !errors.Is(err, ErrDataAfterLastChunk) {
		t.Errorf("Check past end = %v", err)
	}
}

func TestValidatorDataInSameBuffer(t *testing.T) {
	var v Validator
	err := v.Scan([]byte("2\r\nok\r\n0\r\n\r\nGET / HTTP/1.1"))
	if !errors.Is(err, ErrDataAfterLastChunk) {
		t.Errorf("error = %v, want ErrDataAfterLastChunk", err)
	}
}

func TestTrailersWire(t *testing.T) {
	tr := NewTrailers()
	tr.Add("Grpc-Status", "0")
	tr.Add("X-A", "1")
	tr.Add("x-a", "2")
	got := string(tr.AppendWire(nil))
	want := "Grpc-Status: 0\r\nX-A: 1\r\nX-A: 2\r\n"
	if got != want {
		t.Errorf("AppendWire = %q, want %q", got, want)
	}
	tr.Del("X-A")
	if tr.Len() != 1 || tr.Get("x-a") != "" {
		t.Errorf("Del left %d names", tr.Len())
	}
}

func TestValidatorFork(t *testing.T) {
	var v Validator
	if err := v.Scan([]byte("2\r\nok\r\n0\r\nX-A")); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	f := v.Fork()
	if err := f.Scan([]byte(": 1\r\n\r\n")); err != nil {
		t.Fatalf("fork Scan: %v", err)
	}
	if !f.Finished() {
		t.Error("fork not finished")
	}
	if v.Finished() {
		t.Error("original advanced by fork")
	}
	if err := v.Scan([]byte(": 1\r\n\r\n")); err != nil || !v.Finished() {
		t.Errorf("original Scan = %v, finished = %v", err, v.Finished())
	}
}
