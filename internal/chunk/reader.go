package chunk

// Reader decodes the framing of a chunked body. It reports the trailers to
// the owning exchange and fires its finish listener exactly once, on the
// first transition into Finished.
type Reader struct {
	Parser

	finished bool
	onFinish func()
	attach   func(*Trailers)
}

// NewReader returns a Reader. attach receives the trailers when the terminal
// chunk carried any; onFinish runs once when the stream completes. Either may
// be nil.
func NewReader(attach func(*Trailers), onFinish func()) *Reader {
	return &Reader{attach: attach, onFinish: onFinish}
}

// ReadChunk consumes framing bytes from b and returns the number consumed
// together with the data bytes left in the current chunk: a positive count
// when data follows, 0 when more input is needed, -1 once the stream ended.
func (r *Reader) ReadChunk(b []byte) (int, int64, error) {
	n, remaining, err := r.Next(b)
	if err != nil {
		return n, 0, err
	}
	if remaining == -1 && !r.finished {
		r.finished = true
		if t := r.Trailers(); t != nil && r.attach != nil {
			r.attach(t)
		}
		if fn := r.onFinish; fn != nil {
			r.onFinish = nil
			fn()
		}
	}
	return n, remaining, nil
}
