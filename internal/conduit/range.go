package conduit

import (
	"io"

	"github.com/albertbausili/sluice/internal/pool"
)

// RangeSink forwards only bytes start through end (inclusive) of the
// stream written through it and discards the rest, across any number of
// writes.
type RangeSink struct {
	SinkBase

	start, end int64
	pos        int64
}

// NewRangeSink returns a sink that keeps the byte range [start, end].
func NewRangeSink(next SinkConduit, start, end int64) *RangeSink {
	return &RangeSink{SinkBase: SinkBase{Next: next}, start: start, end: end}
}

// Position returns how many bytes of the full stream were consumed.
func (s *RangeSink) Position() int64 { return s.pos }

func (s *RangeSink) Write(p []byte) (int, error) {
	n := int64(len(p))
	if n == 0 {
		return 0, nil
	}
	if s.pos+n <= s.start || s.pos > s.end {
		s.pos += n
		return int(n), nil
	}
	lead := max(s.start-s.pos, 0)
	keep := min(n, s.end+1-s.pos) - lead
	w, err := s.Next.Write(p[lead : lead+keep])
	consumed := lead + int64(w)
	if err == nil && int64(w) == keep {
		consumed = n
	}
	s.pos += consumed
	return int(consumed), err
}

func (s *RangeSink) Writev(bufs [][]byte) (int64, error) { return WritevBasic(s, bufs) }

func (s *RangeSink) WriteFinal(p []byte) (int, error) { return WriteFinalBasic(s, p) }

func (s *RangeSink) WritevFinal(bufs [][]byte) (int64, error) {
	return WritevFinalBasic(s, bufs)
}

func (s *RangeSink) TransferFrom(src io.ReaderAt, position, count int64) (int64, error) {
	return TransferFromReaderAt(s, src, position, count)
}

func (s *RangeSink) TransferFromSource(src SourceConduit, count int64, through *pool.Buffer) (int64, error) {
	return TransferFromSourceBasic(s, src, count, through)
}
