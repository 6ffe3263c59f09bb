package conduit

import (
	"io"

	"github.com/albertbausili/sluice/internal/pool"
)

// BrokenSink fails every write with a stored error, typically one a lower
// layer already reported. Lifecycle calls still reach next.
type BrokenSink struct {
	SinkBase
	err error
}

// NewBrokenSink returns a sink whose writes fail with err.
func NewBrokenSink(next SinkConduit, err error) *BrokenSink {
	return &BrokenSink{SinkBase: SinkBase{Next: next}, err: err}
}

func (s *BrokenSink) Write([]byte) (int, error)           { return 0, s.err }
func (s *BrokenSink) Writev([][]byte) (int64, error)      { return 0, s.err }
func (s *BrokenSink) WriteFinal([]byte) (int, error)      { return 0, s.err }
func (s *BrokenSink) WritevFinal([][]byte) (int64, error) { return 0, s.err }
func (s *BrokenSink) Flush() (bool, error)                { return false, s.err }

func (s *BrokenSink) TransferFrom(io.ReaderAt, int64, int64) (int64, error) {
	return 0, s.err
}

func (s *BrokenSink) TransferFromSource(SourceConduit, int64, *pool.Buffer) (int64, error) {
	return 0, s.err
}

// BrokenSource fails every read with a stored error.
type BrokenSource struct {
	SourceBase
	err error
}

// NewBrokenSource returns a source whose reads fail with err.
func NewBrokenSource(next SourceConduit, err error) *BrokenSource {
	return &BrokenSource{SourceBase: SourceBase{Next: next}, err: err}
}

func (s *BrokenSource) Read([]byte) (int, error)      { return 0, s.err }
func (s *BrokenSource) Readv([][]byte) (int64, error) { return 0, s.err }

func (s *BrokenSource) TransferTo(io.WriterAt, int64, int64) (int64, error) {
	return 0, s.err
}

func (s *BrokenSource) TransferToSink(SinkConduit, int64, *pool.Buffer) (int64, error) {
	return 0, s.err
}
