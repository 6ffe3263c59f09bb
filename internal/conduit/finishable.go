package conduit

import (
	"errors"
	"io"
	"sync/atomic"
)

// FinishableSource runs a listener exactly once, when the stream reports
// end of input or reads are terminated.
type FinishableSource struct {
	SourceBase
	onFinish atomic.Pointer[func(*FinishableSource)]
}

// NewFinishableSource wraps next with a finish listener.
func NewFinishableSource(next SourceConduit, onFinish func(*FinishableSource)) *FinishableSource {
	s := &FinishableSource{SourceBase: SourceBase{Next: next}}
	if onFinish != nil {
		s.onFinish.Store(&onFinish)
	}
	return s
}

func (s *FinishableSource) finish() {
	if fn := s.onFinish.Swap(nil); fn != nil {
		(*fn)(s)
	}
}

func (s *FinishableSource) Read(p []byte) (int, error) {
	n, err := s.Next.Read(p)
	if errors.Is(err, io.EOF) {
		s.finish()
	}
	return n, err
}

func (s *FinishableSource) Readv(bufs [][]byte) (int64, error) {
	n, err := s.Next.Readv(bufs)
	if errors.Is(err, io.EOF) {
		s.finish()
	}
	return n, err
}

func (s *FinishableSource) TransferTo(dst io.WriterAt, position, count int64) (int64, error) {
	n, err := s.Next.TransferTo(dst, position, count)
	if errors.Is(err, io.EOF) {
		s.finish()
	}
	return n, err
}

func (s *FinishableSource) TerminateReads() error {
	err := s.Next.TerminateReads()
	s.finish()
	return err
}
