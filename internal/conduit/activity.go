package conduit

import (
	"io"

	"github.com/albertbausili/sluice/internal/pool"
)

// BytesSentSink reports every nonzero write to onSent.
type BytesSentSink struct {
	SinkBase
	onSent func(n int64)
}

// NewBytesSentSink returns a counting pass-through sink.
func NewBytesSentSink(next SinkConduit, onSent func(n int64)) *BytesSentSink {
	return &BytesSentSink{SinkBase: SinkBase{Next: next}, onSent: onSent}
}

func (s *BytesSentSink) sent(n int64) {
	if n > 0 {
		s.onSent(n)
	}
}

func (s *BytesSentSink) Write(p []byte) (int, error) {
	n, err := s.Next.Write(p)
	s.sent(int64(n))
	return n, err
}

func (s *BytesSentSink) Writev(bufs [][]byte) (int64, error) {
	n, err := s.Next.Writev(bufs)
	s.sent(n)
	return n, err
}

func (s *BytesSentSink) WriteFinal(p []byte) (int, error) {
	n, err := s.Next.WriteFinal(p)
	s.sent(int64(n))
	return n, err
}

func (s *BytesSentSink) WritevFinal(bufs [][]byte) (int64, error) {
	n, err := s.Next.WritevFinal(bufs)
	s.sent(n)
	return n, err
}

func (s *BytesSentSink) TransferFrom(src io.ReaderAt, position, count int64) (int64, error) {
	n, err := s.Next.TransferFrom(src, position, count)
	s.sent(n)
	return n, err
}

// TransferFromSource counts bytes handed to next, not bytes left staged
// in through.
func (s *BytesSentSink) TransferFromSource(src SourceConduit, count int64, through *pool.Buffer) (int64, error) {
	before := int64(through.Len())
	n, err := s.Next.TransferFromSource(src, count, through)
	s.sent(before + n - int64(through.Len()))
	return n, err
}

// BytesReceivedSource reports every nonzero read to onReceived.
type BytesReceivedSource struct {
	SourceBase
	onReceived func(n int64)
}

// NewBytesReceivedSource returns a counting pass-through source.
func NewBytesReceivedSource(next SourceConduit, onReceived func(n int64)) *BytesReceivedSource {
	return &BytesReceivedSource{SourceBase: SourceBase{Next: next}, onReceived: onReceived}
}

func (s *BytesReceivedSource) received(n int64) {
	if n > 0 {
		s.onReceived(n)
	}
}

func (s *BytesReceivedSource) Read(p []byte) (int, error) {
	n, err := s.Next.Read(p)
	s.received(int64(n))
	return n, err
}

func (s *BytesReceivedSource) Readv(bufs [][]byte) (int64, error) {
	n, err := s.Next.Readv(bufs)
	s.received(n)
	return n, err
}

func (s *BytesReceivedSource) TransferTo(dst io.WriterAt, position, count int64) (int64, error) {
	n, err := s.Next.TransferTo(dst, position, count)
	s.received(n)
	return n, err
}

func (s *BytesReceivedSource) TransferToSink(sink SinkConduit, count int64, through *pool.Buffer) (int64, error) {
	n, err := s.Next.TransferToSink(sink, count, through)
	s.received(n)
	return n, err
}
