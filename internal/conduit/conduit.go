// Package conduit implements composable, non-blocking byte-stream transforms
// that sit between a raw connection and HTTP exchange processing.
//
// Every conduit wraps exactly one next conduit. Writes flow top-down from the
// application towards the socket, reads flow bottom-up. No operation blocks:
// a conduit that cannot make progress returns a zero count and the caller
// retries on the next readiness notification. The only exception is
// RateLimitingSink.AwaitWritable, which sleeps on purpose.
//
// Buffers are plain byte slices. A call returns the exact number of bytes it
// consumed or produced; when a conduit needs to cap a transfer it hands a
// narrowed re-slice to next and never touches the caller's slice headers.
package conduit

import (
	"io"
	"time"

	"github.com/albertbausili/sluice/internal/chunk"
	"github.com/albertbausili/sluice/internal/pool"
)

// ReadyHandler is invoked when a conduit may make progress again.
type ReadyHandler func()

// SinkConduit is the write side of a conduit chain.
type SinkConduit interface {
	// Write consumes bytes from p and returns how many were taken. Zero with
	// a nil error means next is not ready.
	Write(p []byte) (int, error)
	// Writev is the gather form of Write.
	Writev(bufs [][]byte) (int64, error)
	// WriteFinal writes p as the last bytes of the stream and terminates
	// writes once p is fully consumed.
	WriteFinal(p []byte) (int, error)
	// WritevFinal is the gather form of WriteFinal.
	WritevFinal(bufs [][]byte) (int64, error)
	// TransferFrom writes up to count bytes read from src at position.
	TransferFrom(src io.ReaderAt, position, count int64) (int64, error)
	// TransferFromSource moves up to count bytes from src, staging them in
	// through. It returns the number of bytes read from src; bytes left in
	// through were read but not yet written.
	TransferFromSource(src SourceConduit, count int64, through *pool.Buffer) (int64, error)
	// Flush pushes buffered state downstream and reports whether everything
	// has been flushed.
	Flush() (bool, error)
	// TerminateWrites requests a graceful close once buffered content drains.
	TerminateWrites() error
	// TruncateWrites aborts the stream, releasing resources immediately.
	TruncateWrites() error
	IsWriteShutdown() bool

	SuspendWrites()
	ResumeWrites()
	WakeupWrites()
	IsWriteResumed() bool
	AwaitWritable(timeout time.Duration) error
	SetWriteReadyHandler(h ReadyHandler)
}

// SourceConduit is the read side of a conduit chain.
type SourceConduit interface {
	// Read fills p. It returns (0, nil) when no bytes are available yet and
	// (0, io.EOF) at end of stream.
	Read(p []byte) (int, error)
	// Readv is the scatter form of Read.
	Readv(bufs [][]byte) (int64, error)
	// TransferTo reads up to count bytes and writes them to dst at position.
	TransferTo(dst io.WriterAt, position, count int64) (int64, error)
	// TransferToSink moves up to count bytes into sink, staging them in
	// through. Bytes left in through were read but not yet written.
	TransferToSink(sink SinkConduit, count int64, through *pool.Buffer) (int64, error)
	TerminateReads() error
	IsReadShutdown() bool

	SuspendReads()
	ResumeReads()
	WakeupReads()
	IsReadResumed() bool
	AwaitReadable(timeout time.Duration) error
	SetReadReadyHandler(h ReadyHandler)
}

// Exchange is the slice of the owning request/response exchange that
// conduits report into.
type Exchange interface {
	// SetPersistent marks whether the connection may be reused.
	SetPersistent(persistent bool)
	// MaxEntitySize returns the request body limit; zero or less means none.
	MaxEntitySize() int64
	// AttachRequestTrailers stores trailers parsed from a chunked request.
	AttachRequestTrailers(t *chunk.Trailers)
	// ResponseTrailers returns trailers to send after a chunked response.
	ResponseTrailers() *chunk.Trailers
	// SetResponseContentLength fixes the response length and drops any
	// transfer-coding; a negative n means the length is unknown.
	SetResponseContentLength(n int64)
}

// NopExchange is an Exchange that records nothing.
type NopExchange struct{}

func (NopExchange) SetPersistent(bool)                    {}
func (NopExchange) MaxEntitySize() int64                  { return 0 }
func (NopExchange) AttachRequestTrailers(*chunk.Trailers) {}
func (NopExchange) ResponseTrailers() *chunk.Trailers     { return nil }
func (NopExchange) SetResponseContentLength(int64)        {}

func exchangeOrNop(ex Exchange) Exchange {
	if ex == nil {
		return NopExchange{}
	}
	return ex
}

// SinkFactory creates the next sink on demand. Conduits that may finish
// their output before knowing how it will be framed take one instead of a
// ready-made next.
type SinkFactory func() SinkConduit

// SinkBase passes every call through to Next. Conduits embed it and
// override the calls they transform.
type SinkBase struct {
	Next SinkConduit
}

func (s *SinkBase) Write(p []byte) (int, error)           { return s.Next.Write(p) }
func (s *SinkBase) Writev(bufs [][]byte) (int64, error)   { return s.Next.Writev(bufs) }
func (s *SinkBase) WriteFinal(p []byte) (int, error)      { return s.Next.WriteFinal(p) }
func (s *SinkBase) WritevFinal(b [][]byte) (int64, error) { return s.Next.WritevFinal(b) }
func (s *SinkBase) Flush() (bool, error)                  { return s.Next.Flush() }
func (s *SinkBase) TerminateWrites() error                { return s.Next.TerminateWrites() }
func (s *SinkBase) TruncateWrites() error                 { return s.Next.TruncateWrites() }
func (s *SinkBase) IsWriteShutdown() bool                 { return s.Next.IsWriteShutdown() }
func (s *SinkBase) SuspendWrites()                        { s.Next.SuspendWrites() }
func (s *SinkBase) ResumeWrites()                         { s.Next.ResumeWrites() }
func (s *SinkBase) WakeupWrites()                         { s.Next.WakeupWrites() }
func (s *SinkBase) IsWriteResumed() bool                  { return s.Next.IsWriteResumed() }
func (s *SinkBase) SetWriteReadyHandler(h ReadyHandler)   { s.Next.SetWriteReadyHandler(h) }

func (s *SinkBase) AwaitWritable(timeout time.Duration) error {
	return s.Next.AwaitWritable(timeout)
}

func (s *SinkBase) TransferFrom(src io.ReaderAt, position, count int64) (int64, error) {
	return s.Next.TransferFrom(src, position, count)
}

func (s *SinkBase) TransferFromSource(src SourceConduit, count int64, through *pool.Buffer) (int64, error) {
	return s.Next.TransferFromSource(src, count, through)
}

// SourceBase passes every call through to Next.
type SourceBase struct {
	Next SourceConduit
}

func (s *SourceBase) Read(p []byte) (int, error)         { return s.Next.Read(p) }
func (s *SourceBase) Readv(bufs [][]byte) (int64, error) { return s.Next.Readv(bufs) }
func (s *SourceBase) TerminateReads() error              { return s.Next.TerminateReads() }
func (s *SourceBase) IsReadShutdown() bool               { return s.Next.IsReadShutdown() }
func (s *SourceBase) SuspendReads()                      { s.Next.SuspendReads() }
func (s *SourceBase) ResumeReads()                       { s.Next.ResumeReads() }
func (s *SourceBase) WakeupReads()                       { s.Next.WakeupReads() }
func (s *SourceBase) IsReadResumed() bool                { return s.Next.IsReadResumed() }
func (s *SourceBase) SetReadReadyHandler(h ReadyHandler) { s.Next.SetReadReadyHandler(h) }

func (s *SourceBase) AwaitReadable(timeout time.Duration) error {
	return s.Next.AwaitReadable(timeout)
}

func (s *SourceBase) TransferTo(dst io.WriterAt, position, count int64) (int64, error) {
	return s.Next.TransferTo(dst, position, count)
}

func (s *SourceBase) TransferToSink(sink SinkConduit, count int64, through *pool.Buffer) (int64, error) {
	return s.Next.TransferToSink(sink, count, through)
}
