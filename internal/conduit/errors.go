package conduit

import (
	"errors"

	"github.com/albertbausili/sluice/internal/chunk"
)

var (
	// ErrClosed is returned when writing to a sink whose writes were
	// already terminated.
	ErrClosed = errors.New("conduit: stream closed")
	// ErrOverflow is returned when a write exceeds a declared length.
	ErrOverflow = errors.New("conduit: fixed-length content overflow")
	// ErrUnderflow is returned when a stream ends before its declared
	// length was satisfied.
	ErrUnderflow = errors.New("conduit: fixed-length content underflow")
	// ErrMalformed reports a protocol framing violation.
	ErrMalformed = chunk.ErrMalformed
	// ErrClosedMidChunk is returned when a chunked sink is terminated with
	// part of a chunk still unwritten.
	ErrClosedMidChunk = errors.New("conduit: stream closed mid-chunk")
	// ErrDataAfterLastChunk is returned by a pre-chunked sink for bytes
	// following the terminating chunk.
	ErrDataAfterLastChunk = chunk.ErrDataAfterLastChunk
	// ErrPrematureEOF is returned when the underlying stream ended before
	// the framing was complete.
	ErrPrematureEOF = errors.New("conduit: premature end of stream")
	// ErrEntityTooLarge is returned when a request body exceeds the
	// exchange's entity limit.
	ErrEntityTooLarge = errors.New("conduit: request entity too large")
	// ErrTimedOut is returned by every operation after a timeout conduit
	// closed the connection.
	ErrTimedOut = errors.New("conduit: timed out")
)
