package h1

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/albertbausili/sluice/internal/chunk"
	"github.com/albertbausili/sluice/internal/conduit"
	"github.com/albertbausili/sluice/internal/pool"
)

// exchange is one request/response pair on a connection. It is the
// conduit.Exchange the body conduits report into.
type exchange struct {
	c   *Connection
	req Request
	w   ResponseWriter

	persistent bool
	respLength int64
	headLength int64
	status     int
	framing    framing
	preChunked bool

	ctx   context.Context
	span  trace.Span
	start time.Time

	src     conduit.SourceConduit
	reqBody *bytebufferpool.ByteBuffer

	sink       conduit.SinkConduit
	out        []byte
	written    bool
	head       *bytebufferpool.ByteBuffer
	headQueued bool
	headDone   bool
	err        error
}

var _ conduit.Exchange = (*exchange)(nil)

func (e *exchange) SetPersistent(p bool) { e.persistent = e.persistent && p }

func (e *exchange) MaxEntitySize() int64 { return e.c.srv.cfg.MaxEntitySize }

func (e *exchange) AttachRequestTrailers(t *chunk.Trailers) { e.req.Trailers = t }

func (e *exchange) ResponseTrailers() *chunk.Trailers { return e.w.trailers }

func (e *exchange) SetResponseContentLength(n int64) { e.respLength = n }

func (e *exchange) reset() {
	e.req.Reset()
	e.w.reset()
	if e.reqBody != nil {
		bytebufferpool.Put(e.reqBody)
	}
	if e.head != nil {
		bytebufferpool.Put(e.head)
	}
	hdr, w := e.req.Header, e.w
	*e = exchange{c: e.c, w: w}
	e.req.Header = hdr
	e.req.ContentLength = -1
}

// begin starts tracing and builds the request body chain for a parsed head.
func (e *exchange) begin(now time.Time) error {
	srv := e.c.srv
	e.start = now
	e.persistent = e.req.KeepAlive
	e.respLength = -1

	parent := srv.propagator.Extract(context.Background(), headerCarrier(e.req.Header))
	e.ctx, e.span = srv.tracer.Start(parent, e.req.Method+" "+e.req.Path,
		trace.WithSpanKind(trace.SpanKindServer))
	e.span.SetAttributes(
		attribute.String("http.method", e.req.Method),
		attribute.String("http.target", e.req.Target),
		attribute.String("http.host", e.req.Host),
		attribute.String("http.flavor", strings.TrimPrefix(e.req.Proto, "HTTP/")),
		attribute.Int64("http.request_content_length", max(e.req.ContentLength, 0)),
	)

	if !e.req.HasBody() {
		return nil
	}

	alloc := srv.alloc
	var src conduit.SourceConduit
	if e.req.Chunked {
		src = conduit.NewChunkedSource(e.c.source, alloc, e, nil)
	} else {
		src = conduit.NewFixedLengthSource(e.c.source, e.req.ContentLength, e, nil)
	}

	if enc := e.req.ContentEncoding; enc != "" && enc != "identity" {
		if !srv.cfg.DecodeRequests || !conduit.Supported(enc) {
			_ = src.TerminateReads()
			e.persistent = false
			return fmt.Errorf("%w: content-encoding %q", errUnsupportedMedia, enc)
		}
		inflating, err := conduit.NewInflatingSource(src, enc, alloc, e, nil)
		if err != nil {
			_ = src.TerminateReads()
			return err
		}
		srv.metrics.Encoded("request", enc)
		src = inflating
	}

	var chain conduit.SourceChain
	chain.Add(func(next conduit.SourceConduit) conduit.SourceConduit {
		return conduit.NewFinishableSource(next, func(*conduit.FinishableSource) {
			e.span.AddEvent("request body read")
		})
	})
	e.src = chain.Wrap(src)
	e.reqBody = bytebufferpool.Get()
	return nil
}

var errUnsupportedMedia = errors.New("h1: unsupported request content-encoding")

// readBody drains the request body chain into memory. It reports whether
// the body is complete; (false, nil) means the source would block.
func (e *exchange) readBody(scratch *pool.Buffer) (bool, error) {
	if e.src == nil {
		return true, nil
	}
	for {
		scratch.Reset()
		n, err := e.src.Read(scratch.Free())
		if n > 0 {
			_, _ = e.reqBody.Write(scratch.Free()[:n])
		}
		switch {
		case err == io.EOF:
			e.req.Body = e.reqBody.B
			return true, nil
		case err != nil:
			return false, err
		case n == 0:
			return false, nil
		}
	}
}

// abortBody shuts down a partly read request body.
func (e *exchange) abortBody() {
	if e.src != nil {
		_ = e.src.TerminateReads()
		e.src = nil
	}
	e.persistent = false
}

// startResponse builds the response chain for what the handler produced.
func (e *exchange) startResponse() error {
	srv := e.c.srv
	w := &e.w

	if isChunked(w.GetHeader("transfer-encoding")) {
		if e.req.ProtoMinor == 0 {
			srv.logger.Debug("handler framed a chunked body for an HTTP/1.0 client",
				zap.String("target", e.req.Target))
			w.reset()
			w.WriteHeader(http.StatusInternalServerError)
			e.persistent = false
		} else {
			e.preChunked = true
		}
	}

	e.status = w.Status()
	body := w.bodyBytes()

	if name := srv.cfg.ServerName; name != "" && w.GetHeader("server") == "" {
		w.SetHeader("server", name)
	}

	if e.req.Method == sHEAD || !bodyAllowed(e.status) {
		e.headLength = int64(len(body))
		e.sink = e.frameBody()
		e.out = nil
		return nil
	}

	e.out = body
	if e.preChunked {
		e.sink = e.frameBody()
		return nil
	}

	var chain conduit.SinkChain
	length := int64(len(body))

	if e.status == http.StatusOK && e.req.Range != "" && w.trailers.Len() == 0 && w.GetHeader("content-encoding") == "" {
		start, end, ok := parseRange(e.req.Range, length)
		switch {
		case ok && start >= 0:
			e.status = http.StatusPartialContent
			w.SetHeader("content-range", fmt.Sprintf("bytes %d-%d/%d", start, end, length))
			length = end - start + 1
			chain.Add(func(next conduit.SinkConduit) conduit.SinkConduit {
				return conduit.NewRangeSink(next, start, end)
			})
		case ok:
			e.status = http.StatusRequestedRangeNotSatisfiable
			w.SetHeader("content-range", "bytes */"+strconv.FormatInt(length, 10))
			e.out, length = nil, 0
		}
	}

	// Range offsets refer to the identity body, so a range is never encoded.
	if enc := e.negotiate(length); enc != "" && chain.Len() == 0 {
		e.framing.encoding, e.framing.vary = enc, true
		sink, err := conduit.NewDeflatingSink(e.frameBody, enc, srv.cfg.Compression.Level, srv.alloc, e)
		if err != nil {
			return err
		}
		srv.metrics.Encoded("response", enc)
		e.sink = sink
		return nil
	}

	if w.trailers.Len() == 0 {
		e.SetResponseContentLength(length)
	}
	e.sink = chain.Wrap(e.frameBody())
	return nil
}

// isChunked reports whether a transfer-encoding value ends in chunked.
func isChunked(te string) bool {
	if te == "" {
		return false
	}
	last := te
	if i := strings.LastIndexByte(te, ','); i >= 0 {
		last = te[i+1:]
	}
	return strings.EqualFold(strings.TrimSpace(last), "chunked")
}

// negotiate picks a content coding for a body of n bytes, or "".
func (e *exchange) negotiate(n int64) string {
	cfg := &e.c.srv.cfg.Compression
	if !cfg.Enabled || n < int64(cfg.MinSize) || e.status != http.StatusOK ||
		e.w.GetHeader("content-encoding") != "" || e.req.AcceptEncoding == "" {
		return ""
	}
	return negotiateEncoding(e.req.AcceptEncoding, cfg.Encodings)
}

// frameBody queues the response head and returns the sink that frames the
// body according to the length known at this point. Compressing sinks call
// it once their first output is ready.
func (e *exchange) frameBody() conduit.SinkConduit {
	c := e.c
	f := &e.framing
	f.length = -1
	f.close = !e.persistent

	finished := func() {
		if e.span != nil {
			e.span.AddEvent("response body written")
		}
	}
	var sink conduit.SinkConduit
	switch {
	case e.req.Method == sHEAD:
		f.chunked = e.preChunked
		if f.encoding == "" && !f.chunked {
			f.length = e.headLength
		}
		sink = conduit.NewHeadSink(c.sink, false, func(*conduit.HeadSink) { finished() })
	case !bodyAllowed(e.status):
		sink = conduit.NewHeadSink(c.sink, false, func(*conduit.HeadSink) { finished() })
	case e.preChunked:
		// The handler wrote the chunk framing itself; it is validated, not added.
		f.chunked = true
		if names := e.w.GetHeader("trailer"); names != "" {
			f.trailerNames = append(f.trailerNames, names)
		}
		sink = conduit.NewPreChunkedSink(c.sink, false, func(*conduit.PreChunkedSink) { finished() })
	case e.respLength >= 0 && e.w.trailers.Len() == 0:
		f.length = e.respLength
		sink = conduit.NewFixedLengthSink(c.sink, e.respLength, false, func(*conduit.FixedLengthSink) { finished() })
	case e.req.ProtoMinor == 1:
		f.chunked = true
		e.w.trailers.Each(func(name string, _ []string) {
			f.trailerNames = append(f.trailerNames, name)
		})
		cs := conduit.NewChunkedSink(c.sink, e, false, func(*conduit.ChunkedSink) { finished() })
		cs.SetLogger(c.srv.logger)
		cs.CommitFraming()
		sink = cs
	default:
		// An HTTP/1.0 body of unknown length ends when the connection does.
		e.persistent = false
		f.close = true
		sink = &closeDelimitedSink{SinkBase: conduit.SinkBase{Next: c.sink}, onFinish: finished}
	}

	e.head = bytebufferpool.Get()
	e.head.B = appendHead(e.head.B, e.req.Proto, e.status, e.w.header, *f)
	e.headQueued = true
	_ = c.sink.QueueFrame(e.headWritten, e.head.B)
	return sink
}

func (e *exchange) headWritten(err error) {
	e.headDone = true
	if err != nil && e.err == nil {
		e.err = err
	}
}

// writeResponse pushes the response body through the chain. It reports
// whether the response has been fully handed to the connection. Partial
// writes are retried as long as the chain keeps accepting bytes.
func (e *exchange) writeResponse() (bool, error) {
	if e.err != nil {
		return false, e.err
	}
	for !e.written {
		n, err := e.sink.WriteFinal(e.out)
		e.out = e.out[n:]
		if err != nil {
			return false, err
		}
		if len(e.out) == 0 {
			e.written = true
			break
		}
		if n == 0 {
			return false, nil
		}
	}
	flushed, err := e.sink.Flush()
	if err != nil || !flushed {
		return false, err
	}
	if e.headQueued && !e.headDone {
		// The body sink never wrote, so the head is still queued.
		if empty, err := e.c.sink.FlushQueued(); err != nil || !empty {
			return false, err
		}
	}
	return e.err == nil, e.err
}

// breakChains pins err on the body conduits so any later use of them
// reports the failure that ended the connection.
func (e *exchange) breakChains(err error) {
	if e.sink != nil {
		e.sink = conduit.NewBrokenSink(e.sink, err)
	}
	if e.src != nil {
		e.src = conduit.NewBrokenSource(e.src, err)
	}
}

// finish records the outcome of the exchange.
func (e *exchange) finish(now time.Time, err error) {
	srv := e.c.srv
	srv.metrics.ObserveExchange(e.req.Method, e.status, now.Sub(e.start), int64(len(e.w.bodyBytes())))
	if e.span == nil {
		return
	}
	e.span.SetAttributes(attribute.Int("http.status_code", e.status))
	switch {
	case err != nil:
		e.span.RecordError(err)
		e.span.SetStatus(codes.Error, err.Error())
	case e.status >= 400:
		e.span.SetStatus(codes.Error, "HTTP error")
	default:
		e.span.SetStatus(codes.Ok, "")
	}
	e.span.End()
	if err != nil {
		srv.metrics.FramingFailure(err)
		srv.logger.Debug("exchange failed",
			zap.String("method", e.req.Method),
			zap.String("target", e.req.Target),
			zap.Error(err))
	}
}

// closeDelimitedSink passes the body through unchanged; the response ends
// when the connection closes.
type closeDelimitedSink struct {
	conduit.SinkBase
	closed   bool
	onFinish func()
}

func (s *closeDelimitedSink) WriteFinal(p []byte) (int, error) {
	return conduit.WriteFinalBasic(s, p)
}

func (s *closeDelimitedSink) WritevFinal(bufs [][]byte) (int64, error) {
	return conduit.WritevFinalBasic(s, bufs)
}

func (s *closeDelimitedSink) TerminateWrites() error {
	s.closed = true
	return nil
}

func (s *closeDelimitedSink) Flush() (bool, error) {
	flushed, err := s.Next.Flush()
	if flushed && s.closed && s.onFinish != nil {
		s.onFinish()
		s.onFinish = nil
	}
	return flushed, err
}

func (s *closeDelimitedSink) IsWriteShutdown() bool { return s.closed }

// parseRange interprets a single "bytes=" range against a body of size
// bytes. ok is false when the header should be ignored; start is -1 when
// the range cannot be satisfied.
func parseRange(rng string, size int64) (start, end int64, ok bool) {
	rest, found := strings.CutPrefix(rng, "bytes=")
	if !found || strings.Contains(rest, ",") {
		return 0, 0, false
	}
	first, last, found := strings.Cut(strings.TrimSpace(rest), "-")
	if !found {
		return 0, 0, false
	}
	switch {
	case first == "":
		n, valid := parseInt64Bytes([]byte(last))
		if !valid {
			return 0, 0, false
		}
		if n == 0 || size == 0 {
			return -1, 0, true
		}
		return max(size-n, 0), size - 1, true
	default:
		s, valid := parseInt64Bytes([]byte(first))
		if !valid {
			return 0, 0, false
		}
		e := size - 1
		if last != "" {
			if e, valid = parseInt64Bytes([]byte(last)); !valid || e < s {
				return 0, 0, false
			}
		}
		if s >= size {
			return -1, 0, true
		}
		return s, min(e, size-1), true
	}
}

// negotiateEncoding returns the first of prefs the client accepts with a
// non-zero quality, or "".
func negotiateEncoding(accept string, prefs []string) string {
	accepted := make(map[string]bool, 4)
	wildcard := false
	for part := range strings.SplitSeq(accept, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		ok := true
		if q, found := strings.CutPrefix(strings.TrimSpace(params), "q="); found {
			v, err := strconv.ParseFloat(q, 64)
			ok = err == nil && v > 0
		}
		if name == "*" {
			wildcard = ok
			continue
		}
		accepted[name] = ok
	}
	for _, p := range prefs {
		if ok, listed := accepted[p]; ok || (!listed && wildcard) {
			return p
		}
	}
	return ""
}

// headerCarrier lets trace context propagate from request headers.
type headerCarrier [][2]string

func (h headerCarrier) Get(key string) string {
	key = strings.ToLower(key)
	for _, kv := range h {
		if kv[0] == key {
			return kv[1]
		}
	}
	return ""
}

func (h headerCarrier) Set(string, string) {}

func (h headerCarrier) Keys() []string {
	keys := make([]string, 0, len(h))
	for _, kv := range h {
		keys = append(keys, kv[0])
	}
	return keys
}
