package h1

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/panjf2000/gnet/v2"
	"go.uber.org/zap"

	"github.com/albertbausili/sluice/internal/conduit"
	"github.com/albertbausili/sluice/internal/pool"
)

type phase uint8

const (
	phaseHead phase = iota
	phaseBody
	phaseRespond
	phaseClose
	phaseDone
)

// Connection drives the exchanges of one client connection. All of its
// methods run on the connection's event loop; readiness notifications from
// other goroutines are handed back to the loop through Wake.
type Connection struct {
	srv  *Server
	conn conduit.Conn

	rawSink   *conduit.ConnSink
	rawSource *conduit.ConnSource
	idle      *conduit.IdleTimeout
	pipe      *conduit.PipeliningSink
	sink      *conduit.FramedSink
	source    *conduit.PushBackSource

	head    *pool.Buffer
	scratch *pool.Buffer
	ex      exchange
	phase   phase
	running bool
	queued  atomic.Bool
}

func newConnection(srv *Server, conn conduit.Conn) *Connection {
	cfg := &srv.cfg
	c := &Connection{srv: srv, conn: conn}
	c.ex.c = c
	c.ex.req.ContentLength = -1

	c.rawSink = conduit.NewConnSink(conn, cfg.HighWater, srv.clock)
	c.rawSource = conduit.NewConnSource(conn)

	var sinks conduit.SinkChain
	var sources conduit.SourceChain
	sinks.Add(func(next conduit.SinkConduit) conduit.SinkConduit {
		return conduit.NewBytesSentSink(next, srv.metrics.BytesSent)
	})
	sources.Add(func(next conduit.SourceConduit) conduit.SourceConduit {
		return conduit.NewBytesReceivedSource(next, srv.metrics.BytesReceived)
	})
	if cfg.WriteTimeout > 0 {
		sinks.Add(func(next conduit.SinkConduit) conduit.SinkConduit {
			return conduit.NewWriteTimeoutSink(next, cfg.WriteTimeout, srv.clock, c.wake)
		})
	}
	if cfg.ReadTimeout > 0 {
		sources.Add(func(next conduit.SourceConduit) conduit.SourceConduit {
			return conduit.NewReadTimeoutSource(next, cfg.ReadTimeout, srv.clock, c.wake)
		})
	}
	if cfg.RateLimitBytes > 0 {
		sinks.Add(func(next conduit.SinkConduit) conduit.SinkConduit {
			return conduit.NewRateLimitingSink(next, cfg.RateLimitBytes, cfg.RateLimitWindow, srv.clock)
		})
	}
	sink, source := sinks.Wrap(c.rawSink), sources.Wrap(c.rawSource)
	if cfg.IdleTimeout > 0 {
		c.idle = conduit.NewIdleTimeout(sink, source, cfg.IdleTimeout, srv.clock, c.wake)
		c.idle.SetLogger(srv.logger)
		sink, source = c.idle.Sink(), c.idle.Source()
	}
	if cfg.PipelineFlush {
		c.pipe = conduit.NewPipeliningSink(sink, srv.alloc)
		sink = c.pipe
	}
	c.sink = conduit.NewFramedSink(sink)
	c.source = conduit.NewPushBackSource(source)
	c.sink.SetWriteReadyHandler(c.wake)
	c.source.SetReadReadyHandler(c.wake)
	return c
}

// wake schedules process on the event loop.
func (c *Connection) wake() {
	if !c.queued.CompareAndSwap(false, true) {
		return
	}
	if err := c.conn.Wake(c.onWake); err != nil {
		c.queued.Store(false)
	}
}

func (c *Connection) onWake(gnet.Conn, error) error {
	c.queued.Store(false)
	c.process()
	return nil
}

// process advances the connection until it has to wait for the peer.
func (c *Connection) process() {
	if c.running {
		return
	}
	c.running = true
	defer func() { c.running = false }()

	for {
		var more bool
		switch c.phase {
		case phaseHead:
			more = c.readHead()
		case phaseBody:
			more = c.readBody()
		case phaseRespond:
			more = c.respond()
		case phaseClose:
			more = c.shutdown()
		default:
			return
		}
		if !more {
			return
		}
	}
}

func (c *Connection) readHead() bool {
	if c.head == nil {
		c.head = c.srv.headAlloc.Allocate()
	}
	for {
		for c.head.Len() >= 2 && bytes.HasPrefix(c.head.Bytes(), crlf) {
			c.head.Advance(2)
		}
		if c.head.Len() > 0 {
			n, err := ParseRequest(c.head.Bytes(), &c.ex.req)
			if err != nil {
				c.fail(statusFor(err), err)
				return true
			}
			if n > 0 {
				c.head.Advance(n)
				c.source.PushBack(c.head)
				c.head = nil
				return c.beginExchange()
			}
		}

		c.head.Compact()
		if c.head.Available() == 0 {
			c.fail(http.StatusRequestHeaderFieldsTooLarge, ErrHeadTooLarge)
			return true
		}
		n, err := c.source.Read(c.head.Free())
		c.head.Commit(n)
		switch {
		case err == io.EOF:
			c.phase = phaseClose
			return true
		case err != nil:
			c.abort(err)
			return false
		case n == 0:
			if !c.flushPipelined() {
				return false
			}
			c.source.ResumeReads()
			return false
		}
	}
}

func (c *Connection) beginExchange() bool {
	if err := c.ex.begin(c.srv.clock.Now()); err != nil {
		c.fail(statusFor(err), err)
		return true
	}
	if c.scratch == nil && c.ex.src != nil {
		c.scratch = c.srv.alloc.Allocate()
	}
	c.phase = phaseBody
	return true
}

func (c *Connection) readBody() bool {
	done, err := c.ex.readBody(c.scratch)
	switch {
	case err != nil:
		c.ex.abortBody()
		c.fail(statusFor(err), err)
		return true
	case !done:
		c.source.ResumeReads()
		return false
	}
	c.source.SuspendReads()
	c.srv.serve(&c.ex)
	if err := c.ex.startResponse(); err != nil {
		c.abort(err)
		return false
	}
	c.phase = phaseRespond
	return true
}

func (c *Connection) respond() bool {
	done, err := c.ex.writeResponse()
	if err != nil {
		c.abort(err)
		return false
	}
	if !done {
		c.sink.ResumeWrites()
		return false
	}
	c.sink.SuspendWrites()
	persistent := c.ex.persistent
	c.ex.finish(c.srv.clock.Now(), nil)
	c.ex.reset()
	if !persistent {
		c.phase = phaseClose
		return true
	}
	c.phase = phaseHead
	return true
}

// shutdown drains queued output and closes the connection.
func (c *Connection) shutdown() bool {
	_ = c.sink.TerminateWrites()
	flushed, err := c.sink.Flush()
	switch {
	case err != nil:
		c.abort(err)
	case !flushed:
		c.sink.ResumeWrites()
	default:
		c.phase = phaseDone
	}
	return false
}

// flushPipelined pushes coalesced responses out once no request is
// waiting. It reports whether nothing is left buffered.
func (c *Connection) flushPipelined() bool {
	if c.pipe == nil {
		return true
	}
	flushed, err := c.pipe.FlushPipelined()
	if err != nil {
		c.abort(err)
		return false
	}
	if !flushed {
		c.sink.ResumeWrites()
	}
	return true
}

// fail answers the current request with an error status and closes the
// connection afterwards.
func (c *Connection) fail(status int, cause error) {
	e := &c.ex
	if e.req.Proto == "" {
		e.req.Proto, e.req.ProtoMinor, e.req.Method = sHTTP1, 1, sGET
	}
	if e.span == nil {
		e.start = c.srv.clock.Now()
	}
	e.persistent = false
	e.w.reset()
	e.w.WriteHeader(status)
	e.w.SetHeader("content-type", "text/plain; charset=utf-8")
	_, _ = e.w.WriteString(http.StatusText(status))
	e.req.AcceptEncoding, e.req.Range = "", ""
	if err := e.startResponse(); err != nil {
		c.abort(err)
		return
	}
	c.srv.metrics.FramingFailure(cause)
	c.srv.logger.Debug("rejecting request",
		zap.Int("status", status),
		zap.Error(cause))
	c.source.SuspendReads()
	c.phase = phaseRespond
}

// abort drops the connection without a response.
func (c *Connection) abort(err error) {
	if c.phase == phaseDone {
		return
	}
	if c.ex.span != nil {
		c.ex.finish(c.srv.clock.Now(), err)
	}
	c.ex.breakChains(err)
	c.phase = phaseDone
	_ = c.sink.TruncateWrites()
	_ = c.source.TerminateReads()
}

// closed releases what the connection holds once gnet closed it.
func (c *Connection) closed() {
	c.rawSource.MarkEOF()
	if c.phase != phaseDone {
		c.abort(io.ErrUnexpectedEOF)
	}
	if c.ex.src != nil {
		_ = c.ex.src.TerminateReads()
	}
	_ = c.source.TerminateReads()
	c.ex.reset()
	if c.head != nil {
		c.head.Release()
		c.head = nil
	}
	if c.scratch != nil {
		c.scratch.Release()
		c.scratch = nil
	}
}

// statusFor maps a request failure to the status answering it.
func statusFor(err error) int {
	switch {
	case errors.Is(err, conduit.ErrEntityTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrUnsupportedVersion):
		return http.StatusHTTPVersionNotSupported
	case errors.Is(err, ErrUnsupportedCoding):
		return http.StatusNotImplemented
	case errors.Is(err, errUnsupportedMedia):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrHeadTooLarge):
		return http.StatusRequestHeaderFieldsTooLarge
	case errors.Is(err, conduit.ErrTimedOut):
		return http.StatusRequestTimeout
	}
	return http.StatusBadRequest
}

// rejectResponse is written to connections over the configured limit.
var rejectResponse = []byte("HTTP/1.1 503 Service Unavailable\r\n" +
	"content-type: text/plain\r\n" +
	"content-length: " + strconv.Itoa(len("Service Unavailable")) + "\r\n" +
	"connection: close\r\n" +
	"\r\n" +
	"Service Unavailable")
