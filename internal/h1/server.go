package h1

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/albertbausili/sluice/internal/conduit"
	"github.com/albertbausili/sluice/internal/date"
	"github.com/albertbausili/sluice/internal/metrics"
	"github.com/albertbausili/sluice/internal/pool"
)

// Handler serves one exchange. It runs on the connection's event loop and
// must not block.
type Handler interface {
	Serve(w *ResponseWriter, r *Request)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(w *ResponseWriter, r *Request)

// Serve calls f(w, r).
func (f HandlerFunc) Serve(w *ResponseWriter, r *Request) { f(w, r) }

// CompressionConfig controls response content coding.
type CompressionConfig struct {
	Enabled bool
	Level   int
	// MinSize is the smallest body worth compressing.
	MinSize int
	// Encodings lists the codings to offer, most preferred first.
	Encodings []string
}

// Config defines the configuration options for the HTTP/1.1 server.
type Config struct {
	Addr           string
	Multicore      bool
	NumEventLoop   int
	ReusePort      bool
	MaxConnections uint32

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MaxEntitySize  int64
	MaxHeaderBytes int
	BufferSize     int
	HighWater      int

	RateLimitBytes  int64
	RateLimitWindow time.Duration

	Compression    CompressionConfig
	DecodeRequests bool
	PipelineFlush  bool
	ServerName     string

	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
	Propagator propagation.TextMapPropagator
	Clock      conduit.Clock
}

// Server implements gnet.EventHandler for HTTP/1.1.
type Server struct {
	gnet.BuiltinEventEngine

	cfg        Config
	handler    Handler
	logger     *zap.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	clock      conduit.Clock
	alloc      pool.Allocator
	headAlloc  pool.Allocator

	activeConns atomic.Uint32
	engine      gnet.Engine
	booted      chan struct{}
	done        chan error
	stopDate    func()
}

// NewServer creates a server that dispatches exchanges to handler.
func NewServer(handler Handler, cfg Config) *Server {
	s := &Server{
		cfg:        cfg,
		handler:    handler,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		propagator: cfg.Propagator,
		clock:      cfg.Clock,
		alloc:      pool.NewAllocator(cfg.BufferSize),
		headAlloc:  pool.NewAllocator(cfg.MaxHeaderBytes),
		booted:     make(chan struct{}),
		done:       make(chan error, 1),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("sluice")
	}
	if s.propagator == nil {
		s.propagator = propagation.TraceContext{}
	}
	if s.clock == nil {
		s.clock = conduit.SystemClock
	}
	return s
}

func (s *Server) options() []gnet.Option {
	options := []gnet.Option{
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithReusePort(s.cfg.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithTCPKeepAlive(time.Minute),
		gnet.WithLogger(s.logger.Sugar()),
		gnet.WithLoadBalancing(gnet.RoundRobin),
	}
	if s.cfg.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.cfg.NumEventLoop))
	}
	if s.cfg.BufferSize > 0 {
		options = append(options, gnet.WithReadBufferCap(s.cfg.BufferSize))
	}
	return options
}

// Serve runs the event loops until the server is stopped.
func (s *Server) Serve() error {
	s.stopDate = date.StartTicker()
	defer s.stopDate()
	s.logger.Info("starting HTTP/1.1 server",
		zap.String("addr", s.cfg.Addr),
		zap.Bool("multicore", s.cfg.Multicore))
	return gnet.Run(s, "tcp://"+s.cfg.Addr, s.options()...)
}

// Start runs Serve in the background and returns once the listener is up.
func (s *Server) Start() error {
	go func() { s.done <- s.Serve() }()
	select {
	case <-s.booted:
		return nil
	case err := <-s.done:
		if err == nil {
			err = errors.New("h1: server exited during start")
		}
		return err
	}
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	select {
	case <-s.booted:
	default:
		return nil
	}
	s.logger.Info("initiating graceful shutdown")
	if err := s.engine.Stop(ctx); err != nil {
		s.logger.Error("error stopping gnet engine", zap.Error(err))
		return err
	}
	s.logger.Info("HTTP/1.1 server shutdown complete")
	return nil
}

// ActiveConnections returns the number of open connections.
func (s *Server) ActiveConnections() int { return int(s.activeConns.Load()) }

// OnBoot is called when the server is ready to accept connections.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.logger.Info("HTTP/1.1 server is listening", zap.String("addr", s.cfg.Addr))
	close(s.booted)
	return gnet.None
}

// OnOpen is called when a new connection is opened.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	if limit := s.cfg.MaxConnections; limit > 0 && s.activeConns.Load() >= limit {
		s.logger.Warn("connection rejected: too many connections",
			zap.Stringer("remote", c.RemoteAddr()),
			zap.Uint32("limit", limit))
		return rejectResponse, gnet.Close
	}
	s.activeConns.Add(1)
	s.metrics.ConnOpened()
	c.SetContext(newConnection(s, c))
	s.logger.Debug("connection opened", zap.Stringer("remote", c.RemoteAddr()))
	return nil, gnet.None
}

// OnClose is called when a connection is closed.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	conn, ok := c.Context().(*Connection)
	if !ok {
		return gnet.None
	}
	s.activeConns.Add(^uint32(0))
	s.metrics.ConnClosed()
	conn.closed()
	if err != nil {
		s.logger.Debug("connection closed with error",
			zap.Stringer("remote", c.RemoteAddr()), zap.Error(err))
	}
	return gnet.None
}

// OnTraffic is called when data is received on a connection.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	conn, ok := c.Context().(*Connection)
	if !ok {
		return gnet.Close
	}
	conn.process()
	return gnet.None
}

// serve runs the handler, turning a panic into a 500 response.
func (s *Server) serve(e *exchange) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked",
				zap.Any("panic", r),
				zap.String("target", e.req.Target))
			e.w.reset()
			e.w.WriteHeader(http.StatusInternalServerError)
			e.persistent = false
		}
	}()
	e.req.ctx = e.ctx
	s.handler.Serve(&e.w, &e.req)
}
