package sluice

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/albertbausili/sluice/internal/conduit"
	"github.com/albertbausili/sluice/internal/h1"
	"github.com/albertbausili/sluice/internal/metrics"
)

// ErrNoHandler is returned by Start when no handler was set.
var ErrNoHandler = errors.New("sluice: handler not set")

// Server represents a server instance.
type Server struct {
	config      Config
	handler     Handler
	middlewares []Middleware
	registry    *prometheus.Registry
	metrics     *metrics.Metrics

	mu        sync.Mutex
	transport *h1.Server
}

// New creates a new Server with the provided configuration. It panics if
// the configuration is invalid.
func New(config Config) *Server {
	if err := config.Validate(); err != nil {
		panic(err)
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Server{
		config:   config,
		registry: registry,
		metrics:  metrics.New(registry),
	}
}

// NewWithDefaults creates a new Server with default configuration.
func NewWithDefaults() *Server {
	return New(DefaultConfig())
}

// Config returns the validated configuration.
func (s *Server) Config() Config { return s.config }

// Handler sets the request handler and returns the server for method chaining.
func (s *Server) Handler(handler Handler) *Server {
	s.handler = handler
	return s
}

// Use appends middlewares wrapped around the handler when the server starts.
func (s *Server) Use(middlewares ...Middleware) *Server {
	s.middlewares = append(s.middlewares, middlewares...)
	return s
}

// ListenAndServe sets the handler and starts the server.
func (s *Server) ListenAndServe(handler Handler) error {
	s.handler = handler
	return s.Start()
}

// Start begins accepting connections and returns once the listener is up.
func (s *Server) Start() error {
	if s.handler == nil {
		return ErrNoHandler
	}
	transport := h1.NewServer(Chain(s.middlewares...)(s.handler), s.transportConfig())

	s.mu.Lock()
	s.transport = transport
	s.mu.Unlock()
	return transport.Start()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	if transport == nil {
		return nil
	}
	return transport.Stop(ctx)
}

// ActiveConnections returns the number of open client connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return 0
	}
	return s.transport.ActiveConnections()
}

func (s *Server) transportConfig() h1.Config {
	c := &s.config
	provider := c.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return h1.Config{
		Addr:            c.Addr,
		Multicore:       c.Multicore,
		NumEventLoop:    c.NumEventLoop,
		ReusePort:       c.ReusePort,
		MaxConnections:  c.MaxConnections,
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		IdleTimeout:     c.IdleTimeout,
		MaxEntitySize:   c.MaxEntitySize,
		MaxHeaderBytes:  c.MaxHeaderBytes,
		BufferSize:      c.BufferSize,
		HighWater:       c.HighWater,
		RateLimitBytes:  c.RateLimitBytes,
		RateLimitWindow: c.RateLimitWindow,
		Compression: h1.CompressionConfig{
			Enabled:   c.Compression.Enabled,
			Level:     c.Compression.Level,
			MinSize:   c.Compression.MinSize,
			Encodings: c.Compression.Encodings,
		},
		DecodeRequests: c.DecodeRequests,
		PipelineFlush:  c.PipelineFlush,
		ServerName:     c.ServerName,
		Logger:         logger,
		Metrics:        s.metrics,
		Tracer:         provider.Tracer("github.com/albertbausili/sluice"),
		Propagator:     propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		Clock:          conduit.SystemClock,
	}
}
