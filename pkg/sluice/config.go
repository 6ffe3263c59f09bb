// Package sluice provides a non-blocking HTTP/1.1 server whose message
// bodies flow through composable conduits on gnet event loops.
package sluice

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/albertbausili/sluice/internal/conduit"
)

// CompressionConfig controls response content coding.
type CompressionConfig struct {
	Enabled   bool     `yaml:"enabled"`   // Compress responses the client accepts encoded
	Level     int      `yaml:"level"`     // Coding-specific level, -1 for each coding's default
	MinSize   int      `yaml:"min_size"`  // Smallest body worth compressing
	Encodings []string `yaml:"encodings"` // Offered codings, most preferred first
}

// Config holds the server configuration options.
type Config struct {
	Addr           string        `yaml:"addr"`             // Server address to bind to
	Multicore      bool          `yaml:"multicore"`        // Enable multicore mode for better performance
	NumEventLoop   int           `yaml:"num_event_loop"`   // Number of event loops (0 for auto-detect)
	ReusePort      bool          `yaml:"reuse_port"`       // Enable SO_REUSEPORT for load balancing
	MaxConnections uint32        `yaml:"max_connections"`  // Open connection limit (0 for unlimited)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // Maximum wait for request bytes
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // Maximum wait for the socket to take response bytes
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // Maximum idle time before connection close
	MaxEntitySize  int64         `yaml:"max_entity_size"`  // Maximum decoded request body size
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Maximum request head size
	BufferSize     int           `yaml:"buffer_size"`      // Capacity of pooled conduit buffers
	HighWater      int           `yaml:"high_water"`       // Outbound backlog that stops writes

	// RateLimitBytes caps response bytes per RateLimitWindow; 0 disables.
	RateLimitBytes  int64         `yaml:"rate_limit_bytes"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`

	Compression    CompressionConfig `yaml:"compression"`
	DecodeRequests bool              `yaml:"decode_requests"` // Inflate gzip, deflate and br request bodies
	PipelineFlush  bool              `yaml:"pipeline_flush"`  // Coalesce responses to pipelined requests
	ServerName     string            `yaml:"server_name"`

	Logger         *zap.Logger          `yaml:"-"` // Logger for server events
	TracerProvider trace.TracerProvider `yaml:"-"` // Span source, the global provider if nil
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		Multicore:       true,
		NumEventLoop:    0, // Auto-detect
		ReusePort:       true,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		MaxEntitySize:   10 << 20, // 10 MB
		MaxHeaderBytes:  16 << 10,
		BufferSize:      16 << 10,
		HighWater:       conduit.DefaultHighWater,
		RateLimitWindow: time.Second,
		Compression: CompressionConfig{
			Enabled:   true,
			Level:     conduit.DefaultLevel,
			MinSize:   1024,
			Encodings: []string{"br", "gzip", "deflate"},
		},
		DecodeRequests: true,
		PipelineFlush:  true,
		ServerName:     "sluice",
		Logger:         zap.NewNop(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = 16 << 10
	}
	if c.MaxHeaderBytes < 256 {
		c.MaxHeaderBytes = 256
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 16 << 10
	}
	if c.HighWater <= 0 {
		c.HighWater = conduit.DefaultHighWater
	}
	if c.RateLimitBytes > 0 && c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Second
	}
	if c.Compression.MinSize < 0 {
		c.Compression.MinSize = 0
	}
	if len(c.Compression.Encodings) == 0 {
		c.Compression.Encodings = []string{"br", "gzip", "deflate"}
	}
	for _, enc := range c.Compression.Encodings {
		if !conduit.Supported(enc) {
			return fmt.Errorf("sluice: unsupported compression encoding %q", enc)
		}
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.IdleTimeout < 0 {
		return errors.New("sluice: negative timeout")
	}
	if c.MaxEntitySize < 0 {
		return fmt.Errorf("sluice: negative max entity size %d", c.MaxEntitySize)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// LoadConfig reads a YAML configuration file. Fields the file omits keep
// their DefaultConfig values; durations are Go duration strings ("30s").
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("sluice: reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("sluice: parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
