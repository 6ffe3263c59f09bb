// Package main runs a sluice server with a few diagnostic endpoints and a
// Prometheus metrics listener.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/albertbausili/sluice/pkg/sluice"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	addr := flag.String("addr", "", "listen address, overrides the config file")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus metrics listen address, empty to disable")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger, err := newLogger(*debug)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	config := sluice.DefaultConfig()
	if *configPath != "" {
		if config, err = sluice.LoadConfig(*configPath); err != nil {
			logger.Fatal("loading configuration", zap.Error(err))
		}
	}
	if *addr != "" {
		config.Addr = *addr
	}
	config.Logger = logger

	server := sluice.New(config).Use(
		sluice.RequestID(),
		sluice.AccessLog(logger, "/health"),
		sluice.Health("/health"),
	)

	var metricsServer *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", server.MetricsHandler())
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	if err := server.ListenAndServe(sluice.HandlerFunc(route)); err != nil {
		logger.Fatal("starting server", zap.Error(err))
	}

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(ctx)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func route(w *sluice.ResponseWriter, r *sluice.Request) {
	switch r.Path {
	case "/":
		w.SetHeader("content-type", "text/plain; charset=utf-8")
		_, _ = w.WriteString("sluice\n")
	case "/echo":
		echo(w, r)
	case "/inspect":
		inspect(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.WriteString("not found\n")
	}
}

// echo returns the decoded request body and copies request trailers into
// response trailers.
func echo(w *sluice.ResponseWriter, r *sluice.Request) {
	if ct := r.HeaderValue("content-type"); ct != "" {
		w.SetHeader("content-type", ct)
	}
	_, _ = w.Write(r.Body)
	r.Trailers.Each(func(name string, values []string) {
		for _, v := range values {
			w.Trailers().Add(name, v)
		}
	})
}

type inspection struct {
	Method          string      `json:"method"`
	Target          string      `json:"target"`
	Proto           string      `json:"proto"`
	Host            string      `json:"host"`
	Header          [][2]string `json:"header"`
	ContentLength   int64       `json:"content_length"`
	Chunked         bool        `json:"chunked"`
	ContentEncoding string      `json:"content_encoding,omitempty"`
	BodyBytes       int         `json:"body_bytes"`
	KeepAlive       bool        `json:"keep_alive"`
}

// inspect describes the request as JSON.
func inspect(w *sluice.ResponseWriter, r *sluice.Request) {
	data, err := json.Marshal(inspection{
		Method:          r.Method,
		Target:          r.Target,
		Proto:           r.Proto,
		Host:            r.Host,
		Header:          r.Header,
		ContentLength:   r.ContentLength,
		Chunked:         r.Chunked,
		ContentEncoding: r.ContentEncoding,
		BodyBytes:       len(r.Body),
		KeepAlive:       r.KeepAlive,
	})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.SetHeader("content-type", "application/json")
	_, _ = w.Write(data)
}
