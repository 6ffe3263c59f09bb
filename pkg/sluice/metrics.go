package sluice

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry returns the Prometheus registry holding the server's
// collectors.
func (s *Server) Registry() *prometheus.Registry { return s.registry }

// MetricsHandler returns an http.Handler exposing the server's metrics in
// the Prometheus text format. Serve it from a separate net/http listener.
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry:          s.registry,
		EnableOpenMetrics: true,
	})
}
