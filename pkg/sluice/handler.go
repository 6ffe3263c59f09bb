package sluice

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/albertbausili/sluice/internal/h1"
)

// Handler serves one exchange on the connection's event loop. It must not
// block: the request body is complete and the response is buffered until
// the handler returns.
type Handler = h1.Handler

// HandlerFunc is an adapter to allow ordinary functions to be used as handlers.
type HandlerFunc = h1.HandlerFunc

// Request is a parsed request with its decoded body.
type Request = h1.Request

// ResponseWriter collects the response a handler produces.
type ResponseWriter = h1.ResponseWriter

// Middleware is a function that wraps a Handler with additional functionality.
type Middleware func(Handler) Handler

// Chain combines multiple middlewares into a single middleware. The first
// middleware is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(final Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// AccessLog returns a middleware that logs every exchange at info level.
// Paths in skip are not logged.
func AccessLog(logger *zap.Logger, skip ...string) Middleware {
	skipMap := make(map[string]bool, len(skip))
	for _, path := range skip {
		skipMap[path] = true
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(w *ResponseWriter, r *Request) {
			if skipMap[r.Path] {
				next.Serve(w, r)
				return
			}
			start := time.Now()
			next.Serve(w, r)
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.Path),
				zap.Int("status", w.Status()),
				zap.Int("request_bytes", len(r.Body)),
				zap.Duration("duration", time.Since(start)),
			}
			if id := w.GetHeader(requestIDHeader); id != "" {
				fields = append(fields, zap.String("request_id", id))
			}
			logger.Info("request", fields...)
		})
	}
}

const requestIDHeader = "x-request-id"

// RequestID returns a middleware that echoes the client's X-Request-ID
// header, generating one when the request has none.
func RequestID() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(w *ResponseWriter, r *Request) {
			id := r.HeaderValue(requestIDHeader)
			if id == "" {
				id = generateRequestID()
			}
			w.SetHeader(requestIDHeader, id)
			next.Serve(w, r)
		})
	}
}

var requestIDCounter atomic.Uint64

func generateRequestID() string {
	var random [8]byte
	_, _ = rand.Read(random[:])
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" +
		strconv.FormatUint(requestIDCounter.Add(1), 36) + "-" +
		hex.EncodeToString(random[:])
}

var startTime = time.Now()

// Health returns a middleware that answers GET and HEAD on path with a
// small JSON status document.
func Health(path string) Middleware {
	if path == "" {
		path = "/health"
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(w *ResponseWriter, r *Request) {
			if r.Path != path || (r.Method != "GET" && r.Method != "HEAD") {
				next.Serve(w, r)
				return
			}
			w.SetHeader("content-type", "application/json")
			w.SetHeader("cache-control", "no-store")
			_, _ = w.WriteString(`{"status":"ok","uptime":"` + time.Since(startTime).Round(time.Second).String() + `"}`)
		})
	}
}
