package h1

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/valyala/bytebufferpool"

	"github.com/albertbausili/sluice/internal/chunk"
	"github.com/albertbausili/sluice/internal/date"
)

// ResponseWriter collects a handler's response. The body is buffered until
// the handler returns; the connection then frames it through the response
// conduit chain.
type ResponseWriter struct {
	status   int
	header   [][2]string
	body     *bytebufferpool.ByteBuffer
	trailers *chunk.Trailers
}

func (w *ResponseWriter) reset() {
	if w.body != nil {
		bytebufferpool.Put(w.body)
	}
	clear(w.header)
	*w = ResponseWriter{header: w.header[:0]}
}

// WriteHeader sets the status code. Only the first call counts.
func (w *ResponseWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

// Status returns the status code, 200 if none was set.
func (w *ResponseWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// SetHeader replaces every value of name.
func (w *ResponseWriter) SetHeader(name, value string) {
	w.DelHeader(name)
	w.AddHeader(name, value)
}

// AddHeader appends a value to name.
func (w *ResponseWriter) AddHeader(name, value string) {
	w.header = append(w.header, [2]string{strings.ToLower(name), value})
}

// GetHeader returns the first value of name, or "".
func (w *ResponseWriter) GetHeader(name string) string {
	name = strings.ToLower(name)
	for _, h := range w.header {
		if h[0] == name {
			return h[1]
		}
	}
	return ""
}

// DelHeader removes name.
func (w *ResponseWriter) DelHeader(name string) {
	name = strings.ToLower(name)
	kept := w.header[:0]
	for _, h := range w.header {
		if h[0] != name {
			kept = append(kept, h)
		}
	}
	clear(w.header[len(kept):])
	w.header = kept
}

// Write appends p to the response body.
func (w *ResponseWriter) Write(p []byte) (int, error) {
	if w.body == nil {
		w.body = bytebufferpool.Get()
	}
	return w.body.Write(p)
}

// WriteString appends s to the response body.
func (w *ResponseWriter) WriteString(s string) (int, error) {
	if w.body == nil {
		w.body = bytebufferpool.Get()
	}
	return w.body.WriteString(s)
}

// Trailers returns the trailer fields sent after the body. Using them
// forces the chunked transfer-coding.
func (w *ResponseWriter) Trailers() *chunk.Trailers {
	if w.trailers == nil {
		w.trailers = chunk.NewTrailers()
	}
	return w.trailers
}

func (w *ResponseWriter) bodyBytes() []byte {
	if w.body == nil {
		return nil
	}
	return w.body.B
}

// framing describes how the body of a response is delimited on the wire.
type framing struct {
	length  int64 // content length, or -1
	chunked bool
	close   bool
	// trailerNames announces the trailer fields of a chunked body.
	trailerNames []string
	encoding     string
	vary         bool
}

// headers the connection owns and that a handler cannot set.
func hopHeader(name string) bool {
	switch name {
	case "content-length", "transfer-encoding", "connection", "keep-alive", "trailer", "date":
		return true
	}
	return false
}

// appendHead encodes a response head.
func appendHead(b []byte, proto string, status int, hdr [][2]string, f framing) []byte {
	b = append(b, proto...)
	b = append(b, ' ')
	b = strconv.AppendInt(b, int64(status), 10)
	b = append(b, ' ')
	b = append(b, http.StatusText(status)...)
	b = append(b, crlf...)

	b = append(b, "date: "...)
	b = append(b, date.Current()...)
	b = append(b, crlf...)

	for _, h := range hdr {
		if hopHeader(h[0]) {
			continue
		}
		b = append(b, h[0]...)
		b = append(b, ':', ' ')
		b = append(b, h[1]...)
		b = append(b, crlf...)
	}
	if f.encoding != "" {
		b = append(b, "content-encoding: "...)
		b = append(b, f.encoding...)
		b = append(b, crlf...)
	}
	if f.vary {
		b = append(b, "vary: accept-encoding\r\n"...)
	}
	switch {
	case f.chunked:
		b = append(b, "transfer-encoding: chunked\r\n"...)
		if len(f.trailerNames) > 0 {
			b = append(b, "trailer: "...)
			b = append(b, strings.Join(f.trailerNames, ", ")...)
			b = append(b, crlf...)
		}
	case f.length >= 0:
		b = append(b, "content-length: "...)
		b = strconv.AppendInt(b, f.length, 10)
		b = append(b, crlf...)
	}
	if f.close {
		b = append(b, "connection: close\r\n"...)
	} else if proto == sHTTP0 {
		b = append(b, "connection: keep-alive\r\n"...)
	}
	return append(b, crlf...)
}

// bodyAllowed reports whether a response with status may carry a body.
func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
