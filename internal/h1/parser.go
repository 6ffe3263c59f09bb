// Package h1 is the HTTP/1.1 connection layer: it parses request heads off
// a gnet connection and assembles the conduit chains that frame request and
// response bodies.
package h1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/albertbausili/sluice/internal/chunk"
)

var (
	// ErrBadRequest reports a request head that cannot be parsed.
	ErrBadRequest = errors.New("h1: malformed request")
	// ErrUnsupportedVersion reports an HTTP version other than 1.0 or 1.1.
	ErrUnsupportedVersion = errors.New("h1: unsupported HTTP version")
	// ErrUnsupportedCoding reports a transfer-coding the server cannot decode.
	ErrUnsupportedCoding = errors.New("h1: unsupported transfer-coding")
	// ErrHeadTooLarge reports a request head over the configured size.
	ErrHeadTooLarge = errors.New("h1: request head too large")
)

// Request is a parsed request head plus the decoded body. Header names are
// lowercased; values are exactly as received.
type Request struct {
	Method     string
	Target     string
	Path       string
	RawQuery   string
	Proto      string
	ProtoMinor int
	Header     [][2]string
	Host       string

	// ContentLength is -1 when the body is chunked or absent.
	ContentLength int64
	Chunked       bool
	KeepAlive     bool

	ContentEncoding string
	AcceptEncoding  string
	Range           string

	// Body holds the decoded request body. It is only valid while the
	// handler runs.
	Body     []byte
	Trailers *chunk.Trailers

	ctx context.Context
}

// Context returns the request's context, which carries the exchange's
// trace span.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// Reset clears the request for reuse.
func (r *Request) Reset() {
	hdr := r.Header[:0]
	*r = Request{Header: hdr, ContentLength: -1}
}

// HeaderValue returns the first value of name, or "".
func (r *Request) HeaderValue(name string) string {
	for _, h := range r.Header {
		if asciiEqualFold([]byte(h[0]), name) {
			return h[1]
		}
	}
	return ""
}

// HasBody reports whether the head announces a request body.
func (r *Request) HasBody() bool {
	return r.Chunked || r.ContentLength > 0
}

var (
	crlf   = []byte("\r\n")
	sGET   = "GET"
	sHEAD  = "HEAD"
	sPOST  = "POST"
	sHTTP1 = "HTTP/1.1"
	sHTTP0 = "HTTP/1.0"
)

// ParseRequest parses one request head from buf into req. It returns the
// number of bytes the head occupied, or zero when buf does not yet hold a
// complete head.
func ParseRequest(buf []byte, req *Request) (int, error) {
	end := bytes.Index(buf, []byte("\r\n\r\n"))
	if end == -1 {
		return 0, nil
	}
	head := buf[:end+2]
	lineEnd := bytes.Index(head, crlf)
	if err := parseRequestLine(head[:lineEnd], req); err != nil {
		return 0, err
	}
	req.ContentLength = -1
	req.KeepAlive = req.ProtoMinor == 1

	lengthSeen := false
	for pos := lineEnd + 2; pos < len(head); {
		n := bytes.Index(head[pos:], crlf)
		line := head[pos : pos+n]
		pos += n + 2
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			return 0, fmt.Errorf("%w: obsolete line folding", ErrBadRequest)
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return 0, fmt.Errorf("%w: invalid header line", ErrBadRequest)
		}
		name := string(line[:colon])
		value := string(bytes.Trim(line[colon+1:], " \t"))
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return 0, fmt.Errorf("%w: invalid header %q", ErrBadRequest, name)
		}
		name = strings.ToLower(name)
		req.Header = append(req.Header, [2]string{name, value})
		if err := applyHeader(req, name, value, &lengthSeen); err != nil {
			return 0, err
		}
	}

	if req.ProtoMinor == 1 && req.Host == "" {
		return 0, fmt.Errorf("%w: missing Host header", ErrBadRequest)
	}
	if req.Chunked && lengthSeen {
		// A message with both framings may have been smuggled through an
		// intermediary; serve it chunked and do not reuse the connection.
		req.ContentLength = -1
		req.KeepAlive = false
	}
	return end + 4, nil
}

func parseRequestLine(line []byte, req *Request) error {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return fmt.Errorf("%w: invalid request line", ErrBadRequest)
	}
	sp2 := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2 <= 0 {
		return fmt.Errorf("%w: invalid request line", ErrBadRequest)
	}
	method, target, proto := line[:sp1], line[sp1+1:sp1+1+sp2], line[sp1+2+sp2:]

	switch string(method) {
	case sGET:
		req.Method = sGET
	case sHEAD:
		req.Method = sHEAD
	case sPOST:
		req.Method = sPOST
	default:
		if !httpguts.ValidHeaderFieldName(string(method)) {
			return fmt.Errorf("%w: invalid method", ErrBadRequest)
		}
		req.Method = string(method)
	}

	switch string(proto) {
	case sHTTP1:
		req.Proto, req.ProtoMinor = sHTTP1, 1
	case sHTTP0:
		req.Proto, req.ProtoMinor = sHTTP0, 0
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, proto)
	}

	if len(target) == 0 || bytes.ContainsAny(target, " \t") {
		return fmt.Errorf("%w: invalid request target", ErrBadRequest)
	}
	req.Target = string(target)
	req.Path, req.RawQuery, _ = strings.Cut(req.Target, "?")
	return nil
}

func applyHeader(req *Request, name, value string, lengthSeen *bool) error {
	switch name {
	case "host":
		if req.Host != "" {
			return fmt.Errorf("%w: repeated Host header", ErrBadRequest)
		}
		req.Host = value
	case "content-length":
		n, ok := parseInt64Bytes([]byte(value))
		if !ok {
			return fmt.Errorf("%w: invalid Content-Length %q", ErrBadRequest, value)
		}
		if *lengthSeen && n != req.ContentLength {
			return fmt.Errorf("%w: conflicting Content-Length", ErrBadRequest)
		}
		*lengthSeen = true
		if !req.Chunked {
			req.ContentLength = n
		}
	case "transfer-encoding":
		codings := strings.Split(value, ",")
		last := strings.TrimSpace(codings[len(codings)-1])
		if !strings.EqualFold(last, "chunked") || len(codings) > 1 {
			return fmt.Errorf("%w: %q", ErrUnsupportedCoding, value)
		}
		req.Chunked = true
		req.ContentLength = -1
	case "connection":
		if asciiContainsFold(value, "close") {
			req.KeepAlive = false
		} else if asciiContainsFold(value, "keep-alive") {
			req.KeepAlive = true
		}
	case "content-encoding":
		req.ContentEncoding = strings.ToLower(strings.TrimSpace(value))
	case "accept-encoding":
		if req.AcceptEncoding == "" {
			req.AcceptEncoding = value
		} else {
			req.AcceptEncoding += ", " + value
		}
	case "range":
		req.Range = value
	}
	return nil
}

// asciiEqualFold reports whether b equals s under ASCII case folding.
func asciiEqualFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		if lower(b[i]) != lower(s[i]) {
			return false
		}
	}
	return true
}

// asciiContainsFold reports whether s contains sub under ASCII case folding.
func asciiContainsFold(s, sub string) bool {
	m := len(sub)
	for i := 0; i+m <= len(s); i++ {
		match := true
		for j := 0; j < m; j++ {
			if lower(s[i+j]) != lower(sub[j]) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func lower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c | 0x20
	}
	return c
}

// parseInt64Bytes parses a non-negative base-10 int64, rejecting signs,
// empty input and overflow.
func parseInt64Bytes(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 18 {
		return 0, false
	}
	var n int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}
