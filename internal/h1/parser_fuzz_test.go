package h1

import (
	"strings"
	"testing"
)

// FuzzParseRequest checks that arbitrary heads never panic and that an
// accepted head yields a consistent request.
func FuzzParseRequest(f *testing.F) {
	f.Add([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	f.Add([]byte("POST /api?x=1 HTTP/1.1\r\nHost: h\r\nContent-Length: 10\r\n\r\n"))
	f.Add([]byte("PUT /data HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n"))
	f.Add([]byte("GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n"))
	f.Add([]byte("GET / HTTP/1.1\r\nHost:  spaced  \r\nAccept-Encoding: gzip;q=0.5, br\r\n\r\n"))

	f.Add([]byte("GET /path\r\n\r\n"))
	f.Add([]byte("INVALID\r\n\r\n"))
	f.Add([]byte("\r\n\r\n"))
	f.Add([]byte("GET / HTTP/1.1\r\nHost: h\r\n folded\r\n\r\n"))
	f.Add([]byte("GET"))
	f.Add([]byte(""))

	f.Fuzz(func(t *testing.T, data []byte) {
		var req Request
		req.Reset()
		n, err := ParseRequest(data, &req)
		if err != nil || n == 0 {
			return
		}
		if n > len(data) || !strings.HasSuffix(string(data[:n]), "\r\n\r\n") {
			t.Fatalf("consumed %d of %d bytes", n, len(data))
		}
		if req.Method == "" || req.Target == "" {
			t.Errorf("accepted head without method or target: %q", data[:n])
		}
		if req.Proto != sHTTP1 && req.Proto != sHTTP0 {
			t.Errorf("accepted version %q", req.Proto)
		}
		if req.Chunked && req.ContentLength != -1 {
			t.Errorf("chunked request with length %d", req.ContentLength)
		}
		if req.ContentLength < -1 {
			t.Errorf("negative length %d", req.ContentLength)
		}
		for _, h := range req.Header {
			if h[0] != strings.ToLower(h[0]) {
				t.Errorf("header name %q not lowercased", h[0])
			}
		}
	})
}
