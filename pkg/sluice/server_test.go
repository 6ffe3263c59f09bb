package sluice

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	config := DefaultConfig()
	server := New(config)

	if server == nil {
		t.Fatal("Expected non-nil server")
	}
	if server.Config().Addr != config.Addr {
		t.Errorf("Expected addr %s, got %s", config.Addr, server.Config().Addr)
	}
	if server.Registry() == nil {
		t.Error("Expected a metrics registry")
	}
}

func TestNew_InvalidConfigPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected New to panic on an invalid config")
		}
	}()
	New(Config{MaxEntitySize: -1})
}

func TestServer_Handler(t *testing.T) {
	server := NewWithDefaults()
	handler := HandlerFunc(func(w *ResponseWriter, r *Request) {
		_, _ = w.WriteString("ok")
	})

	if result := server.Handler(handler); result != server {
		t.Error("Expected Handler to return server for chaining")
	}
	if server.handler == nil {
		t.Error("Expected handler to be set")
	}
}

func TestServer_StartWithoutHandler(t *testing.T) {
	if err := NewWithDefaults().Start(); !errors.Is(err, ErrNoHandler) {
		t.Errorf("Start() error = %v, want ErrNoHandler", err)
	}
}

func TestServer_Stop(t *testing.T) {
	server := NewWithDefaults()

	// Calling stop on server that hasn't started should not error
	if err := server.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if n := server.ActiveConnections(); n != 0 {
		t.Errorf("ActiveConnections() = %d", n)
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func TestServer_EndToEnd(t *testing.T) {
	config := DefaultConfig()
	config.Addr = freeAddr(t)
	config.Multicore = false
	config.ReusePort = false
	config.Compression.MinSize = 64

	server := New(config).Use(RequestID())
	err := server.ListenAndServe(HandlerFunc(func(w *ResponseWriter, r *Request) {
		w.SetHeader("content-type", "text/plain")
		if r.Method == http.MethodPost {
			_, _ = w.Write(r.Body)
			return
		}
		_, _ = w.WriteString(strings.Repeat("sluice ", 100))
	}))
	if err != nil {
		t.Fatalf("ListenAndServe() error = %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	}()

	client := &http.Client{Timeout: 5 * time.Second}
	base := "http://" + config.Addr

	resp, err := client.Get(base + "/text")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != strings.Repeat("sluice ", 100) {
		t.Errorf("GET = %d, %d bytes", resp.StatusCode, len(body))
	}
	if !resp.Uncompressed {
		t.Error("Expected a gzip-encoded response")
	}
	if resp.Header.Get("X-Request-Id") == "" || resp.Header.Get("Server") != "sluice" {
		t.Errorf("headers = %v", resp.Header)
	}

	payload := bytes.Repeat([]byte("0123456789"), 5000)
	resp, err = client.Post(base+"/echo", "application/octet-stream", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !bytes.Equal(body, payload) {
		t.Errorf("echo returned %d bytes, want %d", len(body), len(payload))
	}

	rec := httptest.NewRecorder()
	server.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	metrics := rec.Body.String()
	for _, want := range []string{
		`sluice_exchanges_total{method="GET",status="200"} 1`,
		`sluice_exchanges_total{method="POST",status="200"} 1`,
		`sluice_encoded_bodies_total{direction="response",encoding="gzip"}`,
		"sluice_bytes_received_total",
	} {
		if !strings.Contains(metrics, want) {
			t.Errorf("metrics lack %s", want)
		}
	}
}
