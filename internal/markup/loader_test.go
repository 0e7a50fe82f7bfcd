package markup

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestLoader_Stdin verifies stdin input is read and returned as string.
func TestLoader_Stdin(t *testing.T) {
	t.Parallel()

	l := NewLoader(http.DefaultClient, time.Second, 0)
	src, err := l.Load(context.Background(), Input{Stdin: bytes.NewBufferString("<p>x</p>")})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if src != "<p>x</p>" {
		t.Fatalf("unexpected markup: %q", src)
	}
}

// TestLoader_File verifies a file is read when no URL is given.
func TestLoader_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "page.html")
	if err := os.WriteFile(path, []byte(`<button id="go">Go</button>`), 0o600); err != nil {
		t.Fatal(err)
	}
	l := NewLoader(nil, 0, 0)
	src, err := l.Load(context.Background(), Input{File: path, Stdin: strings.NewReader("ignored")})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !strings.Contains(src, `id="go"`) {
		t.Fatalf("unexpected markup: %q", src)
	}
}

// TestLoader_CapsRead verifies oversized input is read one byte past the cap,
// so Parse can reject it instead of parsing a truncated page.
func TestLoader_CapsRead(t *testing.T) {
	t.Parallel()

	l := NewLoader(nil, 0, 8)
	src, err := l.Load(context.Background(), Input{Stdin: strings.NewReader(strings.Repeat("x", 100))})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(src) != 9 {
		t.Fatalf("read %d bytes, want 9", len(src))
	}
	if _, err := Parse(src, Limits{MaxBytes: 8}); err == nil {
		t.Fatalf("expected Parse to reject capped input")
	}
}

// TestLoader_URL verifies a 2xx page is returned with our User-Agent.
func TestLoader_URL(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "selfheal/1.0" {
			http.Error(w, "bad agent", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("<p>ok</p>"))
	}))
	t.Cleanup(srv.Close)

	l := NewLoader(&http.Client{Timeout: 2 * time.Second}, 2*time.Second, 0)
	src, err := l.Load(context.Background(), Input{URL: srv.URL})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if src != "<p>ok</p>" {
		t.Fatalf("unexpected markup: %q", src)
	}
}

// TestLoader_URL_Non2xx verifies we include status code and a body snippet.
func TestLoader_URL_Non2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	l := NewLoader(&http.Client{Timeout: 2 * time.Second}, 2*time.Second, 0)
	_, err := l.Load(context.Background(), Input{URL: srv.URL})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	msg := err.Error()
	if !strings.Contains(msg, "http status 403") || !strings.Contains(msg, "nope") {
		t.Fatalf("unexpected error: %v", err)
	}
}
