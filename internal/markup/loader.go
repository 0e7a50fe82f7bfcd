package markup

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Input describes where page markup should come from. The first non-empty
// source wins: URL, then File, then Stdin.
type Input struct {
	// URL, if provided, is fetched via HTTP GET.
	URL string

	// File is read from disk when URL is empty.
	File string

	// Stdin is used when URL and File are empty. If nil, stdin reads as empty.
	Stdin io.Reader
}

// Loader fetches or reads page markup with a consistent timeout and size policy.
type Loader struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int
}

// NewLoader creates a Loader. If client is nil, http.DefaultClient is used.
// maxBytes <= 0 uses DefaultLimits.MaxBytes.
func NewLoader(client *http.Client, timeout time.Duration, maxBytes int) *Loader {
	if client == nil {
		client = http.DefaultClient
	}
	if maxBytes <= 0 {
		maxBytes = DefaultLimits.MaxBytes
	}
	return &Loader{
		client:   client,
		timeout:  timeout,
		maxBytes: maxBytes,
	}
}

// Load returns the markup for input.
//
// Reads are capped at maxBytes+1 so an oversized page is still rejected by
// Parse with a size error rather than silently truncated.
//
// On non-2xx HTTP responses, Load returns an error that includes the status
// code and up to 4KB of the response body for debugging.
func (l *Loader) Load(ctx context.Context, input Input) (string, error) {
	switch {
	case strings.TrimSpace(input.URL) != "":
		return l.fetch(ctx, input.URL)
	case strings.TrimSpace(input.File) != "":
		f, err := os.Open(input.File)
		if err != nil {
			return "", fmt.Errorf("open markup file: %w", err)
		}
		defer f.Close()
		return l.read(f, "read markup file")
	case input.Stdin != nil:
		return l.read(input.Stdin, "read stdin")
	default:
		return "", nil
	}
}

func (l *Loader) read(r io.Reader, what string) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, int64(l.maxBytes)+1))
	if err != nil {
		return "", fmt.Errorf("%s: %w", what, err)
	}
	return string(b), nil
}

func (l *Loader) fetch(ctx context.Context, url string) (string, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", "selfheal/1.0")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return l.read(resp.Body, "read body")
}
