package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// maxBodyBytes caps how much of a response body is retained
const maxBodyBytes = 1 << 20

// attemptResult is the raw outcome of a single HTTP attempt
type attemptResult struct {
	Status    int
	Body      []byte
	Headers   http.Header
	LatencyMs int64
}

// Adapter performs a single HTTP attempt. Retries, the breaker, and the
// rules engine live in the Fetcher wrapper above it.
type Adapter interface {
	Name() string
	Do(ctx context.Context, rawURL string, opts Options) (*attemptResult, error)
}

// NewAdapter selects an adapter by configured name
func NewAdapter(name, proxyURL string) (Adapter, error) {
	switch name {
	case "", "direct":
		return NewDirectAdapter(), nil
	case "proxy":
		return NewProxyAdapter(proxyURL)
	default:
		return nil, fmt.Errorf("unknown fetcher adapter %q", name)
	}
}

// DirectAdapter issues requests straight to the target
type DirectAdapter struct {
	transport http.RoundTripper
}

// NewDirectAdapter creates the production adapter
func NewDirectAdapter() *DirectAdapter {
	return &DirectAdapter{transport: http.DefaultTransport}
}

func (a *DirectAdapter) Name() string { return "direct" }

func (a *DirectAdapter) Do(ctx context.Context, rawURL string, opts Options) (*attemptResult, error) {
	return doAttempt(ctx, a.transport, rawURL, opts)
}

// ProxyAdapter routes requests through a configured upstream proxy
type ProxyAdapter struct {
	transport http.RoundTripper
	proxy     string
}

// NewProxyAdapter creates an adapter bound to an upstream HTTP proxy
func NewProxyAdapter(proxyURL string) (*ProxyAdapter, error) {
	if proxyURL == "" {
		return nil, fmt.Errorf("proxy adapter requires a proxy URL")
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL %s: %w", proxyURL, err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = http.ProxyURL(parsed)

	return &ProxyAdapter{transport: transport, proxy: proxyURL}, nil
}

func (a *ProxyAdapter) Name() string { return "proxy" }

func (a *ProxyAdapter) Do(ctx context.Context, rawURL string, opts Options) (*attemptResult, error) {
	return doAttempt(ctx, a.transport, rawURL, opts)
}

// doAttempt runs one request with the per-attempt timeout and redirect
// policy from the options
func doAttempt(ctx context.Context, transport http.RoundTripper, rawURL string, opts Options) (*attemptResult, error) {
	client := &http.Client{
		Transport: transport,
		Timeout:   opts.timeout(),
	}
	if !opts.followRedirects() {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	var body io.Reader
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(ctx, opts.method(), rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", rawURL, err)
	}
	for key, value := range opts.Headers {
		req.Header.Set(key, value)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "vigil-scanner/1.0")
	}

	start := time.Now()
	resp, err := client.Do(req)
	latencyMs := time.Since(start).Milliseconds()
	if err != nil {
		return &attemptResult{LatencyMs: latencyMs}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &attemptResult{Status: resp.StatusCode, LatencyMs: latencyMs}, err
	}

	return &attemptResult{
		Status:    resp.StatusCode,
		Body:      data,
		Headers:   resp.Header,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}
