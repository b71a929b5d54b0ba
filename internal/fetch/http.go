package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPOptions tunes the HTTP transport.
type HTTPOptions struct {
	MaxIdleConnsPerHost int
	UserAgent           string
}

// DefaultHTTPOptions returns options suited to large sequential downloads.
func DefaultHTTPOptions() HTTPOptions {
	return HTTPOptions{
		MaxIdleConnsPerHost: 16,
		UserAgent:           "dataset-tiered-cache",
	}
}

// HTTPTransport fetches http:// and https:// locators. Request deadlines
// come from the caller's context, not a client timeout, so a single attempt
// can run as long as the fetcher's per-attempt budget allows.
type HTTPTransport struct {
	client *http.Client
	opts   HTTPOptions
}

func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	transport := &http.Transport{
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true, // raw bytes; archives are already compressed
	}
	return &HTTPTransport{
		client: &http.Client{Transport: transport},
		opts:   opts,
	}
}

func (t *HTTPTransport) Open(ctx context.Context, locator string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	if t.opts.UserAgent != "" {
		req.Header.Set("User-Agent", t.opts.UserAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("unexpected status %s for %s", resp.Status, locator)
	}
	return resp.Body, resp.ContentLength, nil
}

// HubTransport resolves repository-style dataset-hub identifiers
// ("org/dataset") against a base URL and delegates to HTTP. The pipeline
// does not implement a dataset-hub client; richer hub protocols are plugged
// in by registering a different fallback transport.
type HubTransport struct {
	BaseURL string
	HTTP    *HTTPTransport
}

func (t *HubTransport) Open(ctx context.Context, locator string) (io.ReadCloser, int64, error) {
	if t.BaseURL == "" {
		return nil, 0, fmt.Errorf("hub transport: no base URL configured for %q", locator)
	}
	resolved, err := url.JoinPath(t.BaseURL, strings.Split(locator, "/")...)
	if err != nil {
		return nil, 0, fmt.Errorf("hub transport: resolving %q: %w", locator, err)
	}
	return t.HTTP.Open(ctx, resolved)
}
