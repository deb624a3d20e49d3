package images

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Prober checks whether a candidate URL actually serves content
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// HTTPProber probes candidates with a HEAD request, falling back to a
// ranged GET for gateways that reject HEAD.
type HTTPProber struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPProber creates an HTTP prober with a per-probe timeout
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Probe returns nil when the URL serves a successful response
func (p *HTTPProber) Probe(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.do(ctx, http.MethodHead, url)
	if err == nil {
		return nil
	}
	// Some gateways 405 HEAD requests; retry with a minimal GET.
	return p.do(ctx, http.MethodGet, url)
}

func (p *HTTPProber) do(ctx context.Context, method, url string) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("probe %s: unexpected status %d", url, resp.StatusCode)
}
