// Package httpfetch implements job.FetchWorker with plain HTTP requests.
// It is the worker the bundled binary wires when no external fetch fleet is
// attached: Probe issues a HEAD request to collect validators, Fetch performs
// the full GET. Link discovery and content extraction stay with downstream
// collaborators.
package httpfetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"crawlcore/internal/job"
)

// RateLimiter gates outbound requests, typically per host.
type RateLimiter interface {
	Wait(ctx context.Context, uri string) error
}

// Config controls request behavior. Limiter is optional; when set, every
// probe and fetch waits for a token before going out.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
	Limiter      RateLimiter
}

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBodyBytes = 8 << 20
)

// Worker fetches pages over HTTP.
type Worker struct {
	cfg    Config
	client *http.Client
}

// New builds a Worker with a pooled transport.
func New(cfg Config) *Worker {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Worker{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
	}
}

// Probe issues a HEAD request and reports the page's cache validators.
func (w *Worker) Probe(ctx context.Context, req job.FetchRequest) (job.FetchProbe, error) {
	if err := w.wait(ctx, req.URI); err != nil {
		return job.FetchProbe{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, req.URI, nil)
	if err != nil {
		return job.FetchProbe{}, fmt.Errorf("build probe request: %w", err)
	}
	w.setHeaders(httpReq)

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return job.FetchProbe{}, fmt.Errorf("probe %s: %w", req.URI, err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return job.FetchProbe{}, fmt.Errorf("drain probe body: %w", err)
	}

	return job.FetchProbe{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

// Fetch downloads the page body. Non-2xx statuses are reported as failed
// results rather than errors so the coordinator can count them against the
// job's failure budget.
func (w *Worker) Fetch(ctx context.Context, req job.FetchRequest) (job.FetchResult, error) {
	if err := w.wait(ctx, req.URI); err != nil {
		return job.FetchResult{}, err
	}
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URI, nil)
	if err != nil {
		return job.FetchResult{}, fmt.Errorf("build fetch request: %w", err)
	}
	w.setHeaders(httpReq)

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return job.FetchResult{
			Status:   job.FetchFailed,
			URI:      req.URI,
			Duration: time.Since(start),
			Err:      err.Error(),
		}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, w.cfg.MaxBodyBytes))
	if err != nil {
		return job.FetchResult{
			Status:   job.FetchFailed,
			URI:      req.URI,
			Duration: time.Since(start),
			Err:      fmt.Sprintf("read body: %v", err),
		}, nil
	}

	result := job.FetchResult{
		URI:          req.URI,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Body:         body,
		Bytes:        int64(len(body)),
		Duration:     time.Since(start),
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Status = job.FetchFailed
		result.Err = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		result.Body = nil
		return result, nil
	}
	result.Status = job.FetchSuccess
	return result, nil
}

func (w *Worker) wait(ctx context.Context, uri string) error {
	if w.cfg.Limiter == nil {
		return nil
	}
	return w.cfg.Limiter.Wait(ctx, uri)
}

func (w *Worker) setHeaders(req *http.Request) {
	if w.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", w.cfg.UserAgent)
	}
}
