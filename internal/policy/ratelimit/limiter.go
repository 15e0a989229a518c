// Package ratelimit implements token-bucket rate limiting keyed by host,
// used to keep the bundled fetch worker polite toward individual origins.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// Config holds limiter settings. A non-positive RPS disables limiting.
type Config struct {
	PerHostRPS float64
	Burst      int
}

// Limiter hands out one token bucket per host.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

// New builds a Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Limit(cfg.PerHostRPS)
	if cfg.PerHostRPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   limit,
		burst:   burst,
	}
}

// Wait blocks until the host owning uri has a token available, or the context
// is cancelled. URIs that fail to parse share the "unknown" bucket.
func (l *Limiter) Wait(ctx context.Context, uri string) error {
	host := "unknown"
	if u, err := url.Parse(uri); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}

	l.mu.Lock()
	bucket, ok := l.buckets[host]
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets[host] = bucket
	}
	l.mu.Unlock()

	if err := bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	return nil
}
