// Package middleware provides chi middleware for HTTP request metrics.
package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"crawlcore/internal/telemetry"
)

// Metrics returns a chi middleware that records request counts and latency
// against the telemetry registry, labeled by the matched route pattern.
func Metrics(t *telemetry.Telemetry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)

			routePattern := chi.RouteContext(r.Context()).RoutePattern()
			if routePattern == "" {
				routePattern = "unknown"
			}

			t.ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
