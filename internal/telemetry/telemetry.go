// Package telemetry unifies OpenTelemetry tracing and Prometheus metrics.
package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Config identifies the service in traces and metrics.
type Config struct {
	ServiceName string
	Version     string
}

// Telemetry bundles the tracer/meter providers and the Prometheus registry
// that the /metrics endpoint serves. Every component registers its collectors
// against Registry so one scrape covers the whole process.
type Telemetry struct {
	Registry *prometheus.Registry

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *metric.MeterProvider

	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
}

// Init sets up tracing and metrics. Traces get a provider with resource
// attributes and propagation configured; span export is left to whatever
// collector the deployment attaches. Metrics bridge OpenTelemetry readings
// into a dedicated Prometheus registry alongside the process collectors.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(promExporter),
	)
	otel.SetMeterProvider(mp)

	factory := promauto.With(registry)
	return &Telemetry{
		Registry:       registry,
		tracerProvider: tp,
		meterProvider:  mp,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		httpRequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
	}, nil
}

// Tracer returns a named tracer from the configured provider.
func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.tracerProvider.Tracer(name)
}

// ObserveHTTPRequest records metrics for one handled HTTP request.
func (t *Telemetry) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	t.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	t.httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	if err := t.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter provider: %w", err)
	}
	return nil
}
