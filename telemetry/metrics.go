// Package telemetry provides OpenTelemetry metrics for the content cache
// engine, with optional OTLP and Prometheus export.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/ebleck55/uipath-sales-cycle-guide-sub002"
)

// Load outcomes recorded on salescache_loads_total.
const (
	OutcomeHit      = "hit"
	OutcomeLoaded   = "loaded"
	OutcomeFallback = "fallback"
	OutcomeError    = "error"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	loadsTotal         metric.Int64Counter
	loadDuration       metric.Float64Histogram
	loadRetriesTotal   metric.Int64Counter
	evictionsTotal     metric.Int64Counter
	invalidationsTotal metric.Int64Counter
	cacheEntries       metric.Int64Gauge

	fetchTotal      metric.Int64Counter
	fetchDuration   metric.Float64Histogram
	fetchBytesTotal metric.Int64Counter

	broadcastTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "salesguide-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	loadsTotal, err := meter.Int64Counter(
		"salescache_loads_total",
		metric.WithDescription("Total number of load requests by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	loadDuration, err := meter.Float64Histogram(
		"salescache_load_duration_seconds",
		metric.WithDescription("Duration of load requests including retries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	loadRetriesTotal, err := meter.Int64Counter(
		"salescache_load_retries_total",
		metric.WithDescription("Total number of loader retry attempts"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return err
	}

	evictionsTotal, err := meter.Int64Counter(
		"salescache_evictions_total",
		metric.WithDescription("Total number of capacity evictions from the in-memory cache"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	invalidationsTotal, err := meter.Int64Counter(
		"salescache_invalidations_total",
		metric.WithDescription("Total number of explicitly invalidated cache entries"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	cacheEntries, err := meter.Int64Gauge(
		"salescache_cache_entries",
		metric.WithDescription("Number of resident in-memory cache entries"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	fetchTotal, err := meter.Int64Counter(
		"salescache_upstream_fetch_total",
		metric.WithDescription("Total number of upstream content fetches"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	fetchDuration, err := meter.Float64Histogram(
		"salescache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream content fetches"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	fetchBytesTotal, err := meter.Int64Counter(
		"salescache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from the content origin"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	broadcastTotal, err := meter.Int64Counter(
		"salescache_broadcast_total",
		metric.WithDescription("Total broadcast envelopes by direction"),
		metric.WithUnit("{envelope}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		loadsTotal:         loadsTotal,
		loadDuration:       loadDuration,
		loadRetriesTotal:   loadRetriesTotal,
		evictionsTotal:     evictionsTotal,
		invalidationsTotal: invalidationsTotal,
		cacheEntries:       cacheEntries,
		fetchTotal:         fetchTotal,
		fetchDuration:      fetchDuration,
		fetchBytesTotal:    fetchBytesTotal,
		broadcastTotal:     broadcastTotal,
		meterProvider:      mp,
		promHandler:        promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordLoad records one completed load request.
// document is the logical resource name, outcome one of the Outcome constants.
func RecordLoad(ctx context.Context, document, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("document", document),
		attribute.String("outcome", outcome),
	}
	globalMetrics.loadsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.loadDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("document", document)))
}

// RecordRetry records one loader retry attempt.
func RecordRetry(ctx context.Context, document string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.loadRetriesTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("document", document)))
}

// RecordEviction records one capacity eviction.
func RecordEviction(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.evictionsTotal.Add(ctx, 1)
}

// RecordInvalidation records n explicitly invalidated entries.
func RecordInvalidation(ctx context.Context, n int) {
	if globalMetrics == nil || n <= 0 {
		return
	}
	globalMetrics.invalidationsTotal.Add(ctx, int64(n))
}

// UpdateCacheEntries updates the resident-entry gauge.
func UpdateCacheEntries(ctx context.Context, n int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEntries.Record(ctx, int64(n))
}

// RecordUpstreamFetch records one fetch against the content origin.
// outcome is "success", "4xx", "5xx", "error" or "canceled".
func RecordUpstreamFetch(ctx context.Context, document string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("document", document),
		attribute.String("outcome", outcome),
	}
	globalMetrics.fetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.fetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.fetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordBroadcast records one broadcast envelope.
// direction is "published" or "received".
func RecordBroadcast(ctx context.Context, direction string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.broadcastTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
