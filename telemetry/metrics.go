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
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/wolfeidau/playground-store"
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
	requestsTotal          metric.Int64Counter
	responseBytesTotal     metric.Int64Counter
	requestDuration        metric.Float64Histogram
	requestsByCommandTotal metric.Int64Counter

	cacheLookupsTotal       metric.Int64Counter
	cacheWriteSize          metric.Float64Histogram
	cacheEvictionsTotal     metric.Int64Counter
	cacheEvictionBytesTotal metric.Int64Counter
	cacheBytes              metric.Int64Gauge
	cacheEntries            metric.Int64Gauge

	quotaUsedBytes     metric.Int64Gauge
	quotaWarningsTotal metric.Int64Counter

	vaultUnlocksTotal   metric.Int64Counter
	vaultUnlockDuration metric.Float64Histogram

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	// Janitor metrics
	janitorDeletedTotal metric.Int64Counter
	janitorDuration     metric.Float64Histogram

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
		cfg.ServiceName = "playground-store"
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

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	counter := func(dst *metric.Int64Counter, name, desc, unit string) {
		if err != nil {
			return
		}
		*dst, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	}
	gauge := func(dst *metric.Int64Gauge, name, desc, unit string) {
		if err != nil {
			return
		}
		*dst, err = meter.Int64Gauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	}
	histogram := func(dst *metric.Float64Histogram, name, desc, unit string, bounds ...float64) {
		if err != nil {
			return
		}
		*dst, err = meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit(unit),
			metric.WithExplicitBucketBoundaries(bounds...),
		)
	}

	secondsBuckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	counter(&m.requestsTotal, "playground_store_http_requests_total", "Total number of HTTP requests", "{request}")
	counter(&m.responseBytesTotal, "playground_store_http_response_bytes_total", "Total bytes sent in HTTP responses", "By")
	histogram(&m.requestDuration, "playground_store_http_request_duration_seconds", "HTTP request duration in seconds", "s", secondsBuckets...)
	counter(&m.requestsByCommandTotal, "playground_store_commands_total", "Total commands dispatched by type", "{command}")

	counter(&m.cacheLookupsTotal, "playground_store_cache_lookups_total", "Cache lookups by result", "{lookup}")
	histogram(&m.cacheWriteSize, "playground_store_cache_write_size_bytes", "Size of blobs written to the cache", "By",
		1024, 16384, 262144, 1048576, 10485760, 52428800, 104857600, 524288000)
	counter(&m.cacheEvictionsTotal, "playground_store_cache_evictions_total", "Cache entries evicted by reason", "{entry}")
	counter(&m.cacheEvictionBytesTotal, "playground_store_cache_eviction_bytes_total", "Bytes freed by cache eviction", "By")
	gauge(&m.cacheBytes, "playground_store_cache_bytes", "Total payload bytes held by the cache", "By")
	gauge(&m.cacheEntries, "playground_store_cache_entries", "Number of cached blobs", "{entry}")

	gauge(&m.quotaUsedBytes, "playground_store_quota_used_bytes", "Bytes counted against the storage quota", "By")
	counter(&m.quotaWarningsTotal, "playground_store_quota_warnings_total", "Quota warnings emitted", "{warning}")

	counter(&m.vaultUnlocksTotal, "playground_store_vault_unlocks_total", "Secret unlock attempts by outcome", "{attempt}")
	histogram(&m.vaultUnlockDuration, "playground_store_vault_unlock_duration_seconds", "Key derivation and decryption time", "s", secondsBuckets...)

	histogram(&m.backendRequestDuration, "playground_store_backend_request_duration_seconds", "Backend operation duration in seconds", "s", secondsBuckets...)
	counter(&m.backendRequestsTotal, "playground_store_backend_requests_total", "Total backend operations", "{request}")
	counter(&m.backendBytesTotal, "playground_store_backend_bytes_total", "Total bytes transferred by backend operations", "By")

	counter(&m.janitorDeletedTotal, "playground_store_janitor_deleted_total", "Entries removed by the cache janitor", "{entry}")
	histogram(&m.janitorDuration, "playground_store_janitor_duration_seconds", "Duration of one janitor cycle", "s", secondsBuckets...)

	if err != nil {
		return nil, err
	}
	return &m, nil
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

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// The command type is read from request tags set by the handler.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	command := "unknown"
	if tags := GetTags(r); tags != nil && tags.Command != "" {
		command = tags.Command
	}

	sharedAttrs := []attribute.KeyValue{
		attribute.String("status_class", StatusClass(status)),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	detailAttrs := []attribute.KeyValue{
		attribute.String("command", command),
		attribute.String("status_class", StatusClass(status)),
	}
	globalMetrics.requestsByCommandTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
}

// RecordCacheLookup records a cache read or freshness check.
func RecordCacheLookup(ctx context.Context, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(result))))
}

// RecordCacheWrite records a blob written to the cache.
func RecordCacheWrite(ctx context.Context, size int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheWriteSize.Record(ctx, float64(size))
}

// RecordCacheEviction records one evicted entry.
// reason is "lru", "max_age", "corrupted", "explicit" or "clear".
func RecordCacheEviction(ctx context.Context, reason string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	globalMetrics.cacheEvictionsTotal.Add(ctx, 1, attrs)
	globalMetrics.cacheEvictionBytesTotal.Add(ctx, bytes, attrs)
}

// UpdateCacheState updates the cache size gauges.
func UpdateCacheState(ctx context.Context, entries int, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEntries.Record(ctx, int64(entries))
	globalMetrics.cacheBytes.Record(ctx, bytes)
}

// UpdateQuotaUsed records the bytes counted against the quota.
func UpdateQuotaUsed(ctx context.Context, used int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.quotaUsedBytes.Record(ctx, used)
}

// RecordQuotaWarning records an emitted quota warning.
func RecordQuotaWarning(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.quotaWarningsTotal.Add(ctx, 1)
}

// RecordVaultUnlock records a secret unlock attempt.
// outcome is "success", "wrong_passphrase", "canceled" or "error".
func RecordVaultUnlock(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.vaultUnlocksTotal.Add(ctx, 1, attrs)
	globalMetrics.vaultUnlockDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordJanitorCycle records one janitor cycle's deleted count and duration.
// Called unconditionally per cycle.
func RecordJanitorCycle(ctx context.Context, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.janitorDeletedTotal.Add(ctx, int64(deleted))
	globalMetrics.janitorDuration.Record(ctx, duration.Seconds())
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

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
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
