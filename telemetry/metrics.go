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
	meterName = "github.com/wolfeidau/media-cache"
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
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	fetchTotal              metric.Int64Counter
	fetchDuration           metric.Float64Histogram
	blobWriteSize           metric.Float64Histogram
	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter
	backendRequestDuration  metric.Float64Histogram
	backendRequestsTotal    metric.Int64Counter
	backendBytesTotal       metric.Int64Counter

	// Scheduler gauges
	queueDepth    metric.Int64Gauge
	activeFetches metric.Int64Gauge
	cachedEntries metric.Int64Gauge

	// Cleanup metrics
	cleanupRemovedTotal    metric.Int64Counter
	cleanupBytesFreedTotal metric.Int64Counter
	cleanupDuration        metric.Float64Histogram

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
		cfg.ServiceName = "media-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
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
			otlpmetricgrpc.WithInsecure(),
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

// newMetrics creates every instrument on the given meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"media_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"media_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"media_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.requestsByEndpointTotal, err = meter.Int64Counter(
		"media_cache_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.fetchTotal, err = meter.Int64Counter(
		"media_cache_fetch_total",
		metric.WithDescription("Total settled cache fetches by class and result"),
		metric.WithUnit("{fetch}"),
	); err != nil {
		return nil, err
	}

	if m.fetchDuration, err = meter.Float64Histogram(
		"media_cache_fetch_duration_seconds",
		metric.WithDescription("Time from submission to settlement of a cache fetch"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	); err != nil {
		return nil, err
	}

	if m.blobWriteSize, err = meter.Float64Histogram(
		"media_cache_blob_write_size_bytes",
		metric.WithDescription("Size of blobs written to storage"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchDuration, err = meter.Float64Histogram(
		"media_cache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchTotal, err = meter.Int64Counter(
		"media_cache_upstream_fetch_total",
		metric.WithDescription("Total number of upstream fetch requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchBytesTotal, err = meter.Int64Counter(
		"media_cache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"media_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"media_cache_backend_requests_total",
		metric.WithDescription("Total number of backend storage operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"media_cache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.queueDepth, err = meter.Int64Gauge(
		"media_cache_queue_depth",
		metric.WithDescription("Fetches waiting for a slot"),
		metric.WithUnit("{fetch}"),
	); err != nil {
		return nil, err
	}

	if m.activeFetches, err = meter.Int64Gauge(
		"media_cache_active_fetches",
		metric.WithDescription("Fetches currently holding a slot"),
		metric.WithUnit("{fetch}"),
	); err != nil {
		return nil, err
	}

	if m.cachedEntries, err = meter.Int64Gauge(
		"media_cache_entries",
		metric.WithDescription("Entries in the metadata map"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.cleanupRemovedTotal, err = meter.Int64Counter(
		"media_cache_cleanup_removed_total",
		metric.WithDescription("Entries and orphan blobs removed by cleanup"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.cleanupBytesFreedTotal, err = meter.Int64Counter(
		"media_cache_cleanup_bytes_freed_total",
		metric.WithDescription("Bytes released by cleanup"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.cleanupDuration, err = meter.Float64Histogram(
		"media_cache_cleanup_duration_seconds",
		metric.WithDescription("Duration of cleanup passes"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	return m, nil
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
// Kind and cache result are read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	kind := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Kind != "" {
			kind = tags.Kind
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	sharedAttrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("kind", kind),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordFetch records a settled cache fetch. class is the scheduling class
// name and result one of "hit", "miss", "error" or "aborted".
func RecordFetch(ctx context.Context, class, result string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("class", class),
		attribute.String("result", result),
	)
	globalMetrics.fetchTotal.Add(ctx, 1, attrs)
	globalMetrics.fetchDuration.Record(ctx, duration.Seconds(), attrs)
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

// RecordBlobWrite records a stored blob with its on-disk size.
func RecordBlobWrite(ctx context.Context, class string, size int64, compressed bool) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("class", class),
		attribute.Bool("compressed", compressed),
	}
	globalMetrics.blobWriteSize.Record(ctx, float64(size), metric.WithAttributes(attrs...))
}

// RecordUpstreamFetch records an upstream fetch request.
func RecordUpstreamFetch(ctx context.Context, kind string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// UpdateSchedulerState records the scheduler gauges. Called by the cache
// worker whenever the queue or active set changes.
func UpdateSchedulerState(ctx context.Context, queued, active, entries int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.queueDepth.Record(ctx, int64(queued))
	globalMetrics.activeFetches.Record(ctx, int64(active))
	globalMetrics.cachedEntries.Record(ctx, int64(entries))
}

// RecordCleanup records one cleanup pass. expired counts entries dropped for
// age or integrity, orphans counts unreferenced blob files.
func RecordCleanup(ctx context.Context, expired, orphans int, bytesFreed int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cleanupRemovedTotal.Add(ctx, int64(expired), metric.WithAttributes(attribute.String("reason", "expired")))
	globalMetrics.cleanupRemovedTotal.Add(ctx, int64(orphans), metric.WithAttributes(attribute.String("reason", "orphan")))
	if bytesFreed > 0 {
		globalMetrics.cleanupBytesFreedTotal.Add(ctx, bytesFreed)
	}
	globalMetrics.cleanupDuration.Record(ctx, duration.Seconds())
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
