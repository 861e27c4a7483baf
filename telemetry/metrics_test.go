package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs a Metrics instance backed by a ManualReader.
// Returns the reader used to collect recorded data.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/artwork/42?src=https://example.com/a.png", nil)
	r = InjectTags(r)
	SetKind(r, "artwork")
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	// Verify requests_total
	dps := findCounter(rm, "media_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "kind", "artwork"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	// Verify response_bytes_total
	bytesDps := findCounter(rm, "media_cache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	// Verify request_duration histogram
	histDps := findHistogram(rm, "media_cache_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	// Shared metrics must NOT include endpoint attribute
	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/audio/7?src=https://example.com/e.mp3", nil)
	r = InjectTags(r)
	SetKind(r, "audio")
	SetCacheResult(r, CacheMiss)
	SetEndpoint(r, "prefetch")

	RecordHTTP(context.Background(), r, http.StatusOK, 4096, 100*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "media_cache_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "kind", "audio"))
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "prefetch"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "miss"))
}

func TestRecordHTTP_NoDetailMetricWithoutEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r = InjectTags(r)
	SetKind(r, "internal")
	SetCacheResult(r, CacheNA)
	// No SetEndpoint call

	RecordHTTP(context.Background(), r, http.StatusOK, 15, 1*time.Millisecond)

	rm := collectMetrics(t, reader)

	// Shared metrics should exist
	dps := findCounter(rm, "media_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "kind", "internal"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "na"))

	// Detail metric should have no data points
	detailDps := findCounter(rm, "media_cache_http_requests_by_endpoint_total")
	require.Empty(t, detailDps)
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	// Request without InjectTags - simulates a request that bypasses middleware
	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)

	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, 1*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "media_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "kind", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
}

func TestRecordHTTP_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r = InjectTags(r)

	// Should not panic
	RecordHTTP(context.Background(), r, http.StatusOK, 0, 1*time.Millisecond)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{299, "2xx"},
		{301, "3xx"},
		{304, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}

// findGauge finds an int64 gauge by name and returns its data points.
func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
				}
			}
		}
	}
	return nil
}

func TestRecordFetch(t *testing.T) {
	reader := setupTestMetrics(t)

	ctx := context.Background()
	RecordFetch(ctx, "image", "hit", 2*time.Millisecond)
	RecordFetch(ctx, "image", "hit", 3*time.Millisecond)
	RecordFetch(ctx, "audio", "miss", time.Second)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "media_cache_fetch_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		switch {
		case hasAttr(dp.Attributes, "class", "image"):
			require.EqualValues(t, 2, dp.Value)
			require.True(t, hasAttr(dp.Attributes, "result", "hit"))
		case hasAttr(dp.Attributes, "class", "audio"):
			require.EqualValues(t, 1, dp.Value)
			require.True(t, hasAttr(dp.Attributes, "result", "miss"))
		default:
			t.Fatalf("unexpected attributes %v", dp.Attributes)
		}
	}

	hist := findHistogram(rm, "media_cache_fetch_duration_seconds")
	require.Len(t, hist, 2)
}

func TestUpdateSchedulerState(t *testing.T) {
	reader := setupTestMetrics(t)

	UpdateSchedulerState(context.Background(), 3, 5, 42)

	rm := collectMetrics(t, reader)

	queued := findGauge(rm, "media_cache_queue_depth")
	require.Len(t, queued, 1)
	require.EqualValues(t, 3, queued[0].Value)

	active := findGauge(rm, "media_cache_active_fetches")
	require.Len(t, active, 1)
	require.EqualValues(t, 5, active[0].Value)

	entries := findGauge(rm, "media_cache_entries")
	require.Len(t, entries, 1)
	require.EqualValues(t, 42, entries[0].Value)
}

func TestRecordCleanup(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordCleanup(context.Background(), 2, 1, 4096, 10*time.Millisecond)

	rm := collectMetrics(t, reader)

	removed := findCounter(rm, "media_cache_cleanup_removed_total")
	require.Len(t, removed, 2)
	for _, dp := range removed {
		if hasAttr(dp.Attributes, "reason", "expired") {
			require.EqualValues(t, 2, dp.Value)
		} else {
			require.True(t, hasAttr(dp.Attributes, "reason", "orphan"))
			require.EqualValues(t, 1, dp.Value)
		}
	}

	freed := findCounter(rm, "media_cache_cleanup_bytes_freed_total")
	require.Len(t, freed, 1)
	require.EqualValues(t, 4096, freed[0].Value)
}

func TestRecordBackendOp(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordBackendOp(context.Background(), "blobs", "write", "success", time.Millisecond, 128)
	RecordBackendOp(context.Background(), "blobs", "stat", "not_found", time.Millisecond, 0)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "media_cache_backend_requests_total")
	require.Len(t, dps, 2)

	bytesDps := findCounter(rm, "media_cache_backend_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 128, bytesDps[0].Value)
	require.True(t, hasAttr(bytesDps[0].Attributes, "op", "write"))
}

func TestPrometheusHandler_NotFoundWhenDisabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
