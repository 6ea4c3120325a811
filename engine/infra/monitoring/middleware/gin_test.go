package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestHTTPMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	t.Run("Should record metrics for a matched route", func(t *testing.T) {
		ResetMetricsForTesting()
		reader := sdkmetric.NewManualReader()
		meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
		router := gin.New()
		router.Use(HTTPMetrics(context.Background(), meter))
		router.GET("/healthz", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
		assert.Equal(t, http.StatusOK, w.Code)

		got := collect(t, reader)
		total, ok := got["spice_http_requests_total"]
		require.True(t, ok)
		sum, ok := total.Data.(metricdata.Sum[int64])
		require.True(t, ok)
		require.Len(t, sum.DataPoints, 1)
		attrs := sum.DataPoints[0].Attributes.ToSlice()
		assert.Contains(t, attrs, attribute.String("method", "GET"))
		assert.Contains(t, attrs, attribute.String("path", "/healthz"))
		assert.Contains(t, attrs, attribute.String("status_code", "200"))
		assert.Contains(t, got, "spice_http_request_duration_seconds")
		assert.Contains(t, got, "spice_http_requests_in_flight")
	})
	t.Run("Should label unmatched routes", func(t *testing.T) {
		ResetMetricsForTesting()
		reader := sdkmetric.NewManualReader()
		meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
		router := gin.New()
		router.Use(HTTPMetrics(context.Background(), meter))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/nowhere", http.NoBody))
		assert.Equal(t, http.StatusNotFound, w.Code)

		sum, ok := collect(t, reader)["spice_http_requests_total"].Data.(metricdata.Sum[int64])
		require.True(t, ok)
		require.Len(t, sum.DataPoints, 1)
		attrs := sum.DataPoints[0].Attributes.ToSlice()
		assert.Contains(t, attrs, attribute.String("path", "unmatched"))
		assert.Contains(t, attrs, attribute.String("status_code", "404"))
	})
	t.Run("Should pass through with a noop meter", func(t *testing.T) {
		ResetMetricsForTesting()
		router := gin.New()
		router.Use(HTTPMetrics(context.Background(), noop.NewMeterProvider().Meter("test")))
		router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusNoContent) })
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", http.NoBody))
		assert.Equal(t, http.StatusNoContent, w.Code)
	})
	t.Run("Should pass through without a meter", func(t *testing.T) {
		ResetMetricsForTesting()
		router := gin.New()
		router.Use(HTTPMetrics(context.Background(), nil))
		router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusNoContent) })
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", http.NoBody))
		assert.Equal(t, http.StatusNoContent, w.Code)
	})
}
