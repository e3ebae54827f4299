package service

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsServiceRecordsDetectorActivity(t *testing.T) {
	m := NewMetricsService()

	m.ObserveCycle("attendance", 2*time.Second, false)
	m.ObserveCycle("attendance", time.Second, true)
	m.RecordUserOutcome("attendance", "notified")
	m.RecordDiff("marks", "new_item", true)
	m.RecordDedupSuppressed("marks", 0)
	m.RecordDedupSuppressed("marks", 3)
	m.RecordCacheOperation(true)
	m.RecordCacheOperation(false)
	m.RecordCacheOperation(true)
	m.ObserveHTTPRequest(http.MethodGet, "/ready", http.StatusOK, time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.cycles.WithLabelValues("attendance", "failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.usersProcessed.WithLabelValues("attendance", "notified")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.diffsDetected.WithLabelValues("marks", "new_item", "true")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.dedupSuppressed.WithLabelValues("marks")))
	assert.InDelta(t, 2.0/3.0, testutil.ToFloat64(m.cacheHitRatio), 0.0001)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["http_requests_total"])
	assert.True(t, names["detector_cycle_duration_seconds"])

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `detector_cycles_total{domain="attendance",status="ok"} 1`))
}

func TestNilMetricsServiceIsSafe(t *testing.T) {
	var m *MetricsService
	m.ObserveCycle("marks", time.Second, false)
	m.RecordDispatch("marks_updates", "delivered")
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
