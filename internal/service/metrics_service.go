package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the watcher and dispatcher.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	cycles           *prometheus.CounterVec
	cycleDuration    *prometheus.HistogramVec
	usersProcessed   *prometheus.CounterVec
	diffsDetected    *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	dedupSuppressed  *prometheus.CounterVec
	lockContention   *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec
	dispatchOutcomes *prometheus.CounterVec

	cacheHitCount  uint64
	cacheMissCount uint64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "snapshot_cache_hit_ratio",
		Help: "Ratio of snapshot cache hits to total lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "snapshot_cache_hits_total",
		Help: "Total snapshot cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "snapshot_cache_misses_total",
		Help: "Total snapshot cache misses",
	})

	cycles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detector_cycles_total",
		Help: "Completed change detector cycles",
	}, []string{"domain", "status"})

	cycleDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "detector_cycle_duration_seconds",
		Help:    "Duration of change detector cycles",
		Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
	}, []string{"domain"})

	usersProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detector_users_processed_total",
		Help: "Users processed by outcome",
	}, []string{"domain", "outcome"})

	diffsDetected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detector_diffs_total",
		Help: "Detected diffs by change type and significance",
	}, []string{"domain", "change_type", "significant"})

	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_queued_total",
		Help: "Notification messages published to the queue",
	}, []string{"domain"})

	dedupSuppressed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dedup_suppressed_total",
		Help: "Diffs dropped because a live dedup marker existed",
	}, []string{"domain"})

	lockContention := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detector_lock_contention_total",
		Help: "Users skipped because another worker held the lock",
	}, []string{"domain"})

	upstreamErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_fetch_errors_total",
		Help: "Portal fetch failures by kind",
	}, []string{"domain", "kind"})

	dispatchOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_messages_total",
		Help: "Queue messages handled by the dispatcher",
	}, []string{"stream", "result"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheHitRatio, cacheHits, cacheMisses,
		cycles, cycleDuration, usersProcessed, diffsDetected, notifications, dedupSuppressed,
		lockContention, upstreamErrors, dispatchOutcomes, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:         registry,
		handler:          handler,
		requestDuration:  requestDuration,
		requestTotal:     requestTotal,
		cacheHitRatio:    cacheHitRatio,
		cacheHits:        cacheHits,
		cacheMisses:      cacheMisses,
		cycles:           cycles,
		cycleDuration:    cycleDuration,
		usersProcessed:   usersProcessed,
		diffsDetected:    diffsDetected,
		notifications:    notifications,
		dedupSuppressed:  dedupSuppressed,
		lockContention:   lockContention,
		upstreamErrors:   upstreamErrors,
		dispatchOutcomes: dispatchOutcomes,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records operator API request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records snapshot cache hit/miss metrics and updates the hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	if total := hits + misses; total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCycle records a finished detector cycle.
func (m *MetricsService) ObserveCycle(domain string, duration time.Duration, failed bool) {
	if m == nil {
		return
	}
	status := "ok"
	if failed {
		status = "failed"
	}
	m.cycles.WithLabelValues(domain, status).Inc()
	m.cycleDuration.WithLabelValues(domain).Observe(duration.Seconds())
}

// RecordUserOutcome counts a processed user.
func (m *MetricsService) RecordUserOutcome(domain, outcome string) {
	if m == nil {
		return
	}
	m.usersProcessed.WithLabelValues(domain, outcome).Inc()
}

// RecordDiff counts a detected diff.
func (m *MetricsService) RecordDiff(domain, changeType string, significant bool) {
	if m == nil {
		return
	}
	m.diffsDetected.WithLabelValues(domain, changeType, fmt.Sprintf("%t", significant)).Inc()
}

// RecordNotificationQueued counts a published queue message.
func (m *MetricsService) RecordNotificationQueued(domain string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(domain).Inc()
}

// RecordDedupSuppressed counts diffs dropped by the dedup cache.
func (m *MetricsService) RecordDedupSuppressed(domain string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dedupSuppressed.WithLabelValues(domain).Add(float64(n))
}

// RecordLockContention counts a user skipped because the lock was held.
func (m *MetricsService) RecordLockContention(domain string) {
	if m == nil {
		return
	}
	m.lockContention.WithLabelValues(domain).Inc()
}

// RecordUpstreamError counts a failed portal fetch.
func (m *MetricsService) RecordUpstreamError(domain, kind string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(domain, kind).Inc()
}

// RecordDispatch counts a dispatcher result: delivered, requeued or dropped.
func (m *MetricsService) RecordDispatch(stream, result string) {
	if m == nil {
		return
	}
	m.dispatchOutcomes.WithLabelValues(stream, result).Inc()
}
