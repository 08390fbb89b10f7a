package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/codedrop/codedrop/internal/config"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Manager defines the interface for metrics management. It doubles as the
// recorder for share operations and reaper sweeps.
type Manager interface {
	// HTTP Metrics
	RecordHTTPRequest(method, path, status string, duration time.Duration)

	// Share Metrics
	ShareCreated(fileType string, size int64)
	ShareFetched(outcome string)
	ShareRemoved(outcome string)
	CodeCollision()

	// Reaper Metrics
	SweepCompleted(removed, failures int, duration time.Duration)
	SweepFailed()

	// System Metrics
	UpdateDiskUsage(usedPercent float64, usedBytes, totalBytes uint64)

	// Export
	GetMetricsHandler() http.Handler
	Middleware() func(http.Handler) http.Handler

	// Lifecycle
	Start(ctx context.Context) error
	Stop() error
}

// metricsManager implements the Manager interface using Prometheus
type metricsManager struct {
	namespace string
	interval  time.Duration
	system    *SystemMetricsTracker
	registry  *prometheus.Registry

	// HTTP Metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Share Metrics
	sharesCreatedTotal *prometheus.CounterVec
	shareSizeBytes     prometheus.Histogram
	shareFetchesTotal  *prometheus.CounterVec
	shareRemovesTotal  *prometheus.CounterVec
	codeCollisions     prometheus.Counter

	// Reaper Metrics
	reaperSweepsTotal    *prometheus.CounterVec
	reaperRemovedTotal   prometheus.Counter
	reaperFailuresTotal  prometheus.Counter
	reaperSweepDuration  prometheus.Histogram
	reaperLastSweepEpoch prometheus.Gauge

	// System Metrics
	diskUsagePercent prometheus.Gauge
	diskUsedBytes    prometheus.Gauge
	diskTotalBytes   prometheus.Gauge

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewManager creates a new metrics manager. dataDir is the directory whose
// disk usage is reported.
func NewManager(cfg config.MetricsConfig, dataDir string) Manager {
	if !cfg.Enable {
		return &noopManager{}
	}

	interval := time.Duration(cfg.Interval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	manager := &metricsManager{
		namespace: "codedrop",
		interval:  interval,
		system:    NewSystemMetrics(dataDir),
		registry:  prometheus.NewRegistry(),
	}

	manager.initializeMetrics()
	return manager
}

// NewNoopManager returns a manager that records nothing
func NewNoopManager() Manager {
	return &noopManager{}
}

// initializeMetrics sets up all Prometheus metrics
func (m *metricsManager) initializeMetrics() {
	namespace := m.namespace

	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.sharesCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "share",
			Name:      "created_total",
			Help:      "Total number of shares created",
		},
		[]string{"file_type"},
	)

	m.shareSizeBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "share",
			Name:      "size_bytes",
			Help:      "Uploaded share size in bytes",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to 256MB
		},
	)

	m.shareFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "share",
			Name:      "fetches_total",
			Help:      "Total number of share fetches by outcome",
		},
		[]string{"outcome"},
	)

	m.shareRemovesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "share",
			Name:      "removes_total",
			Help:      "Total number of owner removals by outcome",
		},
		[]string{"outcome"},
	)

	m.codeCollisions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "share",
			Name:      "code_collisions_total",
			Help:      "Generated codes rejected because a live share held them",
		},
	)

	m.reaperSweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "sweeps_total",
			Help:      "Total number of reaper sweeps",
		},
		[]string{"status"},
	)

	m.reaperRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "removed_total",
			Help:      "Expired shares removed by the reaper",
		},
	)

	m.reaperFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "blob_failures_total",
			Help:      "Expired share objects the reaper failed to delete",
		},
	)

	m.reaperSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "sweep_duration_seconds",
			Help:      "Reaper sweep duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	m.reaperLastSweepEpoch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "last_sweep_timestamp_seconds",
			Help:      "Unix time of the last successful sweep",
		},
	)

	m.diskUsagePercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "disk_usage_percent",
			Help:      "Disk usage of the data directory in percent",
		},
	)

	m.diskUsedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "disk_used_bytes",
			Help:      "Used bytes on the data directory volume",
		},
	)

	m.diskTotalBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "disk_total_bytes",
			Help:      "Total bytes on the data directory volume",
		},
	)

	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.sharesCreatedTotal,
		m.shareSizeBytes,
		m.shareFetchesTotal,
		m.shareRemovesTotal,
		m.codeCollisions,
		m.reaperSweepsTotal,
		m.reaperRemovedTotal,
		m.reaperFailuresTotal,
		m.reaperSweepDuration,
		m.reaperLastSweepEpoch,
		m.diskUsagePercent,
		m.diskUsedBytes,
		m.diskTotalBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// HTTP Metrics Implementation

func (m *metricsManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Share Metrics Implementation

func (m *metricsManager) ShareCreated(fileType string, size int64) {
	m.sharesCreatedTotal.WithLabelValues(fileType).Inc()
	m.shareSizeBytes.Observe(float64(size))
}

func (m *metricsManager) ShareFetched(outcome string) {
	m.shareFetchesTotal.WithLabelValues(outcome).Inc()
}

func (m *metricsManager) ShareRemoved(outcome string) {
	m.shareRemovesTotal.WithLabelValues(outcome).Inc()
}

func (m *metricsManager) CodeCollision() {
	m.codeCollisions.Inc()
}

// Reaper Metrics Implementation

func (m *metricsManager) SweepCompleted(removed, failures int, duration time.Duration) {
	m.reaperSweepsTotal.WithLabelValues("success").Inc()
	m.reaperRemovedTotal.Add(float64(removed))
	m.reaperFailuresTotal.Add(float64(failures))
	m.reaperSweepDuration.Observe(duration.Seconds())
	m.reaperLastSweepEpoch.SetToCurrentTime()
}

func (m *metricsManager) SweepFailed() {
	m.reaperSweepsTotal.WithLabelValues("failure").Inc()
}

// System Metrics Implementation

func (m *metricsManager) UpdateDiskUsage(usedPercent float64, usedBytes, totalBytes uint64) {
	m.diskUsagePercent.Set(usedPercent)
	m.diskUsedBytes.Set(float64(usedBytes))
	m.diskTotalBytes.Set(float64(totalBytes))
}

// Export Implementation

func (m *metricsManager) GetMetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency labelled by route template,
// so share codes never become label values.
func (m *metricsManager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Create response writer wrapper to capture status code
			wrapped := &responseWriterWrapper{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			m.RecordHTTPRequest(r.Method, routeTemplate(r), strconv.Itoa(wrapped.statusCode), time.Since(start))
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// Lifecycle Implementation

// Start begins periodic collection of disk usage
func (m *metricsManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("metrics manager already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.started = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.collectSystemMetrics()
		for {
			select {
			case <-ticker.C:
				m.collectSystemMetrics()
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

func (m *metricsManager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return fmt.Errorf("metrics manager not started")
	}
	m.started = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

func (m *metricsManager) collectSystemMetrics() {
	stats, err := m.system.GetDiskUsage()
	if err != nil {
		logrus.WithError(err).Debug("Failed to collect disk usage")
		return
	}
	m.UpdateDiskUsage(stats.UsedPercent, stats.UsedBytes, stats.TotalBytes)
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Flush keeps streaming downloads flushable through the wrapper
func (w *responseWriterWrapper) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// noopManager is a no-op implementation when metrics are disabled
type noopManager struct{}

func (n *noopManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {}
func (n *noopManager) ShareCreated(fileType string, size int64)                              {}
func (n *noopManager) ShareFetched(outcome string)                                           {}
func (n *noopManager) ShareRemoved(outcome string)                                           {}
func (n *noopManager) CodeCollision()                                                        {}
func (n *noopManager) SweepCompleted(removed, failures int, duration time.Duration)          {}
func (n *noopManager) SweepFailed()                                                          {}
func (n *noopManager) UpdateDiskUsage(usedPercent float64, usedBytes, totalBytes uint64)     {}
func (n *noopManager) GetMetricsHandler() http.Handler                                       { return http.NotFoundHandler() }
func (n *noopManager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return next }
}
func (n *noopManager) Start(ctx context.Context) error { return nil }
func (n *noopManager) Stop() error                     { return nil }
