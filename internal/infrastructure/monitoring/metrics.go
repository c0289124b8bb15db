// Package monitoring exposes Prometheus metrics for the sync backend and
// the local daemon.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsStored   prometheus.Gauge
	SessionsCaptured prometheus.Counter
	SessionsRestored prometheus.Counter

	// Sync metrics
	SyncCycles   *prometheus.CounterVec
	SyncDuration prometheus.Histogram
	PendingQueue prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates a metrics collector registered on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quickswitch_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quickswitch_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		SessionsStored: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "quickswitch_sessions_stored",
				Help: "Number of sessions currently stored",
			},
		),
		SessionsCaptured: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "quickswitch_sessions_captured_total",
				Help: "Total number of sessions captured",
			},
		),
		SessionsRestored: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "quickswitch_sessions_restored_total",
				Help: "Total number of sessions restored",
			},
		),

		SyncCycles: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quickswitch_sync_cycles_total",
				Help: "Total number of sync cycles by outcome",
			},
			[]string{"outcome"},
		),
		SyncDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "quickswitch_sync_duration_seconds",
				Help:    "Sync cycle duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
			},
		),
		PendingQueue: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "quickswitch_pending_changes",
				Help: "Depth of the pending change queue",
			},
		),
	}
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordSyncCycle records one completed sync cycle.
func (m *Metrics) RecordSyncCycle(outcome string, duration time.Duration) {
	m.SyncCycles.WithLabelValues(outcome).Inc()
	m.SyncDuration.Observe(duration.Seconds())
}

// Uptime returns time since process start.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}
