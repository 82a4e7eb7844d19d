package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments for the reporting core. All
// methods are nil-safe so callers can leave metrics unconfigured.
type Metrics struct {
	ReportsQueued  prometheus.Counter
	Uploads        *prometheus.CounterVec
	UploadLatency  prometheus.Histogram
	PendingReports prometheus.Gauge
}

// NewMetrics creates and registers the reporting instruments. Pass
// prometheus.DefaultRegisterer for standalone usage.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReportsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reporting_reports_queued_total",
			Help: "Reports accepted into the cache.",
		}),
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reporting_uploads_total",
			Help: "Upload attempts by outcome.",
		}, []string{"outcome"}),
		UploadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reporting_upload_latency_seconds",
			Help:    "Latency of upload attempts.",
			Buckets: prometheus.DefBuckets,
		}),
		PendingReports: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reporting_pending_reports",
			Help: "Reports currently part of an in-flight upload.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ReportsQueued, m.Uploads, m.UploadLatency, m.PendingReports)
	}
	return m
}

// RecordQueued counts an accepted report.
func (m *Metrics) RecordQueued() {
	if m == nil {
		return
	}
	m.ReportsQueued.Inc()
}

// RecordUpload counts an upload attempt with its outcome and latency.
func (m *Metrics) RecordUpload(outcome string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(outcome).Inc()
	m.UploadLatency.Observe(latencySeconds)
}

// AddPending adjusts the in-flight report gauge.
func (m *Metrics) AddPending(delta int) {
	if m == nil {
		return
	}
	m.PendingReports.Add(float64(delta))
}
